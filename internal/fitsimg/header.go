package fitsimg

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Card is one header record.
type Card struct {
	Name    string
	Value   any
	Comment string
}

// Header is an ordered list of cards. Lookups return the first card with a name.
type Header struct {
	cards []Card
}

func NewHeader(cards ...Card) *Header {
	h := &Header{cards: make([]Card, 0, len(cards))}
	h.cards = append(h.cards, cards...)
	return h
}

func (h *Header) Len() int { return len(h.cards) }

// Cards returns a copy of the cards in order.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

func (h *Header) index(name string) int {
	name = strings.ToUpper(name)
	for i := range h.cards {
		if h.cards[i].Name == name {
			return i
		}
	}
	return -1
}

func (h *Header) Get(name string) (Card, bool) {
	if i := h.index(name); i >= 0 {
		return h.cards[i], true
	}
	return Card{}, false
}

func (h *Header) Has(name string) bool { return h.index(name) >= 0 }

// Set replaces the first card named name, keeping its comment when comment is
// empty, or appends a new card.
func (h *Header) Set(name string, value any, comment string) {
	name = strings.ToUpper(name)
	if i := h.index(name); i >= 0 {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.cards = append(h.cards, Card{Name: name, Value: value, Comment: comment})
}

func (h *Header) Delete(name string) {
	name = strings.ToUpper(name)
	out := h.cards[:0]
	for _, c := range h.cards {
		if c.Name != name {
			out = append(out, c)
		}
	}
	h.cards = out
}

func (h *Header) Clone() *Header { return NewHeader(h.cards...) }

func (h *Header) Str(name string) (string, bool) {
	c, ok := h.Get(name)
	if !ok {
		return "", false
	}
	v, ok := c.Value.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (h *Header) Float(name string) (float64, bool) {
	c, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	return toFloat(c.Value)
}

func (h *Header) Int(name string) (int, bool) {
	c, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	f, ok := toFloat(c.Value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func (h *Header) Bool(name string) (bool, bool) {
	c, ok := h.Get(name)
	if !ok {
		return false, false
	}
	switch v := c.Value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.TrimSpace(v) {
		case "T":
			return true, true
		case "F":
			return false, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case *big.Int:
		f, _ := new(big.Float).SetInt(t).Float64()
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.Replace(t, "D", "E", 1)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// structural cards are regenerated by the encoder from bitpix and axes
func isStructural(name string) bool {
	switch name {
	case "SIMPLE", "XTENSION", "BITPIX", "NAXIS", "EXTEND", "PCOUNT", "GCOUNT", "END",
		"CHECKSUM", "DATASUM":
		return true
	}
	if strings.HasPrefix(name, "NAXIS") {
		_, err := strconv.Atoi(name[len("NAXIS"):])
		return err == nil
	}
	return false
}

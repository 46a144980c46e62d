package fitsimg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
)

const (
	blockSize = 2880
	cardSize  = 80
	// maxHeaderBlocks bounds the scan for END in a damaged file.
	maxHeaderBlocks = 1 << 12
)

var errNoEnd = errors.New("primary header has no END card")

// ReadHeader returns the primary header of path. It reads header blocks up to
// the END card and never touches the data unit.
func ReadHeader(path string) (*Header, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, err := DecodeHeader(r)
	if err != nil {
		return nil, fmt.Errorf("header %q: %w", path, err)
	}
	return h, nil
}

// DecodeHeader parses the primary header from r, stopping after the block that
// holds END. Commentary cards (COMMENT, HISTORY, blank) are dropped.
func DecodeHeader(r io.Reader) (*Header, error) {
	h := NewHeader()
	block := make([]byte, blockSize)
	for n := 0; n < maxHeaderBlocks; n++ {
		if _, err := io.ReadFull(r, block); err != nil {
			if n > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, errNoEnd
			}
			return nil, fmt.Errorf("read header block: %w", err)
		}
		for off := 0; off < blockSize; off += cardSize {
			raw := block[off : off+cardSize]
			name := strings.TrimSpace(string(raw[:8]))
			if n == 0 && off == 0 && name != "SIMPLE" {
				return nil, errors.New("not a FITS file: first card is not SIMPLE")
			}
			if name == "END" {
				return h, nil
			}
			c, ok, err := parseCard(raw)
			if err != nil {
				return nil, err
			}
			if ok {
				h.cards = append(h.cards, c)
			}
		}
	}
	return nil, errNoEnd
}

// parseCard decodes a fixed-format keyword card. ok is false for cards without
// a value indicator.
func parseCard(raw []byte) (Card, bool, error) {
	name := strings.TrimSpace(string(raw[:8]))
	if name == "" || len(raw) < 10 || !bytes.Equal(raw[8:10], []byte("= ")) {
		return Card{}, false, nil
	}
	field := string(raw[10:])
	trimmed := strings.TrimLeft(field, " ")

	if strings.HasPrefix(trimmed, "'") {
		s, rest, err := quoted(trimmed)
		if err != nil {
			return Card{}, false, fmt.Errorf("card %s: %w", name, err)
		}
		return Card{Name: name, Value: s, Comment: comment(rest)}, true, nil
	}

	tok, rest, _ := strings.Cut(trimmed, "/")
	tok = strings.TrimSpace(tok)
	c := Card{Name: name, Comment: strings.TrimSpace(rest)}
	switch {
	case tok == "":
	case tok == "T" || tok == "F":
		c.Value = tok == "T"
	default:
		if i, err := strconv.Atoi(tok); err == nil {
			c.Value = i
		} else if bi, ok := new(big.Int).SetString(tok, 10); ok {
			c.Value = bi
		} else if f, err := strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(tok), 64); err == nil {
			c.Value = f
		} else {
			// complex and other forms are kept as text
			c.Value = tok
		}
	}
	return c, true, nil
}

// quoted reads a FITS string starting at the opening quote. Doubled quotes stand
// for one quote and trailing blanks are not significant.
func quoted(s string) (string, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		return strings.TrimRight(b.String(), " "), s[i+1:], nil
	}
	return "", "", errors.New("unterminated string value")
}

func comment(rest string) string {
	_, after, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return strings.TrimSpace(after)
}

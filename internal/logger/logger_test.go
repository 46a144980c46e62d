package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, b)
	}
	return m
}

func TestSlog_ContextFieldsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Service: "cutouts", Component: "test"}, &buf)
	l := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCacheOutcome(ctx, "hit")
	ctx = WithImage(ctx, "/vos/images/m13.fits")
	l.With("mode", "trim").WithGroup("cutout").InfoContext(ctx, "served", "name", "x.fits", "err", errors.New("none"))

	m := decodeLine(t, buf.Bytes())
	want := map[string]string{
		"msg":         "served",
		"level":       "info",
		"service":     "cutouts",
		"component":   "test",
		"request_id":  "req-1",
		"cache":       "hit",
		"image":       "/vos/images/m13.fits",
		"mode":        "trim",
		"cutout.name": "x.fits",
		"cutout.err":  "none",
	}
	for k, v := range want {
		if got, _ := m[k].(string); got != v {
			t.Fatalf("%s=%v want %q (line %v)", k, m[k], v, m)
		}
	}
	if _, ok := m["timestamp"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestSlog_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	l := NewSlog(&zl)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	l.Warn("kept")
	if m := decodeLine(t, buf.Bytes()); m["level"] != "warn" {
		t.Fatalf("level=%v", m["level"])
	}
	Build(Config{Level: "info"}, &buf)
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if id := RequestID(ctx); len(id) != 16 {
		t.Fatalf("generated id %q", id)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestFromContext_NilParentDiscards(t *testing.T) {
	l := FromContext(WithImage(context.Background(), "/x.fits"), nil)
	l.Info().Msg("nowhere")
}

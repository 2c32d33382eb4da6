package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"":        zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("info", false, &buf)
	defer Init("info", false)

	WithComponent("pipeline").Info().Msg("hello")
	WithComponent("pipeline").Debug().Msg("filtered")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "pipeline" || entry["message"] != "hello" {
		t.Errorf("unexpected entry %v", entry)
	}

	buf.Reset()
	if lvl := SetLevel("debug"); lvl != zerolog.DebugLevel {
		t.Errorf("expected debug, got %s", lvl)
	}
	WithComponent("pipeline").Debug().Msg("visible")
	if buf.Len() == 0 {
		t.Error("expected debug output after SetLevel")
	}
	SetLevel("info")
}

package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufLogger(buf *bytes.Buffer, lvl zerolog.Level) Logger {
	return Logger{base: zerolog.New(buf).Level(lvl), hasBase: true}
}

func TestLoggerWritesMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := bufLogger(&buf, zerolog.InfoLevel).With(String("comp", "test"))

	log.Warn("upload failed", Int("attempt", 2))

	out := buf.String()
	for _, want := range []string{`"message":"upload failed"`, `"comp":"test"`, `"attempt":2`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s: %s", want, out)
		}
	}
}

func TestLoggerSuppressesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := bufLogger(&buf, zerolog.WarnLevel)

	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info record written despite warn threshold: %s", buf.String())
	}

	log.Error("loud")
	if !strings.Contains(buf.String(), `"message":"loud"`) {
		t.Fatalf("error record missing: %s", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	log.Error("dropped", Err(nil))
}

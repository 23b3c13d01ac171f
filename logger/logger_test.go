package logger_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/firasghr/powgate/logger"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.Level{
		"debug":   logger.LevelDebug,
		"INFO":    logger.LevelInfo,
		"warning": logger.LevelWarn,
		"error":   logger.LevelError,
		"bogus":   logger.LevelInfo,
		"":        logger.LevelInfo,
	}
	for in, want := range cases {
		if got := logger.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %d, want %d", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.LevelInfo)

	log.Debug("hidden debug")
	log.Infof("visible %d", 1)
	if strings.Contains(buf.String(), "hidden debug") {
		t.Error("debug line emitted at info level")
	}
	if !strings.Contains(buf.String(), "visible 1") {
		t.Errorf("info line missing, got %q", buf.String())
	}

	log.SetLevel(logger.LevelDebug)
	log.Debugf("now %s", "shown")
	if !strings.Contains(buf.String(), "now shown") {
		t.Error("debug line missing after SetLevel(LevelDebug)")
	}
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := logger.NewWithWriter(&buf, logger.LevelError)
	child := parent.With("flow", "abc")

	child.Info("dropped")
	parent.SetLevel(logger.LevelInfo)
	child.Info("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("child ignored parent level")
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "flow=abc") {
		t.Errorf("child line missing attributes: %q", out)
	}
}

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/bloombot/internal/config"
)

func TestApplyReload(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	level := new(slog.LevelVar)
	applyReload(level, config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogWarn,
		RestartRequired: []string{"audio.clip"},
	})

	if level.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want WARN", level.Level())
	}
	if !strings.Contains(buf.String(), "audio.clip") {
		t.Errorf("restart warning not logged: %q", buf.String())
	}

	buf.Reset()
	applyReload(level, config.ConfigDiff{})
	if level.Level() != slog.LevelWarn || buf.Len() != 0 {
		t.Errorf("empty diff changed state: level=%v log=%q", level.Level(), buf.String())
	}
}

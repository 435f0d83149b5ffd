package cmd

import (
	"log/slog"
	"testing"
)

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"ask", "ingest", "serve", "mcp", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestLogLevel(t *testing.T) {
	orig := verbose
	defer func() { verbose = orig }()

	verbose = false
	if got := logLevel(); got != slog.LevelInfo {
		t.Errorf("logLevel() = %v, want %v", got, slog.LevelInfo)
	}

	verbose = true
	if got := logLevel(); got != slog.LevelDebug {
		t.Errorf("logLevel() = %v, want %v", got, slog.LevelDebug)
	}
}

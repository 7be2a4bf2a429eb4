package veil

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatsCommandOnEmptyDatabase(t *testing.T) {
	t.Setenv("VEIL_DB_PATH", filepath.Join(t.TempDir(), "veil.db"))
	t.Setenv("VEIL_LOG_LEVEL", "error")

	app := App()
	var out bytes.Buffer
	app.Writer = &out
	if err := app.Run([]string{"veil", "stats"}); err != nil {
		t.Fatalf("run stats: %v", err)
	}
	if !strings.Contains(out.String(), "users: 0") {
		t.Fatalf("output = %q, want users: 0", out.String())
	}
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("VEIL_DB_PATH", filepath.Join(t.TempDir(), "data", "veil.db"))
	t.Setenv("VEIL_LOG_LEVEL", "error")

	if err := App().Run([]string{"veil", "migrate"}); err != nil {
		t.Fatalf("run migrate: %v", err)
	}
}

func TestServeRequiresTokenSecret(t *testing.T) {
	t.Setenv("VEIL_DB_PATH", filepath.Join(t.TempDir(), "veil.db"))
	t.Setenv("VEIL_LOG_LEVEL", "error")
	t.Setenv("VEIL_TOKEN_SECRET", "short")

	err := App().Run([]string{"veil", "serve"})
	if err == nil || !strings.Contains(err.Error(), "VEIL_TOKEN_SECRET") {
		t.Fatalf("run serve = %v, want token secret error", err)
	}
}

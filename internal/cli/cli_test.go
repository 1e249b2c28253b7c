package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bcnelson/stack-provisioner/internal/auth"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	err := Execute(context.Background(), args, &stdout, io.Discard)
	return stdout.String(), err
}

func TestRenderCommand(t *testing.T) {
	t.Setenv("BASE_DOMAIN", "agents.example.com")

	envFile := filepath.Join(t.TempDir(), "bot.env")
	if err := os.WriteFile(envFile, []byte("TELEGRAM_BOT_TOKEN=abc123\n"), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	out, err := run(t, "render", "--template", "lightweight-bot", "--name", "acme-bot-01", "--env-file", envFile, "--memory", "512m")
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, want := range []string{`TELEGRAM_BOT_TOKEN: "abc123"`, "container_name: acme-bot-01", `memory: "512m"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestRenderCommandRejectsBadInput(t *testing.T) {
	if _, err := run(t, "render", "--template", "nope", "--name", "bot"); err == nil {
		t.Error("Expected unknown template to fail")
	}
	if _, err := run(t, "render", "--template", "lightweight-bot", "--name", "Bad_Name"); err == nil {
		t.Error("Expected invalid name to fail")
	}
	if _, err := run(t, "render", "--template", "lightweight-bot"); err == nil {
		t.Error("Expected missing --name to fail")
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--tenant", "acme")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}

	claims, err := auth.ValidateToken(strings.TrimSpace(out), "cli-secret")
	if err != nil {
		t.Fatalf("Issued token did not validate: %v", err)
	}
	if claims.TenantID != "acme" || claims.Subject != "acme" {
		t.Errorf("Unexpected claims: %+v", claims)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")

	if _, err := run(t, "token", "--tenant", "acme"); err == nil {
		t.Error("Expected error without AUTH_JWT_SECRET")
	}
}

func TestMigrateCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "provisioner.db")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_DSN", dsn)

	if _, err := run(t, "migrate"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Errorf("Expected database file to exist: %v", err)
	}

	// Running again is a no-op
	if _, err := run(t, "migrate"); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("PLATFORM_API_URL", "")
	t.Setenv("PLATFORM_SHIM_DIR", "")

	if _, err := run(t, "serve"); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestEnsureDataDir(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		driver, dsn string
		wantDir     string
	}{
		{"sqlite3", filepath.Join(base, "a", "x.db"), filepath.Join(base, "a")},
		{"sqlite3", "file:" + filepath.Join(base, "b", "x.db") + "?_fk=1", filepath.Join(base, "b")},
		{"sqlite3", ":memory:", ""},
		{"postgres", "postgres://localhost/db", ""},
	}

	for _, tt := range tests {
		if err := ensureDataDir(tt.driver, tt.dsn); err != nil {
			t.Errorf("ensureDataDir(%q) failed: %v", tt.dsn, err)
			continue
		}
		if tt.wantDir != "" {
			if info, err := os.Stat(tt.wantDir); err != nil || !info.IsDir() {
				t.Errorf("Expected directory %s to exist", tt.wantDir)
			}
		}
	}
}

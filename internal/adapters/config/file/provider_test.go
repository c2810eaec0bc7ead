package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-turn-engine/internal/pkg/config"
)

func writeConfig(t *testing.T, path, welcome string) {
	t.Helper()
	body := "agents:\n  - developer_name: support\n    welcome_message: " + welcome + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("NewProvider() error = nil, want error")
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "first")

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents[0].WelcomeMessage != "first" {
		t.Fatalf("WelcomeMessage = %q, want first", cfg.Agents[0].WelcomeMessage)
	}

	changed := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changed <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeConfig(t, path, "second")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if len(c.Agents) == 1 && c.Agents[0].WelcomeMessage == "second" {
				if p.Current().Agents[0].WelcomeMessage != "second" {
					t.Errorf("Current() not updated")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	data := `
log_level: debug
trace_db: runs.db
apps:
  - name: power_3
    builtin: power_3
  - name: hello
    path: apps/hello.js
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want default text", cfg.LogFormat)
	}
	if cfg.TraceDB != "runs.db" {
		t.Errorf("TraceDB = %q, want runs.db", cfg.TraceDB)
	}
	if len(cfg.Apps) != 2 || cfg.Apps[1].Path != "apps/hello.js" {
		t.Errorf("Apps = %+v", cfg.Apps)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tooMany := make([]AppConfig, MaxAppNum+1)
	for i := range tooMany {
		tooMany[i] = AppConfig{Builtin: "hello"}
	}

	tests := []struct {
		name    string
		apps    []AppConfig
		wantErr string
	}{
		{"empty", nil, "no applications"},
		{"too many", tooMany, "at most"},
		{"neither", []AppConfig{{Name: "x"}}, "exactly one"},
		{"both", []AppConfig{{Path: "a.js", Builtin: "hello"}}, "exactly one"},
		{"ok", []AppConfig{{Builtin: "hello"}, {Path: "a.js"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Apps = tt.apps
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	if AppBase(0) != AppBaseAddress {
		t.Errorf("AppBase(0) = %#x", AppBase(0))
	}
	if AppBase(3) != AppBaseAddress+3*AppSizeLimit {
		t.Errorf("AppBase(3) = %#x", AppBase(3))
	}
	if KernelStackBase+MaxAppNum*KernelStackSize > UserStackBase {
		t.Error("kernel stacks overlap user stacks")
	}
	if UserStackBase+MaxAppNum*UserStackSize > AppBaseAddress {
		t.Error("user stacks overlap application images")
	}
}

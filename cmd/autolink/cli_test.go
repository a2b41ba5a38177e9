package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autolink.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFlagOverrides(t *testing.T) {
	path := writeConfig(t, "node_name: fromfile\nlog:\n  level: info\n")
	cfg, err := Options{ConfigPath: path, LogLevel: "debug", NodeName: "fromflag", ClientOnly: true, Chatter: true}.loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeName != "fromflag" || cfg.Log.Level != "debug" || cfg.Roles.Server || !cfg.Chatter.Enable {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	path := writeConfig(t, "node_name: printed\n")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"node_name: printed", "type: _autolink._tcp", "timeout: 10s"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

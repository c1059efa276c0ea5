package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	bkrepo "github.com/owenlxu/bk-repo"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"config", "gen"}, want: false},
		{name: "version subcommand", args: []string{"version"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "version"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	var defaults configDefaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		t.Fatalf("unmarshal generated config: %v", err)
	}
	if defaults.Listen != bkrepo.DefaultListen {
		t.Fatalf("listen = %q, want %q", defaults.Listen, bkrepo.DefaultListen)
	}
	if defaults.Store != bkrepo.DefaultStore || defaults.Catalog != bkrepo.DefaultCatalog {
		t.Fatalf("store/catalog = %q/%q", defaults.Store, defaults.Catalog)
	}
	if _, err := humanize.ParseBytes(defaults.RefInlineMax); err != nil {
		t.Fatalf("ref-inline-max %q does not parse: %v", defaults.RefInlineMax, err)
	}
	if _, err := humanize.ParseBytes(defaults.BlobMax); err != nil {
		t.Fatalf("blob-max %q does not parse: %v", defaults.BlobMax, err)
	}
	if !defaults.VerifyCompressedContent {
		t.Fatal("verify-compressed-content should default to true")
	}
}

func TestConfigGenWritesFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "ddcd.yaml")

	cmd := newConfigGenCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--out", out})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("generated file missing: %v", err)
	}

	// A second run without --force refuses to overwrite.
	cmd = newConfigGenCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--out", out})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected overwrite refusal without --force")
	}

	cmd = newConfigGenCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--out", out, "--force"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := expandPath("~/ddcd.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "ddcd.yaml") {
		t.Fatalf("expanded = %q", got)
	}
}

func TestHumanizeBytesHasNoSpaces(t *testing.T) {
	if got := humanizeBytes(64 << 10); got == "" || got != "66kB" {
		t.Fatalf("humanizeBytes(64KiB) = %q", got)
	}
}

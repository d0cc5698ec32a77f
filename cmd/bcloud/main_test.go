package main

import (
	"path/filepath"
	"testing"

	"github.com/dfelinto/blender-cloud-addon/internal/config"
	"github.com/dfelinto/blender-cloud-addon/pkg/client"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{3 << 20, "3.0 MiB"},
		{5 << 30, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestResolveToken(t *testing.T) {
	t.Setenv(client.TokenFileEnv, filepath.Join(t.TempDir(), "token.json"))

	cfg = &config.Config{Token: "from-flag"}
	if tok, err := resolveToken(); err != nil || tok != "from-flag" {
		t.Errorf("flag token = %q, %v", tok, err)
	}

	cfg = &config.Config{}
	if tok, err := resolveToken(); err != nil || tok != "" {
		t.Errorf("no token = %q, %v", tok, err)
	}

	if err := client.SaveToken(&client.TokenFile{Token: "saved", Server: "https://cloud.blender.org/api/"}); err != nil {
		t.Fatal(err)
	}
	if tok, err := resolveToken(); err != nil || tok != "saved" {
		t.Errorf("saved token = %q, %v", tok, err)
	}
}

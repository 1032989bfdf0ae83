package main

import (
	"testing"

	"agent-exec-sandbox/internal/lang"
)

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"script.py", "python", false},
		{"dir/analysis.js", "javascript", false},
		{"setup.sh", "shell", false},
		{"archive.tar.gz", "", true},
		{"noextension", "", true},
	}
	registry := lang.NewRegistry()
	for _, tt := range tests {
		got, err := detectLanguage(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("detectLanguage(%q) err = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("detectLanguage(%q) = %q, want %q", tt.path, got, tt.want)
		}
		// Every detected tag must be one the server's registry resolves.
		if got != "" {
			if _, err := registry.Get(got); err != nil {
				t.Errorf("detected tag %q unknown to registry: %v", got, err)
			}
		}
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.py", ".py"},
		{"dir.d/file.js", ".js"},
		{"noext", ""},
		{"some.dir/noext", ""},
		{"trailing.", "."},
	}
	for _, tt := range tests {
		if got := fileExtension(tt.path); got != tt.want {
			t.Errorf("fileExtension(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

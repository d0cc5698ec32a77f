package httpcache

import (
	"net/http"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"HTTPS://Cloud.Blender.org:443/api/nodes?b=2&a=1", "https://cloud.blender.org/api/nodes?a=1&b=2"},
		{"http://example.com:80", "http://example.com/"},
		{"http://example.com:8080/x#frag", "http://example.com:8080/x"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKey(t *testing.T) {
	base := Key("GET", "https://cloud.blender.org/api/nodes?a=1&b=2", nil)
	if base != Key("get", "https://CLOUD.blender.org/api/nodes?b=2&a=1", http.Header{}) {
		t.Error("equivalent requests produced different keys")
	}
	if base == Key("GET", "https://cloud.blender.org/api/nodes?a=1&b=3", nil) {
		t.Error("different queries produced the same key")
	}
	withAuth := Key("GET", "https://cloud.blender.org/api/nodes?a=1&b=2", http.Header{"Authorization": {"Bearer t1"}})
	if withAuth == base {
		t.Error("credential not part of the key")
	}
	if withAuth == Key("GET", "https://cloud.blender.org/api/nodes?a=1&b=2", http.Header{"Authorization": {"Bearer t2"}}) {
		t.Error("different credentials produced the same key")
	}
	if base == Key("GET", "https://cloud.blender.org/api/nodes?a=1&b=2", http.Header{"Accept": {"image/*"}}) {
		t.Error("Accept header not part of the key")
	}
}

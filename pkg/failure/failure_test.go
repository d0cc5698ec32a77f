package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"network", Network("GET", "http://x", errors.New("connection refused")), KindNetwork},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindNetwork},
		{"cancelled", Network("GET", "http://x", context.Canceled), KindCancelled},
		{"status", &StatusError{URL: "http://x", StatusCode: 500}, KindHTTPStatus},
		{"integrity", &IntegrityError{Path: "a", Declared: 10, Actual: 5}, KindIntegrity},
		{"filesystem", Filesystem("mkdir", "/x", os.ErrPermission), KindFilesystem},
		{"corrupt", fmt.Errorf("load: %w", &CacheCorruption{Key: "k", Err: errors.New("bad")}), KindCacheCorruption},
		{"other", errors.New("boom"), KindOther},
	}

	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("%s: Kind = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNetwork_PassesCancellationThrough(t *testing.T) {
	err := Network("GET", "http://x", context.Canceled)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled unchanged, got %v", err)
	}
	if Network("GET", "http://x", nil) != nil {
		t.Error("Network(nil) should be nil")
	}
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("download: %w", Status("http://x/a", &http.Response{StatusCode: 404, Status: "404 Not Found"}))

	se, ok := AsStatus(err)
	if !ok {
		t.Fatal("AsStatus returned false")
	}
	if se.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", se.StatusCode)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound returned false for 404")
	}
	if want := "GET http://x/a: server returned 404 Not Found"; se.Error() != want {
		t.Errorf("Error() = %q, want %q", se.Error(), want)
	}
}

func TestIntegrityError_Message(t *testing.T) {
	err := &IntegrityError{Path: "tex.png", Declared: 1000, Actual: 500}
	if want := "integrity check failed for tex.png: declared 1000 bytes, got 500"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if _, ok := AsIntegrity(fmt.Errorf("wrapped: %w", err)); !ok {
		t.Error("AsIntegrity returned false")
	}
}

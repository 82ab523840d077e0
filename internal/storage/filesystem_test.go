package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "http://localhost:8080/static/", []byte("secret"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	return s
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src.bin")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	loc, err := s.Upload(ctx, "/users/u1/videos/a.mp4", writeTemp(t, "video"), "video/mp4")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if loc != "users/u1/videos/a.mp4" {
		t.Fatalf("locator = %q", loc)
	}
	ok, err := s.Exists(ctx, loc)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	dest := filepath.Join(t.TempDir(), "out.mp4")
	if err := s.Download(ctx, loc, dest); err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "video" {
		t.Fatalf("downloaded %q", got)
	}

	if err := s.Download(ctx, "missing.mp4", dest); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("missing Download() error = %v, want ErrObjectNotFound", err)
	}
	if ok, _ := s.Exists(ctx, "missing.mp4"); ok {
		t.Fatal("Exists() reported missing object")
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s := newTestFileStore(t)
	if _, err := s.Upload(context.Background(), "../../etc/passwd", writeTemp(t, "x"), ""); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
}

func TestFileStoreListOrdersByKey(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	for _, key := range []string{"generated/run-1/b.mp4", "generated/run-1/a.mp4", "generated/run-2/c.mp4"} {
		if _, err := s.Upload(ctx, key, writeTemp(t, key), ""); err != nil {
			t.Fatal(err)
		}
	}
	objs, err := s.List(ctx, "generated/run-1/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "generated/run-1/a.mp4" || objs[1].Key != "generated/run-1/b.mp4" {
		t.Fatalf("List() = %+v", objs)
	}
	if objs[0].CreatedAt.IsZero() || objs[0].Size == 0 {
		t.Fatalf("object metadata missing: %+v", objs[0])
	}
	empty, err := s.List(ctx, "generated/none/")
	if err != nil || len(empty) != 0 {
		t.Fatalf("List() of missing prefix = %+v, %v", empty, err)
	}
}

func TestFileStoreSignedURLServesAndExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	loc, _ := s.Upload(ctx, "users/u1/videos/a.mp4", writeTemp(t, "payload"), "")
	signed, err := s.Sign(ctx, loc, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !strings.HasPrefix(signed, "http://localhost:8080/static/users/u1/videos/a.mp4?") {
		t.Fatalf("signed url = %q", signed)
	}
	u, _ := url.Parse(signed)

	srv := httptest.NewServer(http.StripPrefix("/static", s.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + u.Path + "?" + u.RawQuery)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	tampered := strings.Replace(u.RawQuery, "signature=", "signature=00", 1)
	resp, err = http.Get(srv.URL + u.Path + "?" + tampered)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered status = %d, want 403", resp.StatusCode)
	}

	now = now.Add(2 * time.Hour)
	q := u.Query()
	if s.VerifySignature(loc, q.Get("expires"), q.Get("signature")) {
		t.Fatal("expired signature still verifies")
	}
}

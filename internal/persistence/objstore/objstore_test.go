package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClient_PutFileSignsPathStyleRequest(t *testing.T) {
	body := []byte(`{"seed":7}`)
	var (
		gotPath, gotAuth, gotHash, gotType string
		gotBody                            []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "terrain", AccessKeyID: "AK", SecretAccessKey: "SK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	p := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "terrains/t 1/archives/meta.json", p); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	sum := sha256.Sum256(body)
	if gotPath != "/terrain/terrains/t%201/archives/meta.json" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotHash != hex.EncodeToString(sum[:]) || string(gotBody) != string(body) || gotType != "application/json" {
		t.Fatalf("hash=%q body=%q type=%q", gotHash, gotBody, gotType)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization=%q", gotAuth)
	}
}

func TestClient_RejectsBadInput(t *testing.T) {
	if _, err := New(Config{Endpoint: "example.invalid"}); err == nil {
		t.Fatalf("expected missing-credentials error")
	}
	c, err := New(Config{Endpoint: "example.invalid", Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.endpoint != "https://example.invalid" || c.region != "auto" {
		t.Fatalf("endpoint=%q region=%q", c.endpoint, c.region)
	}
	if err := c.PutFile(context.Background(), " / ", "x"); err == nil {
		t.Fatalf("expected error for empty object key")
	}
	if got := normalizeObjectKey("a/../../b"); got != "b" {
		t.Fatalf("normalizeObjectKey=%q want b", got)
	}
}

type recordingUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (u *recordingUploader) PutFile(ctx context.Context, key, localPath string) error {
	_ = ctx
	_ = localPath
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fails > 0 {
		u.fails--
		return errors.New("503")
	}
	u.keys = append(u.keys, key)
	return nil
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	base := t.TempDir()
	snap := filepath.Join(base, "terrains", "t1", "snapshots", "10.snap.zst")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(snap, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	outside := filepath.Join(t.TempDir(), "other.json")
	_ = os.WriteFile(outside, []byte("{}"), 0o644)

	up := &recordingUploader{fails: 1}
	m := NewMirror(up, MirrorConfig{BaseDir: base, Prefix: "/prod/", MaxAttempts: 2}, nil)
	m.Enqueue(snap)
	m.Enqueue(outside)
	m.Close()
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "prod/terrains/t1/snapshots/10.snap.zst" {
		t.Fatalf("uploaded keys=%v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadedTotal != 1 || st.FailedTotal != 1 || st.DroppedTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

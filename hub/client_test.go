package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

type fakeHub struct {
	files    map[string][]byte
	lfs      map[string]bool
	badHash  bool
	token    string
	requests atomic.Int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		files: map[string][]byte{
			"model_index.json":                         []byte(`{"_class_name":"StableDiffusionPipeline"}`),
			"unet/diffusion_pytorch_model.safetensors": []byte("unet-weights"),
		},
		lfs: map[string]bool{"unet/diffusion_pytorch_model.safetensors": true},
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/models/org/tiny/revision/") {
		info := ModelInfo{ID: "org/tiny", SHA: testCommit}
		for name, data := range f.files {
			sib := Sibling{Filename: name, Size: int64(len(data))}
			if f.lfs[name] {
				sib.LFS = &LFSInfo{Size: int64(len(data)), SHA256: sha256Hex(data)}
			}
			info.Siblings = append(info.Siblings, sib)
		}
		_ = json.NewEncoder(w).Encode(info)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/org/tiny/resolve/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, name, _ := strings.Cut(rest, "/")
	data, ok := f.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("X-Repo-Commit", testCommit)
	if f.lfs[name] {
		etag := sha256Hex(data)
		if f.badHash {
			etag = strings.Repeat("0", 64)
		}
		w.Header().Set("X-Linked-Etag", `"`+etag+`"`)
	} else {
		w.Header().Set("ETag", `W/"`+name+`-etag"`)
	}
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...ClientOption) *Client {
	t.Helper()
	t.Setenv("HF_HUB_OFFLINE", "")
	t.Setenv("HF_ENDPOINT", "")
	base := []ClientOption{
		WithEndpoint(srv.URL),
		WithHTTPClient(srv.Client()),
		WithCache(NewCache(t.TempDir())),
	}
	return NewClient(append(base, opts...)...)
}

func TestEnsureSnapshotDownloadsOnce(t *testing.T) {
	fake := newFakeHub()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newTestClient(t, srv)

	files := []string{"model_index.json", "unet/diffusion_pytorch_model.safetensors"}
	snap, err := client.EnsureSnapshot(context.Background(), "org/tiny", "main", files)
	if err != nil {
		t.Fatalf("EnsureSnapshot failed: %v", err)
	}
	if snap.Commit != testCommit {
		t.Errorf("Commit = %q", snap.Commit)
	}
	if len(snap.Downloaded) != 2 {
		t.Errorf("Downloaded = %v, want 2 files", snap.Downloaded)
	}
	got, err := os.ReadFile(snap.Path("unet/diffusion_pytorch_model.safetensors"))
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	if string(got) != "unet-weights" {
		t.Errorf("content = %q", got)
	}
	if snap.Checksums["unet/diffusion_pytorch_model.safetensors"] != sha256Hex([]byte("unet-weights")) {
		t.Errorf("missing LFS checksum: %v", snap.Checksums)
	}

	ref, err := os.ReadFile(filepath.Join(client.Cache().RepoDir("org/tiny"), RefsDir, "main"))
	if err != nil || string(ref) != testCommit {
		t.Errorf("refs/main = %q, %v", ref, err)
	}

	before := fake.requests.Load()
	again, err := client.EnsureSnapshot(context.Background(), "org/tiny", "main", files)
	if err != nil {
		t.Fatalf("second EnsureSnapshot failed: %v", err)
	}
	if fake.requests.Load() != before {
		t.Errorf("cached snapshot made %d requests", fake.requests.Load()-before)
	}
	if len(again.Downloaded) != 0 {
		t.Errorf("second call downloaded %v", again.Downloaded)
	}
}

func TestEnsureSnapshotMissingFile(t *testing.T) {
	srv := httptest.NewServer(newFakeHub())
	defer srv.Close()
	client := newTestClient(t, srv)

	_, err := client.EnsureSnapshot(context.Background(), "org/tiny", "main", []string{"vae/config.json"})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestDownloadFileChecksumMismatch(t *testing.T) {
	fake := newFakeHub()
	fake.badHash = true
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newTestClient(t, srv)

	_, err := client.DownloadFile(context.Background(), "org/tiny", "unet/diffusion_pytorch_model.safetensors", "main")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	entries, _ := os.ReadDir(filepath.Join(client.Cache().RepoDir("org/tiny"), BlobsDir))
	for _, e := range entries {
		t.Errorf("blob left behind: %s", e.Name())
	}
}

func TestStatusMapping(t *testing.T) {
	fake := newFakeHub()
	fake.token = "hf_expected"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tests := []struct {
		name    string
		modelID string
		token   string
		want    error
	}{
		{"unauthorized", "org/tiny", "hf_wrong", ErrUnauthorized},
		{"not found", "org/missing", "hf_expected", ErrRepoNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, srv, WithToken(tt.token))
			_, err := client.ModelInfo(context.Background(), tt.modelID, "main")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	client := newTestClient(t, srv, WithToken("hf_expected"))
	if _, err := client.ModelInfo(context.Background(), "org/tiny", "main"); err != nil {
		t.Errorf("authorized ModelInfo failed: %v", err)
	}
}

func TestOfflineUncached(t *testing.T) {
	fake := newFakeHub()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newTestClient(t, srv, WithOffline(true))

	_, err := client.EnsureSnapshot(context.Background(), "org/tiny", "main", []string{"model_index.json"})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if fake.requests.Load() != 0 {
		t.Errorf("offline client made %d requests", fake.requests.Load())
	}
}

func TestNormalizeETag(t *testing.T) {
	tests := map[string]string{
		`"abc"`:   "abc",
		`W/"abc"`: "abc",
		` abc `:   "abc",
	}
	for in, want := range tests {
		if got := normalizeETag(in); got != want {
			t.Errorf("normalizeETag(%q) = %q, want %q", in, got, want)
		}
	}
}

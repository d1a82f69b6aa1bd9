// Package hub reads and writes the pretrained model repository cache.
//
// The on-disk layout matches the Hugging Face hub cache so models already
// fetched by other tools are reused:
//
//	<cache>/models--<org>--<name>/
//	    blobs/<etag>
//	    refs/<revision>            (contains the commit hash)
//	    snapshots/<commit>/<file>  (symlink to ../../blobs/<etag>)
package hub

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Cache layout names.
const (
	RepoPrefix   = "models--"
	BlobsDir     = "blobs"
	RefsDir      = "refs"
	SnapshotsDir = "snapshots"
)

// Environment variables that locate the caches.
const (
	EnvHubCache       = "HF_HUB_CACHE"
	EnvHFHome         = "HF_HOME"
	EnvDiffusersCache = "DIFFUSERS_CACHE"
)

var (
	// ErrNotCached is returned when a file or revision is absent from the cache.
	ErrNotCached = errors.New("hub: not in cache")

	// ErrInvalidModelID is returned for ids that are not <org>/<name>.
	ErrInvalidModelID = errors.New("hub: invalid model id")
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// CacheDir returns the hub cache directory: HF_HUB_CACHE, then HF_HOME/hub,
// then ~/.cache/huggingface/hub.
func CacheDir() string {
	if dir := os.Getenv(EnvHubCache); dir != "" {
		return dir
	}
	return filepath.Join(hfHome(), "hub")
}

// LegacyCacheDir returns the pre-hub diffusers cache directory that
// MoveCache migrates from.
func LegacyCacheDir() string {
	if dir := os.Getenv(EnvDiffusersCache); dir != "" {
		return dir
	}
	return filepath.Join(hfHome(), "diffusers")
}

func hfHome() string {
	if home := os.Getenv(EnvHFHome); home != "" {
		return home
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "huggingface")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "huggingface")
	}
	return filepath.Join(os.TempDir(), "huggingface")
}

// RepoFolderName maps "org/name" to "models--org--name".
func RepoFolderName(modelID string) string {
	return RepoPrefix + strings.ReplaceAll(modelID, "/", "--")
}

// IsCommitHash reports whether revision is a full 40-character commit hash.
func IsCommitHash(revision string) bool {
	return commitHashPattern.MatchString(revision)
}

// ValidateModelID checks for the <org>/<name> form.
func ValidateModelID(modelID string) error {
	parts := strings.Split(modelID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: %q, expected <org>/<name>", ErrInvalidModelID, modelID)
	}
	return nil
}

// Cache is a hub cache rooted at Dir.
type Cache struct {
	Dir string
}

// NewCache returns a Cache rooted at dir, or at CacheDir() when dir is empty.
func NewCache(dir string) *Cache {
	if dir == "" {
		dir = CacheDir()
	}
	return &Cache{Dir: dir}
}

// RepoDir returns the cache folder of a model repository.
func (c *Cache) RepoDir(modelID string) string {
	return filepath.Join(c.Dir, RepoFolderName(modelID))
}

// SnapshotDir returns the snapshot folder for a commit.
func (c *Cache) SnapshotDir(modelID, commit string) string {
	return filepath.Join(c.RepoDir(modelID), SnapshotsDir, commit)
}

// ResolveRevision maps a branch or tag to the commit recorded in refs/.
// Commit hashes resolve to themselves.
func (c *Cache) ResolveRevision(modelID, revision string) (string, error) {
	if IsCommitHash(revision) {
		return revision, nil
	}
	data, err := os.ReadFile(filepath.Join(c.RepoDir(modelID), RefsDir, revision))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s@%s", ErrNotCached, modelID, revision)
		}
		return "", fmt.Errorf("read ref %s: %w", revision, err)
	}
	commit := strings.TrimSpace(string(data))
	if commit == "" {
		return "", fmt.Errorf("%w: empty ref %s@%s", ErrNotCached, modelID, revision)
	}
	return commit, nil
}

// WriteRef records that revision points at commit.
func (c *Cache) WriteRef(modelID, revision, commit string) error {
	if revision == commit {
		return nil
	}
	path := filepath.Join(c.RepoDir(modelID), RefsDir, filepath.FromSlash(revision))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create refs dir: %w", err)
	}
	return writeFileAtomic(path, []byte(commit))
}

// CachedFile returns the snapshot path of filename at revision if present.
func (c *Cache) CachedFile(modelID, revision, filename string) (string, error) {
	commit, err := c.ResolveRevision(modelID, revision)
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.SnapshotDir(modelID, commit), filepath.FromSlash(filename))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotCached, modelID, filename)
		}
		return "", err
	}
	return path, nil
}

// linkSnapshotFile points snapshots/<commit>/<filename> at blobs/<etag>.
// A relative symlink is used where supported, otherwise the blob is copied.
func (c *Cache) linkSnapshotFile(modelID, commit, filename, etag string) (string, error) {
	blobPath := filepath.Join(c.RepoDir(modelID), BlobsDir, etag)
	target := filepath.Join(c.SnapshotDir(modelID, commit), filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	_ = os.Remove(target)

	rel, err := filepath.Rel(filepath.Dir(target), blobPath)
	if err == nil {
		if err = os.Symlink(rel, target); err == nil {
			return target, nil
		}
	}
	if err := copyFile(blobPath, target); err != nil {
		return "", fmt.Errorf("link %s: %w", filename, err)
	}
	return target, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent file downloads in EnsureSnapshot.
const DefaultParallelism = 4

// Snapshot is a set of repository files available in the local cache.
type Snapshot struct {
	ModelID  string
	Revision string
	Commit   string
	Dir      string

	// Files maps repository-relative names to local paths.
	Files map[string]string

	// Checksums holds the LFS sha256 of each file when metadata was fetched.
	Checksums map[string]string

	// Downloaded lists the files fetched by this call.
	Downloaded []string
}

// Path returns the local path of a repository file.
func (s *Snapshot) Path(filename string) string {
	if p, ok := s.Files[filename]; ok {
		return p
	}
	return filepath.Join(s.Dir, filepath.FromSlash(filename))
}

// EnsureSnapshot makes every file in files available locally at revision.
//
// When the revision is already resolved in the cache and all files are
// present no request is made. Otherwise repository metadata is fetched once
// and missing files are downloaded with at most DefaultParallelism in flight.
func (c *Client) EnsureSnapshot(ctx context.Context, modelID, revision string, files []string) (*Snapshot, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if revision == "" {
		revision = "main"
	}

	if snap, err := c.cachedSnapshot(modelID, revision, files); err == nil {
		c.logger.Debug("snapshot served from cache",
			zap.String("model", modelID),
			zap.String("commit", snap.Commit),
		)
		return snap, nil
	} else if c.offline {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}

	info, err := c.ModelInfo(ctx, modelID, revision)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ModelID:   modelID,
		Revision:  revision,
		Commit:    info.SHA,
		Dir:       c.cache.SnapshotDir(modelID, info.SHA),
		Files:     make(map[string]string, len(files)),
		Checksums: make(map[string]string),
	}
	for _, f := range files {
		sib, ok := info.Sibling(f)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrEntryNotFound, modelID, f)
		}
		if sib.LFS != nil && sib.LFS.SHA256 != "" {
			snap.Checksums[f] = sib.LFS.SHA256
		}
	}

	start := time.Now()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultParallelism)
	for _, f := range files {
		if path, err := c.cache.CachedFile(modelID, info.SHA, f); err == nil {
			mu.Lock()
			snap.Files[f] = path
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			path, err := c.DownloadFile(gctx, modelID, f, info.SHA)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.Files[f] = path
			snap.Downloaded = append(snap.Downloaded, f)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := c.cache.WriteRef(modelID, revision, info.SHA); err != nil {
		return nil, err
	}

	c.logger.Info("snapshot ready",
		zap.String("model", modelID),
		zap.String("commit", info.SHA),
		zap.Int("files", len(files)),
		zap.Int("downloaded", len(snap.Downloaded)),
		zap.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

func (c *Client) cachedSnapshot(modelID, revision string, files []string) (*Snapshot, error) {
	commit, err := c.cache.ResolveRevision(modelID, revision)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		ModelID:  modelID,
		Revision: revision,
		Commit:   commit,
		Dir:      c.cache.SnapshotDir(modelID, commit),
		Files:    make(map[string]string, len(files)),
	}
	var missing []error
	for _, f := range files {
		path, err := c.cache.CachedFile(modelID, commit, f)
		if err != nil {
			missing = append(missing, err)
			continue
		}
		snap.Files[f] = path
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	return snap, nil
}

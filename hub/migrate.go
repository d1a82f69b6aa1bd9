package hub

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"go_txt2img/logging"
)

// CacheVersionFile records that the legacy cache has been migrated.
const CacheVersionFile = "version_diffusers_cache.txt"

// CurrentCacheVersion is written to CacheVersionFile after a migration.
const CurrentCacheVersion = 1

// MoveCache moves every blob of the legacy cache at oldDir into newDir,
// keeping the relative path, and leaves a symlink at the old location.
//
// Only regular files directly inside a "blobs" directory are moved, so blobs
// that were already migrated (now symlinks) are skipped and repeated calls
// are no-ops. A missing oldDir is not an error. Returns the number of blobs
// moved.
func MoveCache(ctx context.Context, oldDir, newDir string, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if st, err := os.Stat(oldDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat legacy cache: %w", err)
	} else if !st.IsDir() {
		return 0, fmt.Errorf("legacy cache %s is not a directory", oldDir)
	}

	var blobs []string
	err := filepath.WalkDir(oldDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() && filepath.Base(filepath.Dir(path)) == BlobsDir {
			blobs = append(blobs, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan legacy cache: %w", err)
	}

	moved := 0
	for _, oldPath := range blobs {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		rel, err := filepath.Rel(oldDir, oldPath)
		if err != nil {
			return moved, err
		}
		newPath := filepath.Join(newDir, rel)
		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
			return moved, fmt.Errorf("create %s: %w", filepath.Dir(newPath), err)
		}
		if err := moveFile(oldPath, newPath); err != nil {
			return moved, fmt.Errorf("move %s: %w", rel, err)
		}
		moved++

		if err := os.Symlink(newPath, oldPath); err != nil {
			logger.Warn("Could not create symlink between old cache and new cache",
				zap.String("old", oldPath),
				zap.String("new", newPath),
				zap.Error(err),
			)
		}
	}

	if moved > 0 {
		logger.Info("migrated legacy cache",
			zap.String("from", oldDir),
			zap.String("to", newDir),
			zap.Int("blobs", moved),
		)
	}
	return moved, nil
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// Migrator runs MoveCache once per cache, tracked by CacheVersionFile.
type Migrator struct {
	Old    string
	New    string
	Logger *logging.Logger
}

// NewMigrator returns a Migrator over the default legacy and hub caches.
func NewMigrator(logger *logging.Logger) *Migrator {
	return &Migrator{Old: LegacyCacheDir(), New: CacheDir(), Logger: logger}
}

// Migrate moves the legacy cache if the recorded version is below
// CurrentCacheVersion, then records the current version.
func (m *Migrator) Migrate(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	versionPath := filepath.Join(m.New, CacheVersionFile)
	if ReadCacheVersion(versionPath) >= CurrentCacheVersion {
		return nil
	}

	if _, err := MoveCache(ctx, m.Old, m.New, logger); err != nil {
		return fmt.Errorf("move cache: %w", err)
	}

	if err := os.MkdirAll(m.New, 0o755); err != nil {
		return fmt.Errorf("create hub cache: %w", err)
	}
	if err := os.WriteFile(versionPath, []byte(strconv.Itoa(CurrentCacheVersion)), 0o644); err != nil {
		logger.Warn("could not write cache version file", zap.String("path", versionPath), zap.Error(err))
	}
	return nil
}

// ReadCacheVersion returns the version recorded at path, or 0 when the file
// is missing or unreadable.
func ReadCacheVersion(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}

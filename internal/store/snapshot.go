package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jiunbae/aily/internal/relayerr"
)

// Snapshot writes a consistent, compressed copy of the database to dir
// (default backups/, per §6's persisted-state layout), then deletes
// snapshots older than retention.
func (s *Store) Snapshot(dir string, retention time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "creating backup dir", err)
	}

	tmp, err := os.CreateTemp(dir, "aily-*.db.tmp")
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "creating snapshot temp file", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", tmpPath)); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "vacuuming snapshot", err)
	}

	name := fmt.Sprintf("aily-%s.db.gz", time.Now().UTC().Format("20060102T150405Z"))
	if err := gzipFile(tmpPath, filepath.Join(dir, name)); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "compressing snapshot", err)
	}

	s.logger.Info().Str("file", name).Msg("database snapshot written")
	return pruneSnapshots(dir, retention)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func pruneSnapshots(dir string, retention time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	cutoff := time.Now().Add(-retention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

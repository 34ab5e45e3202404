// Package checkpoint persists the last mirrored UID to disk so a restart
// resumes streaming instead of re-fetching the whole mailbox.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// fileName is the checkpoint file's name within the run directory.
const fileName = "lastuid"

// tmpSuffix names the rename-source used by the atomic checkpoint write.
const tmpSuffix = ".new"

// Store reads and writes the checkpoint file under dir.
type Store struct {
	path string
	log  *slog.Logger
}

// New returns a Store rooted at dir.
func New(dir string, log *slog.Logger) *Store {
	return &Store{path: filepath.Join(dir, fileName), log: log}
}

// Load returns the last checkpointed UID. Both a missing file (a fresh
// mailbox mirror) and non-numeric or malformed contents are treated as 0,
// so a corrupted or hand-edited checkpoint degrades to "fetch everything"
// rather than wedging the engine in a reconnect loop.
func (s *Store) Load() (uint32, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		if s.log != nil {
			s.log.Warn("malformed checkpoint, treating as 0", "path", s.path, "contents", text, "error", err)
		}
		return 0, nil
	}
	return uint32(n), nil
}

// Save durably writes uid as the new checkpoint: it writes lastuid.new,
// syncs it, and renames it over lastuid, so a crash mid-write never
// leaves a truncated or mixed-content checkpoint behind.
func (s *Store) Save(uid uint32) error {
	tmpName := s.path + tmpSuffix
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", tmpName, err)
	}
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(strconv.FormatUint(uint64(uid), 10) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

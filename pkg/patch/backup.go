package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
)

const (
	backupInfix     = ".backup."
	backupTimestamp = "20060102T150405.000000000Z"
	maxCollisions   = 1000
)

// BackupStore keeps timestamped copies of artifacts. Backups live next to
// the artifact unless a dedicated directory is configured.
type BackupStore struct {
	dir    string
	limit  int
	logger logging.Logger
	now    func() time.Time
}

func NewBackupStore(dir string, limit int, logger logging.Logger) *BackupStore {
	return &BackupStore{
		dir:    dir,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

func (s *BackupStore) directoryFor(artifactPath string) string {
	if s.dir != "" {
		return s.dir
	}
	return filepath.Dir(artifactPath)
}

// Save durably writes content as a new backup of artifactPath and returns
// the backup path. The name never collides with an existing backup.
func (s *BackupStore) Save(artifactPath string, content []byte, mode os.FileMode) (string, error) {
	dir := s.directoryFor(artifactPath)
	if s.dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", classifyFileError("failed to create backup directory", err).WithContext("backup_dir", dir)
		}
	}

	base := filepath.Join(dir, filepath.Base(artifactPath)+backupInfix+s.now().UTC().Format(backupTimestamp))

	var (
		file *os.File
		path string
		err  error
	)
	for i := 0; i < maxCollisions; i++ {
		path = base
		if i > 0 {
			path = fmt.Sprintf("%s-%d", base, i)
		}
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
		if err == nil || !os.IsExist(err) {
			break
		}
	}
	if err != nil {
		return "", classifyFileError("failed to create backup file", err).WithContext("backup", path)
	}

	if _, err := file.Write(content); err != nil {
		file.Close()
		os.Remove(path)
		return "", errors.NewIOError("failed to write backup file", err).WithContext("backup", path)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return "", errors.NewIOError("failed to sync backup file", err).WithContext("backup", path)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", errors.NewIOError("failed to close backup file", err).WithContext("backup", path)
	}
	if err := syncDir(dir); err != nil {
		s.logger.Warnf("Failed to sync backup directory, dir: %s, error: %v", dir, err)
	}

	s.logger.Debugf("Backup written, artifact: %s, backup: %s, bytes: %d", artifactPath, path, len(content))
	return path, nil
}

// List returns the backups of artifactPath, oldest first.
func (s *BackupStore) List(artifactPath string) ([]string, error) {
	dir := s.directoryFor(artifactPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, classifyFileError("failed to list backups", err).WithContext("dir", dir)
	}

	prefix := filepath.Base(artifactPath) + backupInfix
	var backups []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		backups = append(backups, filepath.Join(dir, e.Name()))
	}
	sort.Strings(backups)
	return backups, nil
}

// Prune removes the oldest backups of artifactPath beyond the retention
// limit. A zero limit keeps everything.
func (s *BackupStore) Prune(artifactPath string) error {
	if s.limit <= 0 {
		return nil
	}
	backups, err := s.List(artifactPath)
	if err != nil {
		return err
	}
	if len(backups) <= s.limit {
		return nil
	}

	errs := errors.NewErrorCollection()
	for _, path := range backups[:len(backups)-s.limit] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs.Add(errors.NewIOError("failed to remove old backup", err).WithContext("backup", path))
			continue
		}
		s.logger.Debugf("Old backup removed, artifact: %s, backup: %s", artifactPath, path)
	}
	return errs.ToError()
}

// writeAtomic replaces path with content through a temp file in the same
// directory, so readers see either the old or the new bytes.
func writeAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return classifyFileError("failed to create temporary file", err).WithContext("dir", dir)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return errors.NewIOError("failed to write temporary file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		cleanup()
		return classifyFileError("failed to set file mode", err).WithContext("path", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.NewIOError("failed to sync temporary file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to close temporary file", err).WithContext("path", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return classifyFileError("failed to replace artifact", err).WithContext("path", path)
	}
	// The rename already happened; a failed directory sync only weakens
	// durability of the new name.
	syncDir(dir)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.NewIOError("failed to sync directory", err).WithContext("dir", dir)
	}
	return nil
}

func classifyFileError(message string, err error) *errors.DomainError {
	switch {
	case os.IsNotExist(err):
		return errors.NewNotFoundError(message, err)
	case os.IsPermission(err):
		return errors.NewPermissionError(message, err)
	default:
		return errors.NewIOError(message, err)
	}
}

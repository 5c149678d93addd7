package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000"

// RotationPolicy bounds a RotatingFile. Zero values disable the
// corresponding limit.
type RotationPolicy struct {
	MaxBytes   int64
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RotatingFile is an append-only log file that is moved aside once it
// reaches MaxBytes. Backups are named <name>.<timestamp>[.gz] next to the
// live file and pruned by count and age after each rotation.
type RotatingFile struct {
	path   string
	policy RotationPolicy
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

// OpenRotatingFile opens path for appending, creating its directory.
func OpenRotatingFile(path string, policy RotationPolicy) (*RotatingFile, error) {
	if path == "" {
		return nil, errors.New("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &RotatingFile{path: path, policy: policy, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size = f, info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past
// MaxBytes. A record is never split across files.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.policy.MaxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.policy.MaxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	backup := r.path + "." + r.now().UTC().Format(backupStamp)
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	if r.policy.Compress {
		if err := gzipFile(backup); err != nil {
			return err
		}
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// Backups lists rotated files, newest first.
func (r *RotatingFile) Backups() ([]string, error) {
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(r.path) + "."
	backups := matches[:0]
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".gz")
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			backups = append(backups, m)
		}
	}
	// The timestamp format sorts lexically.
	slices.Sort(backups)
	slices.Reverse(backups)
	return backups, nil
}

func (r *RotatingFile) prune() {
	backups, err := r.Backups()
	if err != nil {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.policy.MaxAgeDays)
	prefix := filepath.Base(r.path) + "."
	for i, b := range backups {
		if r.policy.MaxBackups > 0 && i >= r.policy.MaxBackups {
			os.Remove(b)
			continue
		}
		if r.policy.MaxAgeDays <= 0 {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(b), prefix), ".gz")
		if t, err := time.Parse(backupStamp, stamp); err == nil && t.Before(cutoff) {
			os.Remove(b)
		}
	}
}

// Sync flushes the live file to disk.
func (r *RotatingFile) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// Close closes the live file. A later Write reopens it.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

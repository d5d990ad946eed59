package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatedLayout sorts lexically in time order.
const rotatedLayout = "20060102-150405.000"

// RotatingWriter is an io.WriteCloser that rotates the access log by size.
// Rotated files are named <base>-<timestamp><ext>; at most maxBackups are
// kept and any older than maxAgeDays are removed.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int

	cleanupWG sync.WaitGroup
	now       func() time.Time
}

// NewRotatingWriter opens filePath for appending, creating parent
// directories as needed.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write rotates first if p would push the file past the size limit. A
// single record larger than the limit is still written whole.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close waits for pending cleanup and closes the current file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	f := rw.file
	rw.file = nil
	rw.mu.Unlock()

	rw.cleanupWG.Wait()
	if f != nil {
		return f.Close()
	}
	return nil
}

func (rw *RotatingWriter) parts() (dir, base, ext string) {
	ext = filepath.Ext(rw.filePath)
	base = strings.TrimSuffix(filepath.Base(rw.filePath), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.filePath), base, ext
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}

	dir, base, ext := rw.parts()
	stamp := rw.now().Format(rotatedLayout)
	target := filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, stamp, ext))
	// Two rotations inside one millisecond get a numeric suffix.
	for i := 1; fileExists(target); i++ {
		target = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", base, stamp, i, ext))
	}
	if err := os.Rename(rw.filePath, target); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.open(); err != nil {
		return err
	}

	rw.cleanupWG.Add(1)
	go func() {
		defer rw.cleanupWG.Done()
		rw.cleanup()
	}()
	return nil
}

func (rw *RotatingWriter) cleanup() {
	dir, base, ext := rw.parts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	current := filepath.Base(rw.filePath)
	prefix := base + "-"
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name != current && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	sort.Strings(rotated)

	for len(rotated) > rw.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	if rw.maxAgeDays <= 0 {
		return
	}
	cutoff := rw.now().AddDate(0, 0, -rw.maxAgeDays)
	for _, name := range rotated {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

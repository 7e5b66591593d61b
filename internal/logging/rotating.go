package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultKeep is the number of archived generations retained when none is set.
const DefaultKeep = 5

// RotatingWriter is the log sink. Once a write would push the active file
// past maxSize it is archived as path.1.gz, older archives move up one
// generation, and anything past keep is dropped.
type RotatingWriter struct {
	path    string
	maxSize int64
	keep    int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens path for appending and keeps DefaultKeep archives.
func NewRotatingWriter(path string, maxSize int64) (*RotatingWriter, error) {
	return NewRotatingWriterKeep(path, maxSize, DefaultKeep)
}

// NewRotatingWriterKeep is NewRotatingWriter with an explicit archive count.
func NewRotatingWriterKeep(path string, maxSize int64, keep int) (*RotatingWriter, error) {
	f, size, err := openLog(path, false)
	if err != nil {
		return nil, err
	}
	return &RotatingWriter{
		path:    path,
		maxSize: maxSize,
		keep:    max(keep, 1),
		file:    f,
		size:    size,
	}, nil
}

func openLog(path string, truncate bool) (*os.File, int64, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	return f, info.Size(), nil
}

// Path returns the active log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

// Write appends p, rotating first if p would overflow a non-empty file. A
// single oversized write still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the active file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// generation names archive i; 1 is the newest.
func (w *RotatingWriter) generation(i int) string {
	return fmt.Sprintf("%s.%d.gz", w.path, i)
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	os.Remove(w.generation(w.keep))
	for i := w.keep - 1; i > 0; i-- {
		os.Rename(w.generation(i), w.generation(i+1))
	}

	// If archiving fails the active file is kept and appended to, so no
	// lines are lost.
	archived := archive(w.path, w.generation(1)) == nil
	if !archived {
		os.Remove(w.generation(1))
	}

	f, size, err := openLog(w.path, archived)
	if err != nil {
		return err
	}
	w.file, w.size = f, size
	return nil
}

// archive gzips src into dst, recording the source name and mtime in the
// gzip header.
func archive(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(src)
	gz.ModTime = info.ModTime()
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Package logfile manages the optional on-disk server log.
package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	maxSize  = 5 * 1024 * 1024 // 5 MB
	keepSize = 256 * 1024      // 256 KB
)

// Open trims path to its tail when it has grown past maxSize and opens it
// for appending. The caller closes the file.
func Open(path string) (*os.File, error) {
	if err := truncate(path, maxSize, keepSize); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// truncate keeps the last keep bytes of path when it exceeds limit, behind
// a one-line notice. A missing file is left alone.
func truncate(path string, limit, keep int64) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= limit {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file for truncation: %w", err)
	}
	if _, err := f.Seek(max(info.Size()-keep, 0), io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek in log file: %w", err)
	}
	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log file tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate log file: %w", err)
	}
	defer out.Close()

	header := fmt.Sprintf("=== log truncated (was %d bytes, kept last %d) ===\n", info.Size(), len(tail))
	if _, err := out.WriteString(header); err != nil {
		return fmt.Errorf("write truncation header: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}
	return nil
}

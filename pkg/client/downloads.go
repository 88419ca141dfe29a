package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const maxNameAttempts = 1000

// ErrNoFreeName is returned when every collision suffix is taken
var ErrNoFreeName = errors.New("no free file name")

// SaveFile writes a received file into dir and returns the path it used.
// Only the base of the announced name is kept; an existing file is never
// overwritten, the name gains a -1, -2, ... suffix instead.
func SaveFile(dir string, file *protocol.File) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	base := safeBaseName(file.Name)
	stem, ext := splitExt(base)

	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}

		if _, err := f.Write(file.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, nil
	}

	return "", fmt.Errorf("%w for %q in %s", ErrNoFreeName, base, dir)
}

// safeBaseName strips any directory part, including Windows separators
func safeBaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}

func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// Dotfiles like ".env" have no extension to keep
		return name, ""
	}
	return stem, ext
}

// Package storage is the file-system collaborator boundary for the
// transfer engines: where received files land, how name collisions are
// resolved, and how partial files are cleaned up. Platform file pickers
// live behind the Provider interface and are out of scope for the core.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotSupported is returned by picker operations the current platform
// shim does not implement.
var ErrNotSupported = errors.New("storage: operation not supported on this platform")

// Provider abstracts platform storage access for the transfer engines.
type Provider interface {
	// SaveFolder is the destination directory for received files.
	SaveFolder() string
	// PickFiles opens a platform file picker and returns selected paths.
	PickFiles() ([]string, error)
	// PickFolder opens a platform folder picker.
	PickFolder() (string, error)
	// DirWritable reports whether the directory accepts new files.
	DirWritable(dir string) bool
	// FileReadable reports whether the file can be opened for reading.
	FileReadable(path string) bool
}

// DirProvider is the headless default Provider rooted at a fixed save
// folder. Pickers are not available without a UI shell.
type DirProvider struct {
	Folder string
}

// SaveFolder implements Provider.
func (p DirProvider) SaveFolder() string { return p.Folder }

// PickFiles implements Provider.
func (p DirProvider) PickFiles() ([]string, error) { return nil, ErrNotSupported }

// PickFolder implements Provider.
func (p DirProvider) PickFolder() (string, error) { return "", ErrNotSupported }

// DirWritable implements Provider.
func (p DirProvider) DirWritable(dir string) bool {
	probe, err := os.CreateTemp(dir, ".windrop-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// FileReadable implements Provider.
func (p DirProvider) FileReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// UniquePath returns a destination path in dir for fileName that does not
// collide with an existing file. Collisions resolve by appending " (n)"
// before the extension: "a.txt" -> "a (1).txt" -> "a (2).txt".
func UniquePath(fileName, dir string) string {
	base := filepath.Base(fileName)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	path := filepath.Join(dir, base)
	for n := 1; fileExists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return path
}

// DeleteIfExists removes a partial destination file, ignoring absence.
func DeleteIfExists(path string) {
	if path == "" {
		return
	}
	if fileExists(path) {
		_ = os.Remove(path)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

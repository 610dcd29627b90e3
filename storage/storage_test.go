package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUniquePathNumbersCollisions(t *testing.T) {
	dir := t.TempDir()

	first := UniquePath("a.txt", dir)
	if first != filepath.Join(dir, "a.txt") {
		t.Fatalf("first path = %q, want %q", first, filepath.Join(dir, "a.txt"))
	}
	touch(t, first)

	second := UniquePath("a.txt", dir)
	if second != filepath.Join(dir, "a (1).txt") {
		t.Fatalf("second path = %q, want %q", second, filepath.Join(dir, "a (1).txt"))
	}
	touch(t, second)

	third := UniquePath("a.txt", dir)
	if third != filepath.Join(dir, "a (2).txt") {
		t.Fatalf("third path = %q, want %q", third, filepath.Join(dir, "a (2).txt"))
	}
}

func TestUniquePathStripsDirectories(t *testing.T) {
	dir := t.TempDir()

	got := UniquePath("../../etc/passwd", dir)
	if got != filepath.Join(dir, "passwd") {
		t.Fatalf("path = %q, want it confined to %q", got, dir)
	}
}

func TestUniquePathWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "notes"))

	got := UniquePath("notes", dir)
	if got != filepath.Join(dir, "notes (1)") {
		t.Fatalf("path = %q, want %q", got, filepath.Join(dir, "notes (1)"))
	}
}

func TestDeleteIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	touch(t, path)

	DeleteIfExists(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}

	// Absent files are a no-op.
	DeleteIfExists(path)
	DeleteIfExists("")
}

func TestDirProviderChecks(t *testing.T) {
	dir := t.TempDir()
	p := DirProvider{Folder: dir}

	if p.SaveFolder() != dir {
		t.Fatalf("SaveFolder = %q, want %q", p.SaveFolder(), dir)
	}
	if !p.DirWritable(dir) {
		t.Fatal("expected temp dir to be writable")
	}
	if p.DirWritable(filepath.Join(dir, "missing")) {
		t.Fatal("expected missing dir to be unwritable")
	}

	path := filepath.Join(dir, "readable.txt")
	touch(t, path)
	if !p.FileReadable(path) {
		t.Fatal("expected file to be readable")
	}
	if p.FileReadable(filepath.Join(dir, "absent.txt")) {
		t.Fatal("expected absent file to be unreadable")
	}

	if _, err := p.PickFiles(); err != ErrNotSupported {
		t.Fatalf("PickFiles err = %v, want ErrNotSupported", err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

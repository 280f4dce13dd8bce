package eeprom

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Region is a fixed-size byte-addressable non-volatile memory, like the
// emulated EEPROM of an ESP8266/ESP32. Writes land in a RAM mirror and only
// reach the backing medium on Commit. Reads and writes outside [0, Size())
// are ignored (reads return 0xFF, the erased-flash value).
type Region interface {
	Read(addr int) byte
	Write(addr int, b byte)
	Commit() error
	Size() int
}

const erased byte = 0xFF

// ErrCommitFailed is returned by Mem.Commit when FailCommit is set.
var ErrCommitFailed = errors.New("commit failed")

// Mem is a RAM-only region. Commit always succeeds unless FailCommit is set.
type Mem struct {
	buf        []byte
	Commits    int
	FailCommit bool
}

func NewMem(size int) *Mem {
	m := &Mem{buf: make([]byte, size)}
	for i := range m.buf {
		m.buf[i] = erased
	}
	return m
}

func (m *Mem) Read(addr int) byte {
	if addr < 0 || addr >= len(m.buf) {
		return erased
	}
	return m.buf[addr]
}

func (m *Mem) Write(addr int, b byte) {
	if addr < 0 || addr >= len(m.buf) {
		return
	}
	m.buf[addr] = b
}

func (m *Mem) Commit() error {
	if m.FailCommit {
		return ErrCommitFailed
	}
	m.Commits++
	return nil
}

func (m *Mem) Size() int {
	return len(m.buf)
}

// Bytes exposes the raw content, for tests and dumps.
func (m *Mem) Bytes() []byte {
	return m.buf
}

// File is a region persisted as a single image file. The whole image is read
// once when opened and rewritten on every Commit.
type File struct {
	log   logr.Logger
	fs    afero.Fs
	path  string
	buf   []byte
	dirty bool
}

// OpenFile opens (or creates) an image of the given size. A shorter existing
// image is padded with erased bytes, a longer one is truncated in memory.
func OpenFile(log logr.Logger, fs afero.Fs, path string, size int) (*File, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}
	f := &File{
		log:  log,
		fs:   fs,
		path: path,
		buf:  make([]byte, size),
	}
	for i := range f.buf {
		f.buf[i] = erased
	}

	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("Region image does not exist yet", "path", path, "size", size)
	case err != nil:
		return nil, fmt.Errorf("reading region image %s: %w", path, err)
	default:
		copy(f.buf, data)
		log.V(1).Info("Loaded region image", "path", path, "bytes", len(data), "size", size)
	}
	return f, nil
}

func (f *File) Read(addr int) byte {
	if addr < 0 || addr >= len(f.buf) {
		return erased
	}
	return f.buf[addr]
}

func (f *File) Write(addr int, b byte) {
	if addr < 0 || addr >= len(f.buf) {
		return
	}
	if f.buf[addr] != b {
		f.buf[addr] = b
		f.dirty = true
	}
}

// Commit writes the image to a temporary file then renames it over the
// previous one.
func (f *File) Commit() error {
	if !f.dirty {
		if ok, _ := afero.Exists(f.fs, f.path); ok {
			return nil
		}
	}
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating region directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, f.buf, 0o600); err != nil {
		return fmt.Errorf("writing region image: %w", err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing region image: %w", err)
	}
	f.dirty = false
	f.log.V(1).Info("Committed region image", "path", f.path, "size", len(f.buf))
	return nil
}

func (f *File) Size() int {
	return len(f.buf)
}

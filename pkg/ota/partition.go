package ota

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Partition keeps one image per mode in a directory: <mode>.bin is the
// active one, <mode>.old the one it replaced. Uploads are staged in
// <mode>.new and renamed into place once verified.
type Partition struct {
	log     logr.Logger
	fs      afero.Fs
	dir     string
	MaxSize int64
}

func NewPartition(log logr.Logger, fs afero.Fs, dir string) *Partition {
	return &Partition{log: log, fs: fs, dir: dir}
}

func (p *Partition) Path(mode Mode) string {
	return path.Join(p.dir, string(mode)+".bin")
}

func (p *Partition) Apply(mode Mode, image io.Reader, md5sum string) (int64, error) {
	if err := p.fs.MkdirAll(p.dir, 0o755); err != nil {
		return 0, err
	}
	active := p.Path(mode)
	staged := path.Join(p.dir, string(mode)+".new")
	return install(p.log, p.fs, staged, active, path.Join(p.dir, string(mode)+".old"), 0o644, p.MaxSize, image, md5sum)
}

// install stages image in staged, verifies it, then moves active to backup
// (if any) and staged to active.
func install(log logr.Logger, fs afero.Fs, staged, active, backup string, perm os.FileMode, limit int64, image io.Reader, md5sum string) (int64, error) {
	f, err := fs.OpenFile(staged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	v := newVerifier(limit)
	n, err := v.copy(f, image)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = v.check(md5sum)
	}
	if err != nil {
		_ = fs.Remove(staged)
		return n, err
	}

	if ok, _ := afero.Exists(fs, active); ok && backup != "" {
		if err := fs.Rename(active, backup); err != nil {
			_ = fs.Remove(staged)
			return n, fmt.Errorf("backup %s: %w", active, err)
		}
	}
	if err := fs.Rename(staged, active); err != nil {
		return n, fmt.Errorf("activate %s: %w", active, err)
	}
	log.Info("Image installed", "path", active, "bytes", n)
	return n, nil
}

package ota

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Binary replaces the running executable with the uploaded firmware. The new
// program runs after the next restart. Filesystem images go to Assets when
// set.
type Binary struct {
	log     logr.Logger
	fs      afero.Fs
	exe     string
	Assets  *Partition
	MaxSize int64
}

func NewBinary(log logr.Logger, fs afero.Fs, exe string) *Binary {
	return &Binary{log: log, fs: fs, exe: exe}
}

// Self returns a Binary for the running executable on the OS filesystem.
func Self(log logr.Logger) (*Binary, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return NewBinary(log, afero.NewOsFs(), exe), nil
}

func (b *Binary) Apply(mode Mode, image io.Reader, md5sum string) (int64, error) {
	if mode == Filesystem {
		if b.Assets == nil {
			return 0, ErrMode
		}
		return b.Assets.Apply(mode, image, md5sum)
	}
	return install(b.log, b.fs, b.exe+".new", b.exe, b.exe+".old", 0o755, b.MaxSize, image, md5sum)
}

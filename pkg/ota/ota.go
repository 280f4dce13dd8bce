// Package ota receives firmware and filesystem images over HTTP and installs
// them through an Updater backend.
package ota

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

type Mode string

const (
	Firmware   Mode = "firmware"
	Filesystem Mode = "filesystem"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", Firmware:
		return Firmware, nil
	case Filesystem:
		return Filesystem, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrMode, s)
	}
}

var (
	ErrMode     = errors.New("unknown update mode")
	ErrChecksum = errors.New("image checksum mismatch")
	ErrEmpty    = errors.New("empty image")
	ErrTooLarge = errors.New("image too large")
)

// Updater installs an image. The image only becomes active once Apply
// returned nil; a failed Apply leaves the installed image untouched.
type Updater interface {
	Apply(mode Mode, image io.Reader, md5sum string) (int64, error)
}

// verifier copies an image while hashing it.
type verifier struct {
	h     hash.Hash
	limit int64
}

func newVerifier(limit int64) *verifier {
	return &verifier{h: md5.New(), limit: limit}
}

func (v *verifier) copy(dst io.Writer, src io.Reader) (int64, error) {
	r := io.TeeReader(src, v.h)
	if v.limit > 0 {
		r = io.LimitReader(r, v.limit+1)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return n, ErrEmpty
	}
	if v.limit > 0 && n > v.limit {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, v.limit)
	}
	return n, nil
}

// check compares against an expected hex MD5. An empty expectation passes.
func (v *verifier) check(expected string) error {
	if expected == "" {
		return nil
	}
	got := hex.EncodeToString(v.h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, expected)
	}
	return nil
}

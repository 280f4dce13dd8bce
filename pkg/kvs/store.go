package kvs

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/asnowfix/wifimgr/pkg/eeprom"
	"github.com/go-logr/logr"
)

// Region layout, offsets relative to the configured start address:
//
//	0..1  magic   0x43 0x96
//	2..3  version 0x00 0x01
//	4     number of entries
//	5..   [nameLen][name...][valueLen][value...] repeated
const (
	Magic1   byte = 0x43
	Magic2   byte = 0x96
	Version1 byte = 0x00
	Version2 byte = 0x01

	headerSize = 5
	countIndex = 4

	// MaxEntries is the capacity of the in-memory cache.
	MaxEntries = 32
	// MaxLen is the largest name or value a single length byte can describe.
	MaxLen = 255

	DefaultStart = 512
	DefaultSize  = 1024
)

var (
	ErrCacheFull     = errors.New("config cache is full")
	ErrRegionOverrun = errors.New("config region overrun")
	ErrTooLong       = errors.New("name or value longer than 255 bytes")
	ErrEmptyName     = errors.New("empty name")
	ErrNotFound      = errors.New("no such key")
)

type entry struct {
	name  string
	value []byte
}

// Store is the in-memory mirror of the configuration region. It is loaded
// lazily on first access and written back only by Commit. It is not safe for
// concurrent use: a single control loop owns it.
type Store struct {
	log     logr.Logger
	region  eeprom.Region
	start   int
	size    int
	loaded  bool
	entries []entry
}

func NewStore(log logr.Logger, region eeprom.Region) *Store {
	return &Store{
		log:    log,
		region: region,
		start:  DefaultStart,
		size:   DefaultSize,
	}
}

// Configure sets the window used inside the region. It has no effect once
// the store has been loaded.
func (s *Store) Configure(start, size int) {
	if s.loaded {
		s.log.V(1).Info("Store already loaded, ignoring window change", "start", start, "size", size)
		return
	}
	s.start = start
	s.size = size
}

// Load reads the region into the cache. It is idempotent. A region without
// the expected signature is re-initialized as an empty store (the fresh
// header is written to the region right away) and Load succeeds. Load fails
// when an entry runs past the window or when the region holds more entries
// than the cache can take; in that case nothing is kept in memory.
func (s *Store) Load() error {
	if s.loaded {
		return nil
	}
	end := s.start + s.size
	if s.start < 0 || s.size < headerSize || end > s.region.Size() {
		return fmt.Errorf("%w: window [%d,%d) does not fit region of %d bytes", ErrRegionOverrun, s.start, end, s.region.Size())
	}

	if !s.signatureOK() {
		s.log.Info("No valid config signature, initializing empty store", "start", s.start, "size", s.size)
		s.writeHeader()
		s.region.Write(s.start+countIndex, 0)
		s.entries = nil
		s.loaded = true
		return nil
	}

	count := int(s.region.Read(s.start + countIndex))
	entries := make([]entry, 0, MaxEntries)
	ptr := s.start + headerSize
	for i := 0; i < count; i++ {
		if ptr >= end {
			return fmt.Errorf("%w: entry %d starts at %d", ErrRegionOverrun, i, ptr-s.start)
		}
		nameLen := int(s.region.Read(ptr))
		if ptr+1+nameLen >= end {
			return fmt.Errorf("%w: entry %d name of %d bytes", ErrRegionOverrun, i, nameLen)
		}
		valueLen := int(s.region.Read(ptr + 1 + nameLen))
		next := ptr + 2 + nameLen + valueLen
		if next > end {
			return fmt.Errorf("%w: entry %d value of %d bytes", ErrRegionOverrun, i, valueLen)
		}
		if nameLen != 0 && valueLen != 0 {
			name := string(s.readRange(ptr+1, nameLen))
			value := s.readRange(ptr+2+nameLen, valueLen)
			if j := indexOf(entries, name); j >= 0 {
				entries[j].value = value
			} else {
				if len(entries) == MaxEntries {
					return fmt.Errorf("%w: region holds more than %d entries", ErrCacheFull, MaxEntries)
				}
				entries = append(entries, entry{name: name, value: value})
			}
		}
		ptr = next
	}

	s.entries = entries
	s.loaded = true
	s.log.V(1).Info("Loaded config store", "entries", len(entries), "used", ptr-s.start, "size", s.size)
	return nil
}

// Loaded reports whether the cache currently mirrors the region.
func (s *Store) Loaded() bool {
	return s.loaded
}

// Format discards the cache and writes an empty header, regardless of what
// the region held. The region is not flushed until Commit.
func (s *Store) Format() {
	s.writeHeader()
	s.region.Write(s.start+countIndex, 0)
	s.entries = nil
	s.loaded = true
	s.log.Info("Formatted config store", "start", s.start, "size", s.size)
}

// Clear drops the cache. The next access re-reads the region.
func (s *Store) Clear() {
	s.entries = nil
	s.loaded = false
}

// Commit serializes the cache back to the region in insertion order and
// flushes it. The header goes first and the entry count last: a power loss
// in between leaves a region that may not load. Nothing is written when the
// entries do not fit the window.
func (s *Store) Commit() error {
	if err := s.Load(); err != nil {
		return err
	}

	var body bytes.Buffer
	for _, e := range s.entries {
		body.WriteByte(byte(len(e.name)))
		body.WriteString(e.name)
		body.WriteByte(byte(len(e.value)))
		body.Write(e.value)
	}
	if headerSize+body.Len() > s.size {
		return fmt.Errorf("%w: %d bytes needed, window is %d", ErrRegionOverrun, headerSize+body.Len(), s.size)
	}

	s.writeHeader()
	for i, b := range body.Bytes() {
		s.region.Write(s.start+headerSize+i, b)
	}
	s.region.Write(s.start+countIndex, byte(len(s.entries)))

	if err := s.region.Commit(); err != nil {
		s.log.Error(err, "Failed to flush config region")
		return err
	}
	s.log.Info("Committed config store", "entries", len(s.entries), "bytes", headerSize+body.Len())
	return nil
}

// Get returns the value stored under name. It reports false when the key is
// absent or the store cannot be loaded.
func (s *Store) Get(name string) (string, bool) {
	v, ok := s.GetBytes(name)
	if !ok {
		return "", false
	}
	return string(v), true
}

func (s *Store) GetBytes(name string) ([]byte, bool) {
	if err := s.Load(); err != nil {
		return nil, false
	}
	i := indexOf(s.entries, cstring(name))
	if i < 0 {
		return nil, false
	}
	return bytes.Clone(s.entries[i].value), true
}

// Set stores a string value. Like the C API it mirrors, both name and value
// end at the first NUL byte.
func (s *Store) Set(name, value string) error {
	return s.SetBytes(name, []byte(cstring(value)))
}

// SetBytes stores value verbatim, embedded zero bytes included. It creates
// the entry or replaces its value; on error the cache is left untouched.
func (s *Store) SetBytes(name string, value []byte) error {
	if err := s.Load(); err != nil {
		return err
	}
	name = cstring(name)
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxLen || len(value) > MaxLen {
		return fmt.Errorf("%w: %q", ErrTooLong, name)
	}

	if i := indexOf(s.entries, name); i >= 0 {
		s.entries[i].value = bytes.Clone(value)
		return nil
	}
	if len(s.entries) >= MaxEntries {
		return fmt.Errorf("%w: cannot add %q", ErrCacheFull, name)
	}
	s.entries = append(s.entries, entry{name: name, value: bytes.Clone(value)})
	return nil
}

// Delete removes an entry from the cache. Remaining entries keep their order.
func (s *Store) Delete(name string) error {
	if err := s.Load(); err != nil {
		return err
	}
	i := indexOf(s.entries, cstring(name))
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return nil
}

// Keys lists the cached names in insertion order.
func (s *Store) Keys() []string {
	if err := s.Load(); err != nil {
		return nil
	}
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.name
	}
	return keys
}

func (s *Store) Len() int {
	if err := s.Load(); err != nil {
		return 0
	}
	return len(s.entries)
}

func (s *Store) signatureOK() bool {
	return s.region.Read(s.start+0) == Magic1 &&
		s.region.Read(s.start+1) == Magic2 &&
		s.region.Read(s.start+2) == Version1 &&
		s.region.Read(s.start+3) == Version2
}

func (s *Store) writeHeader() {
	s.region.Write(s.start+0, Magic1)
	s.region.Write(s.start+1, Magic2)
	s.region.Write(s.start+2, Version1)
	s.region.Write(s.start+3, Version2)
}

func (s *Store) readRange(addr, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = s.region.Read(addr + i)
	}
	return b
}

func indexOf(entries []entry, name string) int {
	for i := range entries {
		if entries[i].name == name {
			return i
		}
	}
	return -1
}

func cstring(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

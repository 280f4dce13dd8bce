package kvs

import "encoding/binary"

// Typed values are stored packed: 4 bytes big-endian for integers, a single
// 0/1 byte for booleans. A stored value of any other width is not trusted and
// the getters fall back to the caller's default.

func (s *Store) GetLong(name string, def int32) int32 {
	v, ok := s.GetBytes(name)
	if !ok || len(v) != 4 {
		return def
	}
	return int32(binary.BigEndian.Uint32(v))
}

func (s *Store) SetLong(name string, val int32) error {
	return s.SetBytes(name, binary.BigEndian.AppendUint32(nil, uint32(val)))
}

func (s *Store) GetUlong(name string, def uint32) uint32 {
	v, ok := s.GetBytes(name)
	if !ok || len(v) != 4 {
		return def
	}
	return binary.BigEndian.Uint32(v)
}

func (s *Store) SetUlong(name string, val uint32) error {
	return s.SetBytes(name, binary.BigEndian.AppendUint32(nil, val))
}

func (s *Store) GetBool(name string, def bool) bool {
	v, ok := s.GetBytes(name)
	if !ok || len(v) != 1 {
		return def
	}
	return v[0] != 0
}

func (s *Store) SetBool(name string, val bool) error {
	var b byte
	if val {
		b = 1
	}
	return s.SetBytes(name, []byte{b})
}

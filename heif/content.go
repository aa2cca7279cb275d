/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package heif

import (
	"log/slog"
	"sync"

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/pkg/errors"
)

// payloadBox keys item payloads in the box tree: a payload is whatever
// the item's iloc entry points at.
var payloadBox = bmff.TypeIloc

// Store resolves item IDs to payload bytes. Payloads are kept in the
// form they are written to the file, compressed if the item declares a
// compression method, and are always returned decompressed.
//
// Bytes, ReadInto and Size may be called concurrently with each other,
// but not with Put or any other mutation of the File.
type Store struct {
	items   *Registry
	tree    *bmff.Tree
	codec   compress.Codec
	maxSize int64
	log     *slog.Logger

	// decoded payload of the last Size call, handed to the next read
	mu    sync.Mutex
	cache struct {
		id   uint32
		data []byte
	}
}

// Put stores data as the payload of id, compressing it with the item's
// declared method. Payloads over the size limit are rejected with
// ErrInvalidArgument. On error the previous payload is left in place.
func (s *Store) Put(id uint32, data []byte) error {
	it, err := s.items.lookup(id)
	if err != nil {
		return err
	}
	enc, err := s.encode(it.Compression(), data)
	if err != nil {
		return errors.Wrapf(err, "item %d", id)
	}
	s.putEncoded(id, enc)
	return nil
}

// encode returns a slice the store may keep: a copy of data for
// uncompressed payloads.
func (s *Store) encode(m compress.Method, data []byte) ([]byte, error) {
	if int64(len(data)) > s.maxSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "payload of %d bytes exceeds limit of %d bytes", len(data), s.maxSize)
	}
	if m == compress.None {
		return append([]byte(nil), data...), nil
	}
	enc, err := s.codec.Encode(m, data)
	if err != nil {
		return nil, err
	}
	if int64(len(enc)) > s.maxSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "%s payload of %d bytes exceeds limit of %d bytes", m, len(enc), s.maxSize)
	}
	return enc, nil
}

func (s *Store) putEncoded(id uint32, enc []byte) {
	s.tree.FindOrCreate(payloadBox, id).Write(enc)
	s.dropCache(id)
}

func (s *Store) remove(id uint32) {
	s.tree.Remove(payloadBox, id)
	s.dropCache(id)
}

func (s *Store) dropCache(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.data != nil && s.cache.id == id {
		s.cache.id, s.cache.data = 0, nil
	}
}

func (s *Store) setCache(id uint32, data []byte) {
	s.mu.Lock()
	s.cache.id, s.cache.data = id, data
	s.mu.Unlock()
}

func (s *Store) cached(id uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.id == id {
		return s.cache.data
	}
	return nil
}

// node returns the payload node of id, or nil if the item has none.
// Nodes whose location could not be resolved yield ErrDecode.
func (s *Store) node(id uint32) (*bmff.Node, error) {
	n := s.tree.Find(payloadBox, id)
	if n == nil {
		return nil, nil
	}
	if err := n.Err(); err != nil {
		return nil, errors.Wrapf(ErrDecode, "item %d: %v", id, err)
	}
	return n, nil
}

// stored returns the payload as written to the file, or nil if the item
// has none.
func (s *Store) stored(id uint32) ([]byte, error) {
	n, err := s.node(id)
	if n == nil || err != nil {
		return nil, err
	}
	if n.Len() > s.maxSize {
		return nil, errors.Wrapf(ErrDecode, "item %d: stored size %d exceeds limit of %d bytes", id, n.Len(), s.maxSize)
	}
	data, err := n.Bytes()
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "item %d: %v", id, err)
	}
	return data, nil
}

// decoded returns the decompressed payload. The result may be shared
// with the tree or the cache and must not be modified.
func (s *Store) decoded(id uint32) ([]byte, error) {
	it, err := s.items.lookup(id)
	if err != nil {
		return nil, err
	}
	if data := s.cached(id); data != nil {
		return data, nil
	}
	raw, err := s.stored(id)
	if err != nil {
		return nil, err
	}
	m := it.Compression()
	if m == compress.None || raw == nil {
		return raw, nil
	}
	out, err := s.codec.Decode(m, raw)
	if err != nil {
		s.log.Debug("item payload decode failed", "item", id, "compression", m.String(), "error", err)
		return nil, errors.Wrapf(ErrDecode, "item %d: %v", id, err)
	}
	if int64(len(out)) > s.maxSize {
		return nil, errors.Wrapf(ErrDecode, "item %d: decoded size %d exceeds limit of %d bytes", id, len(out), s.maxSize)
	}
	return out, nil
}

// Bytes returns the decompressed payload of id in a new slice owned by
// the caller. Items without a payload yield an empty slice.
func (s *Store) Bytes(id uint32) ([]byte, error) {
	data, err := s.decoded(id)
	if err != nil {
		return nil, err
	}
	s.dropCache(id)
	return append([]byte{}, data...), nil
}

// ReadInto decompresses the payload of id into buf and returns the
// number of bytes written. If buf is shorter than the payload, ReadInto
// returns ErrBufferTooSmall and leaves buf untouched.
func (s *Store) ReadInto(id uint32, buf []byte) (int, error) {
	data, err := s.decoded(id)
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		if s.items.items[id].Compression() != compress.None {
			s.setCache(id, data)
		}
		return 0, errors.Wrapf(ErrBufferTooSmall, "item %d: payload is %d bytes, buffer holds %d", id, len(data), len(buf))
	}
	s.dropCache(id)
	return copy(buf, data), nil
}

// Size returns the decompressed payload length of id. Uncompressed
// payloads are not read. Compressed payloads are decoded once and the
// result is kept for the next Bytes or ReadInto call on the same item.
func (s *Store) Size(id uint32) (int, error) {
	it, err := s.items.lookup(id)
	if err != nil {
		return 0, err
	}
	if it.Compression() == compress.None {
		n, err := s.node(id)
		if n == nil || err != nil {
			return 0, err
		}
		if n.Len() > s.maxSize {
			return 0, errors.Wrapf(ErrDecode, "item %d: stored size %d exceeds limit of %d bytes", id, n.Len(), s.maxSize)
		}
		return int(n.Len()), nil
	}
	data, err := s.decoded(id)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	s.setCache(id, data)
	return len(data), nil
}

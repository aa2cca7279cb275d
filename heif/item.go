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
	"math"

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/pkg/errors"
)

// Item types with kind-specific fields.
var (
	TypeMime = bmff.BoxType{'m', 'i', 'm', 'e'}
	TypeURI  = bmff.BoxType{'u', 'r', 'i', ' '}
	TypeExif = bmff.BoxType{'E', 'x', 'i', 'f'}
)

// Item is one entry of the item directory.
type Item struct {
	ID   uint32
	Type bmff.BoxType
	Name string
	Kind Kind
}

// Kind holds the fields that only some item types carry. It is one of
// Generic, Mime or URI.
type Kind interface {
	isKind()
}

// Generic is the Kind of every item that is neither "mime" nor "uri ".
type Generic struct{}

// Mime is the Kind of "mime" items.
type Mime struct {
	ContentType string
	Encoding    compress.Method
}

// URI is the Kind of "uri " items.
type URI struct {
	URIType string
}

func (Generic) isKind() {}
func (Mime) isKind()    {}
func (URI) isKind()     {}

// Compression returns the transform applied to the item's stored payload.
func (it *Item) Compression() compress.Method {
	if m, ok := it.Kind.(Mime); ok {
		return m.Encoding
	}
	return compress.None
}

// ContentSubtype returns the content type of a mime item or the URI
// type of a uri item.
func (it *Item) ContentSubtype() (string, error) {
	switch k := it.Kind.(type) {
	case Mime:
		return k.ContentType, nil
	case URI:
		return k.URIType, nil
	default:
		return "", errors.Wrapf(ErrWrongItemKind, "item %d has type %q", it.ID, it.Type)
	}
}

func kindFor(typ bmff.BoxType, ie *bmff.ItemInfoEntry) Kind {
	switch typ {
	case TypeMime:
		return Mime{ContentType: ie.ContentType, Encoding: compress.Method(ie.ContentEncoding)}
	case TypeURI:
		return URI{URIType: ie.ItemURIType}
	default:
		return Generic{}
	}
}

// Registry allocates item IDs and keeps item metadata. IDs are handed
// out in increasing order and never reused. IDs used by entity groups
// or by items loaded from a file are reserved in the same space.
//
// Methods on Registry should not be called concurrently with mutations.
type Registry struct {
	items map[uint32]*Item
	order []uint32
	last  uint32 // highest ID allocated or reserved
}

func newRegistry() Registry {
	return Registry{items: make(map[uint32]*Item)}
}

// Create allocates a new generic item of type typ. Mime and uri items
// need their subtype and are created through File.AddMimeItem and
// File.AddURIItem instead.
func (r *Registry) Create(typ bmff.BoxType) (uint32, error) {
	if typ == TypeMime || typ == TypeURI {
		return 0, errors.Wrapf(ErrInvalidArgument, "%q items need a content subtype", typ)
	}
	it, err := r.create(typ, Generic{})
	if err != nil {
		return 0, err
	}
	return it.ID, nil
}

func (r *Registry) nextID() (uint32, error) {
	if r.last == math.MaxUint32 {
		return 0, ErrAllocation
	}
	return r.last + 1, nil
}

func (r *Registry) create(typ bmff.BoxType, kind Kind) (*Item, error) {
	id, err := r.nextID()
	if err != nil {
		return nil, err
	}
	it := &Item{ID: id, Type: typ, Kind: kind}
	r.insert(it)
	return it, nil
}

// insert adds it under its own ID. The caller guarantees the ID is free.
func (r *Registry) insert(it *Item) {
	r.items[it.ID] = it
	r.order = append(r.order, it.ID)
	r.reserve(it.ID)
}

// reserve marks id as used so that it is never allocated.
func (r *Registry) reserve(id uint32) {
	if id > r.last {
		r.last = id
	}
}

func (r *Registry) remove(id uint32) {
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) lookup(id uint32) (*Item, error) {
	it, ok := r.items[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownItem, "item %d", id)
	}
	return it, nil
}

// Has reports whether id names an item.
func (r *Registry) Has(id uint32) bool {
	_, ok := r.items[id]
	return ok
}

// Item returns a copy of the item's metadata.
func (r *Registry) Item(id uint32) (Item, error) {
	it, err := r.lookup(id)
	if err != nil {
		return Item{}, err
	}
	return *it, nil
}

// Type returns the item's four-character type.
func (r *Registry) Type(id uint32) (bmff.BoxType, error) {
	it, err := r.lookup(id)
	if err != nil {
		return bmff.BoxType{}, err
	}
	return it.Type, nil
}

// Name returns the item's name, or "" if it was never set.
func (r *Registry) Name(id uint32) (string, error) {
	it, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return it.Name, nil
}

// SetName sets the item's name, written to its infe entry.
func (r *Registry) SetName(id uint32, name string) error {
	it, err := r.lookup(id)
	if err != nil {
		return err
	}
	it.Name = name
	return nil
}

// ContentSubtype returns the content type of a mime item or the URI
// type of a uri item. Other items yield ErrWrongItemKind.
func (r *Registry) ContentSubtype(id uint32) (string, error) {
	it, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return it.ContentSubtype()
}

// IDs returns the item IDs in creation order. The slice is a snapshot.
func (r *Registry) IDs() []uint32 {
	return append([]uint32(nil), r.order...)
}

// Len returns the number of items.
func (r *Registry) Len() int { return len(r.order) }

// firstOfType returns the first item, in creation order, of type typ.
func (r *Registry) firstOfType(typ bmff.BoxType) (uint32, bool) {
	for _, id := range r.order {
		if r.items[id].Type == typ {
			return id, true
		}
	}
	return 0, false
}

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

// Package heif reads and writes the item directory of HEIF containers:
// item info, item references, entity groups and item payloads.
// Coded images are treated as opaque items; this package does not
// decode pixels.
//
// This package is a work in progress and makes no API compatibility
// promises.
package heif

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/pkg/errors"
)

// File is a HEIF container being built or read. It owns the item
// Registry, the reference Graph and the payload Store.
//
// Read-only methods on File and its components may be called
// concurrently. Mutations must not overlap any other call.
type File struct {
	ra io.ReaderAt

	items   Registry
	refs    Graph
	content Store
	groups  []*EntityGroup
	primary uint32

	log     *slog.Logger
	codec   compress.Codec
	maxSize int64
	inline  bool
}

type Option func(*File)

// WithLogger sets the logger. The default discards all records.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) {
		f.log = l
	}
}

// WithCodec replaces the compression codec.
func WithCodec(c compress.Codec) Option {
	return func(f *File) {
		f.codec = c
	}
}

// WithMaxItemSize caps the stored and decoded size of a single payload.
func WithMaxItemSize(n int64) Option {
	return func(f *File) {
		f.maxSize = n
	}
}

// WithInlineData makes WriteTo store payloads in the meta box's idat
// instead of a top-level mdat box.
func WithInlineData() Option {
	return func(f *File) {
		f.inline = true
	}
}

// New returns an empty container.
func New(opts ...Option) (*File, error) {
	f := &File{
		items:   newRegistry(),
		maxSize: compress.DefaultMaxDecodedSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "max item size %d", f.maxSize)
	}
	if f.log == nil {
		f.log = slog.New(slog.DiscardHandler)
	}
	if f.codec == nil {
		c, err := compress.New(compress.WithMaxDecodedSize(f.maxSize))
		if err != nil {
			return nil, err
		}
		f.codec = c
	}
	f.content = Store{
		items:   &f.items,
		tree:    bmff.NewTree(),
		codec:   f.codec,
		maxSize: f.maxSize,
		log:     f.log,
	}
	return f, nil
}

// Items returns the item registry.
func (f *File) Items() *Registry { return &f.items }

// References returns the item reference graph.
func (f *File) References() *Graph { return &f.refs }

// Content returns the payload store.
func (f *File) Content() *Store { return &f.content }

// AddItem creates a generic item of type itemType holding data.
func (f *File) AddItem(itemType string, data []byte) (uint32, error) {
	typ, err := parseType(itemType)
	if err != nil {
		return 0, err
	}
	if typ == TypeMime || typ == TypeURI {
		return 0, errors.Wrapf(ErrInvalidArgument, "use AddMimeItem or AddURIItem for %q items", typ)
	}
	return f.addItem(typ, Generic{}, compress.None, data)
}

// AddMimeItem creates a "mime" item. The payload is stored compressed
// with m and returned decompressed.
func (f *File) AddMimeItem(contentType string, m compress.Method, data []byte) (uint32, error) {
	if contentType == "" {
		return 0, errors.Wrap(ErrInvalidArgument, "empty content type")
	}
	return f.addItem(TypeMime, Mime{ContentType: contentType, Encoding: m}, m, data)
}

// AddURIItem creates a "uri " item.
func (f *File) AddURIItem(uriType string, data []byte) (uint32, error) {
	if uriType == "" {
		return 0, errors.Wrap(ErrInvalidArgument, "empty URI type")
	}
	return f.addItem(TypeURI, URI{URIType: uriType}, compress.None, data)
}

// addItem encodes data before allocating the ID so that a failed encode
// leaves no item behind.
func (f *File) addItem(typ bmff.BoxType, kind Kind, m compress.Method, data []byte) (uint32, error) {
	enc, err := f.content.encode(m, data)
	if err != nil {
		return 0, errors.Wrapf(err, "new %q item", typ)
	}
	it, err := f.items.create(typ, kind)
	if err != nil {
		return 0, err
	}
	if data != nil {
		f.content.putEncoded(it.ID, enc)
	}
	return it.ID, nil
}

func parseType(s string) (bmff.BoxType, error) {
	typ, err := bmff.ParseBoxType(s)
	if err != nil {
		return typ, errors.Wrapf(ErrInvalidArgument, "%v", err)
	}
	return typ, nil
}

// AddItemReference adds a reference of type refType from one item to
// one or more items. Items need not exist yet; Finalize checks them.
func (f *File) AddItemReference(refType string, from uint32, to ...uint32) error {
	typ, err := parseType(refType)
	if err != nil {
		return err
	}
	return f.refs.Add(from, typ, to)
}

// SetPrimaryItem marks id as the primary item.
func (f *File) SetPrimaryItem(id uint32) error {
	if _, err := f.items.lookup(id); err != nil {
		return err
	}
	f.primary = id
	return nil
}

// PrimaryItem returns the primary item's ID.
func (f *File) PrimaryItem() (uint32, error) {
	if f.primary == 0 {
		return 0, errors.New("heif: HEIF file lacks primary item box")
	}
	return f.primary, nil
}

// DeleteItem removes an item, its payload, every reference leaving it,
// and its membership in reference target lists and entity groups. The
// ID is not reused.
func (f *File) DeleteItem(id uint32) error {
	if _, err := f.items.lookup(id); err != nil {
		return err
	}
	f.items.remove(id)
	f.content.remove(id)
	f.refs.sever(id)
	f.dropFromGroups(id)
	if f.primary == id {
		f.primary = 0
	}
	return nil
}

// Open reads the item directory of a HEIF file. Item payloads are read
// from f lazily, so f must stay readable while the File is in use.
func Open(ra io.ReaderAt, opts ...Option) (*File, error) {
	f, err := New(opts...)
	if err != nil {
		return nil, err
	}
	f.ra = ra
	meta, err := readMeta(ra)
	if err != nil {
		return nil, err
	}
	if err := f.load(meta); err != nil {
		return nil, err
	}
	f.log.Debug("opened heif file", "items", f.items.Len(), "references", f.refs.Len(), "groups", len(f.groups))
	return f, nil
}

// BoxMeta contains the low-level BMFF metadata boxes.
type BoxMeta struct {
	FileType      *bmff.FileTypeBox
	Handler       *bmff.HandlerBox
	PrimaryItem   *bmff.PrimaryItemBox
	ItemInfo      *bmff.ItemInfoBox
	ItemLocation  *bmff.ItemLocationBox
	ItemData      *bmff.ItemDataBox
	ItemReference *bmff.ItemReferenceBox
	GroupsList    *bmff.GroupsListBox
}

func readMeta(ra io.ReaderAt) (*BoxMeta, error) {
	const assumedMaxSize = 5 << 40 // arbitrary
	sr := io.NewSectionReader(ra, 0, assumedMaxSize)
	bmr := bmff.NewReader(sr)

	meta := &BoxMeta{}

	pbox, err := bmr.ReadAndParseBox(bmff.TypeFtyp)
	if err != nil {
		return nil, err
	}
	meta.FileType = pbox.(*bmff.FileTypeBox)

	var metabox *bmff.MetaBox
	for metabox == nil {
		box, err := bmr.ReadBox()
		if err == io.EOF {
			return nil, errors.New("heif: file has no meta box")
		}
		if err != nil {
			return nil, err
		}
		if box.Type() != bmff.TypeMeta {
			continue
		}
		pbox, err := box.Parse()
		if err != nil {
			return nil, errors.Wrap(err, "heif: parsing meta box")
		}
		metabox = pbox.(*bmff.MetaBox)
	}

	for _, box := range metabox.Children {
		boxp, err := box.Parse()
		if err == bmff.ErrUnknownBox {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "heif: parsing %q box", box.Type())
		}
		switch v := boxp.(type) {
		case *bmff.HandlerBox:
			meta.Handler = v
		case *bmff.PrimaryItemBox:
			meta.PrimaryItem = v
		case *bmff.ItemInfoBox:
			meta.ItemInfo = v
		case *bmff.ItemLocationBox:
			meta.ItemLocation = v
		case *bmff.ItemDataBox:
			meta.ItemData = v
		case *bmff.ItemReferenceBox:
			meta.ItemReference = v
		case *bmff.GroupsListBox:
			meta.GroupsList = v
		}
	}
	return meta, nil
}

// locationSource returns the reader an iloc entry's extents point into.
func (f *File) locationSource(loc bmff.ItemLocationBoxEntry, idat io.ReaderAt) (io.ReaderAt, error) {
	if loc.DataReferenceIndex != 0 {
		return nil, errors.Errorf("data reference %d is not this file", loc.DataReferenceIndex)
	}
	switch loc.ConstructionMethod {
	case bmff.ConstructionFileOffset:
		return f.ra, nil
	case bmff.ConstructionIdatOffset:
		if idat == nil {
			return nil, errors.New("no idat box")
		}
		return idat, nil
	default:
		return nil, errors.Errorf("unsupported construction method %d", loc.ConstructionMethod)
	}
}

// load fills the registry, graph, store and groups from parsed boxes.
// Malformed entries are skipped with a warning rather than failing the
// whole file. Payloads whose location cannot be read are kept as
// unresolved nodes, so reading them fails and WriteTo refuses to drop
// them.
func (f *File) load(meta *BoxMeta) error {
	if meta.ItemInfo != nil {
		for _, ie := range meta.ItemInfo.ItemInfos {
			if ie.ItemID == 0 || f.items.Has(ie.ItemID) {
				f.log.Warn("skipping item info entry", "item", ie.ItemID, "reason", "zero or duplicate id")
				continue
			}
			f.items.insert(&Item{
				ID:   ie.ItemID,
				Type: ie.ItemType,
				Name: ie.Name,
				Kind: kindFor(ie.ItemType, ie),
			})
		}
	}

	if meta.GroupsList != nil {
		for _, g := range meta.GroupsList.Groups {
			f.groups = append(f.groups, &EntityGroup{
				ID:        g.GroupID,
				Type:      g.GroupingType,
				EntityIDs: append([]uint32(nil), g.EntityIDs...),
			})
			f.items.reserve(g.GroupID)
		}
	}

	if meta.ItemLocation != nil {
		var idat io.ReaderAt
		if meta.ItemData != nil {
			idat = bytes.NewReader(meta.ItemData.Data)
		}
		for _, loc := range meta.ItemLocation.Items {
			if !f.items.Has(loc.ItemID) {
				f.log.Warn("skipping location of unknown item", "item", loc.ItemID)
				continue
			}
			n := f.content.tree.FindOrCreate(payloadBox, loc.ItemID)
			src, err := f.locationSource(loc, idat)
			if err != nil {
				f.log.Warn("unresolved item location", "item", loc.ItemID, "error", err)
				n.SetUnresolved(err)
				continue
			}
			extents := make([]bmff.OffsetLength, len(loc.Extents))
			for i, e := range loc.Extents {
				extents[i] = bmff.OffsetLength{Offset: loc.BaseOffset + e.Offset, Length: e.Length}
			}
			n.SetExtents(src, extents)
		}
	}

	if meta.ItemReference != nil {
		for _, ir := range meta.ItemReference.ItemRefs {
			if err := f.refs.Add(ir.FromItemID, ir.ReferenceType, ir.ToItemIDs); err != nil {
				f.log.Warn("skipping item reference", "from", ir.FromItemID, "type", ir.ReferenceType.String(), "error", err)
			}
		}
	}

	if meta.PrimaryItem != nil {
		if f.items.Has(meta.PrimaryItem.ItemID) {
			f.primary = meta.PrimaryItem.ItemID
		} else {
			f.log.Warn("primary item does not exist", "item", meta.PrimaryItem.ItemID)
		}
	}
	return nil
}

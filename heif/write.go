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
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Finalize checks that the container is consistent: every reference
// and entity group names existing items. Building a container may
// leave it inconsistent in between; WriteTo calls Finalize first.
func (f *File) Finalize() error {
	if err := f.refs.validate(f.items.Has); err != nil {
		return err
	}
	for _, g := range f.groups {
		for _, id := range g.EntityIDs {
			if !f.items.Has(id) {
				return errors.Wrapf(ErrDanglingReference, "%q group %d names missing item %d", g.Type, g.ID, id)
			}
		}
	}
	if f.primary != 0 && !f.items.Has(f.primary) {
		return errors.Wrapf(ErrDanglingReference, "primary item %d", f.primary)
	}
	f.log.Debug("finalized heif file", "items", f.items.Len(), "references", f.refs.Len())
	return nil
}

// layout places stored payloads back to back. Items whose stored bytes
// are identical share one extent.
type layout struct {
	data    [][]byte
	size    uint64
	extents map[uint32]bmff.OffsetLength
}

func (f *File) layoutPayloads() (*layout, error) {
	l := &layout{extents: make(map[uint32]bmff.OffsetLength)}
	seen := make(map[[32]byte]uint64)
	for _, id := range f.items.order {
		data, err := f.content.stored(id)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		sum := blake3.Sum256(data)
		off, ok := seen[sum]
		if !ok {
			off = l.size
			seen[sum] = off
			l.data = append(l.data, data)
			l.size += uint64(len(data))
		}
		l.extents[id] = bmff.OffsetLength{Offset: off, Length: uint64(len(data))}
	}
	return l, nil
}

var (
	fileType = &bmff.FileTypeBox{MajorBrand: "mif1", MinorVersion: "\x00\x00\x00\x00", Compatible: []string{"mif1"}}
	handler  = &bmff.HandlerBox{HandlerType: "pict"}
)

// metaBox serializes the meta box. Payload extents are shifted by base;
// offset and length fields are fieldSize bytes wide.
func (f *File) metaBox(l *layout, base uint64, fieldSize uint8) ([]byte, error) {
	var w bmff.Writer
	w.StartFullBox(bmff.TypeMeta, 0, 0)
	w.WriteHandler(handler)
	if f.primary != 0 {
		w.WritePrimaryItem(&bmff.PrimaryItemBox{ItemID: f.primary})
	}

	iinf := &bmff.ItemInfoBox{}
	var locs []bmff.ItemLocationBoxEntry
	method := bmff.ConstructionFileOffset
	if f.inline {
		method = bmff.ConstructionIdatOffset
	}
	for _, id := range f.items.order {
		it := f.items.items[id]
		ie := &bmff.ItemInfoEntry{ItemID: id, ItemType: it.Type, Name: it.Name}
		switch k := it.Kind.(type) {
		case Mime:
			ie.ContentType = k.ContentType
			ie.ContentEncoding = string(k.Encoding)
		case URI:
			ie.ItemURIType = k.URIType
		}
		iinf.ItemInfos = append(iinf.ItemInfos, ie)

		if e, ok := l.extents[id]; ok {
			loc := bmff.ItemLocationBoxEntry{ItemID: id, ConstructionMethod: method}
			if e.Length > 0 {
				loc.Extents = []bmff.OffsetLength{{Offset: base + e.Offset, Length: e.Length}}
			}
			locs = append(locs, loc)
		}
	}
	w.WriteItemInfo(iinf)
	w.WriteItemLocation(bmff.NewItemLocationBox(fieldSize, locs))

	if f.refs.Len() > 0 {
		iref := &bmff.ItemReferenceBox{}
		for _, ref := range f.refs.refs {
			iref.ItemRefs = append(iref.ItemRefs, &bmff.ItemReferenceEntry{
				ReferenceType: ref.Type,
				FromItemID:    ref.From,
				ToItemIDs:     ref.To,
			})
		}
		w.WriteItemReferences(iref)
	}

	if f.inline && l.size > 0 {
		w.WriteItemData(bytes.Join(l.data, nil))
	}

	if len(f.groups) > 0 {
		gl := &bmff.GroupsListBox{}
		for _, g := range f.groups {
			gl.Groups = append(gl.Groups, &bmff.EntityToGroupBox{
				GroupingType: g.Type,
				GroupID:      g.ID,
				EntityIDs:    g.EntityIDs,
			})
		}
		w.WriteGroupsList(gl)
	}
	w.EndBox()
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// WriteTo finalizes the container and writes it to w: an ftyp box, the
// meta box and, unless WithInlineData was given, an mdat box holding the
// payloads. The same container always produces the same bytes.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if err := f.Finalize(); err != nil {
		return 0, err
	}
	l, err := f.layoutPayloads()
	if err != nil {
		return 0, err
	}

	var fw bmff.Writer
	fw.WriteFileType(fileType)
	ftyp := fw.Bytes()

	var meta []byte
	var mdatHeader []byte
	if f.inline {
		fieldSize := uint8(4)
		if l.size > math.MaxUint32 {
			fieldSize = 8
		}
		if meta, err = f.metaBox(l, 0, fieldSize); err != nil {
			return 0, err
		}
	} else {
		mdatHeader = make([]byte, 8, 16)
		if l.size+8 > math.MaxUint32 {
			mdatHeader = mdatHeader[:16]
			binary.BigEndian.PutUint32(mdatHeader, 1)
			binary.BigEndian.PutUint64(mdatHeader[8:], l.size+16)
		} else {
			binary.BigEndian.PutUint32(mdatHeader, uint32(l.size+8))
		}
		copy(mdatHeader[4:8], bmff.TypeMdat[:])

		// Field values do not change the meta box size, so measure it
		// once with zero offsets, then write the real offsets.
		fieldSize := uint8(4)
		for {
			probe, err := f.metaBox(l, 0, fieldSize)
			if err != nil {
				return 0, err
			}
			base := uint64(len(ftyp) + len(probe) + len(mdatHeader))
			if base+l.size > math.MaxUint32 && fieldSize == 4 {
				fieldSize = 8
				continue
			}
			if meta, err = f.metaBox(l, base, fieldSize); err != nil {
				return 0, err
			}
			break
		}
	}

	var total int64
	chunks := [][]byte{ftyp, meta, mdatHeader}
	if !f.inline {
		chunks = append(chunks, l.data...)
	}
	for _, c := range chunks {
		n, err := w.Write(c)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	f.log.Debug("wrote heif file", "bytes", total, "payload_bytes", l.size, "inline", f.inline)
	return total, nil
}

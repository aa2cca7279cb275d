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

package bmff

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Writer serializes boxes into an in-memory buffer. Boxes nest:
// StartBox/StartFullBox push a header whose size is patched by the
// matching EndBox.
//
// Like bufReader, Writer has a sticky error; check Err once at the end.
type Writer struct {
	buf  []byte
	open []int
	err  error
}

// ErrBoxTooLarge is reported when a box body does not fit a 32-bit
// size field.
var ErrBoxTooLarge = errors.New("bmff: box too large")

// Bytes returns the serialized boxes. It is only meaningful once every
// started box has been ended.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first error encountered while writing.
func (w *Writer) Err() error {
	if w.err == nil && len(w.open) > 0 {
		return errors.Errorf("bmff: %d boxes not ended", len(w.open))
	}
	return w.err
}

func (w *Writer) StartBox(typ BoxType) {
	w.open = append(w.open, len(w.buf))
	w.buf = append(w.buf, 0, 0, 0, 0)
	w.buf = append(w.buf, typ[:]...)
}

func (w *Writer) StartFullBox(typ BoxType, version uint8, flags uint32) {
	w.StartBox(typ)
	w.Uint32(uint32(version)<<24 | flags&0xFFFFFF)
}

func (w *Writer) EndBox() {
	if len(w.open) == 0 {
		w.setErr(errors.New("bmff: EndBox without StartBox"))
		return
	}
	start := w.open[len(w.open)-1]
	w.open = w.open[:len(w.open)-1]
	size := len(w.buf) - start
	if uint64(size) > math.MaxUint32 {
		w.setErr(errors.Wrapf(ErrBoxTooLarge, "%q is %d bytes", string(w.buf[start+4:start+8]), size))
		return
	}
	binary.BigEndian.PutUint32(w.buf[start:], uint32(size))
}

func (w *Writer) setErr(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// UintN writes v in nbytes bytes (0, 4 or 8), the variable-size
// fields of an iloc box.
func (w *Writer) UintN(nbytes uint8, v uint64) {
	switch nbytes {
	case 0:
	case 4:
		if v > math.MaxUint32 {
			w.setErr(errors.Errorf("bmff: value %d does not fit 4 bytes", v))
		}
		w.Uint32(uint32(v))
	case 8:
		w.Uint64(v)
	default:
		w.setErr(errors.Errorf("bmff: invalid field size %d", nbytes))
	}
}

func (w *Writer) Type(t BoxType) { w.buf = append(w.buf, t[:]...) }

// CString writes s null-terminated.
func (w *Writer) CString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// itemIDVersion returns v16 if every id fits 16 bits, v32 otherwise.
func itemIDVersion(v16, v32 uint8, ids ...uint32) uint8 {
	for _, id := range ids {
		if id > math.MaxUint16 {
			return v32
		}
	}
	return v16
}

func (w *Writer) itemID(wide bool, id uint32) {
	if wide {
		w.Uint32(id)
	} else {
		w.Uint16(uint16(id))
	}
}

// WriteFileType writes an "ftyp" box.
func (w *Writer) WriteFileType(ft *FileTypeBox) {
	w.StartBox(TypeFtyp)
	w.Write(fourBytes(ft.MajorBrand))
	w.Write(fourBytes(ft.MinorVersion))
	for _, c := range ft.Compatible {
		w.Write(fourBytes(c))
	}
	w.EndBox()
}

func fourBytes(s string) []byte {
	b := []byte{0, 0, 0, 0}
	copy(b, s)
	return b
}

// WriteHandler writes a "hdlr" box.
func (w *Writer) WriteHandler(hb *HandlerBox) {
	w.StartFullBox(TypeHdlr, 0, 0)
	w.Uint32(0) // pre_defined
	w.Write(fourBytes(hb.HandlerType))
	w.Uint32(0)
	w.Uint32(0)
	w.Uint32(0)
	w.CString(hb.Name)
	w.EndBox()
}

// WritePrimaryItem writes a "pitm" box, version 1 if the id needs 32 bits.
func (w *Writer) WritePrimaryItem(pib *PrimaryItemBox) {
	v := itemIDVersion(0, 1, pib.ItemID)
	w.StartFullBox(TypePitm, v, 0)
	w.itemID(v == 1, pib.ItemID)
	w.EndBox()
}

// WriteItemInfo writes an "iinf" box and its "infe" children. Entries
// use version 2, or 3 for ids that need 32 bits.
func (w *Writer) WriteItemInfo(ib *ItemInfoBox) {
	count := len(ib.ItemInfos)
	if count > math.MaxUint16 {
		w.StartFullBox(TypeIinf, 1, 0)
		w.Uint32(uint32(count))
	} else {
		w.StartFullBox(TypeIinf, 0, 0)
		w.Uint16(uint16(count))
	}
	for _, ie := range ib.ItemInfos {
		w.writeItemInfoEntry(ie)
	}
	w.EndBox()
}

func (w *Writer) writeItemInfoEntry(ie *ItemInfoEntry) {
	v := itemIDVersion(2, 3, ie.ItemID)
	w.StartFullBox(TypeInfe, v, ie.Flags)
	w.itemID(v == 3, ie.ItemID)
	w.Uint16(ie.ProtectionIndex)
	w.Type(ie.ItemType)
	w.CString(ie.Name)
	switch ie.ItemType.String() {
	case "mime":
		w.CString(ie.ContentType)
		w.CString(ie.ContentEncoding)
	case "uri ":
		w.CString(ie.ItemURIType)
	}
	w.EndBox()
}

// NewItemLocationBox returns an iloc box whose offset and length
// fields are fieldSize bytes wide (4 or 8).
func NewItemLocationBox(fieldSize uint8, items []ItemLocationBoxEntry) *ItemLocationBox {
	return &ItemLocationBox{
		offsetSize: fieldSize,
		lengthSize: fieldSize,
		ItemCount:  uint32(len(items)),
		Items:      items,
	}
}

// WriteItemLocation writes an "iloc" box, version 1, or 2 when item ids
// need 32 bits. Base offsets and extent indexes are not written.
func (w *Writer) WriteItemLocation(ilb *ItemLocationBox) {
	ids := make([]uint32, len(ilb.Items))
	for i, ent := range ilb.Items {
		ids[i] = ent.ItemID
	}
	v := itemIDVersion(1, 2, ids...)
	w.StartFullBox(TypeIloc, v, 0)
	w.Uint8(ilb.offsetSize<<4 | ilb.lengthSize)
	w.Uint8(0) // base_offset_size, index_size
	if v == 2 {
		w.Uint32(uint32(len(ilb.Items)))
	} else {
		if len(ilb.Items) > math.MaxUint16 {
			w.setErr(errors.Errorf("bmff: %d iloc entries need a version 2 box", len(ilb.Items)))
		}
		w.Uint16(uint16(len(ilb.Items)))
	}
	for _, ent := range ilb.Items {
		w.itemID(v == 2, ent.ItemID)
		w.Uint16(uint16(ent.ConstructionMethod & 15))
		w.Uint16(ent.DataReferenceIndex)
		w.Uint16(uint16(len(ent.Extents)))
		for _, ol := range ent.Extents {
			w.UintN(ilb.offsetSize, ol.Offset)
			w.UintN(ilb.lengthSize, ol.Length)
		}
	}
	w.EndBox()
}

// WriteItemReferences writes an "iref" box, version 1 if any id needs
// 32 bits. Entries are written in slice order.
func (w *Writer) WriteItemReferences(ib *ItemReferenceBox) {
	var ids []uint32
	for _, ref := range ib.ItemRefs {
		ids = append(ids, ref.FromItemID)
		ids = append(ids, ref.ToItemIDs...)
	}
	v := itemIDVersion(0, 1, ids...)
	w.StartFullBox(TypeIref, v, 0)
	for _, ref := range ib.ItemRefs {
		if len(ref.ToItemIDs) > math.MaxUint16 {
			w.setErr(errors.Errorf("bmff: %q reference from %d has %d targets", ref.ReferenceType, ref.FromItemID, len(ref.ToItemIDs)))
		}
		w.StartBox(ref.ReferenceType)
		w.itemID(v == 1, ref.FromItemID)
		w.Uint16(uint16(len(ref.ToItemIDs)))
		for _, to := range ref.ToItemIDs {
			w.itemID(v == 1, to)
		}
		w.EndBox()
	}
	w.EndBox()
}

// WriteItemData writes an "idat" box.
func (w *Writer) WriteItemData(data []byte) {
	w.StartBox(TypeIdat)
	w.Write(data)
	w.EndBox()
}

// WriteGroupsList writes a "grpl" box with one EntityToGroupBox per group.
func (w *Writer) WriteGroupsList(gl *GroupsListBox) {
	w.StartBox(TypeGrpl)
	for _, g := range gl.Groups {
		w.StartFullBox(g.GroupingType, 0, 0)
		w.Uint32(g.GroupID)
		w.Uint32(uint32(len(g.EntityIDs)))
		for _, id := range g.EntityIDs {
			w.Uint32(id)
		}
		w.EndBox()
	}
	w.EndBox()
}

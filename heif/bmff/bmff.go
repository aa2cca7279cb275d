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

// Package bmff reads and writes ISO BMFF boxes, as used by HEIF, etc.
//
// This is not so much a generic BMFF codec as it is the subset of
// boxes needed to describe items inside a HEIF "meta" box: item info,
// locations, inline data, references, entity groups and the primary
// item. Image properties and coded image payloads are not interpreted.
package bmff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: bufReader{Reader: br}}
}

type Reader struct {
	br          bufReader
	lastBox     Box  // or nil
	noMoreBoxes bool // a box with size 0 (the final box) was seen
}

// BoxType is a four-character code. It names boxes, item types and
// item reference types alike.
type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeHdlr = BoxType{'h', 'd', 'l', 'r'}
	TypePitm = BoxType{'p', 'i', 't', 'm'}
	TypeIinf = BoxType{'i', 'i', 'n', 'f'}
	TypeInfe = BoxType{'i', 'n', 'f', 'e'}
	TypeIloc = BoxType{'i', 'l', 'o', 'c'}
	TypeIdat = BoxType{'i', 'd', 'a', 't'}
	TypeIref = BoxType{'i', 'r', 'e', 'f'}
	TypeGrpl = BoxType{'g', 'r', 'p', 'l'}
)

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see ohttps://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

// ErrBadType is returned by ParseBoxType for strings that are not
// exactly four bytes long.
var ErrBadType = errors.New("bmff: four-character code must be 4 bytes")

// ParseBoxType converts s to a BoxType.
func ParseBoxType(s string) (BoxType, error) {
	if len(s) != 4 {
		return BoxType{}, errors.Wrapf(ErrBadType, "%q", s)
	}
	return BoxType{s[0], s[1], s[2], s[3]}, nil
}

// Box represents a BMFF box.
type Box interface {
	Size() int64 // 0 means unknown (will read to end of file)
	Type() BoxType

	// Parses parses the box, populating the fields
	// in the returned concrete type.
	//
	// If Parse has already been called, Parse returns nil.
	// If the box type is unknown, the returned error is ErrUnknownBox
	// and it's guaranteed that no bytes have been read from the box.
	Parse() (Box, error)

	// Body returns the inner bytes of the box, ignoring the header.
	// The body may start with the 4 byte header of a "Full Box" if the
	// box's type derives from a full box. Most users will use Parse
	// instead.
	// Body will return a new reader at the beginning of the box if the
	// outer box has already been parsed.
	Body() io.Reader
}

// ErrUnknownBox is returned by Box.Parse for unrecognized box types.
var ErrUnknownBox = errors.New("heif: unknown box")

type parserFunc func(b *box, br *bufReader) (Box, error)

func boxType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

var parsers = map[BoxType]parserFunc{
	boxType("ftyp"): parseFileTypeBox,
	boxType("hdlr"): parseHandlerBox,
	boxType("iinf"): parseItemInfoBox,
	boxType("infe"): parseItemInfoEntry,
	boxType("iloc"): parseItemLocationBox,
	boxType("meta"): parseMetaBox,
	boxType("pitm"): parsePrimaryItemBox,
	boxType("idat"): parseItemDataBox,
	boxType("iref"): parseItemReferenceBox,
	boxType("grpl"): parseGroupsListBox,
}

type box struct {
	size    int64 // 0 means unknown, will read to end of file (box container)
	boxType BoxType
	body    io.Reader
	parsed  Box    // if non-nil, the Parsed result
	slurp   []byte // if non-nil, the contents slurped to memory
}

func (b *box) Size() int64   { return b.size }
func (b *box) Type() BoxType { return b.boxType }

func (b *box) Body() io.Reader {
	if b.slurp != nil {
		return bytes.NewReader(b.slurp)
	}
	return b.body
}

func (b *box) Parse() (Box, error) {
	if b.parsed != nil {
		return b.parsed, nil
	}
	parser, ok := parsers[b.Type()]
	if !ok {
		return nil, ErrUnknownBox
	}
	v, err := parser(b, &bufReader{Reader: bufio.NewReader(b.Body())})
	if err != nil {
		return nil, err
	}
	b.parsed = v
	return v, nil
}

type FullBox struct {
	*box
	Version uint8
	Flags   uint32 // 24 bits
}

// ReadBox reads the next box.
//
// If the previously read box was not read to completion, ReadBox consumes
// the rest of its data.
//
// At the end, the error is io.EOF.
func (r *Reader) ReadBox() (Box, error) {
	if r.noMoreBoxes {
		return nil, io.EOF
	}
	if r.lastBox != nil {
		if _, err := io.Copy(io.Discard, r.lastBox.Body()); err != nil {
			return nil, err
		}
	}
	var buf [8]byte

	_, err := io.ReadFull(r.br, buf[:4])
	if err != nil {
		return nil, err
	}
	box := &box{
		size: int64(binary.BigEndian.Uint32(buf[:4])),
	}

	_, err = io.ReadFull(r.br, box.boxType[:]) // 4 more bytes
	if err != nil {
		return nil, err
	}

	// Special cases for size:
	var remain int64
	switch box.size {
	case 1:
		// 1 means it's actually a 64-bit size, after the type.
		_, err = io.ReadFull(r.br, buf[:8])
		if err != nil {
			return nil, err
		}
		box.size = int64(binary.BigEndian.Uint64(buf[:8]))
		if box.size < 0 {
			// Go uses int64 for sizes typically, but BMFF uses uint64.
			// We assume for now that nobody actually uses boxes larger
			// than int64.
			return nil, errors.Errorf("unexpectedly large box %q", box.boxType)
		}
		remain = box.size - 2*4 - 8
	case 0:
		// 0 means unknown & to read to end of file. No more boxes.
		r.noMoreBoxes = true
	default:
		remain = box.size - 2*4
	}
	if remain < 0 {
		return nil, errors.Errorf("Box header for %q has size %d, suggesting %d (negative) bytes remain", box.boxType, box.size, remain)
	}
	if box.size > 0 {
		box.body = io.LimitReader(r.br, remain)
	} else {
		box.body = r.br
	}
	r.lastBox = box
	return box, nil
}

// ReadAndParseBox wraps the ReadBox method, ensuring that the read box is of type typ
// and parses successfully. It returns the parsed box.
func (r *Reader) ReadAndParseBox(typ BoxType) (Box, error) {
	box, err := r.ReadBox()
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %q box", typ)
	}
	if box.Type() != typ {
		return nil, errors.Errorf("error reading %q box: got box type %q instead", typ, box.Type())
	}
	pbox, err := box.Parse()
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing read %q box", typ)
	}
	return pbox, nil
}

func readFullBox(outer *box, br *bufReader) (fb FullBox, err error) {
	fb.box = outer
	// Parse FullBox header.
	buf, err := br.Peek(4)
	if err != nil {
		return FullBox{}, errors.Wrap(err, "failed to read 4 bytes of FullBox")
	}
	fb.Version = buf[0]
	fb.Flags = uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	br.Discard(4)
	return fb, nil
}

type FileTypeBox struct {
	*box
	MajorBrand   string   // 4 bytes
	MinorVersion string   // 4 bytes
	Compatible   []string // all 4 bytes
}

func parseFileTypeBox(outer *box, br *bufReader) (Box, error) {
	buf, err := br.Peek(8)
	if err != nil {
		return nil, err
	}
	ft := &FileTypeBox{
		box:          outer,
		MajorBrand:   string(buf[:4]),
		MinorVersion: string(buf[4:8]),
	}
	br.Discard(8)
	for {
		buf, err := br.Peek(4)
		if err == io.EOF {
			return ft, nil
		}
		if err != nil {
			return nil, err
		}
		ft.Compatible = append(ft.Compatible, string(buf[:4]))
		br.Discard(4)
	}
}

type MetaBox struct {
	FullBox
	Children []Box
}

func parseMetaBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	mb := &MetaBox{FullBox: fb}
	return mb, br.parseAppendBoxes(&mb.Children)
}

func (br *bufReader) parseAppendBoxes(dst *[]Box) error {
	if br.err != nil {
		return br.err
	}
	boxr := NewReader(br.Reader)
	for {
		inner, err := boxr.ReadBox()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			br.err = err
			return err
		}
		slurp, err := io.ReadAll(inner.Body())
		if err != nil {
			br.err = err
			return err
		}
		inner.(*box).slurp = slurp
		*dst = append(*dst, inner)
	}
}

// ItemInfoEntry represents an "infe" box.
//
// Versions 2 (16-bit item IDs) and 3 (32-bit item IDs) are supported.
type ItemInfoEntry struct {
	FullBox

	ItemID          uint32
	ProtectionIndex uint16
	ItemType        BoxType

	Name string

	// If ItemType == "mime":
	ContentType     string
	ContentEncoding string

	// If ItemType == "uri ":
	ItemURIType string
}

func parseItemInfoEntry(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ie := &ItemInfoEntry{FullBox: fb}
	switch fb.Version {
	case 2:
		id, _ := br.readUint16()
		ie.ItemID = uint32(id)
	case 3:
		ie.ItemID, _ = br.readUint32()
	default:
		return nil, errors.Errorf("found version %d infe box, only 2 and 3 are supported", fb.Version)
	}
	ie.ProtectionIndex, _ = br.readUint16()
	if !br.ok() {
		return nil, br.err
	}
	buf, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	copy(ie.ItemType[:], buf[:4])
	br.Discard(4)
	ie.Name, _ = br.readString()

	switch ie.ItemType.String() {
	case "mime":
		ie.ContentType, _ = br.readString()
		if br.anyRemain() {
			ie.ContentEncoding, _ = br.readString()
		}
	case "uri ":
		ie.ItemURIType, _ = br.readString()
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

// ItemInfoBox represents an "iinf" box.
type ItemInfoBox struct {
	FullBox
	Count     uint32
	ItemInfos []*ItemInfoEntry
}

func parseItemInfoBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemInfoBox{FullBox: fb}

	if ib.Version >= 1 {
		ib.Count, _ = br.readUint32()
	} else {
		count, _ := br.readUint16()
		ib.Count = uint32(count)
	}

	var itemInfos []Box
	br.parseAppendBoxes(&itemInfos)
	if br.ok() {
		for _, box := range itemInfos {
			pb, err := box.Parse()
			if err == ErrUnknownBox {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "error parsing ItemInfoEntry in ItemInfoBox")
			}
			if iie, ok := pb.(*ItemInfoEntry); ok {
				ib.ItemInfos = append(ib.ItemInfos, iie)
			}
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}

// ItemReferenceBox represents an "iref" box.
type ItemReferenceBox struct {
	FullBox
	ItemRefs []*ItemReferenceEntry
}

// ItemReferenceEntry is a single reference inside an "iref" box. Its
// box type is the reference type ("thmb", "cdsc", "dimg", ...).
type ItemReferenceEntry struct {
	*box
	ReferenceType BoxType
	FromItemID    uint32
	Count         uint16
	ToItemIDs     []uint32
}

func parseItemReferenceBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	ib := &ItemReferenceBox{FullBox: fb}

	var itemRefs []Box
	br.parseAppendBoxes(&itemRefs)

	if br.ok() {
		for _, b := range itemRefs {
			ie, err := parseItemReferenceEntry(b.(*box), &bufReader{Reader: bufio.NewReader(b.Body())}, ib.Version)
			if err != nil {
				return nil, errors.Wrap(err, "error parsing ItemReferenceEntry in ItemReferenceBox")
			}
			ib.ItemRefs = append(ib.ItemRefs, ie)
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ib, nil
}

func parseItemReferenceEntry(outer *box, br *bufReader, version uint8) (*ItemReferenceEntry, error) {
	ie := &ItemReferenceEntry{box: outer, ReferenceType: outer.boxType}

	if version == 0 {
		itemID, _ := br.readUint16()
		ie.FromItemID = uint32(itemID)
		ie.Count, _ = br.readUint16()
		for i := 0; i < int(ie.Count) && br.ok(); i += 1 {
			itemID, _ := br.readUint16()
			ie.ToItemIDs = append(ie.ToItemIDs, uint32(itemID))
		}
	} else {
		ie.FromItemID, _ = br.readUint32()
		ie.Count, _ = br.readUint16()
		for i := 0; i < int(ie.Count) && br.ok(); i += 1 {
			itemID, _ := br.readUint32()
			ie.ToItemIDs = append(ie.ToItemIDs, itemID)
		}
	}
	if !br.ok() {
		return nil, br.err
	}
	return ie, nil
}

// GroupsListBox represents a "grpl" box.
type GroupsListBox struct {
	*box
	Groups []*EntityToGroupBox
}

// EntityToGroupBox is one entity group inside a "grpl" box. Its box
// type is the grouping type ("altr", "ster", ...). GroupID shares the
// numbering space of item IDs.
type EntityToGroupBox struct {
	FullBox
	GroupingType BoxType
	GroupID      uint32
	EntityIDs    []uint32
}

func parseGroupsListBox(outer *box, br *bufReader) (Box, error) {
	gl := &GroupsListBox{box: outer}

	var children []Box
	if err := br.parseAppendBoxes(&children); err != nil {
		return nil, err
	}
	for _, b := range children {
		g, err := parseEntityToGroupBox(b.(*box), &bufReader{Reader: bufio.NewReader(b.Body())})
		if err != nil {
			return nil, errors.Wrapf(err, "error parsing EntityToGroupBox %q", b.Type())
		}
		gl.Groups = append(gl.Groups, g)
	}
	return gl, nil
}

func parseEntityToGroupBox(outer *box, br *bufReader) (*EntityToGroupBox, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	g := &EntityToGroupBox{FullBox: fb, GroupingType: outer.boxType}
	g.GroupID, _ = br.readUint32()
	n, _ := br.readUint32()
	for i := uint32(0); i < n && br.ok(); i++ {
		id, _ := br.readUint32()
		g.EntityIDs = append(g.EntityIDs, id)
	}
	if !br.ok() {
		return nil, br.err
	}
	return g, nil
}

// bufReader adds some HEIF/BMFF-specific methods around a *bufio.Reader.
type bufReader struct {
	*bufio.Reader
	err error // sticky error
}

// ok reports whether all previous reads have been error-free.
func (br *bufReader) ok() bool { return br.err == nil }

func (br *bufReader) anyRemain() bool {
	if br.err != nil {
		return false
	}
	_, err := br.Peek(1)
	return err == nil
}

func (br *bufReader) readUintN(bits uint8) (uint64, error) {
	if br.err != nil {
		return 0, br.err
	}
	if bits == 0 {
		return 0, nil
	}
	nbyte := bits / 8
	buf, err := br.Peek(int(nbyte))
	if err != nil {
		br.err = err
		return 0, err
	}
	defer br.Discard(int(nbyte))
	switch bits {
	case 8:
		return uint64(buf[0]), nil
	case 16:
		return uint64(binary.BigEndian.Uint16(buf[:2])), nil
	case 32:
		return uint64(binary.BigEndian.Uint32(buf[:4])), nil
	case 64:
		return binary.BigEndian.Uint64(buf[:8]), nil
	default:
		br.err = errors.New("invalid uintn read size")
		return 0, br.err
	}
}

func (br *bufReader) readUint8() (uint8, error) {
	if br.err != nil {
		return 0, br.err
	}
	v, err := br.ReadByte()
	if err != nil {
		br.err = err
		return 0, err
	}
	return v, nil
}

func (br *bufReader) readUint16() (uint16, error) {
	v, err := br.readUintN(16)
	return uint16(v), err
}

func (br *bufReader) readUint32() (uint32, error) {
	v, err := br.readUintN(32)
	return uint32(v), err
}

func (br *bufReader) readString() (string, error) {
	if br.err != nil {
		return "", br.err
	}
	s0, err := br.ReadString(0)
	if err != nil {
		br.err = err
		return "", err
	}
	s := strings.TrimSuffix(s0, "\x00")
	if len(s) == len(s0) {
		err = errors.New("unexpected non-null terminated string")
		br.err = err
		return "", err
	}
	return s, nil
}

type OffsetLength struct {
	Offset, Length uint64
}

// Construction methods of an ItemLocationBoxEntry.
const (
	ConstructionFileOffset uint8 = 0 // extents are file offsets
	ConstructionIdatOffset uint8 = 1 // extents are offsets into the idat box
	ConstructionItemOffset uint8 = 2 // extents are offsets into another item
)

// not a box
type ItemLocationBoxEntry struct {
	ItemID             uint32
	ConstructionMethod uint8 // actually uint4
	DataReferenceIndex uint16
	BaseOffset         uint64 // uint32 or uint64, depending on encoding
	ExtentCount        uint16
	Extents            []OffsetLength
}

// box "iloc"
type ItemLocationBox struct {
	FullBox

	offsetSize, lengthSize, baseOffsetSize, indexSize uint8 // actually uint4

	ItemCount uint32
	Items     []ItemLocationBoxEntry
}

func parseItemLocationBox(outer *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(outer, br)
	if err != nil {
		return nil, err
	}
	if fb.Version > 2 {
		return nil, errors.Errorf("found version %d iloc box, only 0 to 2 are supported", fb.Version)
	}
	ilb := &ItemLocationBox{
		FullBox: fb,
	}
	buf, err := br.Peek(2)
	if err != nil {
		return nil, err
	}
	ilb.offsetSize = buf[0] >> 4
	ilb.lengthSize = buf[0] & 15
	ilb.baseOffsetSize = buf[1] >> 4
	if fb.Version > 0 {
		ilb.indexSize = buf[1] & 15
	}
	br.Discard(2)

	if fb.Version < 2 {
		count, _ := br.readUint16()
		ilb.ItemCount = uint32(count)
	} else {
		ilb.ItemCount, _ = br.readUint32()
	}

	for i := uint32(0); br.ok() && i < ilb.ItemCount; i++ {
		var ent ItemLocationBoxEntry
		if fb.Version < 2 {
			id, _ := br.readUint16()
			ent.ItemID = uint32(id)
		} else {
			ent.ItemID, _ = br.readUint32()
		}
		if fb.Version > 0 {
			cmeth, _ := br.readUint16()
			ent.ConstructionMethod = byte(cmeth & 15)
		}
		ent.DataReferenceIndex, _ = br.readUint16()
		ent.BaseOffset, _ = br.readUintN(ilb.baseOffsetSize * 8)
		ent.ExtentCount, _ = br.readUint16()
		for j := 0; br.ok() && j < int(ent.ExtentCount); j++ {
			var ol OffsetLength
			if fb.Version > 0 {
				br.readUintN(ilb.indexSize * 8) // extent_index, unused
			}
			ol.Offset, _ = br.readUintN(ilb.offsetSize * 8)
			ol.Length, _ = br.readUintN(ilb.lengthSize * 8)
			if br.err != nil {
				return nil, br.err
			}
			ent.Extents = append(ent.Extents, ol)
		}
		ilb.Items = append(ilb.Items, ent)
	}
	if !br.ok() {
		return nil, br.err
	}
	return ilb, nil
}

// a "hdlr" box.
type HandlerBox struct {
	FullBox
	HandlerType string // always 4 bytes; usually "pict" for iOS Camera images
	Name        string
}

func parseHandlerBox(gen *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	hb := &HandlerBox{
		FullBox: fb,
	}
	buf, err := br.Peek(20)
	if err != nil {
		return nil, err
	}
	hb.HandlerType = string(buf[4:8])
	br.Discard(20)

	hb.Name, _ = br.readString()
	return hb, br.err
}

// "pitm" box
type PrimaryItemBox struct {
	FullBox
	ItemID uint32
}

func parsePrimaryItemBox(gen *box, br *bufReader) (Box, error) {
	fb, err := readFullBox(gen, br)
	if err != nil {
		return nil, err
	}
	pib := &PrimaryItemBox{FullBox: fb}
	if fb.Version == 0 {
		id, _ := br.readUint16()
		pib.ItemID = uint32(id)
	} else {
		pib.ItemID, _ = br.readUint32()
	}
	if !br.ok() {
		return nil, br.err
	}
	return pib, nil
}

// ItemDataBox is an "idat" box. It is a plain box; its whole body is
// item data.
type ItemDataBox struct {
	*box
	Data []byte
}

func parseItemDataBox(gen *box, br *bufReader) (Box, error) {
	data, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return &ItemDataBox{box: gen, Data: data}, nil
}

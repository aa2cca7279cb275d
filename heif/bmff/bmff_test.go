package bmff

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOne(t *testing.T, w *Writer) Box {
	t.Helper()
	require.NoError(t, w.Err())
	r := NewReader(bytes.NewReader(w.Bytes()))
	b, err := r.ReadBox()
	require.NoError(t, err)
	pb, err := b.Parse()
	require.NoError(t, err)
	return pb
}

func TestParseBoxType(t *testing.T) {
	typ, err := ParseBoxType("uri ")
	require.NoError(t, err)
	assert.True(t, typ.EqualString("uri "))
	assert.Equal(t, "uri ", typ.String())

	_, err = ParseBoxType("mim")
	assert.ErrorIs(t, err, ErrBadType)
}

func TestReadAndParseBoxWrapsCause(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadAndParseBox(TypeFtyp)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), `error reading "ftyp" box`)
}

func TestItemInfoRoundTrip(t *testing.T) {
	var w Writer
	w.WriteItemInfo(&ItemInfoBox{ItemInfos: []*ItemInfoEntry{
		{ItemID: 1, ItemType: boxType("mime"), Name: "xmp", ContentType: "application/rdf+xml", ContentEncoding: "deflate"},
		{ItemID: 2, ItemType: boxType("uri "), ItemURIType: "urn:example"},
		{ItemID: 0x12345, ItemType: boxType("av01"), Name: "wide"},
	}})

	ib, ok := parseOne(t, &w).(*ItemInfoBox)
	require.True(t, ok)
	assert.Equal(t, uint32(3), ib.Count)
	require.Len(t, ib.ItemInfos, 3)

	mime := ib.ItemInfos[0]
	assert.Equal(t, uint8(2), mime.Version)
	assert.Equal(t, "xmp", mime.Name)
	assert.Equal(t, "application/rdf+xml", mime.ContentType)
	assert.Equal(t, "deflate", mime.ContentEncoding)

	assert.Equal(t, "urn:example", ib.ItemInfos[1].ItemURIType)

	wide := ib.ItemInfos[2]
	assert.Equal(t, uint8(3), wide.Version)
	assert.Equal(t, uint32(0x12345), wide.ItemID)
	assert.Equal(t, "av01", wide.ItemType.String())
}

func TestItemReferenceRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name    string
		to      []uint32
		version uint8
	}{
		{"narrow", []uint32{1, 2}, 0},
		{"wide", []uint32{1, 0x10000}, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var w Writer
			w.WriteItemReferences(&ItemReferenceBox{ItemRefs: []*ItemReferenceEntry{
				{ReferenceType: boxType("thmb"), FromItemID: 7, ToItemIDs: tt.to},
				{ReferenceType: boxType("thmb"), FromItemID: 7, ToItemIDs: []uint32{3}},
			}})

			ib, ok := parseOne(t, &w).(*ItemReferenceBox)
			require.True(t, ok)
			assert.Equal(t, tt.version, ib.Version)
			require.Len(t, ib.ItemRefs, 2)
			assert.Equal(t, "thmb", ib.ItemRefs[0].Type().String())
			assert.Equal(t, boxType("thmb"), ib.ItemRefs[1].ReferenceType)
			assert.Equal(t, uint32(7), ib.ItemRefs[0].FromItemID)
			assert.Equal(t, tt.to, ib.ItemRefs[0].ToItemIDs)
			assert.Equal(t, []uint32{3}, ib.ItemRefs[1].ToItemIDs)
		})
	}
}

func TestItemLocationRoundTrip(t *testing.T) {
	var w Writer
	w.WriteItemLocation(NewItemLocationBox(8, []ItemLocationBoxEntry{
		{ItemID: 1, ConstructionMethod: ConstructionIdatOffset, Extents: []OffsetLength{{Offset: 0, Length: 10}}},
		{ItemID: 0x20000, Extents: []OffsetLength{{Offset: 1 << 33, Length: 4}}},
		{ItemID: 3},
	}))

	ilb, ok := parseOne(t, &w).(*ItemLocationBox)
	require.True(t, ok)
	assert.Equal(t, uint8(2), ilb.Version)
	require.Len(t, ilb.Items, 3)
	assert.Equal(t, ConstructionIdatOffset, ilb.Items[0].ConstructionMethod)
	assert.Equal(t, []OffsetLength{{0, 10}}, ilb.Items[0].Extents)
	assert.Equal(t, uint32(0x20000), ilb.Items[1].ItemID)
	assert.Equal(t, uint64(1<<33), ilb.Items[1].Extents[0].Offset)
	assert.Empty(t, ilb.Items[2].Extents)
}

func TestMetaChildren(t *testing.T) {
	var w Writer
	w.StartFullBox(TypeMeta, 0, 0)
	w.WriteHandler(&HandlerBox{HandlerType: "pict"})
	w.WritePrimaryItem(&PrimaryItemBox{ItemID: 0x10001})
	w.WriteItemData([]byte("inline"))
	w.WriteGroupsList(&GroupsListBox{Groups: []*EntityToGroupBox{
		{GroupingType: boxType("altr"), GroupID: 9, EntityIDs: []uint32{1, 2}},
	}})
	w.EndBox()

	mb, ok := parseOne(t, &w).(*MetaBox)
	require.True(t, ok)
	require.Len(t, mb.Children, 4)

	var got []Box
	for _, c := range mb.Children {
		pb, err := c.Parse()
		require.NoError(t, err)
		got = append(got, pb)
	}
	assert.Equal(t, "pict", got[0].(*HandlerBox).HandlerType)
	assert.Equal(t, uint32(0x10001), got[1].(*PrimaryItemBox).ItemID)
	assert.Equal(t, []byte("inline"), got[2].(*ItemDataBox).Data)

	gl := got[3].(*GroupsListBox)
	require.Len(t, gl.Groups, 1)
	assert.Equal(t, "altr", gl.Groups[0].GroupingType.String())
	assert.Equal(t, uint32(9), gl.Groups[0].GroupID)
	assert.Equal(t, []uint32{1, 2}, gl.Groups[0].EntityIDs)
}

func TestWriterUnbalanced(t *testing.T) {
	var w Writer
	w.StartBox(TypeMeta)
	assert.Error(t, w.Err())

	w = Writer{}
	w.EndBox()
	assert.Error(t, w.Err())
}

func TestTree(t *testing.T) {
	tree := NewTree()
	assert.Nil(t, tree.Find(TypeIloc, 1))

	n := tree.FindOrCreate(TypeIloc, 1)
	assert.Same(t, n, tree.FindOrCreate(TypeIloc, 1))
	assert.Equal(t, int64(0), n.Len())

	n.Write([]byte("hello"))
	b, err := n.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	src := bytes.NewReader([]byte("0123456789"))
	n.SetExtents(src, []OffsetLength{{Offset: 2, Length: 3}, {Offset: 8, Length: 2}})
	assert.Equal(t, int64(5), n.Len())
	b, err = n.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("23489"), b)

	n.SetExtents(src, []OffsetLength{{Offset: 8, Length: 5}})
	_, err = n.Bytes()
	assert.Error(t, err)

	unresolved := errors.New("external data reference")
	n.SetUnresolved(unresolved)
	assert.Equal(t, unresolved, n.Err())
	assert.Equal(t, int64(0), n.Len())
	_, err = n.Bytes()
	assert.Equal(t, unresolved, err)
	n.Write([]byte("ok"))
	assert.NoError(t, n.Err())

	tree.Remove(TypeIloc, 1)
	assert.Nil(t, tree.Find(TypeIloc, 1))
}

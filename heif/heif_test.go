package heif

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFile(t *testing.T, opts ...Option) *File {
	t.Helper()
	f, err := New(opts...)
	require.NoError(t, err)
	return f
}

func fourcc(s string) bmff.BoxType {
	typ, err := bmff.ParseBoxType(s)
	if err != nil {
		panic(err)
	}
	return typ
}

func reopen(t *testing.T, f *File, opts ...Option) (*File, []byte) {
	t.Helper()
	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	g, err := Open(bytes.NewReader(buf.Bytes()), opts...)
	require.NoError(t, err)
	return g, buf.Bytes()
}

func TestCreateItemIDsIncrease(t *testing.T) {
	f := newFile(t)
	var last uint32
	for i := 0; i < 50; i++ {
		id, err := f.Items().Create(fourcc("av01"))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, 50, f.Items().Len())
	assert.Equal(t, uint32(1), f.Items().IDs()[0])
}

func TestCreateRejectsKindedTypes(t *testing.T) {
	f := newFile(t)
	_, err := f.Items().Create(TypeMime)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.AddItem("uri ", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.AddItem("jpg", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	// within the limit before compression, over it after framing
	incompressible := make([]byte, 64)
	for i := range incompressible {
		incompressible[i] = byte(i)
	}
	_, err = f.AddMimeItem("application/octet-stream", compress.Zstd, incompressible)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, f.Items().Len())
}

func TestAllocationExhausted(t *testing.T) {
	f := newFile(t)
	id, err := f.AddItem("hvc1", nil)
	require.NoError(t, err)

	f.items.last = math.MaxUint32
	_, err = f.AddItem("hvc1", []byte("x"))
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = f.AddEntityGroup("altr", id)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, []uint32{id}, f.Items().IDs())
	assert.Empty(t, f.EntityGroups())
}

func TestNames(t *testing.T) {
	f := newFile(t)
	id, err := f.AddItem("jpeg", nil)
	require.NoError(t, err)

	name, err := f.Items().Name(id)
	require.NoError(t, err)
	assert.Equal(t, "", name)

	require.NoError(t, f.Items().SetName(id, "thumbnail"))
	name, err = f.Items().Name(id)
	require.NoError(t, err)
	assert.Equal(t, "thumbnail", name)

	assert.ErrorIs(t, f.Items().SetName(99, "x"), ErrUnknownItem)
	_, err = f.Items().Name(99)
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = f.Items().Type(99)
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestContentSubtype(t *testing.T) {
	f := newFile(t)
	mime, err := f.AddMimeItem("application/xml", compress.None, []byte("<a/>"))
	require.NoError(t, err)
	uri, err := f.AddURIItem("urn:mpeg:mpegI:v3c", []byte("payload"))
	require.NoError(t, err)
	av1, err := f.Items().Create(fourcc("av01"))
	require.NoError(t, err)

	got, err := f.Items().ContentSubtype(mime)
	require.NoError(t, err)
	assert.Equal(t, "application/xml", got)

	got, err = f.Items().ContentSubtype(uri)
	require.NoError(t, err)
	assert.Equal(t, "urn:mpeg:mpegI:v3c", got)

	_, err = f.Items().ContentSubtype(av1)
	assert.ErrorIs(t, err, ErrWrongItemKind)

	_, err = f.Items().ContentSubtype(42)
	assert.ErrorIs(t, err, ErrUnknownItem)

	typ, err := f.Items().Type(uri)
	require.NoError(t, err)
	assert.Equal(t, TypeURI, typ)
}

func TestEmptySubtypeRejected(t *testing.T) {
	f := newFile(t)
	_, err := f.AddMimeItem("", compress.None, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.AddURIItem("", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, f.Items().Len())
}

func TestUnsupportedCompressionLeavesNoItem(t *testing.T) {
	f := newFile(t)
	_, err := f.AddMimeItem("text/plain", "xz", []byte("hello"))
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
	assert.Equal(t, 0, f.Items().Len())

	id, err := f.AddMimeItem("text/plain", compress.None, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestReferencesAreAdditive(t *testing.T) {
	f := newFile(t)
	from := fourcc("thmb")
	require.NoError(t, f.References().Add(10, from, []uint32{1, 2}))
	require.NoError(t, f.References().Add(10, from, []uint32{3}))
	require.NoError(t, f.References().Add(10, fourcc("cdsc"), []uint32{4}))

	got := f.References().Of(10, from)
	assert.Equal(t, []Reference{
		{From: 10, Type: from, To: []uint32{1, 2}},
		{From: 10, Type: from, To: []uint32{3}},
	}, got)
	assert.Len(t, f.References().From(10), 3)
	assert.Len(t, f.References().All(), 3)
	assert.Empty(t, f.References().Of(11, from))
}

func TestReferenceArguments(t *testing.T) {
	f := newFile(t)
	assert.ErrorIs(t, f.AddItemReference("thmb", 1), ErrInvalidArgument)
	assert.ErrorIs(t, f.AddItemReference("thmb", 0, 1), ErrInvalidArgument)
	assert.ErrorIs(t, f.AddItemReference("thmb", 1, 2, 0), ErrInvalidArgument)
	assert.ErrorIs(t, f.AddItemReference("thumb", 1, 2), ErrInvalidArgument)
	assert.Equal(t, 0, f.References().Len())
}

func TestReferenceTargetsCopied(t *testing.T) {
	f := newFile(t)
	to := []uint32{1, 2}
	require.NoError(t, f.References().Add(3, fourcc("dimg"), to))
	to[0] = 9

	got := f.References().All()
	assert.Equal(t, []uint32{1, 2}, got[0].To)
	got[0].To[1] = 9
	assert.Equal(t, []uint32{1, 2}, f.References().All()[0].To)
}

func TestMimeItemScenario(t *testing.T) {
	f := newFile(t)
	payload := []byte("<a>xml</a>")
	require.Len(t, payload, 10)

	a, err := f.AddMimeItem("application/xml", compress.None, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a)

	b, err := f.Items().Create(fourcc("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b)

	require.NoError(t, f.AddItemReference("cdsc", 2, 1))
	assert.Equal(t, []Reference{{From: 2, Type: fourcc("cdsc"), To: []uint32{1}}}, f.References().Of(2, fourcc("cdsc")))

	got, err := f.Content().Bytes(1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, f.Finalize())
}

func TestForwardReferenceDangles(t *testing.T) {
	f := newFile(t)
	require.NoError(t, f.AddItemReference("thmb", 5, 6))

	err := f.Finalize()
	assert.ErrorIs(t, err, ErrDanglingReference)

	_, err = f.WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrDanglingReference)
}

func TestForwardReferenceResolves(t *testing.T) {
	f := newFile(t)
	require.NoError(t, f.AddItemReference("thmb", 2, 1))
	_, err := f.AddItem("hvc1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Finalize(), ErrDanglingReference)

	_, err = f.AddItem("hvc1", nil)
	require.NoError(t, err)
	assert.NoError(t, f.Finalize())
}

func TestContentRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("<rdf:Description rdf:about=''/>"), 20)
	for _, m := range append([]compress.Method{compress.None}, compress.Methods...) {
		t.Run(m.String(), func(t *testing.T) {
			f := newFile(t)
			id, err := f.AddMimeItem("application/rdf+xml", m, payload)
			require.NoError(t, err)

			got, err := f.Content().Bytes(id)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			size, err := f.Content().Size(id)
			require.NoError(t, err)
			assert.Equal(t, len(payload), size)

			buf := make([]byte, size)
			n, err := f.Content().ReadInto(id, buf)
			require.NoError(t, err)
			assert.Equal(t, payload, buf[:n])

			replaced := []byte("short")
			require.NoError(t, f.Content().Put(id, replaced))
			got, err = f.Content().Bytes(id)
			require.NoError(t, err)
			assert.Equal(t, replaced, got)
		})
	}
}

func TestBytesIsCallerOwned(t *testing.T) {
	f := newFile(t)
	id, err := f.AddItem("hvc1", []byte("abc"))
	require.NoError(t, err)

	got, err := f.Content().Bytes(id)
	require.NoError(t, err)
	got[0] = 'X'

	again, err := f.Content().Bytes(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestReadIntoBufferTooSmall(t *testing.T) {
	for _, m := range []compress.Method{compress.None, compress.Deflate} {
		t.Run(m.String(), func(t *testing.T) {
			f := newFile(t)
			payload := []byte("0123456789")
			id, err := f.AddMimeItem("text/plain", m, payload)
			require.NoError(t, err)

			buf := bytes.Repeat([]byte{0xAA}, 9)
			n, err := f.Content().ReadInto(id, buf)
			assert.ErrorIs(t, err, ErrBufferTooSmall)
			assert.Equal(t, 0, n)
			assert.Equal(t, bytes.Repeat([]byte{0xAA}, 9), buf)

			buf = make([]byte, 16)
			n, err = f.Content().ReadInto(id, buf)
			require.NoError(t, err)
			assert.Equal(t, payload, buf[:n])
		})
	}
}

func TestDecodeFailure(t *testing.T) {
	f := newFile(t)
	id, err := f.AddMimeItem("text/plain", compress.Zlib, []byte("hello"))
	require.NoError(t, err)
	f.content.tree.Find(payloadBox, id).Write([]byte("not zlib at all"))

	_, err = f.Content().Bytes(id)
	assert.ErrorIs(t, err, ErrDecode)
	_, err = f.Content().Size(id)
	assert.ErrorIs(t, err, ErrDecode)

	buf := bytes.Repeat([]byte{0xAA}, 64)
	_, err = f.Content().ReadInto(id, buf)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 64), buf)
}

func TestSizeCachesDecodedPayload(t *testing.T) {
	f := newFile(t)
	payload := bytes.Repeat([]byte("z"), 1000)
	id, err := f.AddMimeItem("text/plain", compress.Zstd, payload)
	require.NoError(t, err)

	size, err := f.Content().Size(id)
	require.NoError(t, err)
	assert.Equal(t, 1000, size)
	assert.Equal(t, id, f.content.cache.id)
	assert.Len(t, f.content.cache.data, 1000)

	got, err := f.Content().Bytes(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Nil(t, f.content.cache.data)

	_, err = f.Content().Size(id)
	require.NoError(t, err)
	require.NoError(t, f.Content().Put(id, []byte("new")))
	assert.Nil(t, f.content.cache.data)
	size, err = f.Content().Size(id)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestContentUnknownItem(t *testing.T) {
	f := newFile(t)
	assert.ErrorIs(t, f.Content().Put(3, []byte("x")), ErrUnknownItem)
	_, err := f.Content().Bytes(3)
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = f.Content().ReadInto(3, make([]byte, 4))
	assert.ErrorIs(t, err, ErrUnknownItem)
	_, err = f.Content().Size(3)
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestItemWithoutPayload(t *testing.T) {
	f := newFile(t)
	id, err := f.Items().Create(fourcc("grid"))
	require.NoError(t, err)

	got, err := f.Content().Bytes(id)
	require.NoError(t, err)
	assert.Empty(t, got)
	size, err := f.Content().Size(id)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestMaxItemSize(t *testing.T) {
	f := newFile(t, WithMaxItemSize(64))
	_, err := f.AddMimeItem("text/plain", compress.Deflate, bytes.Repeat([]byte("a"), 1000))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, f.Items().Len())

	id, err := f.AddItem("hvc1", bytes.Repeat([]byte("b"), 64))
	require.NoError(t, err)
	assert.ErrorIs(t, f.Content().Put(id, bytes.Repeat([]byte("c"), 65)), ErrInvalidArgument)
	got, err := f.Content().Bytes(id)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("b"), 64), got)

	_, err = New(WithMaxItemSize(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMaxItemSizeOnOpen(t *testing.T) {
	f := newFile(t)
	plain, err := f.AddItem("hvc1", bytes.Repeat([]byte("b"), 100))
	require.NoError(t, err)
	packed, err := f.AddMimeItem("text/plain", compress.Deflate, bytes.Repeat([]byte("a"), 1000))
	require.NoError(t, err)

	g, _ := reopen(t, f, WithMaxItemSize(64))
	for _, id := range []uint32{plain, packed} {
		_, err = g.Content().Size(id)
		assert.ErrorIs(t, err, ErrDecode, "Size(%d)", id)
		_, err = g.Content().Bytes(id)
		assert.ErrorIs(t, err, ErrDecode, "Bytes(%d)", id)
	}
}

func TestConcurrentReads(t *testing.T) {
	f := newFile(t)
	payload := bytes.Repeat([]byte("concurrent "), 200)
	packed, err := f.AddMimeItem("text/plain", compress.Deflate, payload)
	require.NoError(t, err)
	plain, err := f.AddItem("hvc1", payload)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(payload))
			for j := 0; j < 20; j++ {
				for _, id := range []uint32{packed, plain} {
					n, err := f.Content().Size(id)
					assert.NoError(t, err)
					assert.Equal(t, len(payload), n)

					_, err = f.Content().ReadInto(id, buf[:1])
					assert.ErrorIs(t, err, ErrBufferTooSmall)

					b, err := f.Content().Bytes(id)
					assert.NoError(t, err)
					assert.Equal(t, payload, b)

					n, err = f.Content().ReadInto(id, buf)
					assert.NoError(t, err)
					assert.Equal(t, payload, buf[:n])
				}
			}
		}()
	}
	wg.Wait()
}

func TestDeleteItem(t *testing.T) {
	f := newFile(t)
	img, _ := f.AddItem("hvc1", []byte("image"))
	thumb, _ := f.AddItem("hvc1", []byte("thumb"))
	other, _ := f.AddItem("hvc1", []byte("other"))
	require.NoError(t, f.AddItemReference("thmb", thumb, img))
	require.NoError(t, f.AddItemReference("dimg", img, thumb, other))
	require.NoError(t, f.AddItemReference("auxl", other, thumb))
	_, err := f.AddEntityGroup("altr", img, thumb)
	require.NoError(t, err)
	require.NoError(t, f.SetPrimaryItem(thumb))

	require.NoError(t, f.DeleteItem(thumb))
	assert.ErrorIs(t, f.DeleteItem(thumb), ErrUnknownItem)

	assert.Equal(t, []uint32{img, other}, f.Items().IDs())
	assert.Equal(t, []Reference{{From: img, Type: fourcc("dimg"), To: []uint32{other}}}, f.References().All())
	assert.Equal(t, []uint32{img}, f.EntityGroups()[0].EntityIDs)
	_, err = f.PrimaryItem()
	assert.Error(t, err)
	_, err = f.Content().Bytes(thumb)
	assert.ErrorIs(t, err, ErrUnknownItem)
	require.NoError(t, f.Finalize())

	id, err := f.AddItem("hvc1", nil)
	require.NoError(t, err)
	assert.Greater(t, id, uint32(4))
}

func TestEntityGroupsShareIDSpace(t *testing.T) {
	f := newFile(t)
	a, _ := f.AddItem("hvc1", nil)
	b, _ := f.AddItem("hvc1", nil)
	gid, err := f.AddEntityGroup("altr", a, b)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), gid)

	c, err := f.AddItem("hvc1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c)

	_, err = f.AddEntityGroup("altr")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.AddEntityGroup("altr", a, 99)
	assert.ErrorIs(t, err, ErrUnknownItem)
	assert.Len(t, f.EntityGroups(), 1)
}

func TestPrimaryItem(t *testing.T) {
	f := newFile(t)
	_, err := f.PrimaryItem()
	assert.Error(t, err)
	assert.ErrorIs(t, f.SetPrimaryItem(1), ErrUnknownItem)

	id, _ := f.AddItem("hvc1", nil)
	require.NoError(t, f.SetPrimaryItem(id))
	got, err := f.PrimaryItem()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

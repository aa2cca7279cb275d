// Package compress implements the named, reversible payload transforms
// that HEIF items may declare (the "content_encoding" of mime items).
//
// A transform is selected by its Method name. The empty Method means
// the payload is stored as-is.
package compress

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Method names a compression transform. Values are stored verbatim in
// item info entries, so changing them breaks file compatibility.
type Method string

const (
	None    Method = ""
	Deflate Method = "deflate"
	Zlib    Method = "zlib"
	Brotli  Method = "br"
	Zstd    Method = "zstd"
	LZ4     Method = "lz4"
)

// Methods lists every supported method except None.
var Methods = []Method{Deflate, Zlib, Brotli, Zstd, LZ4}

func (m Method) String() string {
	if m == None {
		return "none"
	}
	return string(m)
}

// ParseMethod parses a method name. "none" and "" both mean None.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "none":
		return None, nil
	}
	m := Method(name)
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return None, errors.Wrapf(ErrUnsupported, "%q", name)
}

var (
	// ErrUnsupported is returned for method names this package does
	// not implement.
	ErrUnsupported = errors.New("compress: unsupported compression method")

	// ErrCorrupt is returned when a payload cannot be decoded with the
	// method it declares.
	ErrCorrupt = errors.New("compress: corrupt payload")

	// ErrTooLarge is returned when a decoded payload would exceed the
	// configured limit.
	ErrTooLarge = errors.New("compress: decoded payload exceeds limit")
)

// Codec applies and reverses named transforms.
type Codec interface {
	Encode(m Method, data []byte) ([]byte, error)
	Decode(m Method, data []byte) ([]byte, error)
}

// DefaultMaxDecodedSize caps decoded payloads at 200MB.
const DefaultMaxDecodedSize = 200 << 20

// Transformer is the Codec for every Method in Methods. It is safe
// for concurrent use.
type Transformer struct {
	level      int
	maxDecoded int64

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

type Option func(*Transformer)

// WithLevel sets the compression effort on a 1 (fastest) to 9 (best)
// scale. It is mapped onto each library's own range.
func WithLevel(level int) Option {
	return func(t *Transformer) {
		t.level = level
	}
}

// WithMaxDecodedSize caps the size of decoded payloads.
func WithMaxDecodedSize(n int64) Option {
	return func(t *Transformer) {
		t.maxDecoded = n
	}
}

func New(opts ...Option) (*Transformer, error) {
	t := &Transformer{level: 6, maxDecoded: DefaultMaxDecodedSize}
	for _, opt := range opts {
		opt(t)
	}
	if t.level < 1 || t.level > 9 {
		return nil, errors.Errorf("compress: level %d out of range 1..9", t.level)
	}
	if t.maxDecoded <= 0 {
		return nil, errors.Errorf("compress: invalid decoded size limit %d", t.maxDecoded)
	}

	var err error
	t.zenc, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(t.level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "compress: zstd encoder")
	}
	t.zdec, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(t.maxDecoded)),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "compress: zstd decoder")
	}
	return t, nil
}

// Encode applies m to data. For None the input is returned unchanged.
func (t *Transformer) Encode(m Method, data []byte) ([]byte, error) {
	var (
		buf bytes.Buffer
		w   io.WriteCloser
		err error
	)
	switch m {
	case None:
		return data, nil
	case Zstd:
		return t.zenc.EncodeAll(data, nil), nil
	case Deflate:
		w, err = flate.NewWriter(&buf, t.level)
	case Zlib:
		w, err = zlib.NewWriterLevel(&buf, t.level)
	case Brotli:
		// brotli quality runs 0..11
		w = brotli.NewWriterLevel(&buf, t.level+2)
	case LZ4:
		lw := lz4.NewWriter(&buf)
		err = lw.Apply(lz4.CompressionLevelOption(lz4Level(t.level)))
		w = lw
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%q", string(m))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "compress: %s writer", m)
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrapf(err, "compress: %s", m)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "compress: %s", m)
	}
	return buf.Bytes(), nil
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 3:
		return lz4.Fast
	case level <= 6:
		return lz4.Level5
	default:
		return lz4.Level9
	}
}

// Decode reverses m. For None the input is returned unchanged.
func (t *Transformer) Decode(m Method, data []byte) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(data)
	switch m {
	case None:
		return data, nil
	case Zstd:
		out, err := t.zdec.DecodeAll(data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, errors.Wrapf(ErrTooLarge, "%s", m)
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: %v", m, err)
		}
		if int64(len(out)) > t.maxDecoded {
			return nil, errors.Wrapf(ErrTooLarge, "%s: %d bytes", m, len(out))
		}
		return out, nil
	case Deflate:
		fr := flate.NewReader(src)
		defer fr.Close()
		r = fr
	case Zlib:
		zr, err := zlib.NewReader(src)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: %v", m, err)
		}
		defer zr.Close()
		r = zr
	case Brotli:
		r = brotli.NewReader(src)
	case LZ4:
		r = lz4.NewReader(src)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%q", string(m))
	}

	out, err := io.ReadAll(io.LimitReader(r, t.maxDecoded+1))
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", m, err)
	}
	if int64(len(out)) > t.maxDecoded {
		return nil, errors.Wrapf(ErrTooLarge, "%s: more than %d bytes", m, t.maxDecoded)
	}
	return out, nil
}

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

	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/pkg/errors"
	"github.com/rwcarlsen/goexif/exif"
)

var (
	tiffBigEndian    = []byte("MM\x00*")
	tiffLittleEndian = []byte("II*\x00")
)

// tiffHeaderOffset returns the offset of the TIFF header in data.
func tiffHeaderOffset(data []byte) (int, bool) {
	for i := 0; i+4 <= len(data); i++ {
		if bytes.HasPrefix(data[i:], tiffBigEndian) || bytes.HasPrefix(data[i:], tiffLittleEndian) {
			return i, true
		}
	}
	return 0, false
}

// RefContentDescribes is the reference type from metadata items to the
// items they describe.
var RefContentDescribes = bmff.BoxType{'c', 'd', 's', 'c'}

// AddExifItem stores EXIF data as an "Exif" item. data may start with
// an "Exif\0\0" APP1 prefix; it must contain a TIFF header. If describes
// is not zero, a "cdsc" reference from the new item to describes is
// added as well.
func (f *File) AddExifItem(describes uint32, data []byte) (uint32, error) {
	if describes != 0 {
		if _, err := f.items.lookup(describes); err != nil {
			return 0, err
		}
	}
	off, ok := tiffHeaderOffset(data)
	if !ok {
		return 0, errors.Wrap(ErrInvalidArgument, "no TIFF header in EXIF data")
	}
	payload := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(payload, uint32(off))
	payload = append(payload, data...)

	id, err := f.addItem(TypeExif, Generic{}, compress.None, payload)
	if err != nil {
		return 0, err
	}
	if describes != 0 {
		if err := f.refs.Add(id, RefContentDescribes, []uint32{describes}); err != nil {
			f.items.remove(id)
			f.content.remove(id)
			return 0, err
		}
	}
	return id, nil
}

// EXIF returns the raw EXIF data from the file.
// The error is ErrNoEXIF if the file did not contain EXIF.
//
// The raw EXIF data starts at the TIFF header and can be parsed by the
// github.com/rwcarlsen/goexif/exif package's Decode function; see
// DecodeEXIF.
func (f *File) EXIF() ([]byte, error) {
	id, ok := f.items.firstOfType(TypeExif)
	if !ok {
		return nil, ErrNoEXIF
	}
	data, err := f.content.Bytes(id)
	if err != nil {
		return nil, err
	}
	// Exif items start with the offset of the TIFF header past the
	// offset field itself.
	if len(data) < 4 {
		return nil, errors.Wrapf(ErrDecode, "item %d: EXIF item too short", id)
	}
	off := uint64(binary.BigEndian.Uint32(data))
	if off > uint64(len(data)-4) {
		return nil, errors.Wrapf(ErrDecode, "item %d: TIFF header offset %d out of range", id, off)
	}
	return data[4+off:], nil
}

// DecodeEXIF parses the file's EXIF data.
func (f *File) DecodeEXIF() (*exif.Exif, error) {
	raw, err := f.EXIF()
	if err != nil {
		return nil, err
	}
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "heif: decoding EXIF")
	}
	return x, nil
}

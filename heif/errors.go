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
	"github.com/jdeng/heifitems/heif/compress"
	"github.com/pkg/errors"
)

// Errors returned by File, Registry, Graph and Store. They are wrapped
// with context; match them with errors.Is.
var (
	// ErrUnknownItem is returned when an item ID is not in the container.
	ErrUnknownItem = errors.New("heif: unknown item")

	// ErrWrongItemKind is returned by operations that only apply to
	// mime or uri items.
	ErrWrongItemKind = errors.New("heif: wrong item kind")

	// ErrInvalidArgument is returned for empty required fields, bad
	// four-character codes and empty reference target lists.
	ErrInvalidArgument = errors.New("heif: invalid argument")

	// ErrAllocation is returned when the item ID space is exhausted.
	ErrAllocation = errors.New("heif: no free item ID")

	// ErrDanglingReference is returned by Finalize when a reference
	// names an item that was never created.
	ErrDanglingReference = errors.New("heif: dangling item reference")

	// ErrDecode is returned when a stored payload cannot be read back
	// or decompressed.
	ErrDecode = errors.New("heif: cannot decode item data")

	// ErrBufferTooSmall is returned by Store.ReadInto when the buffer
	// cannot hold the decoded payload.
	ErrBufferTooSmall = errors.New("heif: buffer too small")

	// ErrUnsupportedCompression is returned when storing a payload with
	// a compression method the codec does not implement.
	ErrUnsupportedCompression = compress.ErrUnsupported

	// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
	ErrNoEXIF = errors.New("heif: no EXIF found")
)

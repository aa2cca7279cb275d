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
	"github.com/pkg/errors"
)

// Reference is a typed edge from one item to an ordered list of items.
type Reference struct {
	From uint32
	Type bmff.BoxType
	To   []uint32
}

func (ref Reference) clone() Reference {
	ref.To = append([]uint32(nil), ref.To...)
	return ref
}

// Graph holds item references in insertion order. Adding a reference
// never replaces an earlier one with the same source and type; both are
// kept and both are written.
//
// Endpoints are not checked when a reference is added, so references
// may name items that are created later. File.Finalize checks them.
type Graph struct {
	refs []Reference
}

// Add appends a reference from -> to of type typ. The to slice is copied.
func (g *Graph) Add(from uint32, typ bmff.BoxType, to []uint32) error {
	switch {
	case len(to) == 0:
		return errors.Wrapf(ErrInvalidArgument, "%q reference from item %d has no targets", typ, from)
	case len(to) > math.MaxUint16:
		return errors.Wrapf(ErrInvalidArgument, "%q reference from item %d has %d targets", typ, from, len(to))
	case from == 0:
		return errors.Wrapf(ErrInvalidArgument, "%q reference from item 0", typ)
	}
	for _, id := range to {
		if id == 0 {
			return errors.Wrapf(ErrInvalidArgument, "%q reference from item %d to item 0", typ, from)
		}
	}
	g.refs = append(g.refs, Reference{From: from, Type: typ, To: to}.clone())
	return nil
}

// Of returns the references of type typ leaving from, in insertion order.
func (g *Graph) Of(from uint32, typ bmff.BoxType) []Reference {
	var out []Reference
	for _, ref := range g.refs {
		if ref.From == from && ref.Type == typ {
			out = append(out, ref.clone())
		}
	}
	return out
}

// From returns every reference leaving from, in insertion order.
func (g *Graph) From(from uint32) []Reference {
	var out []Reference
	for _, ref := range g.refs {
		if ref.From == from {
			out = append(out, ref.clone())
		}
	}
	return out
}

// All returns every reference in insertion order.
func (g *Graph) All() []Reference {
	out := make([]Reference, len(g.refs))
	for i, ref := range g.refs {
		out[i] = ref.clone()
	}
	return out
}

// Len returns the number of references.
func (g *Graph) Len() int { return len(g.refs) }

// validate reports the first reference whose source or target is not
// known.
func (g *Graph) validate(known func(uint32) bool) error {
	for i, ref := range g.refs {
		if !known(ref.From) {
			return errors.Wrapf(ErrDanglingReference, "reference %d (%q) from missing item %d", i, ref.Type, ref.From)
		}
		for _, to := range ref.To {
			if !known(to) {
				return errors.Wrapf(ErrDanglingReference, "reference %d (%q) from item %d to missing item %d", i, ref.Type, ref.From, to)
			}
		}
	}
	return nil
}

// sever removes id from the graph: references leaving id are dropped,
// id is removed from target lists, and references left without targets
// are dropped.
func (g *Graph) sever(id uint32) {
	kept := g.refs[:0]
	for _, ref := range g.refs {
		if ref.From == id {
			continue
		}
		to := ref.To[:0]
		for _, t := range ref.To {
			if t != id {
				to = append(to, t)
			}
		}
		if len(to) == 0 {
			continue
		}
		ref.To = to
		kept = append(kept, ref)
	}
	for i := len(kept); i < len(g.refs); i++ {
		g.refs[i] = Reference{}
	}
	g.refs = kept
}

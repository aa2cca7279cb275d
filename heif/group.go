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
	"github.com/jdeng/heifitems/heif/bmff"
	"github.com/pkg/errors"
)

// EntityGroup is a "grpl" entity group, e.g. "altr" for alternatives.
// Group IDs are drawn from the same space as item IDs.
type EntityGroup struct {
	ID        uint32
	Type      bmff.BoxType
	EntityIDs []uint32
}

// AddEntityGroup groups existing items under a new group ID.
func (f *File) AddEntityGroup(groupType string, ids ...uint32) (uint32, error) {
	typ, err := parseType(groupType)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "%q group has no entities", typ)
	}
	for _, id := range ids {
		if _, err := f.items.lookup(id); err != nil {
			return 0, err
		}
	}
	gid, err := f.items.nextID()
	if err != nil {
		return 0, err
	}
	f.items.reserve(gid)
	f.groups = append(f.groups, &EntityGroup{
		ID:        gid,
		Type:      typ,
		EntityIDs: append([]uint32(nil), ids...),
	})
	return gid, nil
}

// EntityGroups returns copies of the entity groups in creation order.
func (f *File) EntityGroups() []EntityGroup {
	out := make([]EntityGroup, len(f.groups))
	for i, g := range f.groups {
		out[i] = *g
		out[i].EntityIDs = append([]uint32(nil), g.EntityIDs...)
	}
	return out
}

func (f *File) dropFromGroups(id uint32) {
	kept := f.groups[:0]
	for _, g := range f.groups {
		ids := g.EntityIDs[:0]
		for _, e := range g.EntityIDs {
			if e != id {
				ids = append(ids, e)
			}
		}
		g.EntityIDs = ids
		if len(ids) > 0 {
			kept = append(kept, g)
		}
	}
	f.groups = kept
}

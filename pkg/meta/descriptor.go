// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meta

import (
	"math"

	treemap "github.com/liyue201/gostl/ds/map"

	"github.com/daviszhen/colchain/pkg/util"
)

type (
	EntryIdx   uint64
	ElementIdx uint64
	ClusterID  uint64
	ColumnID   uint64
)

const (
	InvalidClusterID = ClusterID(math.MaxUint64)
)

type ColumnType int

const (
	ColumnTypeInvalid ColumnType = iota
	ColumnTypeBool
	ColumnTypeInt32
	ColumnTypeInt64
	ColumnTypeFloat32
	ColumnTypeFloat64
	ColumnTypeString
	ColumnTypeDecimal
)

func (typ ColumnType) String() string {
	switch typ {
	case ColumnTypeBool:
		return "bool"
	case ColumnTypeInt32:
		return "int32"
	case ColumnTypeInt64:
		return "int64"
	case ColumnTypeFloat32:
		return "float32"
	case ColumnTypeFloat64:
		return "float64"
	case ColumnTypeString:
		return "string"
	case ColumnTypeDecimal:
		return "decimal"
	default:
		return "invalid"
	}
}

type FieldDescriptor struct {
	_id       uint32
	_name     string
	_typeName string
}

func NewFieldDescriptor(id uint32, name, typeName string) *FieldDescriptor {
	return &FieldDescriptor{
		_id:       id,
		_name:     name,
		_typeName: typeName,
	}
}

func (fd *FieldDescriptor) ID() uint32       { return fd._id }
func (fd *FieldDescriptor) Name() string     { return fd._name }
func (fd *FieldDescriptor) TypeName() string { return fd._typeName }

// Equals is schema-level equality. Two fields are equal when they sit at
// the same position with the same name and type.
func (fd *FieldDescriptor) Equals(other *FieldDescriptor) bool {
	if fd == nil || other == nil {
		return fd == other
	}
	return fd._id == other._id &&
		fd._name == other._name &&
		fd._typeName == other._typeName
}

type ColumnDescriptor struct {
	_id      ColumnID
	_fieldID uint32
	_typ     ColumnType
	_scale   int32
}

func NewColumnDescriptor(id ColumnID, fieldID uint32, typ ColumnType, scale int32) *ColumnDescriptor {
	return &ColumnDescriptor{
		_id:      id,
		_fieldID: fieldID,
		_typ:     typ,
		_scale:   scale,
	}
}

func (cd *ColumnDescriptor) ID() ColumnID     { return cd._id }
func (cd *ColumnDescriptor) FieldID() uint32  { return cd._fieldID }
func (cd *ColumnDescriptor) Type() ColumnType { return cd._typ }
func (cd *ColumnDescriptor) Scale() int32     { return cd._scale }

func (cd *ColumnDescriptor) Equals(other *ColumnDescriptor) bool {
	if cd == nil || other == nil {
		return cd == other
	}
	return cd._id == other._id &&
		cd._fieldID == other._fieldID &&
		cd._typ == other._typ &&
		cd._scale == other._scale
}

// ColumnRange is the slice of one column's element stream covered by one
// cluster.
type ColumnRange struct {
	FirstElementIndex ElementIdx
	ElementCount      ElementIdx
}

func (rng ColumnRange) End() ElementIdx {
	return rng.FirstElementIndex + rng.ElementCount
}

type ClusterDescriptor struct {
	_id              ClusterID
	_firstEntryIndex EntryIdx
	_entryCount      EntryIdx
	_columnRanges    []ColumnRange
}

func NewClusterDescriptor(
	id ClusterID,
	firstEntry EntryIdx,
	entryCount EntryIdx,
	ranges []ColumnRange,
) *ClusterDescriptor {
	return &ClusterDescriptor{
		_id:              id,
		_firstEntryIndex: firstEntry,
		_entryCount:      entryCount,
		_columnRanges:    ranges,
	}
}

func (cd *ClusterDescriptor) ID() ClusterID             { return cd._id }
func (cd *ClusterDescriptor) FirstEntryIndex() EntryIdx { return cd._firstEntryIndex }
func (cd *ClusterDescriptor) EntryCount() EntryIdx      { return cd._entryCount }
func (cd *ClusterDescriptor) ColumnCount() int          { return len(cd._columnRanges) }

func (cd *ClusterDescriptor) GetColumnRange(col ColumnID) ColumnRange {
	util.AssertFunc(int(col) < len(cd._columnRanges))
	return cd._columnRanges[col]
}

// Descriptor is the schema and layout metadata of one source, or the merged
// view of a whole chain. It is read-only once built.
type Descriptor struct {
	_name          string
	_fields        []*FieldDescriptor
	_columns       []*ColumnDescriptor
	_clusters      []*ClusterDescriptor
	_clusterByElem []*treemap.Map[ElementIdx, ClusterID]
}

func (desc *Descriptor) Name() string      { return desc._name }
func (desc *Descriptor) FieldCount() int   { return len(desc._fields) }
func (desc *Descriptor) ColumnCount() int  { return len(desc._columns) }
func (desc *Descriptor) ClusterCount() int { return len(desc._clusters) }

func (desc *Descriptor) EntryCount() EntryIdx {
	if len(desc._clusters) == 0 {
		return 0
	}
	last := desc._clusters[len(desc._clusters)-1]
	return last._firstEntryIndex + last._entryCount
}

func (desc *Descriptor) GetFieldDescriptor(i int) *FieldDescriptor {
	util.AssertFunc(i < len(desc._fields))
	return desc._fields[i]
}

func (desc *Descriptor) GetColumnDescriptor(i int) *ColumnDescriptor {
	util.AssertFunc(i < len(desc._columns))
	return desc._columns[i]
}

func (desc *Descriptor) GetClusterDescriptor(id ClusterID) *ClusterDescriptor {
	util.AssertFunc(int(id) < len(desc._clusters))
	return desc._clusters[id]
}

// FindClusterID resolves the cluster that holds element index of the given
// column. Returns InvalidClusterID when the index lies past the column's
// last element.
func (desc *Descriptor) FindClusterID(col ColumnID, index ElementIdx) ClusterID {
	util.AssertFunc(int(col) < len(desc._clusterByElem))
	iter := desc._clusterByElem[col].LowerBound(index)
	if !iter.IsValid() {
		return InvalidClusterID
	}
	id := iter.Value()
	rng := desc._clusters[id].GetColumnRange(col)
	if index < rng.FirstElementIndex {
		return InvalidClusterID
	}
	return id
}

// buildElementIndex keys each column's map by the last element index of the
// column range in every non-empty cluster, so a LowerBound probe lands on
// the owning cluster.
func (desc *Descriptor) buildElementIndex() {
	cmp := func(a, b ElementIdx) int {
		if a < b {
			return -1
		} else if a > b {
			return 1
		}
		return 0
	}
	desc._clusterByElem = make([]*treemap.Map[ElementIdx, ClusterID], len(desc._columns))
	for j := range desc._columns {
		desc._clusterByElem[j] = treemap.New[ElementIdx, ClusterID](cmp)
	}
	for _, cluster := range desc._clusters {
		for j := range desc._columns {
			if j >= cluster.ColumnCount() {
				break
			}
			rng := cluster.GetColumnRange(ColumnID(j))
			if rng.ElementCount == 0 {
				continue
			}
			desc._clusterByElem[j].Insert(rng.End()-1, cluster.ID())
		}
	}
}

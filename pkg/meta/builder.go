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
	"github.com/huandu/go-clone"
	"go.uber.org/zap"

	"github.com/daviszhen/colchain/pkg/util"
)

// DescriptorBuilder assembles a Descriptor, either for a single source or by
// merging the cluster metadata of several sources behind one schema. Cluster
// ids are renumbered contiguously in append order and column ranges are
// rewritten into the merged coordinate space. Single use: MoveDescriptor
// hands the result out and invalidates the builder.
type DescriptorBuilder struct {
	_desc  *Descriptor
	_moved bool
}

func NewDescriptorBuilder() *DescriptorBuilder {
	return &DescriptorBuilder{
		_desc: &Descriptor{},
	}
}

// SetSchemaFrom adopts base's name, fields, columns and clusters as the
// merged descriptor's schema and first slab of clusters. Everything is
// deep-cloned so the builder never aliases a source's descriptor.
func (bld *DescriptorBuilder) SetSchemaFrom(base *Descriptor) {
	util.AssertFunc(!bld._moved)
	util.AssertFunc(base != nil)
	bld._desc._name = base._name
	bld._desc._fields = clone.Clone(base._fields).([]*FieldDescriptor)
	bld._desc._columns = clone.Clone(base._columns).([]*ColumnDescriptor)
	bld._desc._clusters = clone.Clone(base._clusters).([]*ClusterDescriptor)
}

func (bld *DescriptorBuilder) SetName(name string) {
	util.AssertFunc(!bld._moved)
	bld._desc._name = name
}

func (bld *DescriptorBuilder) AddField(fd *FieldDescriptor) {
	util.AssertFunc(!bld._moved)
	util.AssertFunc(int(fd.ID()) == len(bld._desc._fields))
	bld._desc._fields = append(bld._desc._fields, fd)
}

func (bld *DescriptorBuilder) AddColumn(cd *ColumnDescriptor) {
	util.AssertFunc(!bld._moved)
	util.AssertFunc(int(cd.ID()) == len(bld._desc._columns))
	bld._desc._columns = append(bld._desc._columns, cd)
}

func (bld *DescriptorBuilder) AddCluster(cd *ClusterDescriptor) {
	util.AssertFunc(!bld._moved)
	util.AssertFunc(int(cd.ID()) == len(bld._desc._clusters))
	bld._desc._clusters = append(bld._desc._clusters, cd)
}

// elementOffsets is the running per-column element total over the clusters
// appended so far. The end of a column's range in the last cluster is that
// total, because ranges are already in merged coordinates.
func (bld *DescriptorBuilder) elementOffsets() []ElementIdx {
	offsets := make([]ElementIdx, len(bld._desc._columns))
	if len(bld._desc._clusters) == 0 {
		return offsets
	}
	last := bld._desc._clusters[len(bld._desc._clusters)-1]
	for j := range offsets {
		if j < last.ColumnCount() {
			offsets[j] = last.GetColumnRange(ColumnID(j)).End()
		}
	}
	return offsets
}

// AddClustersFrom appends desc's clusters after the ones already present.
// Cluster ids continue contiguously, entry indices shift by the entry total
// so far and each column range shifts by that column's element total so far.
// Columns the incoming source does not carry get empty ranges pinned at the
// current offset, so later sources still line up.
func (bld *DescriptorBuilder) AddClustersFrom(desc *Descriptor) {
	util.AssertFunc(!bld._moved)
	util.AssertFunc(desc != nil)

	nextID := ClusterID(len(bld._desc._clusters))
	entryOffset := bld._desc.EntryCount()
	elemOffsets := bld.elementOffsets()
	nColumns := len(bld._desc._columns)

	if desc.ColumnCount() < nColumns {
		util.Warn("merging descriptor with fewer columns",
			zap.String("name", desc.Name()),
			zap.Int("columns", desc.ColumnCount()),
			zap.Int("schemaColumns", nColumns))
	}

	for i := 0; i < desc.ClusterCount(); i++ {
		src := desc.GetClusterDescriptor(ClusterID(i))
		ranges := make([]ColumnRange, nColumns)
		for j := 0; j < nColumns; j++ {
			if j < src.ColumnCount() {
				rng := src.GetColumnRange(ColumnID(j))
				ranges[j] = ColumnRange{
					FirstElementIndex: rng.FirstElementIndex + elemOffsets[j],
					ElementCount:      rng.ElementCount,
				}
			} else {
				ranges[j] = ColumnRange{
					FirstElementIndex: elemOffsets[j],
					ElementCount:      0,
				}
			}
		}
		bld._desc._clusters = append(bld._desc._clusters, NewClusterDescriptor(
			nextID,
			src.FirstEntryIndex()+entryOffset,
			src.EntryCount(),
			ranges,
		))
		nextID++
	}
}

func (bld *DescriptorBuilder) MoveDescriptor() *Descriptor {
	util.AssertFunc(!bld._moved)
	bld._moved = true
	desc := bld._desc
	bld._desc = nil
	desc.buildElementIndex()
	return desc
}

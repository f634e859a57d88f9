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

package storage

import (
	"errors"
	"sort"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/daviszhen/colchain/pkg/meta"
	"github.com/daviszhen/colchain/pkg/util"
)

// SourceChain stitches an ordered list of page sources into one logical
// source with a unified address space. Entry indices, cluster ids and
// per-column element indices all run contiguously across source boundaries;
// every inbound call is translated to (source, local coordinate) through
// prefix-sum offset tables built once at construction.
//
// A chain owns its sources. Like any PageSource it is single-owner state:
// use Clone to give each concurrent consumer its own instance.
type SourceChain struct {
	_name    string
	_sources []PageSource
	_desc    *meta.Descriptor
	_unsafe  bool

	// offset tables, length len(_sources)+1, index 0 fixed at zero
	_nEntryPerSource   []meta.EntryIdx
	_nClusterPerSource []meta.ClusterID
	// per source, per column of source 0's schema
	_nElemPerColPerSource [][]meta.ElementIdx

	// page token -> (owning source, token the source had assigned)
	_nextToken uint64
	_pageOwner btree.Map[uint64, util.Pair[int, uint64]]
}

var _ PageSource = (*SourceChain)(nil)

// NewSourceChainFromLocations opens and attaches a fresh source per
// location. The caller guarantees locations is non-empty.
func NewSourceChainFromLocations(name string, locations []string) (*SourceChain, error) {
	util.AssertFunc(len(locations) > 0)
	chain := &SourceChain{_name: name}
	for _, location := range locations {
		src, err := Create(name, location)
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
		if _, err = src.Attach(); err != nil {
			_ = src.Close()
			_ = chain.Close()
			return nil, err
		}
		chain._sources = append(chain._sources, src)
	}
	chain.compareMetaData()
	chain.initOffsets()
	return chain, nil
}

// NewSourceChainFromSources chains clones of the given sources. The
// originals stay usable and unshared.
func NewSourceChainFromSources(name string, sources []PageSource) (*SourceChain, error) {
	util.AssertFunc(len(sources) > 0)
	chain := &SourceChain{_name: name}
	for _, src := range sources {
		dup, err := src.Clone()
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
		if dup.Descriptor() == nil {
			if _, err = dup.Attach(); err != nil {
				_ = dup.Close()
				_ = chain.Close()
				return nil, err
			}
		}
		chain._sources = append(chain._sources, dup)
	}
	chain.compareMetaData()
	chain.initOffsets()
	return chain, nil
}

// NewSourceChainOwning adopts already-attached sources. Ownership passes to
// the chain.
func NewSourceChainOwning(name string, sources []PageSource) *SourceChain {
	util.AssertFunc(len(sources) > 0)
	for _, src := range sources {
		util.AssertFunc(src.Descriptor() != nil)
	}
	chain := &SourceChain{
		_name:    name,
		_sources: sources,
	}
	chain.compareMetaData()
	chain.initOffsets()
	return chain
}

// compareMetaData checks every source's schema against source 0's. Any
// disagreement flags the whole chain as unsafe; operation continues but
// results are no longer guaranteed correct.
func (chain *SourceChain) compareMetaData() {
	base := chain._sources[0].Descriptor()
	for i := 1; i < len(chain._sources) && !chain._unsafe; i++ {
		desc := chain._sources[i].Descriptor()
		if base.FieldCount() != desc.FieldCount() ||
			base.ColumnCount() != desc.ColumnCount() {
			util.Warn("source schema disagrees on field/column counts, chain results may be incorrect",
				zap.String("chain", chain._name),
				zap.Int("source", i))
			chain._unsafe = true
			break
		}
		for j := 0; j < base.FieldCount(); j++ {
			if !base.GetFieldDescriptor(j).Equals(desc.GetFieldDescriptor(j)) {
				util.Warn("source schema disagrees on a field, chain results may be incorrect",
					zap.String("chain", chain._name),
					zap.Int("source", i),
					zap.Int("field", j))
				chain._unsafe = true
				break
			}
		}
		if chain._unsafe {
			break
		}
		for j := 0; j < base.ColumnCount(); j++ {
			if !base.GetColumnDescriptor(j).Equals(desc.GetColumnDescriptor(j)) {
				util.Warn("source schema disagrees on a column, chain results may be incorrect",
					zap.String("chain", chain._name),
					zap.Int("source", i),
					zap.Int("column", j))
				chain._unsafe = true
				break
			}
		}
	}
}

// initOffsets builds the three prefix-sum tables. A column's cumulative
// element count through a source is the end of its range in that source's
// last cluster, which holds even when clusters fill columns unevenly.
func (chain *SourceChain) initOffsets() {
	nSources := len(chain._sources)
	chain._nEntryPerSource = make([]meta.EntryIdx, nSources+1)
	chain._nClusterPerSource = make([]meta.ClusterID, nSources+1)
	for i, src := range chain._sources {
		chain._nEntryPerSource[i+1] = chain._nEntryPerSource[i] + src.EntryCount()
		chain._nClusterPerSource[i+1] = chain._nClusterPerSource[i] +
			meta.ClusterID(src.Descriptor().ClusterCount())
	}

	nColumns := chain._sources[0].Descriptor().ColumnCount()
	chain._nElemPerColPerSource = make([][]meta.ElementIdx, nSources+1)
	for i := range chain._nElemPerColPerSource {
		chain._nElemPerColPerSource[i] = make([]meta.ElementIdx, nColumns)
	}
	for i, src := range chain._sources {
		desc := src.Descriptor()
		var last *meta.ClusterDescriptor
		if desc.ClusterCount() > 0 {
			last = desc.GetClusterDescriptor(meta.ClusterID(desc.ClusterCount() - 1))
		}
		for j := 0; j < nColumns; j++ {
			contributed := meta.ElementIdx(0)
			if last != nil && j < last.ColumnCount() {
				contributed = last.GetColumnRange(meta.ColumnID(j)).End()
			}
			chain._nElemPerColPerSource[i+1][j] = chain._nElemPerColPerSource[i][j] + contributed
		}
	}
}

// BuildDescriptor merges the chain's metadata into the given builder:
// source 0's schema and clusters, then every later source's clusters
// renumbered into the merged coordinate space.
func (chain *SourceChain) BuildDescriptor(bld *meta.DescriptorBuilder) {
	bld.SetSchemaFrom(chain._sources[0].Descriptor())
	bld.SetName(chain._name)
	for i := 1; i < len(chain._sources); i++ {
		bld.AddClustersFrom(chain._sources[i].Descriptor())
	}
}

func (chain *SourceChain) Attach() (*meta.Descriptor, error) {
	util.AssertFunc(chain._desc == nil)
	bld := meta.NewDescriptorBuilder()
	chain.BuildDescriptor(bld)
	chain._desc = bld.MoveDescriptor()
	return chain._desc, nil
}

func (chain *SourceChain) Descriptor() *meta.Descriptor {
	return chain._desc
}

func (chain *SourceChain) EntryCount() meta.EntryIdx {
	return chain._nEntryPerSource[len(chain._sources)]
}

func (chain *SourceChain) ClusterCount() int {
	return int(chain._nClusterPerSource[len(chain._sources)])
}

func (chain *SourceChain) SourceCount() int {
	return len(chain._sources)
}

// Unsafe reports whether any source's schema disagreed with source 0's at
// construction time.
func (chain *SourceChain) Unsafe() bool {
	return chain._unsafe
}

// sourceOfEntry finds the source owning a global entry index by binary
// search over the entries table.
func (chain *SourceChain) sourceOfEntry(index meta.EntryIdx) int {
	i := sort.Search(len(chain._sources), func(i int) bool {
		return index < chain._nEntryPerSource[i+1]
	})
	util.AssertFunc(i < len(chain._sources))
	return i
}

func (chain *SourceChain) sourceOfCluster(id meta.ClusterID) int {
	i := sort.Search(len(chain._sources), func(i int) bool {
		return id < chain._nClusterPerSource[i+1]
	})
	util.AssertFunc(i < len(chain._sources))
	return i
}

// track claims the page for this chain. The token the delegate had stored
// is kept so it can be restored when the page travels back down on release.
func (chain *SourceChain) track(page *Page, sourceIdx int) {
	chain._nextToken++
	chain._pageOwner.Set(chain._nextToken, util.Pair[int, uint64]{
		First:  sourceIdx,
		Second: page.Token(),
	})
	page.setToken(chain._nextToken)
}

// PopulatePage decodes the page of the given column covering the given
// global entry index and rewrites its window into chain coordinates.
func (chain *SourceChain) PopulatePage(col ColumnHandle, index meta.EntryIdx) (*Page, error) {
	util.AssertFunc(chain._desc != nil)
	util.AssertFunc(index < chain.EntryCount())
	sourceIdx := chain.sourceOfEntry(index)

	page, err := chain._sources[sourceIdx].PopulatePage(col, index-chain._nEntryPerSource[sourceIdx])
	if err != nil {
		return nil, err
	}

	clusterID := chain._desc.FindClusterID(col.ID, meta.ElementIdx(index))
	util.AssertFunc(clusterID != meta.InvalidClusterID)
	selfOffset := chain._desc.GetClusterDescriptor(clusterID).GetColumnRange(col.ID).FirstElementIndex

	page.SetWindow(
		page.RangeFirst()+chain._nElemPerColPerSource[sourceIdx][col.ID],
		ClusterInfo{ID: clusterID, ColumnFirstElement: selfOffset},
	)
	chain.track(page, sourceIdx)
	return page, nil
}

// PopulatePageAt decodes the page covering the given in-cluster position;
// the cluster id in the index is global.
func (chain *SourceChain) PopulatePageAt(col ColumnHandle, index ClusterIndex) (*Page, error) {
	util.AssertFunc(chain._desc != nil)
	clusterID := index.ClusterID()
	util.AssertFunc(clusterID < chain._nClusterPerSource[len(chain._sources)])
	sourceIdx := chain.sourceOfCluster(clusterID)

	local := NewClusterIndex(clusterID-chain._nClusterPerSource[sourceIdx], index.Index())
	page, err := chain._sources[sourceIdx].PopulatePageAt(col, local)
	if err != nil {
		return nil, err
	}

	// the incoming cluster id is already global, resolve the self offset
	// against the merged descriptor directly
	selfOffset := chain._desc.GetClusterDescriptor(clusterID).GetColumnRange(col.ID).FirstElementIndex

	page.SetWindow(
		page.RangeFirst()+chain._nElemPerColPerSource[sourceIdx][col.ID],
		ClusterInfo{ID: clusterID, ColumnFirstElement: selfOffset},
	)
	chain.track(page, sourceIdx)
	return page, nil
}

// ReleasePage routes a page back to the source that produced it and drops
// its ownership record. Releasing a page this chain does not track is a
// caller bug.
func (chain *SourceChain) ReleasePage(page *Page) {
	if page.IsNull() {
		return
	}
	owner, has := chain._pageOwner.Get(page.Token())
	util.AssertFunc(has)
	chain._pageOwner.Delete(page.Token())
	page.setToken(owner.Second)
	chain._sources[owner.First].ReleasePage(page)
}

// OutstandingPages is the number of populated pages not yet released.
func (chain *SourceChain) OutstandingPages() int {
	return chain._pageOwner.Len()
}

// Clone builds an independent chain over clones of the same sources, with
// its own ownership tracker. The clone runs the full construction sequence,
// validation included.
func (chain *SourceChain) Clone() (PageSource, error) {
	dup, err := NewSourceChainFromSources(chain._name, chain._sources)
	if err != nil {
		return nil, err
	}
	if chain._desc != nil {
		if _, err = dup.Attach(); err != nil {
			_ = dup.Close()
			return nil, err
		}
	}
	return dup, nil
}

func (chain *SourceChain) Close() error {
	var errs []error
	for _, src := range chain._sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	chain._sources = nil
	return errors.Join(errs...)
}

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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/colchain/pkg/meta"
)

type mockSpec struct {
	name         string
	fieldCount   int
	columnCount  int
	clusterSizes []meta.EntryIdx
	fieldPrefix  string
	columnType   meta.ColumnType
}

func defaultMockSpec(name string, clusterSizes ...meta.EntryIdx) mockSpec {
	return mockSpec{
		name:         name,
		fieldCount:   2,
		columnCount:  2,
		clusterSizes: clusterSizes,
		fieldPrefix:  "f",
		columnType:   meta.ColumnTypeInt64,
	}
}

func buildMockDescriptor(spec mockSpec) *meta.Descriptor {
	bld := meta.NewDescriptorBuilder()
	bld.SetName(spec.name)
	for i := 0; i < spec.fieldCount; i++ {
		bld.AddField(meta.NewFieldDescriptor(uint32(i),
			fmt.Sprintf("%s%d", spec.fieldPrefix, i), "int64"))
	}
	for j := 0; j < spec.columnCount; j++ {
		bld.AddColumn(meta.NewColumnDescriptor(meta.ColumnID(j), uint32(j%spec.fieldCount),
			spec.columnType, 0))
	}
	entryOffset := meta.EntryIdx(0)
	elemOffset := meta.ElementIdx(0)
	for i, size := range spec.clusterSizes {
		ranges := make([]meta.ColumnRange, spec.columnCount)
		for j := range ranges {
			ranges[j] = meta.ColumnRange{
				FirstElementIndex: elemOffset,
				ElementCount:      meta.ElementIdx(size),
			}
		}
		bld.AddCluster(meta.NewClusterDescriptor(meta.ClusterID(i), entryOffset, size, ranges))
		entryOffset += size
		elemOffset += meta.ElementIdx(size)
	}
	return bld.MoveDescriptor()
}

// mockSource serves synthetic pages and records how it was driven.
type mockSource struct {
	spec mockSpec
	desc *meta.Descriptor

	populateErr  error
	populated    int
	released     int
	lastEntry    meta.EntryIdx
	lastCluster  ClusterIndex
	lastByEntry  bool
	attachCalled int
}

var _ PageSource = (*mockSource)(nil)

func newMockSource(spec mockSpec) *mockSource {
	return &mockSource{spec: spec}
}

func attachedMockSource(t *testing.T, spec mockSpec) *mockSource {
	src := newMockSource(spec)
	_, err := src.Attach()
	require.NoError(t, err)
	return src
}

func (src *mockSource) Attach() (*meta.Descriptor, error) {
	src.attachCalled++
	if src.desc == nil {
		src.desc = buildMockDescriptor(src.spec)
	}
	return src.desc, nil
}

func (src *mockSource) Descriptor() *meta.Descriptor {
	return src.desc
}

func (src *mockSource) EntryCount() meta.EntryIdx {
	return src.desc.EntryCount()
}

func (src *mockSource) page(col ColumnHandle, clusterID meta.ClusterID) *Page {
	rng := src.desc.GetClusterDescriptor(clusterID).GetColumnRange(col.ID)
	elems := make([]any, rng.ElementCount)
	for i := range elems {
		elems[i] = int64(rng.FirstElementIndex) + int64(i)
	}
	return NewPage(col.ID, elems, rng.FirstElementIndex, ClusterInfo{
		ID:                 clusterID,
		ColumnFirstElement: rng.FirstElementIndex,
	})
}

func (src *mockSource) PopulatePage(col ColumnHandle, index meta.EntryIdx) (*Page, error) {
	if src.populateErr != nil {
		return nil, src.populateErr
	}
	src.populated++
	src.lastEntry = index
	src.lastByEntry = true
	clusterID := src.desc.FindClusterID(col.ID, meta.ElementIdx(index))
	return src.page(col, clusterID), nil
}

func (src *mockSource) PopulatePageAt(col ColumnHandle, index ClusterIndex) (*Page, error) {
	if src.populateErr != nil {
		return nil, src.populateErr
	}
	src.populated++
	src.lastCluster = index
	src.lastByEntry = false
	return src.page(col, index.ClusterID()), nil
}

func (src *mockSource) ReleasePage(page *Page) {
	if page.IsNull() {
		return
	}
	page.markReleased()
	src.released++
}

func (src *mockSource) Clone() (PageSource, error) {
	dup := newMockSource(src.spec)
	dup.populateErr = src.populateErr
	if src.desc != nil {
		if _, err := dup.Attach(); err != nil {
			return nil, err
		}
	}
	return dup, nil
}

func (src *mockSource) Close() error {
	return nil
}

func newTestChain(t *testing.T, specs ...mockSpec) (*SourceChain, []*mockSource) {
	sources := make([]PageSource, 0, len(specs))
	mocks := make([]*mockSource, 0, len(specs))
	for _, spec := range specs {
		src := attachedMockSource(t, spec)
		sources = append(sources, src)
		mocks = append(mocks, src)
	}
	chain := NewSourceChainOwning("test", sources)
	_, err := chain.Attach()
	require.NoError(t, err)
	return chain, mocks
}

func Test_entryRouting(t *testing.T) {
	// scenario: entry counts 100 and 50
	chain, mocks := newTestChain(t,
		defaultMockSpec("a", 100),
		defaultMockSpec("b", 50))
	defer chain.Close()
	col := ColumnHandle{ID: 0}

	require.Equal(t, meta.EntryIdx(150), chain.EntryCount())

	page, err := chain.PopulatePage(col, 99)
	require.NoError(t, err)
	require.Equal(t, 1, mocks[0].populated)
	require.Equal(t, meta.EntryIdx(99), mocks[0].lastEntry)
	require.Equal(t, 0, mocks[1].populated)
	chain.ReleasePage(page)

	// the first entry of the second source must route there, local index 0
	page, err = chain.PopulatePage(col, 100)
	require.NoError(t, err)
	require.Equal(t, 1, mocks[1].populated)
	require.Equal(t, meta.EntryIdx(0), mocks[1].lastEntry)
	chain.ReleasePage(page)
}

func Test_everyEntryRoutesToOwner(t *testing.T) {
	sizes := []meta.EntryIdx{7, 13, 5}
	chain, mocks := newTestChain(t,
		defaultMockSpec("a", sizes[0]),
		defaultMockSpec("b", sizes[1]),
		defaultMockSpec("c", sizes[2]))
	defer chain.Close()
	col := ColumnHandle{ID: 1}

	bounds := []meta.EntryIdx{0, 7, 20, 25}
	for g := meta.EntryIdx(0); g < chain.EntryCount(); g++ {
		want := 0
		for bounds[want+1] <= g {
			want++
		}
		before := mocks[want].populated
		page, err := chain.PopulatePage(col, g)
		require.NoError(t, err)
		assert.Equal(t, before+1, mocks[want].populated, "entry %d", g)
		assert.Equal(t, g-bounds[want], mocks[want].lastEntry, "entry %d", g)
		// window start must shift by the elements earlier sources
		// contributed; every source here is a single cluster starting at 0
		assert.Equal(t, chain._nElemPerColPerSource[want][col.ID],
			page.RangeFirst(), "entry %d", g)
		chain.ReleasePage(page)
	}
}

func Test_windowRewrite(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 10),
		defaultMockSpec("b", 20))
	defer chain.Close()
	col := ColumnHandle{ID: 0}

	// entry 15 lives in source 1, cluster local range starts at 0, shifted
	// by the 10 elements source 0 contributed
	page, err := chain.PopulatePage(col, 15)
	require.NoError(t, err)
	require.Equal(t, meta.ElementIdx(10), page.RangeFirst())
	require.Equal(t, 20, page.ElementCount())
	require.Equal(t, meta.ClusterID(1), page.Cluster().ID)
	require.Equal(t, meta.ElementIdx(10), page.Cluster().ColumnFirstElement)
	require.True(t, page.Contains(15))
	require.False(t, page.Contains(9))
	chain.ReleasePage(page)
}

func Test_elementOffsetTable(t *testing.T) {
	// scenario: three single-cluster sources with final column ranges
	// (0,10), (0,20), (0,5)
	spec := func(name string, n meta.EntryIdx) mockSpec {
		s := defaultMockSpec(name, n)
		s.columnCount = 1
		s.fieldCount = 1
		return s
	}
	chain, _ := newTestChain(t, spec("a", 10), spec("b", 20), spec("c", 5))
	defer chain.Close()

	want := []meta.ElementIdx{0, 10, 30, 35}
	for i, w := range want {
		require.Equal(t, w, chain._nElemPerColPerSource[i][0])
	}
}

func Test_clusterRouting(t *testing.T) {
	chain, mocks := newTestChain(t,
		defaultMockSpec("a", 10, 10),
		defaultMockSpec("b", 20))
	defer chain.Close()
	col := ColumnHandle{ID: 0}

	require.Equal(t, 3, chain.ClusterCount())

	// global cluster 2 is source 1's cluster 0
	page, err := chain.PopulatePageAt(col, NewClusterIndex(2, 3))
	require.NoError(t, err)
	require.Equal(t, 1, mocks[1].populated)
	require.Equal(t, meta.ClusterID(0), mocks[1].lastCluster.ClusterID())
	require.Equal(t, meta.EntryIdx(3), mocks[1].lastCluster.Index())
	// cluster info keeps the global id
	require.Equal(t, meta.ClusterID(2), page.Cluster().ID)
	require.Equal(t, meta.ElementIdx(20), page.Cluster().ColumnFirstElement)
	require.Equal(t, meta.ElementIdx(20), page.RangeFirst())
	chain.ReleasePage(page)
}

func Test_mergedClusterIDsContiguous(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 4, 6),
		defaultMockSpec("b", 5),
		defaultMockSpec("c", 3, 2, 1))
	defer chain.Close()
	desc := chain.Descriptor()

	require.Equal(t, 6, desc.ClusterCount())
	firstEntry := meta.EntryIdx(0)
	for i := 0; i < desc.ClusterCount(); i++ {
		cd := desc.GetClusterDescriptor(meta.ClusterID(i))
		require.Equal(t, meta.ClusterID(i), cd.ID())
		require.Equal(t, firstEntry, cd.FirstEntryIndex())
		firstEntry += cd.EntryCount()
	}
	// source boundaries fall exactly on the clusters table
	for i, want := range []meta.ClusterID{0, 2, 3} {
		require.Equal(t, want, chain._nClusterPerSource[i])
	}
}

func Test_unsafeOnFieldCountMismatch(t *testing.T) {
	a := defaultMockSpec("a", 10)
	b := defaultMockSpec("b", 5)
	b.fieldCount = 3
	chain, _ := newTestChain(t, a, b)
	defer chain.Close()

	require.True(t, chain.Unsafe())

	// degraded, not blocked
	page, err := chain.PopulatePage(ColumnHandle{ID: 0}, 12)
	require.NoError(t, err)
	require.False(t, page.IsNull())
	chain.ReleasePage(page)
}

func Test_unsafeOnFieldMismatch(t *testing.T) {
	a := defaultMockSpec("a", 10)
	b := defaultMockSpec("b", 5)
	b.fieldPrefix = "g"
	chain, _ := newTestChain(t, a, b)
	defer chain.Close()
	require.True(t, chain.Unsafe())
}

func Test_unsafeOnColumnMismatch(t *testing.T) {
	a := defaultMockSpec("a", 10)
	b := defaultMockSpec("b", 5)
	b.columnType = meta.ColumnTypeFloat64
	chain, _ := newTestChain(t, a, b)
	defer chain.Close()
	require.True(t, chain.Unsafe())
}

func Test_matchingSchemasStaySafe(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 10),
		defaultMockSpec("b", 5),
		defaultMockSpec("c", 7))
	defer chain.Close()
	require.False(t, chain.Unsafe())
}

func Test_shortSourceColumnIsFatal(t *testing.T) {
	a := defaultMockSpec("a", 10)
	a.fieldCount = 3
	a.columnCount = 3
	b := defaultMockSpec("b", 5)
	b.fieldCount = 1
	b.columnCount = 1
	chain, _ := newTestChain(t, a, b)
	defer chain.Close()
	require.True(t, chain.Unsafe())

	// the column exists in source 0's region
	page, err := chain.PopulatePage(ColumnHandle{ID: 2}, 5)
	require.NoError(t, err)
	chain.ReleasePage(page)

	// the shorter source does not carry it, never a silent misread
	require.Panics(t, func() {
		_, _ = chain.PopulatePage(ColumnHandle{ID: 2}, 12)
	})
}

func Test_validatorIdempotent(t *testing.T) {
	a := defaultMockSpec("a", 10)
	b := defaultMockSpec("b", 5)
	b.fieldCount = 3
	chain, _ := newTestChain(t, a, b)
	defer chain.Close()

	require.True(t, chain.Unsafe())
	chain.compareMetaData()
	require.True(t, chain.Unsafe())

	safe, _ := newTestChain(t, defaultMockSpec("a", 10), defaultMockSpec("b", 5))
	defer safe.Close()
	require.False(t, safe.Unsafe())
	safe.compareMetaData()
	require.False(t, safe.Unsafe())
}

func Test_releaseRoundTrip(t *testing.T) {
	chain, mocks := newTestChain(t,
		defaultMockSpec("a", 10),
		defaultMockSpec("b", 5))
	defer chain.Close()

	page, err := chain.PopulatePage(ColumnHandle{ID: 0}, 12)
	require.NoError(t, err)
	require.Equal(t, 1, chain.OutstandingPages())

	chain.ReleasePage(page)
	require.Equal(t, 0, chain.OutstandingPages())
	require.Equal(t, 1, mocks[1].released)

	// the null page is a no-op
	chain.ReleasePage(nil)
	chain.ReleasePage(&Page{})
	require.Equal(t, 0, chain.OutstandingPages())
}

func Test_doubleReleaseIsFatal(t *testing.T) {
	chain, _ := newTestChain(t, defaultMockSpec("a", 10))
	defer chain.Close()

	page, err := chain.PopulatePage(ColumnHandle{ID: 0}, 3)
	require.NoError(t, err)
	chain.ReleasePage(page)
	require.Panics(t, func() {
		chain.ReleasePage(page)
	})
}

func Test_foreignPageReleaseIsFatal(t *testing.T) {
	chain, _ := newTestChain(t, defaultMockSpec("a", 10))
	defer chain.Close()

	other, _ := newTestChain(t, defaultMockSpec("a", 10))
	defer other.Close()
	page, err := other.PopulatePage(ColumnHandle{ID: 0}, 3)
	require.NoError(t, err)

	require.Panics(t, func() {
		chain.ReleasePage(page)
	})
	other.ReleasePage(page)
}

func Test_outOfRangeIsFatal(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 10),
		defaultMockSpec("b", 5))
	defer chain.Close()

	require.Panics(t, func() {
		_, _ = chain.PopulatePage(ColumnHandle{ID: 0}, 15)
	})
	require.Panics(t, func() {
		_, _ = chain.PopulatePageAt(ColumnHandle{ID: 0}, NewClusterIndex(2, 0))
	})
}

func Test_emptySourceListIsFatal(t *testing.T) {
	require.Panics(t, func() {
		NewSourceChainOwning("empty", nil)
	})
}

func Test_delegateFailurePropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	a := attachedMockSource(t, defaultMockSpec("a", 10))
	a.populateErr = boom
	chain := NewSourceChainOwning("test", []PageSource{a})
	defer chain.Close()
	_, err := chain.Attach()
	require.NoError(t, err)

	_, err = chain.PopulatePage(ColumnHandle{ID: 0}, 3)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, chain.OutstandingPages())
}

func Test_cloneIndependent(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 10),
		defaultMockSpec("b", 5))
	defer chain.Close()

	page, err := chain.PopulatePage(ColumnHandle{ID: 0}, 3)
	require.NoError(t, err)

	dupSource, err := chain.Clone()
	require.NoError(t, err)
	dup := dupSource.(*SourceChain)
	defer dup.Close()

	require.Equal(t, chain._nEntryPerSource, dup._nEntryPerSource)
	require.Equal(t, chain._nClusterPerSource, dup._nClusterPerSource)
	require.Equal(t, chain._nElemPerColPerSource, dup._nElemPerColPerSource)
	require.Equal(t, chain.Unsafe(), dup.Unsafe())

	// tracker state does not travel with the clone
	require.Equal(t, 1, chain.OutstandingPages())
	require.Equal(t, 0, dup.OutstandingPages())

	dupPage, err := dup.PopulatePage(ColumnHandle{ID: 0}, 3)
	require.NoError(t, err)
	dup.ReleasePage(dupPage)
	require.Equal(t, 1, chain.OutstandingPages())

	chain.ReleasePage(page)
	require.Equal(t, 0, chain.OutstandingPages())
}

func Test_chainOfChains(t *testing.T) {
	inner1, _ := newTestChain(t, defaultMockSpec("a", 10), defaultMockSpec("b", 5))
	inner2, _ := newTestChain(t, defaultMockSpec("c", 20))

	outer := NewSourceChainOwning("outer", []PageSource{inner1, inner2})
	_, err := outer.Attach()
	require.NoError(t, err)
	defer outer.Close()

	require.Equal(t, meta.EntryIdx(35), outer.EntryCount())

	page, err := outer.PopulatePage(ColumnHandle{ID: 0}, 20)
	require.NoError(t, err)
	require.Equal(t, meta.ElementIdx(15), page.RangeFirst())
	require.Equal(t, 1, outer.OutstandingPages())
	require.Equal(t, 1, inner2.OutstandingPages())

	outer.ReleasePage(page)
	require.Equal(t, 0, outer.OutstandingPages())
	require.Equal(t, 0, inner2.OutstandingPages())
}

func Test_concurrentClones(t *testing.T) {
	chain, _ := newTestChain(t,
		defaultMockSpec("a", 40),
		defaultMockSpec("b", 25))
	defer chain.Close()

	group := errgroup.Group{}
	for w := 0; w < 4; w++ {
		group.Go(func() error {
			dup, err := chain.Clone()
			if err != nil {
				return err
			}
			defer dup.Close()
			for g := meta.EntryIdx(0); g < chain.EntryCount(); g++ {
				page, err := dup.PopulatePage(ColumnHandle{ID: 1}, g)
				if err != nil {
					return err
				}
				dup.ReleasePage(page)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Equal(t, 0, chain.OutstandingPages())
}

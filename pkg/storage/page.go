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
	"github.com/daviszhen/colchain/pkg/meta"
	"github.com/daviszhen/colchain/pkg/util"
)

// ClusterInfo locates a page's cluster in the coordinate space of whoever
// populated it: the cluster id and the first element index of the page's
// column within that cluster.
type ClusterInfo struct {
	ID                 meta.ClusterID
	ColumnFirstElement meta.ElementIdx
}

// Page is a decoded window of one column's element stream. Its range first
// starts out in the populating source's coordinates; a composing source
// rewrites it into its own space before handing the page up.
type Page struct {
	_elems      []any
	_columnID   meta.ColumnID
	_rangeFirst meta.ElementIdx
	_cluster    ClusterInfo
	_token      uint64
	_released   bool
}

func NewPage(columnID meta.ColumnID, elems []any, rangeFirst meta.ElementIdx, cluster ClusterInfo) *Page {
	return &Page{
		_elems:      elems,
		_columnID:   columnID,
		_rangeFirst: rangeFirst,
		_cluster:    cluster,
	}
}

func (page *Page) IsNull() bool {
	return page == nil || page._elems == nil
}

func (page *Page) ColumnID() meta.ColumnID {
	return page._columnID
}

func (page *Page) ElementCount() int {
	return len(page._elems)
}

// RangeFirst is the index of the page's first element within its column's
// element stream.
func (page *Page) RangeFirst() meta.ElementIdx {
	return page._rangeFirst
}

func (page *Page) Cluster() ClusterInfo {
	return page._cluster
}

func (page *Page) Get(i int) any {
	util.AssertFunc(i < len(page._elems))
	return page._elems[i]
}

func (page *Page) Elements() []any {
	return page._elems
}

// Contains reports whether the given element index of the page's column
// falls inside this page's window.
func (page *Page) Contains(index meta.ElementIdx) bool {
	return index >= page._rangeFirst &&
		index < page._rangeFirst+meta.ElementIdx(len(page._elems))
}

func (page *Page) SetWindow(rangeFirst meta.ElementIdx, cluster ClusterInfo) {
	page._rangeFirst = rangeFirst
	page._cluster = cluster
}

func (page *Page) Token() uint64 {
	return page._token
}

func (page *Page) setToken(token uint64) {
	page._token = token
}

// markReleased flags the page so its buffer cannot be handed back to the
// allocator twice. The element slice stays in place, releasing an already
// released page is the caller's bug to surface, not to mask.
func (page *Page) markReleased() {
	util.AssertFunc(!page._released)
	page._released = true
}

// PageAllocator recycles element buffers. One allocator is shared between a
// source and all of its clones, so it must tolerate calls from several
// goroutines.
type PageAllocator struct {
	_lock *util.ReentryLock
	_free [][]any
}

func NewPageAllocator() *PageAllocator {
	return &PageAllocator{
		_lock: util.NewReentryLock(),
	}
}

func (alloc *PageAllocator) Alloc(n int) []any {
	alloc._lock.Lock()
	defer alloc._lock.Unlock()
	for i := len(alloc._free) - 1; i >= 0; i-- {
		if cap(alloc._free[i]) >= n {
			buf := alloc._free[i][:n]
			alloc._free = append(alloc._free[:i], alloc._free[i+1:]...)
			return buf
		}
	}
	return make([]any, n)
}

func (alloc *PageAllocator) Free(buf []any) {
	if buf == nil {
		return
	}
	for i := range buf {
		buf[i] = nil
	}
	alloc._lock.Lock()
	defer alloc._lock.Unlock()
	alloc._free = append(alloc._free, buf)
}

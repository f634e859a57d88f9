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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/daviszhen/colchain/pkg/meta"
)

// PageSource is the contract of one attached columnar store. SourceChain
// implements it as well, so chains compose.
//
// A source is single-owner state: population and release mutate it and must
// not be called concurrently on one instance. Clone hands an independent
// instance to each concurrent consumer.
type PageSource interface {
	// Attach loads the store's metadata and returns its descriptor. One
	// call per instance.
	Attach() (*meta.Descriptor, error)

	// Descriptor returns the descriptor produced by Attach.
	Descriptor() *meta.Descriptor

	EntryCount() meta.EntryIdx

	// PopulatePage decodes the page of the given column that covers the
	// given entry index, in this source's coordinates.
	PopulatePage(col ColumnHandle, index meta.EntryIdx) (*Page, error)

	// PopulatePageAt decodes the page of the given column that covers the
	// given in-cluster position.
	PopulatePageAt(col ColumnHandle, index ClusterIndex) (*Page, error)

	// ReleasePage returns a page obtained from this source. No-op for the
	// null page.
	ReleasePage(page *Page)

	// Clone returns an independent handle over the same underlying store.
	Clone() (PageSource, error)

	Close() error
}

// Create opens a page source for a storage location, picked by extension.
func Create(name, location string) (PageSource, error) {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".parquet":
		return NewParquetSource(name, location), nil
	default:
		return nil, fmt.Errorf("unsupported source location %q", location)
	}
}

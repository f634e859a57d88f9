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
)

// ColumnHandle names one column of the schema, independent of which source
// stores it.
type ColumnHandle struct {
	ID meta.ColumnID
}

// ClusterIndex addresses one entry inside one cluster.
type ClusterIndex struct {
	_clusterID meta.ClusterID
	_index     meta.EntryIdx
}

func NewClusterIndex(id meta.ClusterID, index meta.EntryIdx) ClusterIndex {
	return ClusterIndex{
		_clusterID: id,
		_index:     index,
	}
}

func (ci ClusterIndex) ClusterID() meta.ClusterID {
	return ci._clusterID
}

func (ci ClusterIndex) Index() meta.EntryIdx {
	return ci._index
}

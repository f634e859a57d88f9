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

	"github.com/govalues/decimal"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/daviszhen/colchain/pkg/meta"
	"github.com/daviszhen/colchain/pkg/util"
)

// ParquetSource serves pages out of one local parquet file. Row groups map
// to clusters, leaf columns to columns, and a populated page covers one
// column's values within one row group.
type ParquetSource struct {
	_name  string
	_path  string
	_desc  *meta.Descriptor
	_alloc *PageAllocator

	_file   source.ParquetFile
	_reader *reader.ParquetReader
	// next row to be read per column; the column readers only move forward,
	// reading backwards forces a reopen
	_colCursor []int64
	_colTypes  []meta.ColumnType
	_colScales []int32
}

var _ PageSource = (*ParquetSource)(nil)

func NewParquetSource(name, path string) *ParquetSource {
	return &ParquetSource{
		_name:  name,
		_path:  path,
		_alloc: NewPageAllocator(),
	}
}

func (src *ParquetSource) open() error {
	file, err := pqLocal.NewLocalFileReader(src._path)
	if err != nil {
		return err
	}
	rd, err := reader.NewParquetColumnReader(file, 1)
	if err != nil {
		_ = file.Close()
		return err
	}
	src._file = file
	src._reader = rd
	return nil
}

func (src *ParquetSource) Attach() (*meta.Descriptor, error) {
	util.AssertFunc(src._desc == nil)
	if err := src.open(); err != nil {
		return nil, err
	}

	bld := meta.NewDescriptorBuilder()
	bld.SetName(src._name)

	footer := src._reader.Footer
	for _, el := range footer.Schema[1:] {
		if el.NumChildren != nil && *el.NumChildren > 0 {
			_ = src.Close()
			return nil, fmt.Errorf("nested parquet schemas are not supported: %s in %s",
				el.Name, src._path)
		}
		typ, scale := schemaElementType(el)
		id := len(src._colTypes)
		bld.AddField(meta.NewFieldDescriptor(uint32(id), el.Name, el.Type.String()))
		bld.AddColumn(meta.NewColumnDescriptor(meta.ColumnID(id), uint32(id), typ, scale))
		src._colTypes = append(src._colTypes, typ)
		src._colScales = append(src._colScales, scale)
	}

	nColumns := len(src._colTypes)
	entryOffset := meta.EntryIdx(0)
	elemOffsets := make([]meta.ElementIdx, nColumns)
	for i, rg := range footer.RowGroups {
		nRows := meta.EntryIdx(rg.NumRows)
		ranges := make([]meta.ColumnRange, nColumns)
		for j := range ranges {
			ranges[j] = meta.ColumnRange{
				FirstElementIndex: elemOffsets[j],
				ElementCount:      meta.ElementIdx(nRows),
			}
			elemOffsets[j] += meta.ElementIdx(nRows)
		}
		bld.AddCluster(meta.NewClusterDescriptor(
			meta.ClusterID(i), entryOffset, nRows, ranges))
		entryOffset += nRows
	}

	src._colCursor = make([]int64, nColumns)
	src._desc = bld.MoveDescriptor()
	return src._desc, nil
}

func (src *ParquetSource) Descriptor() *meta.Descriptor {
	return src._desc
}

func (src *ParquetSource) EntryCount() meta.EntryIdx {
	util.AssertFunc(src._desc != nil)
	return src._desc.EntryCount()
}

func (src *ParquetSource) reopen() error {
	src._reader.ReadStop()
	if err := src._file.Close(); err != nil {
		return err
	}
	if err := src.open(); err != nil {
		return err
	}
	for i := range src._colCursor {
		src._colCursor[i] = 0
	}
	return nil
}

func (src *ParquetSource) readColumn(col int, start, count int64) ([]any, error) {
	if src._colCursor[col] > start {
		if err := src.reopen(); err != nil {
			return nil, err
		}
	}
	if skip := start - src._colCursor[col]; skip > 0 {
		src._reader.SkipRowsByIndex(int64(col), skip)
	}
	values, _, _, err := src._reader.ReadColumnByIndex(int64(col), count)
	if err != nil {
		return nil, err
	}
	src._colCursor[col] = start + count
	return values, nil
}

// populateCluster decodes column col of one row group as a single page.
func (src *ParquetSource) populateCluster(col ColumnHandle, clusterID meta.ClusterID) (*Page, error) {
	util.AssertFunc(src._desc != nil)
	util.AssertFunc(int(col.ID) < len(src._colTypes))
	rng := src._desc.GetClusterDescriptor(clusterID).GetColumnRange(col.ID)

	raw, err := src.readColumn(int(col.ID), int64(rng.FirstElementIndex), int64(rng.ElementCount))
	if err != nil {
		return nil, err
	}
	elems := src._alloc.Alloc(len(raw))
	for i, v := range raw {
		elems[i], err = convertParquetValue(v, src._colTypes[col.ID], src._colScales[col.ID])
		if err != nil {
			src._alloc.Free(elems)
			return nil, err
		}
	}
	return NewPage(col.ID, elems, rng.FirstElementIndex, ClusterInfo{
		ID:                 clusterID,
		ColumnFirstElement: rng.FirstElementIndex,
	}), nil
}

func (src *ParquetSource) PopulatePage(col ColumnHandle, index meta.EntryIdx) (*Page, error) {
	util.AssertFunc(src._desc != nil)
	util.AssertFunc(index < src.EntryCount())
	clusterID := src._desc.FindClusterID(col.ID, meta.ElementIdx(index))
	util.AssertFunc(clusterID != meta.InvalidClusterID)
	return src.populateCluster(col, clusterID)
}

func (src *ParquetSource) PopulatePageAt(col ColumnHandle, index ClusterIndex) (*Page, error) {
	util.AssertFunc(src._desc != nil)
	util.AssertFunc(int(index.ClusterID()) < src._desc.ClusterCount())
	return src.populateCluster(col, index.ClusterID())
}

func (src *ParquetSource) ReleasePage(page *Page) {
	if page.IsNull() {
		return
	}
	page.markReleased()
	src._alloc.Free(page.Elements())
}

// Clone opens an independent reader over the same file. The clone shares
// the page allocator so buffers recycle across readers.
func (src *ParquetSource) Clone() (PageSource, error) {
	dup := &ParquetSource{
		_name:  src._name,
		_path:  src._path,
		_alloc: src._alloc,
	}
	if src._desc != nil {
		if _, err := dup.Attach(); err != nil {
			return nil, err
		}
	}
	return dup, nil
}

func (src *ParquetSource) Close() error {
	if src._reader != nil {
		src._reader.ReadStop()
		src._reader = nil
	}
	if src._file != nil {
		err := src._file.Close()
		src._file = nil
		return err
	}
	return nil
}

func schemaElementType(el *parquet.SchemaElement) (meta.ColumnType, int32) {
	if el.ConvertedType != nil && *el.ConvertedType == parquet.ConvertedType_DECIMAL {
		scale := int32(0)
		if el.Scale != nil {
			scale = *el.Scale
		}
		return meta.ColumnTypeDecimal, scale
	}
	switch *el.Type {
	case parquet.Type_BOOLEAN:
		return meta.ColumnTypeBool, 0
	case parquet.Type_INT32:
		return meta.ColumnTypeInt32, 0
	case parquet.Type_INT64:
		return meta.ColumnTypeInt64, 0
	case parquet.Type_FLOAT:
		return meta.ColumnTypeFloat32, 0
	case parquet.Type_DOUBLE:
		return meta.ColumnTypeFloat64, 0
	default:
		return meta.ColumnTypeString, 0
	}
}

func convertParquetValue(raw any, typ meta.ColumnType, scale int32) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch typ {
	case meta.ColumnTypeDecimal:
		switch v := raw.(type) {
		case int32:
			return decimal.New(int64(v), int(scale))
		case int64:
			return decimal.New(v, int(scale))
		default:
			return nil, fmt.Errorf("unsupported decimal storage %T", raw)
		}
	case meta.ColumnTypeBool:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case meta.ColumnTypeInt32:
		if v, ok := raw.(int32); ok {
			return v, nil
		}
	case meta.ColumnTypeInt64:
		switch v := raw.(type) {
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case meta.ColumnTypeFloat32:
		if v, ok := raw.(float32); ok {
			return v, nil
		}
	case meta.ColumnTypeFloat64:
		switch v := raw.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		}
	case meta.ColumnTypeString:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("value %T does not decode as %s", raw, typ)
}

// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package input

import (
	"bytes"
	"time"

	"github.com/pingcap/seepflow/model"
)

// FileDataStream reads chunks of text lines pushed by the file selector.
type FileDataStream struct {
	streamID int
	buffer   *InputBuffer
	schema   *model.Schema
}

// NewFileDataStream creates a FileDataStream.
func NewFileDataStream(streamID int, buffer *InputBuffer, schema *model.Schema) *FileDataStream {
	return &FileDataStream{streamID: streamID, buffer: buffer, schema: schema}
}

// StreamID implements Adapter.StreamID
func (f *FileDataStream) StreamID() int { return f.streamID }

// Type implements Adapter.Type
func (f *FileDataStream) Type() model.DataStoreType { return model.DataStoreFile }

// Cardinality implements Adapter.Cardinality
func (f *FileDataStream) Cardinality() Cardinality { return ReturnOne }

// Buffers implements Adapter.Buffers
func (f *FileDataStream) Buffers() []*InputBuffer { return []*InputBuffer{f.buffer} }

// PullDataItem implements Adapter.PullDataItem
func (f *FileDataStream) PullDataItem(timeout time.Duration) model.DataItem {
	chunk, ok := f.buffer.Pull(timeout)
	if !ok {
		return nil
	}
	return &textItem{schema: f.schema, rest: chunk}
}

// textItem decodes one line per drain.
type textItem struct {
	schema *model.Schema
	rest   []byte
	err    error
}

func (t *textItem) Drain() *model.Tuple {
	for t.err == nil && len(t.rest) > 0 {
		var line []byte
		if idx := bytes.IndexByte(t.rest, '\n'); idx >= 0 {
			line, t.rest = t.rest[:idx], t.rest[idx+1:]
		} else {
			line, t.rest = t.rest, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		tuple, err := model.DecodeText(t.schema, line)
		if err != nil {
			t.err = err
			return nil
		}
		return tuple
	}
	return nil
}

func (t *textItem) Err() error {
	return t.err
}

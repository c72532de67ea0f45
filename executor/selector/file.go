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

package selector

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// FileSelector reads text files line by line and writes one text file per
// output reference, named after the configured path and the reference id.
type FileSelector struct {
	*runner
	opts    Options
	inputs  []*input.InputBuffer
	outputs []*output.OutputBuffer

	readers []*os.File
	writers []*os.File
}

// NewFileSelector creates a FileSelector.
func NewFileSelector(ins []*input.InputBuffer, outs []*output.OutputBuffer, opts Options) *FileSelector {
	opts.adjust()
	return &FileSelector{
		runner:  newRunner(outs, opts.Logger.With(zap.String("selector", "file"))),
		opts:    opts,
		inputs:  ins,
		outputs: outs,
	}
}

// OutputPath returns the file written for ref.
func OutputPath(ref *model.DataReference) string {
	path, _ := ref.DataStore.Get(model.ConfigFilePath)
	return path + strconv.Itoa(ref.ID)
}

// Type implements Selector.Type
func (s *FileSelector) Type() model.DataStoreType {
	return model.DataStoreFile
}

// Init implements Selector.Init
func (s *FileSelector) Init(_ context.Context) error {
	for _, b := range s.inputs {
		path, _ := b.Ref().DataStore.Get(model.ConfigFilePath)
		f, err := os.Open(path)
		if err != nil {
			return multierr.Append(
				errors.ErrDataStoreUnreachable.GenWithStackByArgs(b.Ref().DataStore, err.Error()),
				s.closeFiles())
		}
		s.readers = append(s.readers, f)
	}
	for _, b := range s.outputs {
		f, err := os.OpenFile(OutputPath(b.Ref()), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return multierr.Append(
				errors.ErrDataStoreUnreachable.GenWithStackByArgs(b.Ref().DataStore, err.Error()),
				s.closeFiles())
		}
		s.writers = append(s.writers, f)
	}
	return nil
}

// Start implements Selector.Start
func (s *FileSelector) Start(ctx context.Context) error {
	ctx, eg := s.start(ctx)
	for i, buf := range s.inputs {
		f, buf := s.readers[i], buf
		eg.Go(func() error {
			return s.read(ctx, f, buf)
		})
	}
	for i, buf := range s.outputs {
		w, buf := bufio.NewWriter(s.writers[i]), buf
		eg.Go(func() error {
			return s.drain(ctx, buf, func(_ context.Context, frame []byte) error {
				if _, err := w.Write(frame); err != nil {
					return errors.Trace(err)
				}
				return errors.Trace(w.Flush())
			})
		})
	}
	return nil
}

// Stop implements Selector.Stop
func (s *FileSelector) Stop() error {
	return multierr.Append(s.stop(), s.closeFiles())
}

func (s *FileSelector) closeFiles() error {
	var err error
	for _, f := range s.readers {
		err = multierr.Append(err, f.Close())
	}
	for _, f := range s.writers {
		err = multierr.Append(err, f.Close())
	}
	s.readers, s.writers = nil, nil
	return err
}

// read pushes chunks of whole lines until the end of the file.
func (s *FileSelector) read(ctx context.Context, f *os.File, buf *input.InputBuffer) error {
	r := bufio.NewReader(f)
	var chunk bytes.Buffer
	lines := 0
	push := func() error {
		if chunk.Len() == 0 {
			return nil
		}
		data := append([]byte(nil), chunk.Bytes()...)
		chunk.Reset()
		lines = 0
		if err := buf.Push(ctx, data); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			chunk.Write(line)
			if line[len(line)-1] != '\n' {
				chunk.WriteByte('\n')
			}
			lines++
			if lines >= linesPerChunk {
				if err := push(); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			s.logger.Info("file source drained", zap.String("path", f.Name()))
			return push()
		}
		if err != nil {
			return errors.Trace(err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

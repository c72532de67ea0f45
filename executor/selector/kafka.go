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
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
)

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory creates the reader of one topic partition.
type ReaderFactory func(ref *model.DataReference) (MessageReader, error)

// WriterFactory creates the writer of one topic.
type WriterFactory func(ref *model.DataReference) (MessageWriter, error)

// NewKafkaReader reads the partition named by ref.
func NewKafkaReader(ref *model.DataReference) (MessageReader, error) {
	topic, _ := ref.DataStore.Get(model.ConfigKafkaTopic)
	raw, _ := ref.DataStore.Get(model.ConfigKafkaPartition)
	partition, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("kafka partition " + raw)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   ref.DataStore.GetList(model.ConfigKafkaBrokers),
		Topic:     topic,
		Partition: partition,
	}), nil
}

// NewKafkaWriter writes to the topic named by ref.
func NewKafkaWriter(ref *model.DataReference) (MessageWriter, error) {
	topic, _ := ref.DataStore.Get(model.ConfigKafkaTopic)
	return &kafka.Writer{
		Addr:         kafka.TCP(ref.DataStore.GetList(model.ConfigKafkaBrokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, nil
}

// KafkaSelector consumes one reader per input partition and produces each
// sealed frame as one message.
type KafkaSelector struct {
	*runner
	opts    Options
	inputs  []*input.InputBuffer
	outputs []*output.OutputBuffer

	readers []MessageReader
	writers []MessageWriter
}

// NewKafkaSelector creates a KafkaSelector.
func NewKafkaSelector(ins []*input.InputBuffer, outs []*output.OutputBuffer, opts Options) *KafkaSelector {
	opts.adjust()
	if opts.KafkaReaders == nil {
		opts.KafkaReaders = NewKafkaReader
	}
	if opts.KafkaWriters == nil {
		opts.KafkaWriters = NewKafkaWriter
	}
	return &KafkaSelector{
		runner:  newRunner(outs, opts.Logger.With(zap.String("selector", "kafka"))),
		opts:    opts,
		inputs:  ins,
		outputs: outs,
	}
}

// Type implements Selector.Type
func (s *KafkaSelector) Type() model.DataStoreType {
	return model.DataStoreKafka
}

// Init implements Selector.Init
func (s *KafkaSelector) Init(_ context.Context) error {
	for _, b := range s.inputs {
		r, err := s.opts.KafkaReaders(b.Ref())
		if err != nil {
			return multierr.Append(err, s.closeClients())
		}
		s.readers = append(s.readers, r)
	}
	for _, b := range s.outputs {
		w, err := s.opts.KafkaWriters(b.Ref())
		if err != nil {
			return multierr.Append(err, s.closeClients())
		}
		s.writers = append(s.writers, w)
	}
	return nil
}

// Start implements Selector.Start
func (s *KafkaSelector) Start(ctx context.Context) error {
	ctx, eg := s.start(ctx)
	for i, buf := range s.inputs {
		r, buf := s.readers[i], buf
		eg.Go(func() error {
			return s.consume(ctx, r, buf)
		})
	}
	for i, buf := range s.outputs {
		w, buf := s.writers[i], buf
		eg.Go(func() error {
			return s.drain(ctx, buf, func(ctx context.Context, frame []byte) error {
				err := w.WriteMessages(ctx, kafka.Message{Value: frame})
				if err != nil {
					return errors.ErrDataStoreUnreachable.GenWithStackByArgs(buf.Ref().DataStore, err.Error())
				}
				return nil
			})
		})
	}
	return nil
}

// Stop implements Selector.Stop
func (s *KafkaSelector) Stop() error {
	return multierr.Append(s.stop(), s.closeClients())
}

func (s *KafkaSelector) closeClients() error {
	var err error
	for _, r := range s.readers {
		err = multierr.Append(err, r.Close())
	}
	for _, w := range s.writers {
		err = multierr.Append(err, w.Close())
	}
	s.readers, s.writers = nil, nil
	return err
}

func (s *KafkaSelector) consume(ctx context.Context, r MessageReader, buf *input.InputBuffer) error {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("read kafka message failed", zap.Stringer("ref", buf.Ref()), logutil.ShortError(err))
			return errors.ErrDataStoreUnreachable.GenWithStackByArgs(buf.Ref().DataStore, err.Error())
		}
		if err := buf.Push(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

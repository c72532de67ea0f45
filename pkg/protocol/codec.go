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

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pingcap/seepflow/pkg/errors"
)

const (
	frameHeaderSize = 4
	// DefaultMaxFrameSize bounds the body of a single frame.
	DefaultMaxFrameSize = 64 << 20
)

// WriteFrame writes body prefixed with its big endian uint32 length.
func WriteFrame(w io.Writer, body []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(body); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than
// maxSize are rejected without reading their body.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Trace(err)
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > maxSize {
		return nil, errors.ErrProtocolFrameTooLarge.GenWithStackByArgs(size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Trace(err)
	}
	return body, nil
}

// EncodeCommand serializes a command.
func EncodeCommand(cmd *Command) ([]byte, error) {
	data, err := msgpack.Marshal(cmd)
	if err != nil {
		return nil, errors.WrapError(errors.ErrProtocolMalformedCommand, err, cmd.String())
	}
	return data, nil
}

// DecodeCommand deserializes a command. The payload is not validated against
// the type, see Command.Validate.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{}
	if err := msgpack.Unmarshal(data, cmd); err != nil {
		return nil, errors.WrapError(errors.ErrProtocolMalformedCommand, err, "decode")
	}
	return cmd, nil
}

// WriteCommand encodes and writes one command frame.
func WriteCommand(w io.Writer, cmd *Command) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadCommand reads and decodes one command frame.
func ReadCommand(r io.Reader, maxSize int) (*Command, error) {
	data, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return DecodeCommand(data)
}

func writeAck(w io.Writer, ack *Ack) error {
	data, err := msgpack.Marshal(ack)
	if err != nil {
		return errors.Trace(err)
	}
	return WriteFrame(w, data)
}

func readAck(r io.Reader) (*Ack, error) {
	data, err := ReadFrame(r, DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	ack := &Ack{}
	if err := msgpack.Unmarshal(data, ack); err != nil {
		return nil, errors.WrapError(errors.ErrProtocolMalformedCommand, err, "ack")
	}
	return ack, nil
}

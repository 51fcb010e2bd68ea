// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ccbt-project/ccbt/utils/memsize"
)

// ID identifies a wire message's type, per BEP3/BEP6/BEP10.
type ID byte

// Wire message ids.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
	Extended      ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", id)
	}
}

// DefaultMaxMessageSize bounds a single message's length-prefixed body,
// not counting a piece message's block payload which is capped
// separately by the caller's request size policy.
const DefaultMaxMessageSize = 32 * memsize.KB

// Message is one parsed wire protocol message. A nil Message (with no
// error) represents a keep-alive.
type Message struct {
	ID ID

	// Have
	Index int

	// Bitfield
	Bits []byte

	// Request, Cancel
	Begin  int
	Length int

	// Piece
	Block []byte

	// Port (BEP5 DHT)
	DHTPort uint16

	// Extended (BEP10)
	ExtendedID      byte
	ExtendedPayload []byte
}

// WriteMessage writes msg's wire form, including its 4-byte big-endian
// length prefix, to w. A nil msg writes a zero-length keep-alive.
func WriteMessage(w io.Writer, msg *Message) error {
	if msg == nil {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	var body []byte
	switch msg.ID {
	case Choke, Unchoke, Interested, NotInterested:
		// No payload.
	case Have:
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(msg.Index))
	case Bitfield:
		body = msg.Bits
	case Request, Cancel:
		body = make([]byte, 12)
		binary.BigEndian.PutUint32(body[0:4], uint32(msg.Index))
		binary.BigEndian.PutUint32(body[4:8], uint32(msg.Begin))
		binary.BigEndian.PutUint32(body[8:12], uint32(msg.Length))
	case Piece:
		body = make([]byte, 8+len(msg.Block))
		binary.BigEndian.PutUint32(body[0:4], uint32(msg.Index))
		binary.BigEndian.PutUint32(body[4:8], uint32(msg.Begin))
		copy(body[8:], msg.Block)
	case Port:
		body = make([]byte, 2)
		binary.BigEndian.PutUint16(body, msg.DHTPort)
	case Extended:
		body = make([]byte, 1+len(msg.ExtendedPayload))
		body[0] = msg.ExtendedID
		copy(body[1:], msg.ExtendedPayload)
	default:
		return fmt.Errorf("unknown message id: %d", msg.ID)
	}

	length := uint32(1 + len(body))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write([]byte{byte(msg.ID)}); err != nil {
		return fmt.Errorf("write message id: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write message body: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one wire message from r. Returns (nil, nil) for a
// keep-alive. maxSize bounds the message body excluding a piece
// message's block, which is bounded separately by maxBlockSize.
func ReadMessage(r io.Reader, maxSize, maxBlockSize int) (*Message, error) {
	id, bodyLen, ok, err := ReadMessageHeader(r, maxSize, maxBlockSize)
	if err != nil || !ok {
		return nil, err
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("read message body: %w", err)
		}
	}
	return decodeBody(id, body)
}

// ReadMessageHeader reads a message's length prefix and id, returning the
// remaining body length still to be read from r. ok is false for a
// keep-alive, in which case there is nothing further to read. Splitting
// the header read from the body lets a caller reserve bandwidth for a
// piece message's block before reading it.
func ReadMessageHeader(r io.Reader, maxSize, maxBlockSize int) (id ID, bodyLen int, ok bool, err error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return 0, 0, false, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return 0, 0, false, nil
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return 0, 0, false, fmt.Errorf("read message id: %w", err)
	}
	id = ID(idBuf[0])
	bodyLen = int(length) - 1

	if id == Piece {
		if bodyLen-8 > maxBlockSize {
			return 0, 0, false, fmt.Errorf("piece block exceeds max block size: %d > %d", bodyLen-8, maxBlockSize)
		}
	} else if bodyLen > maxSize {
		return 0, 0, false, fmt.Errorf("message body exceeds max size: %d > %d", bodyLen, maxSize)
	}
	return id, bodyLen, true, nil
}

// ReadMessageBody decodes a message body of the given id already read in
// full from the wire by the caller (see ReadMessageHeader).
func ReadMessageBody(id ID, body []byte) (*Message, error) {
	return decodeBody(id, body)
}

func decodeBody(id ID, body []byte) (*Message, error) {
	msg := &Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if len(body) != 4 {
			return nil, fmt.Errorf("have: expected 4 byte body, got %d", len(body))
		}
		msg.Index = int(binary.BigEndian.Uint32(body))
	case Bitfield:
		msg.Bits = body
	case Request, Cancel:
		if len(body) != 12 {
			return nil, fmt.Errorf("%s: expected 12 byte body, got %d", id, len(body))
		}
		msg.Index = int(binary.BigEndian.Uint32(body[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(body[4:8]))
		msg.Length = int(binary.BigEndian.Uint32(body[8:12]))
	case Piece:
		if len(body) < 8 {
			return nil, fmt.Errorf("piece: body too short: %d", len(body))
		}
		msg.Index = int(binary.BigEndian.Uint32(body[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(body[4:8]))
		msg.Block = body[8:]
	case Port:
		if len(body) != 2 {
			return nil, fmt.Errorf("port: expected 2 byte body, got %d", len(body))
		}
		msg.DHTPort = binary.BigEndian.Uint16(body)
	case Extended:
		if len(body) < 1 {
			return nil, fmt.Errorf("extended: body too short: %d", len(body))
		}
		msg.ExtendedID = body[0]
		msg.ExtendedPayload = body[1:]
	default:
		return nil, fmt.Errorf("unknown message id: %d", id)
	}
	return msg, nil
}

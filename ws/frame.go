package ws

import (
	"encoding/binary"
	"io"

	"github.com/bassosimone/libndt/errx"
)

// Opcode is a WebSocket frame opcode.
type Opcode byte

// The opcodes we understand. Any other opcode in an incoming frame is
// a protocol error.
const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

func (op Opcode) valid() bool {
	switch op {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

func (op Opcode) control() bool {
	return op >= OpcodeClose
}

const (
	finFlag  = 0x80
	rsvMask  = 0x70
	maskFlag = 0x80

	// maxControlPayload is the payload ceiling for control frames.
	maxControlPayload = 125
)

// appendFrameLength appends the payload length encoded in the 7, 16 or
// 64 bit form, depending on its magnitude. The mask flag is folded into
// the first length byte when masked is true.
func appendFrameLength(dst []byte, length uint64, masked bool) []byte {
	var flag byte
	if masked {
		flag = maskFlag
	}
	switch {
	case length < 126:
		dst = append(dst, flag|byte(length))
	case length < 65536:
		dst = append(dst, flag|126, byte(length>>8), byte(length))
	default:
		var extended [8]byte
		binary.BigEndian.PutUint64(extended[:], length)
		dst = append(dst, flag|127)
		dst = append(dst, extended[:]...)
	}
	return dst
}

// readFrameLength decodes the extended length, if any, given the seven
// bit length field already read from the second header byte.
func readFrameLength(reader io.Reader, len7 byte) (uint64, error) {
	switch len7 {
	case 126:
		var extended [2]byte
		if _, err := io.ReadFull(reader, extended[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(extended[:])), nil
	case 127:
		var extended [8]byte
		if _, err := io.ReadFull(reader, extended[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint64(extended[:])
		if length&(1<<63) != 0 {
			return 0, errx.New(errx.WSProto, "ws_recv_any_frame",
				"64-bit length has the most significant bit set")
		}
		return length, nil
	default:
		return uint64(len7), nil
	}
}

// prepareFrame serializes a complete client-to-server frame: header,
// mask key, and masked payload, as a single contiguous buffer suitable
// for one write.
func prepareFrame(firstByte byte, key [4]byte, payload []byte) []byte {
	frame := make([]byte, 0, 14+len(payload))
	frame = append(frame, firstByte)
	frame = appendFrameLength(frame, uint64(len(payload)), true)
	frame = append(frame, key[:]...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	return frame
}

// frameHeader is a parsed incoming frame header.
type frameHeader struct {
	fin    bool
	opcode Opcode
	length uint64
}

// readFrameHeader reads and validates the header of a server-to-client
// frame. Servers never mask, so a set mask bit is a protocol error, as
// are nonzero reserved bits, unknown opcodes, and control frames that
// are fragmented or carry more than 125 bytes.
func readFrameHeader(reader io.Reader) (frameHeader, error) {
	var first [2]byte
	if _, err := io.ReadFull(reader, first[:]); err != nil {
		return frameHeader{}, err
	}
	if first[0]&rsvMask != 0 {
		return frameHeader{}, errx.New(errx.WSProto, "ws_recv_any_frame",
			"reserved bits are not zero")
	}
	opcode := Opcode(first[0] & 0x0f)
	if !opcode.valid() {
		return frameHeader{}, errx.New(errx.WSProto, "ws_recv_any_frame",
			"unknown opcode")
	}
	if first[1]&maskFlag != 0 {
		return frameHeader{}, errx.New(errx.WSProto, "ws_recv_any_frame",
			"server frame is masked")
	}
	length, err := readFrameLength(reader, first[1]&0x7f)
	if err != nil {
		return frameHeader{}, err
	}
	header := frameHeader{
		fin:    first[0]&finFlag != 0,
		opcode: opcode,
		length: length,
	}
	if opcode.control() {
		if !header.fin {
			return frameHeader{}, errx.New(errx.WSProto, "ws_recv_any_frame",
				"control frame without FIN")
		}
		if length > maxControlPayload {
			return frameHeader{}, errx.New(errx.WSProto, "ws_recv_any_frame",
				"control frame payload too large")
		}
	}
	return header, nil
}

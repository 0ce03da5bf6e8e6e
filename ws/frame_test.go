package ws

import (
	"bytes"
	"testing"

	"github.com/bassosimone/libndt/errx"
)

func Test_frameLengthRoundTrip(t *testing.T) {
	for _, length := range []uint64{
		0, 1, 125, 126, 127, 65535, 65536, 1 << 32,
	} {
		encoded := appendFrameLength(nil, length, false)
		reader := bytes.NewReader(encoded[1:])
		decoded, err := readFrameLength(reader, encoded[0]&0x7f)
		if err != nil {
			t.Fatalf("readFrameLength(%d) failed: %v", length, err)
		}
		if decoded != length {
			t.Fatalf("%d != %d", decoded, length)
		}
		if reader.Len() != 0 {
			t.Fatalf("length %d: %d undecoded bytes", length, reader.Len())
		}
	}
}

func Test_frameLength64BitMSB(t *testing.T) {
	encoded := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if _, err := readFrameLength(bytes.NewReader(encoded), 127); err == nil {
		t.Fatal("expected an error here")
	} else if errx.Classify(err) != errx.WSProto {
		t.Fatalf("unexpected error kind: %s", errx.Classify(err))
	}
}

func Test_prepareFrameMasking(t *testing.T) {
	payload := []byte("some payload to be masked")
	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	frame := prepareFrame(byte(OpcodeBinary)|finFlag, key, payload)
	if frame[0] != byte(OpcodeBinary)|finFlag {
		t.Fatalf("unexpected first byte: 0x%x", frame[0])
	}
	if frame[1] != maskFlag|byte(len(payload)) {
		t.Fatalf("unexpected second byte: 0x%x", frame[1])
	}
	if !bytes.Equal(frame[2:6], key[:]) {
		t.Fatal("the mask key is not where it should be")
	}
	masked := frame[6:]
	if len(masked) != len(payload) {
		t.Fatalf("unexpected masked payload length: %d", len(masked))
	}
	unmasked := make([]byte, len(masked))
	for i, b := range masked {
		unmasked[i] = b ^ key[i%4]
	}
	if !bytes.Equal(unmasked, payload) {
		t.Fatal("unmasking does not yield the original payload")
	}
}

func Test_prepareFrameEmptyBody(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	frame := prepareFrame(byte(OpcodeBinary)|finFlag, key, nil)
	if len(frame) != 6 {
		t.Fatalf("unexpected frame length: %d", len(frame))
	}
}

func Test_readFrameHeaderRejections(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind errx.Kind
	}{
		{"reserved bits", []byte{0x70 | byte(OpcodeBinary), 0x00}, errx.WSProto},
		{"unknown opcode", []byte{finFlag | 0x03, 0x00}, errx.WSProto},
		{"masked server frame", []byte{finFlag | byte(OpcodeBinary), maskFlag | 0x01}, errx.WSProto},
		{"control frame without FIN", []byte{byte(OpcodePing), 0x00}, errx.WSProto},
		{"oversized control frame", []byte{finFlag | byte(OpcodePing), 126, 0x00, 0x80}, errx.WSProto},
		{"64-bit length with MSB set", append([]byte{finFlag | byte(OpcodeBinary), 127},
			0xff, 0, 0, 0, 0, 0, 0, 0), errx.WSProto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readFrameHeader(bytes.NewReader(tt.data))
			if err == nil {
				t.Fatal("expected an error here")
			}
			if errx.Classify(err) != tt.kind {
				t.Fatalf("unexpected error kind: %s", errx.Classify(err))
			}
		})
	}
}

func Test_readFrameHeaderAccepts(t *testing.T) {
	header, err := readFrameHeader(bytes.NewReader([]byte{
		finFlag | byte(OpcodeText), 0x05,
	}))
	if err != nil {
		t.Fatalf("readFrameHeader failed: %v", err)
	}
	if !header.fin || header.opcode != OpcodeText || header.length != 5 {
		t.Fatalf("unexpected header: %+v", header)
	}
	// A control frame with FIN and a small payload is acceptable.
	header, err = readFrameHeader(bytes.NewReader([]byte{
		finFlag | byte(OpcodePing), 125,
	}))
	if err != nil {
		t.Fatalf("readFrameHeader failed: %v", err)
	}
	if header.length != 125 {
		t.Fatalf("unexpected length: %d", header.length)
	}
}

func Test_readFrameHeaderEOF(t *testing.T) {
	if _, err := readFrameHeader(bytes.NewReader(nil)); err == nil {
		t.Fatal("expected an error here")
	}
}

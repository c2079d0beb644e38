package message

import (
	"bufio"
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	// One value from each of the four QUIC varint length classes (RFC 9000 §16).
	values := []uint64{0, 0x3f, 0x40, 0x3fff, 0x4000, 0x3fffffff, 0x40000000, 0x3fffffffffffffff}

	for _, v := range values {
		buf := WriteVarint(nil, v)
		got, err := ReadVarint(bufio.NewReader(bytes.NewReader(buf)))
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round-trip %d: got %d", v, got)
		}
	}
}

func TestVarintLengthClasses(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {0x3f, 1},
		{0x40, 2}, {0x3fff, 2},
		{0x4000, 4}, {0x3fffffff, 4},
		{0x40000000, 8}, {0x3fffffffffffffff, 8},
	}
	for _, c := range cases {
		got := len(WriteVarint(nil, c.v))
		if got != c.want {
			t.Fatalf("WriteVarint(%d): got %d bytes, want %d", c.v, got, c.want)
		}
	}
}

func TestVarintAppendsToExistingBuffer(t *testing.T) {
	buf := []byte{0xaa, 0xbb}
	buf = WriteVarint(buf, 5)
	if !bytes.Equal(buf[:2], []byte{0xaa, 0xbb}) {
		t.Fatalf("WriteVarint clobbered the existing prefix: %v", buf)
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := WriteString(nil, "live/cam1")
	got, err := ReadString(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "live/cam1" {
		t.Fatalf("got %q, want %q", got, "live/cam1")
	}
}

func TestStringRoundTripEmpty(t *testing.T) {
	buf := WriteString(nil, "")
	got, err := ReadString(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	buf := WriteBytes(nil, payload)
	got, err := ReadBytes(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestReadVarintTruncatedInput(t *testing.T) {
	// A two-byte-class prefix with no second byte following.
	buf := []byte{0x40}
	if _, err := ReadVarint(bufio.NewReader(bytes.NewReader(buf))); err == nil {
		t.Fatalf("expected an error reading a truncated varint")
	}
}

package message

import "bufio"

// DataType is the first varint on every unidirectional data stream (spec
// §4.6.1). Only Group exists today; the tag is still framed so a future
// datagram-shaped object stream can be added without breaking readers.
type DataType uint64

const DataTypeGroup DataType = 0x00

// Group is the data stream prelude identifying which subscription and group
// sequence the stream carries.
type Group struct {
	Subscribe uint64
	Sequence  uint64
}

func (m Group) Encode() []byte {
	buf := WriteVarint(nil, m.Subscribe)
	return WriteVarint(buf, m.Sequence)
}

func DecodeGroup(r *bufio.Reader) (Group, error) {
	var m Group
	sub, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	m.Subscribe = sub
	seq, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	m.Sequence = seq
	return m, nil
}

// Frame is a header preceding exactly Size bytes of frame payload on a group
// data stream.
type Frame struct {
	Size uint64
}

func (m Frame) Encode() []byte {
	return WriteVarint(nil, m.Size)
}

func DecodeFrame(r *bufio.Reader) (Frame, error) {
	n, err := ReadVarint(r)
	return Frame{Size: n}, err
}

package message

import (
	"bufio"
	"io"
)

// ControlType is the first varint on every control stream, identifying which
// logical interaction (spec §4.6.1) the stream carries.
type ControlType uint64

const (
	ControlTypeSession  ControlType = 0x01
	ControlTypeAnnounce ControlType = 0x02
	ControlTypeSubscribe ControlType = 0x03
)

// WriteFramed wraps an already-encoded message body with its own varint
// length so a reader can resynchronize after an unrecognized field, matching
// moq-transfork-proto's control stream framing.
func WriteFramed(body []byte) []byte {
	out := WriteVarint(nil, uint64(len(body)))
	return append(out, body...)
}

// ReadFramed reads one length-prefixed message body from r.
func ReadFramed(r *bufio.Reader) ([]byte, error) {
	n, err := ReadVarint(r)
	if err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ClientSetup is the first message on a Session control stream.
type ClientSetup struct {
	Versions   []uint64
	Extensions map[uint64][]byte
}

func (m ClientSetup) Encode() []byte {
	var buf []byte
	buf = WriteVarint(buf, uint64(len(m.Versions)))
	for _, v := range m.Versions {
		buf = WriteVarint(buf, v)
	}
	buf = WriteVarint(buf, uint64(len(m.Extensions)))
	for k, v := range m.Extensions {
		buf = WriteVarint(buf, k)
		buf = WriteBytes(buf, v)
	}
	return buf
}

func DecodeClientSetup(r *bufio.Reader) (ClientSetup, error) {
	var m ClientSetup
	n, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	m.Versions = make([]uint64, n)
	for i := range m.Versions {
		v, err := ReadVarint(r)
		if err != nil {
			return m, err
		}
		m.Versions[i] = v
	}
	ne, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	if ne > 0 {
		m.Extensions = make(map[uint64][]byte, ne)
	}
	for i := uint64(0); i < ne; i++ {
		k, err := ReadVarint(r)
		if err != nil {
			return m, err
		}
		v, err := ReadBytes(r)
		if err != nil {
			return m, err
		}
		m.Extensions[k] = v
	}
	return m, nil
}

// ServerSetup is the response to ClientSetup.
type ServerSetup struct {
	Version    uint64
	Extensions map[uint64][]byte
}

func (m ServerSetup) Encode() []byte {
	var buf []byte
	buf = WriteVarint(buf, m.Version)
	buf = WriteVarint(buf, uint64(len(m.Extensions)))
	for k, v := range m.Extensions {
		buf = WriteVarint(buf, k)
		buf = WriteBytes(buf, v)
	}
	return buf
}

func DecodeServerSetup(r *bufio.Reader) (ServerSetup, error) {
	var m ServerSetup
	v, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	m.Version = v
	ne, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	if ne > 0 {
		m.Extensions = make(map[uint64][]byte, ne)
	}
	for i := uint64(0); i < ne; i++ {
		k, err := ReadVarint(r)
		if err != nil {
			return m, err
		}
		b, err := ReadBytes(r)
		if err != nil {
			return m, err
		}
		m.Extensions[k] = b
	}
	return m, nil
}

// AnnounceRequest opens an Announce control stream asking for everything
// under Prefix.
type AnnounceRequest struct {
	Prefix string
}

func (m AnnounceRequest) Encode() []byte {
	return WriteString(nil, m.Prefix)
}

func DecodeAnnounceRequest(r *bufio.Reader) (AnnounceRequest, error) {
	s, err := ReadString(r)
	return AnnounceRequest{Prefix: s}, err
}

// AnnounceKind distinguishes Active from Ended within an Announce message.
type AnnounceKind uint8

const (
	AnnounceActive AnnounceKind = 0x01
	AnnounceEnded  AnnounceKind = 0x02
)

// Announce is one Active{suffix} or Ended{suffix} event sent down an Announce
// control stream (spec §4.6.1, §6.1).
type Announce struct {
	Kind   AnnounceKind
	Suffix string
}

func (m Announce) Encode() []byte {
	buf := []byte{byte(m.Kind)}
	return WriteString(buf, m.Suffix)
}

func DecodeAnnounce(r *bufio.Reader) (Announce, error) {
	var m Announce
	kind, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Kind = AnnounceKind(kind)
	s, err := ReadString(r)
	if err != nil {
		return m, err
	}
	m.Suffix = s
	return m, nil
}

// Subscribe requests a track. Priority is a signed int8 carried as a single
// byte (spec §6.1).
type Subscribe struct {
	ID        uint64
	Broadcast string
	Track     string
	Priority  int8
}

func (m Subscribe) Encode() []byte {
	buf := WriteVarint(nil, m.ID)
	buf = WriteString(buf, m.Broadcast)
	buf = WriteString(buf, m.Track)
	buf = append(buf, byte(m.Priority))
	return buf
}

func DecodeSubscribe(r *bufio.Reader) (Subscribe, error) {
	var m Subscribe
	id, err := ReadVarint(r)
	if err != nil {
		return m, err
	}
	m.ID = id
	b, err := ReadString(r)
	if err != nil {
		return m, err
	}
	m.Broadcast = b
	t, err := ReadString(r)
	if err != nil {
		return m, err
	}
	m.Track = t
	p, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	m.Priority = int8(p)
	return m, nil
}

// SubscribeOk acknowledges a Subscribe and confirms the effective priority.
type SubscribeOk struct {
	Priority int8
}

func (m SubscribeOk) Encode() []byte {
	return []byte{byte(m.Priority)}
}

func DecodeSubscribeOk(r *bufio.Reader) (SubscribeOk, error) {
	b, err := r.ReadByte()
	return SubscribeOk{Priority: int8(b)}, err
}

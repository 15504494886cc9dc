package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// MessageKind is the first record of every sync message.
type MessageKind byte

const (
	RequestHash     MessageKind = 'A'
	ResponseHash    MessageKind = 'H'
	RequestChanges  MessageKind = 'R'
	ResponseChanges MessageKind = 'C'
	RequestContent  MessageKind = 'G'
	ResponseContent MessageKind = 'F'
	PushChanges     MessageKind = 'P'
)

func (k MessageKind) String() string {
	switch k {
	case RequestHash:
		return "RequestHash"
	case ResponseHash:
		return "ResponseHash"
	case RequestChanges:
		return "RequestChanges"
	case ResponseChanges:
		return "ResponseChanges"
	case RequestContent:
		return "RequestContent"
	case ResponseContent:
		return "ResponseContent"
	case PushChanges:
		return "PushChanges"
	}
	return fmt.Sprintf("MessageKind(%c)", byte(k))
}

// IsResponse tells the kinds that answer a request id.
func (k MessageKind) IsResponse() bool {
	return k == ResponseHash || k == ResponseChanges || k == ResponseContent
}

var ErrBadMessage = errors.New("bad sync message")

/*
Message is the sync envelope, one M record:

	M(
	  K(kind)
	  Q(request id)
	  P( S(segment)* )
	  H(hash, 8 bytes LE)?
	  E(hash, 8 bytes LE ++ child id)*
	  D(payload)?
	)

The payload carries a stamped tree in its own TLV form.
*/
type Message struct {
	Kind      MessageKind
	RequestID string
	Path      []string
	Hash      uint64
	Hashes    map[string]uint64
	Payload   []byte
}

func (m *Message) hasHash() bool {
	return m.Kind == ResponseHash || m.Kind == RequestChanges
}

func (m *Message) TLV() []byte {
	bm, buf := OpenHeader(nil, 'M')
	buf = append(buf, Record('K', []byte{byte(m.Kind)})...)
	buf = append(buf, Record('Q', []byte(m.RequestID))...)
	pb, buf := OpenHeader(buf, 'P')
	for _, seg := range m.Path {
		buf = append(buf, Record('S', []byte(seg))...)
	}
	CloseHeader(buf, pb)
	if m.hasHash() {
		buf = append(buf, Record('H', le64(m.Hash))...)
	}
	ids := make([]string, 0, len(m.Hashes))
	for id := range m.Hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		buf = append(buf, Record('E', le64(m.Hashes[id]), []byte(id))...)
	}
	if m.Payload != nil {
		buf = append(buf, Record('D', m.Payload)...)
	}
	CloseHeader(buf, bm)
	return buf
}

func le64(n uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	return b[:]
}

// ParseMessage decodes one message; it never trusts its input.
func ParseMessage(tlv []byte) (*Message, error) {
	body, rest, err := TakeWary('M', tlv)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrBadMessage)
	}
	m := &Message{Path: []string{}}
	kind, body, err := TakeWary('K', body)
	if err != nil {
		return nil, err
	}
	if len(kind) != 1 {
		return nil, fmt.Errorf("%w: kind", ErrBadMessage)
	}
	m.Kind = MessageKind(kind[0])
	q, body, err := TakeWary('Q', body)
	if err != nil {
		return nil, err
	}
	m.RequestID = string(q)
	path, body, err := TakeWary('P', body)
	if err != nil {
		return nil, err
	}
	for len(path) > 0 {
		var seg []byte
		if seg, path, err = TakeWary('S', path); err != nil {
			return nil, err
		}
		m.Path = append(m.Path, string(seg))
	}
	for len(body) > 0 {
		var lit byte
		var rec []byte
		if lit, rec, body, err = TakeAnyWary(body); err != nil {
			return nil, err
		}
		switch lit {
		case 'H':
			if len(rec) != 8 {
				return nil, fmt.Errorf("%w: hash", ErrBadMessage)
			}
			m.Hash = binary.LittleEndian.Uint64(rec)
		case 'E':
			if len(rec) < 8 {
				return nil, fmt.Errorf("%w: child hash", ErrBadMessage)
			}
			if m.Hashes == nil {
				m.Hashes = make(map[string]uint64)
			}
			m.Hashes[string(rec[8:])] = binary.LittleEndian.Uint64(rec[:8])
		case 'D':
			m.Payload = rec
		default:
			return nil, fmt.Errorf("%w: record %c", ErrBadMessage, lit)
		}
	}
	switch m.Kind {
	case RequestHash, ResponseHash, RequestChanges, ResponseChanges,
		RequestContent, ResponseContent, PushChanges:
	default:
		return nil, fmt.Errorf("%w: kind %c", ErrBadMessage, kind[0])
	}
	return m, nil
}

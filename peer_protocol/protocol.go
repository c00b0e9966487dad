// Package peer_protocol implements the BitTorrent wire protocol (spec.md
// §6): the handshake and the length-prefixed message set, with
// marshal/unmarshal for each. Imported elsewhere as `pp`, mirroring the
// teacher's own convention of importing its peer_protocol package under
// that alias.
package peer_protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID is the wire message type byte.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
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
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

const (
	// ProtocolString is the handshake's fixed protocol name.
	ProtocolString = "BitTorrent protocol"
	// HandshakeLen is the fixed handshake length: 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 68
	// MaxBlockLength is the largest REQUEST/PIECE payload accepted.
	MaxBlockLength = 1 << 17
	// MaxMessageLength is the largest length prefix accepted: a PIECE
	// header (9 bytes) plus MaxBlockLength.
	MaxMessageLength = MaxBlockLength + 9
)

// Handshake is the fixed-size preamble exchanged before any length-
// prefixed message.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal writes the 68-byte handshake to w.
func (h Handshake) Marshal(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolString)))
	buf = append(buf, ProtocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, fmt.Errorf("peer_protocol: read handshake pstrlen: %w", err)
	}
	if int(lenByte[0]) != len(ProtocolString) {
		return h, fmt.Errorf("peer_protocol: unexpected pstrlen %d", lenByte[0])
	}
	pstr := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("peer_protocol: read handshake pstr: %w", err)
	}
	if string(pstr) != ProtocolString {
		return h, fmt.Errorf("peer_protocol: unexpected protocol string %q", pstr)
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("peer_protocol: read reserved bytes: %w", err)
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, fmt.Errorf("peer_protocol: read infohash: %w", err)
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, fmt.Errorf("peer_protocol: read peer id: %w", err)
	}
	return h, nil
}

// Message is a parsed length-prefixed protocol message. Only the fields
// relevant to Type are populated.
type Message struct {
	Type     MessageID
	Index    uint32
	Offset   uint32 // "begin" in REQUEST/CANCEL, block offset in PIECE
	Length   uint32 // REQUEST/CANCEL only
	Piece    []byte // PIECE payload
	Bitfield []byte // BITFIELD payload, MSB-first within each byte
}

// Marshal encodes m as a length-prefixed message (a zero-length buffer is
// never produced for non-keepalive messages; keepalives are a bare u32(0)
// written directly by the caller, not a Message value).
func (m Message) Marshal() []byte {
	var payload []byte
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
		payload = nil
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case Bitfield:
		payload = m.Bitfield
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Offset)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Piece))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Offset)
		copy(payload[8:], m.Piece)
	}
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(m.Type)
	copy(buf[5:], payload)
	return buf
}

// Keepalive is the bare 4-byte zero length-prefix with no type byte.
var Keepalive = []byte{0, 0, 0, 0}

// ParseBody decodes a message body (everything after the u32 length and
// u8 type) given its type. length is the full message length including
// the type byte; it is not consulted, and payload sizes are checked
// against len(body).
func ParseBody(id MessageID, length uint32, body []byte) (Message, error) {
	m := Message{Type: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			return m, fmt.Errorf("peer_protocol: %s carries unexpected payload", id)
		}
	case Have:
		if len(body) != 4 {
			return m, fmt.Errorf("peer_protocol: have: bad length %d", len(body))
		}
		m.Index = binary.BigEndian.Uint32(body)
	case Bitfield:
		m.Bitfield = body
	case Request, Cancel:
		if len(body) != 12 {
			return m, fmt.Errorf("peer_protocol: %s: bad length %d", id, len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Offset = binary.BigEndian.Uint32(body[4:8])
		m.Length = binary.BigEndian.Uint32(body[8:12])
		if m.Length > MaxBlockLength {
			return m, fmt.Errorf("peer_protocol: %s: length %d exceeds max block length", id, m.Length)
		}
	case Piece:
		if len(body) < 8 {
			return m, fmt.Errorf("peer_protocol: piece: bad length %d", len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Offset = binary.BigEndian.Uint32(body[4:8])
		m.Piece = body[8:]
	default:
		return m, fmt.Errorf("peer_protocol: unknown message type %d", id)
	}
	return m, nil
}

// BitfieldLen returns the expected BITFIELD payload length for a torrent
// with numPieces pieces.
func BitfieldLen(numPieces int) int {
	return (numPieces + 7) / 8
}

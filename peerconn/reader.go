// Package peerconn implements the per-peer BitTorrent wire-protocol state
// machine (C6): a length-prefixed message framer for both directions,
// piece streaming, and keepalive bookkeeping. Grounded on spec.md §4.4's
// state tables and original_source/libtorrent/src/protocol/
// peer_connection_base.cc. Per SPEC_FULL.md §7 open-question #4, Conn is
// driven from the sched.Scheduler's single goroutine via readiness
// callbacks rather than a dedicated reader/writer goroutine pair, unlike
// the teacher's peer.go/peer-conn-msg-writer.go.
package peerconn

import (
	"encoding/binary"
	"errors"
	"fmt"

	pp "github.com/briskhold/swarmd/peer_protocol"
)

// ReadState is the read-direction framer state from spec.md §4.4's table.
type ReadState int

const (
	Idle ReadState = iota
	Length
	Type
	Msg
	Bitfield
	Piece
	SkipPiece
)

func (s ReadState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Length:
		return "length"
	case Type:
		return "type"
	case Msg:
		return "msg"
	case Bitfield:
		return "bitfield"
	case Piece:
		return "piece"
	case SkipPiece:
		return "skip_piece"
	default:
		return "unknown"
	}
}

// ErrSkipBlock is returned by Handler.PieceStart to tell the Reader the
// incoming block must be read off the wire (to stay framed) but not
// stored anywhere — the RequestList has no matching outstanding request
// (spec.md §4.4's SkipPiece row, reached when RequestList.Downloading
// reports a mismatch).
var ErrSkipBlock = errors.New("peerconn: no matching request, skipping block")

// Handler receives events as a Reader advances through a peer's inbound
// byte stream. Conn is the concrete implementation wired up by
// download.Main.
type Handler interface {
	OnKeepalive()
	OnChoke()
	OnUnchoke()
	OnInterested()
	OnNotInterested()
	OnHave(index uint32)

	// NumPieces sizes and validates an incoming BITFIELD.
	NumPieces() int
	// OnBitfieldBit fires once per set bit as the BITFIELD payload streams
	// in, MSB-first within each byte (spec.md §6).
	OnBitfieldBit(index uint32)
	OnBitfieldDone()

	OnRequest(index, offset, length uint32) error
	OnCancel(index, offset, length uint32)

	// PieceStart validates a PIECE header and prepares to receive its
	// bytes (down_chunk_start). ErrSkipBlock discards the bytes without
	// disconnecting; any other error is a protocol/storage failure and
	// disconnects the peer.
	PieceStart(index, offset, length uint32) error
	// PieceData streams received bytes at the block's current position
	// (down_chunk / down_chunk_from_buffer).
	PieceData(buf []byte) error
	PieceDone()

	// ProtocolError reports a framing violation; the caller disconnects.
	ProtocolError(err error)
}

type pieceState struct {
	index, offset, length uint32
	pos                   uint32
}

// Reader is the read-direction framer (C6): Idle→Length→Type→Msg/
// Bitfield/Piece/SkipPiece, per spec.md §4.4.
type Reader struct {
	h Handler

	state ReadState
	buf   [512]byte
	have  int
	need  int

	length  uint32
	msgType pp.MessageID

	numPieces       int
	bitfieldByteLen int
	bitfieldBytePos int

	pieceBodyLen uint32
	piece        pieceState

	sawNonHaveSubstantive bool

	// MaxMessageLength caps the accepted length prefix; NewReader sets it
	// to pp.MaxMessageLength. A value of zero rejects every message other
	// than a keepalive.
	MaxMessageLength uint32
}

// NewReader builds a Reader in the Idle state, dispatching to h.
func NewReader(h Handler) *Reader {
	return &Reader{h: h, state: Idle, MaxMessageLength: pp.MaxMessageLength}
}

// State reports the current read state, mostly for tests and diagnostics.
func (r *Reader) State() ReadState { return r.state }

// Feed advances the state machine over data, consuming as much as it can
// before running out of bytes or hitting a frame boundary that requires a
// fresh read. It returns the number of bytes consumed; on error the
// Handler has already been notified via ProtocolError and the caller must
// disconnect.
func (r *Reader) Feed(data []byte) (int, error) {
	total := 0
	for len(data) > 0 || (r.state == Msg && r.need == 0) {
		switch r.state {
		case Idle:
			r.need, r.have = 4, 0
			r.state = Length

		case Length:
			n := r.fill(data)
			data, total = data[n:], total+n
			if r.have < r.need {
				return total, nil
			}
			r.length = binary.BigEndian.Uint32(r.buf[:4])
			if r.length == 0 {
				r.h.OnKeepalive()
				r.state = Idle
				continue
			}
			if r.length > r.MaxMessageLength {
				err := fmt.Errorf("peerconn: message length %d exceeds max %d", r.length, r.MaxMessageLength)
				r.h.ProtocolError(err)
				return total, err
			}
			r.need, r.have = 1, 0
			r.state = Type

		case Type:
			n := r.fill(data)
			data, total = data[n:], total+n
			if r.have < r.need {
				return total, nil
			}
			r.msgType = pp.MessageID(r.buf[0])
			if err := r.enterPayload(); err != nil {
				r.h.ProtocolError(err)
				return total, err
			}
			if r.msgType != pp.Have {
				r.sawNonHaveSubstantive = true
			}

		case Msg:
			n := r.fill(data)
			data, total = data[n:], total+n
			if r.have < r.need {
				return total, nil
			}
			prev := r.state
			if err := r.dispatch(); err != nil {
				r.h.ProtocolError(err)
				return total, err
			}
			if r.state == prev {
				r.state = Idle
			}

		case Bitfield:
			n, err := r.feedBitfield(data)
			data, total = data[n:], total+n
			if err != nil {
				r.h.ProtocolError(err)
				return total, err
			}
			if r.bitfieldBytePos >= r.bitfieldByteLen {
				r.h.OnBitfieldDone()
				r.state = Idle
			} else {
				return total, nil
			}

		case Piece:
			n, err := r.feedPiece(data)
			data, total = data[n:], total+n
			if err != nil {
				r.h.ProtocolError(err)
				return total, err
			}
			if r.piece.pos >= r.piece.length {
				r.h.PieceDone()
				r.state = Idle
			} else {
				return total, nil
			}

		case SkipPiece:
			n := r.feedSkip(data)
			data, total = data[n:], total+n
			if r.piece.pos >= r.piece.length {
				r.state = Idle
			} else {
				return total, nil
			}
		}
	}
	return total, nil
}

func (r *Reader) fill(data []byte) int {
	n := r.need - r.have
	if n > len(data) {
		n = len(data)
	}
	copy(r.buf[r.have:], data[:n])
	r.have += n
	return n
}

// enterPayload implements the Type row: validate the fixed per-type size
// and pick the next state. BITFIELD must be the first substantive
// message (a message other than HAVE — SPEC_FULL.md §5 permits a
// pre-BITFIELD HAVE burst, which original_source clients send in the
// wild) and its length must equal the expected bitfield byte count.
func (r *Reader) enterPayload() error {
	bodyLen := r.length - 1
	switch r.msgType {
	case pp.Choke, pp.Unchoke, pp.Interested, pp.NotInterested:
		if bodyLen != 0 {
			return fmt.Errorf("peerconn: %s carries unexpected payload (%d bytes)", r.msgType, bodyLen)
		}
		r.need, r.have = 0, 0
		r.state = Msg
		return nil

	case pp.Have:
		if bodyLen != 4 {
			return fmt.Errorf("peerconn: have: bad length %d", bodyLen)
		}
		r.need, r.have = 4, 0
		r.state = Msg
		return nil

	case pp.Bitfield:
		if r.sawNonHaveSubstantive {
			return fmt.Errorf("peerconn: bitfield received after other messages")
		}
		r.numPieces = r.h.NumPieces()
		r.bitfieldByteLen = pp.BitfieldLen(r.numPieces)
		if int(bodyLen) != r.bitfieldByteLen {
			return fmt.Errorf("peerconn: bitfield: length %d does not match expected %d", bodyLen, r.bitfieldByteLen)
		}
		r.bitfieldBytePos = 0
		r.state = Bitfield
		return nil

	case pp.Request, pp.Cancel:
		if bodyLen != 12 {
			return fmt.Errorf("peerconn: %s: bad length %d", r.msgType, bodyLen)
		}
		r.need, r.have = 12, 0
		r.state = Msg
		return nil

	case pp.Piece:
		if bodyLen < 8 || bodyLen > pp.MaxBlockLength+8 {
			return fmt.Errorf("peerconn: piece: bad length %d", bodyLen)
		}
		r.pieceBodyLen = bodyLen - 8
		r.need, r.have = 8, 0
		r.state = Msg
		return nil

	default:
		return fmt.Errorf("peerconn: unknown message type %d", r.msgType)
	}
}

// dispatch implements the Msg row's "dispatch by type" action. For PIECE
// it additionally transitions into the Piece or SkipPiece streaming
// state rather than Idle, which Feed's Msg case respects by checking
// whether dispatch already changed r.state.
func (r *Reader) dispatch() error {
	body := r.buf[:r.need]
	switch r.msgType {
	case pp.Choke:
		r.h.OnChoke()
	case pp.Unchoke:
		r.h.OnUnchoke()
	case pp.Interested:
		r.h.OnInterested()
	case pp.NotInterested:
		r.h.OnNotInterested()
	case pp.Have:
		r.h.OnHave(binary.BigEndian.Uint32(body))
		return nil // HAVE never counts toward the BITFIELD-ordering check
	case pp.Request:
		index := binary.BigEndian.Uint32(body[0:4])
		offset := binary.BigEndian.Uint32(body[4:8])
		length := binary.BigEndian.Uint32(body[8:12])
		if err := r.h.OnRequest(index, offset, length); err != nil {
			return err
		}
	case pp.Cancel:
		index := binary.BigEndian.Uint32(body[0:4])
		offset := binary.BigEndian.Uint32(body[4:8])
		length := binary.BigEndian.Uint32(body[8:12])
		r.h.OnCancel(index, offset, length)
	case pp.Piece:
		index := binary.BigEndian.Uint32(body[0:4])
		offset := binary.BigEndian.Uint32(body[4:8])
		err := r.h.PieceStart(index, offset, r.pieceBodyLen)
		r.piece = pieceState{index: index, offset: offset, length: r.pieceBodyLen}
		if err != nil {
			if errors.Is(err, ErrSkipBlock) {
				r.state = SkipPiece
				return nil
			}
			return err
		}
		r.state = Piece
		return nil
	}
	r.sawNonHaveSubstantive = true
	return nil
}

func (r *Reader) feedBitfield(data []byte) (int, error) {
	n := 0
	for len(data) > 0 && r.bitfieldBytePos < r.bitfieldByteLen {
		b := data[0]
		base := uint32(r.bitfieldBytePos) * 8
		for bit := 0; bit < 8; bit++ {
			idx := base + uint32(bit)
			if idx >= uint32(r.numPieces) {
				break
			}
			if b&(0x80>>uint(bit)) != 0 {
				r.h.OnBitfieldBit(idx)
			}
		}
		r.bitfieldBytePos++
		data = data[1:]
		n++
	}
	return n, nil
}

func (r *Reader) feedPiece(data []byte) (int, error) {
	n := len(data)
	if remaining := int(r.piece.length - r.piece.pos); n > remaining {
		n = remaining
	}
	if n > 0 {
		if err := r.h.PieceData(data[:n]); err != nil {
			return 0, err
		}
		r.piece.pos += uint32(n)
	}
	return n, nil
}

func (r *Reader) feedSkip(data []byte) int {
	n := len(data)
	if remaining := int(r.piece.length - r.piece.pos); n > remaining {
		n = remaining
	}
	r.piece.pos += uint32(n)
	return n
}

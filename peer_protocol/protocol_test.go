package peer_protocol

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestHandshakeRoundTrip(t *testing.T) {
	c := qt.New(t)
	h := Handshake{}
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))
	h.Reserved[7] = 0x01

	var buf bytes.Buffer
	c.Assert(h.Marshal(&buf), qt.IsNil)
	c.Assert(buf.Len(), qt.Equals, HandshakeLen)

	got, err := ReadHandshake(&buf)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, h)
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	c := qt.New(t)
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(19)
	buf.WriteString("not bittorrent  yet")
	buf.Write(make([]byte, 48))
	_, err := ReadHandshake(buf)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestMessageMarshalParseRoundTrip(t *testing.T) {
	c := qt.New(t)

	cases := []Message{
		{Type: Choke},
		{Type: Unchoke},
		{Type: Interested},
		{Type: NotInterested},
		{Type: Have, Index: 42},
		{Type: Bitfield, Bitfield: []byte{0xFF, 0x80}},
		{Type: Request, Index: 3, Offset: 16384, Length: 16384},
		{Type: Cancel, Index: 3, Offset: 16384, Length: 16384},
		{Type: Piece, Index: 3, Offset: 0, Piece: []byte("hello block")},
	}

	for _, m := range cases {
		buf := m.Marshal()
		length := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
		c.Assert(length, qt.Equals, len(buf)-4)
		id := MessageID(buf[4])
		c.Assert(id, qt.Equals, m.Type)

		got, err := ParseBody(id, uint32(length), buf[5:])
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.DeepEquals, m)
	}
}

func TestParseBodyRejectsOversizedRequest(t *testing.T) {
	c := qt.New(t)
	m := Message{Type: Request, Index: 0, Offset: 0, Length: MaxBlockLength + 1}
	buf := m.Marshal()
	_, err := ParseBody(Request, uint32(len(buf)-4), buf[5:])
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestParseBodyRejectsWrongLengthFixedMessages(t *testing.T) {
	c := qt.New(t)
	_, err := ParseBody(Choke, 1, []byte{0x01})
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = ParseBody(Have, 5, []byte{0, 0, 0})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestBitfieldLen(t *testing.T) {
	c := qt.New(t)
	c.Assert(BitfieldLen(1), qt.Equals, 1)
	c.Assert(BitfieldLen(8), qt.Equals, 1)
	c.Assert(BitfieldLen(9), qt.Equals, 2)
	c.Assert(BitfieldLen(16), qt.Equals, 2)
}

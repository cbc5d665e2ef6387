// Package wire implements the BitTorrent peer wire protocol framing: the
// fixed handshake frame and the length-prefixed message frames, encoded and
// decoded against plain byte buffers so callers own their own I/O loop.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind tags the variant carried by a Message.
type Kind uint8

const (
	KeepAlive Kind = iota
	Choke
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// wire message ids, per the peer protocol (§4.2). KeepAlive and Handshake
// have no id of their own; they're distinguished by framing, not by this
// table.
const (
	idChoke         = 0
	idUnchoke       = 1
	idInterested    = 2
	idNotInterested = 3
	idHave          = 4
	idBitfield      = 5
	idRequest       = 6
	idPiece         = 7
	idCancel        = 8
)

// Message is a tagged union over every regular-frame variant plus keep-alive.
// Only the fields relevant to Kind are populated.
type Message struct {
	Kind        Kind
	PieceIndex  uint32
	Begin       uint32
	Length      uint32 // Request/Cancel only
	Bitfield    []byte // Bitfield only
	Block       []byte // Piece only
}

// HandshakeLen is the fixed wire size of a handshake frame.
const HandshakeLen = 68

var protocolID = []byte("BitTorrent protocol")

// Handshake is the 68-byte introductory frame.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// LooksLikeHandshake reports whether the first bytes of buf begin a
// handshake frame rather than a length-prefixed message frame, per §4.2: a
// handshake starts with 0x13 'B' 'i' 't'.
func LooksLikeHandshake(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	return buf[0] == 0x13 && buf[1] == 'B' && buf[2] == 'i' && buf[3] == 't'
}

// EncodeHandshake produces the 68-byte handshake frame: length byte 19,
// the literal protocol string, 8 zero reserved bytes, info-hash, peer-id.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, 19)
	buf = append(buf, protocolID...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake consumes a 68-byte frame from the front of buf. It
// reports needMore if fewer than 68 bytes are buffered.
func DecodeHandshake(buf []byte) (n int, h Handshake, needMore bool, err error) {
	if len(buf) < HandshakeLen {
		return 0, Handshake{}, true, nil
	}
	if buf[0] != 19 {
		return 0, Handshake{}, false, fmt.Errorf("wire: bad handshake length byte %d", buf[0])
	}
	if !bytes.Equal(buf[1:20], protocolID) {
		return 0, Handshake{}, false, fmt.Errorf("wire: unrecognized protocol string %q", buf[1:20])
	}
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return HandshakeLen, h, false, nil
}

// Encode produces the byte-identical wire representation of m, including
// the 4-byte length prefix. The source this is ported from swaps the
// piece-index and block-offset fields when encoding a Piece message; this
// encoder writes them in the order the table in §4.2 specifies.
func Encode(m Message) []byte {
	b := &bytes.Buffer{}
	switch m.Kind {
	case KeepAlive:
		binary.Write(b, binary.BigEndian, int32(0))
	case Choke:
		writeHeader(b, 1, idChoke)
	case Unchoke:
		writeHeader(b, 1, idUnchoke)
	case Interested:
		writeHeader(b, 1, idInterested)
	case NotInterested:
		writeHeader(b, 1, idNotInterested)
	case Have:
		writeHeader(b, 5, idHave)
		binary.Write(b, binary.BigEndian, m.PieceIndex)
	case Bitfield:
		writeHeader(b, int32(1+len(m.Bitfield)), idBitfield)
		b.Write(m.Bitfield)
	case Request:
		writeHeader(b, 13, idRequest)
		binary.Write(b, binary.BigEndian, m.PieceIndex)
		binary.Write(b, binary.BigEndian, m.Begin)
		binary.Write(b, binary.BigEndian, m.Length)
	case Cancel:
		writeHeader(b, 13, idCancel)
		binary.Write(b, binary.BigEndian, m.PieceIndex)
		binary.Write(b, binary.BigEndian, m.Begin)
		binary.Write(b, binary.BigEndian, m.Length)
	case Piece:
		writeHeader(b, int32(9+len(m.Block)), idPiece)
		binary.Write(b, binary.BigEndian, m.PieceIndex)
		binary.Write(b, binary.BigEndian, m.Begin)
		b.Write(m.Block)
	default:
		panic(fmt.Sprintf("wire: encode: unknown kind %d", m.Kind))
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, length int32, id uint8) {
	binary.Write(b, binary.BigEndian, length)
	binary.Write(b, binary.BigEndian, id)
}

// Decode consumes one regular frame from the front of buf. It returns the
// number of bytes consumed and the decoded Message. If fewer than 4 bytes
// are present, or fewer than 4+N bytes where N is the declared length, it
// reports needMore and consumes nothing — callers must buffer more and
// retry, looping until needMore so that several frames landing in one read
// are not stranded behind a single decode call.
func Decode(buf []byte) (n int, m Message, needMore bool, err error) {
	if len(buf) < 4 {
		return 0, Message{}, true, nil
	}
	length := int32(binary.BigEndian.Uint32(buf[0:4]))
	if length < 0 {
		return 0, Message{}, false, fmt.Errorf("wire: negative frame length %d", length)
	}
	if length == 0 {
		return 4, Message{Kind: KeepAlive}, false, nil
	}
	total := 4 + int(length)
	if len(buf) < total {
		return 0, Message{}, true, nil
	}
	id := buf[4]
	payload := buf[5:total]
	switch id {
	case idChoke:
		m = Message{Kind: Choke}
	case idUnchoke:
		m = Message{Kind: Unchoke}
	case idInterested:
		m = Message{Kind: Interested}
	case idNotInterested:
		m = Message{Kind: NotInterested}
	case idHave:
		if len(payload) != 4 {
			return 0, Message{}, false, fmt.Errorf("wire: have payload length %d, want 4", len(payload))
		}
		m = Message{Kind: Have, PieceIndex: binary.BigEndian.Uint32(payload)}
	case idBitfield:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		m = Message{Kind: Bitfield, Bitfield: cp}
	case idRequest:
		if len(payload) != 12 {
			return 0, Message{}, false, fmt.Errorf("wire: request payload length %d, want 12", len(payload))
		}
		m = Message{
			Kind:       Request,
			PieceIndex: binary.BigEndian.Uint32(payload[0:4]),
			Begin:      binary.BigEndian.Uint32(payload[4:8]),
			Length:     binary.BigEndian.Uint32(payload[8:12]),
		}
	case idCancel:
		if len(payload) != 12 {
			return 0, Message{}, false, fmt.Errorf("wire: cancel payload length %d, want 12", len(payload))
		}
		m = Message{
			Kind:       Cancel,
			PieceIndex: binary.BigEndian.Uint32(payload[0:4]),
			Begin:      binary.BigEndian.Uint32(payload[4:8]),
			Length:     binary.BigEndian.Uint32(payload[8:12]),
		}
	case idPiece:
		if len(payload) < 8 {
			return 0, Message{}, false, fmt.Errorf("wire: piece payload length %d, want >= 8", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		m = Message{
			Kind:       Piece,
			PieceIndex: binary.BigEndian.Uint32(payload[0:4]),
			Begin:      binary.BigEndian.Uint32(payload[4:8]),
			Block:      block,
		}
	default:
		return 0, Message{}, false, fmt.Errorf("wire: unknown message id %d", id)
	}
	return total, m, false, nil
}

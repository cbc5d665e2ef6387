package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// udpProtocolMagic is the fixed connection-request constant BEP-0015
// defines for the initial handshake.
const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
)

// udpTracker speaks the BEP-0015 UDP tracker protocol: a connect handshake
// establishing a connection id, followed by an announce carrying it.
type udpTracker struct {
	addr string // host:port, "udp://" and any trailing "/announce" stripped
}

func newUDPTracker(rawURL string) (*udpTracker, error) {
	addr := strings.TrimPrefix(rawURL, "udp://")
	addr = strings.TrimSuffix(addr, "/announce")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("tracker: invalid udp tracker address %q: %w", rawURL, err)
	}
	return &udpTracker{addr: addr}, nil
}

func (t *udpTracker) UpdatePeers(ctx context.Context, infoHash [20]byte, peerID string, left int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.SetDeadline(time.Now())
	}()

	connID, err := t.connect(conn)
	if err != nil {
		return nil, err
	}
	return t.announce(conn, connID, infoHash, peerID, left)
}

func (t *udpTracker) connect(conn *net.UDPConn) (int64, error) {
	txID := rand.Int31()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, int64(udpProtocolMagic))
	binary.Write(req, binary.BigEndian, udpActionConnect)
	binary.Write(req, binary.BigEndian, txID)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return 0, err
	}
	buf := bytes.NewReader(resp)
	var action int32
	var gotTx int32
	binary.Read(buf, binary.BigEndian, &action)
	binary.Read(buf, binary.BigEndian, &gotTx)
	if action != udpActionConnect {
		return 0, fmt.Errorf("tracker: udp connect: action %d, want %d", action, udpActionConnect)
	}
	if gotTx != txID {
		return 0, fmt.Errorf("tracker: udp connect: transaction id mismatch")
	}
	var connID int64
	binary.Read(buf, binary.BigEndian, &connID)
	return connID, nil
}

func (t *udpTracker) announce(conn *net.UDPConn, connID int64, infoHash [20]byte, peerID string, left int64) ([]string, error) {
	txID := rand.Int31()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, connID)
	binary.Write(req, binary.BigEndian, udpActionAnnounce)
	binary.Write(req, binary.BigEndian, txID)
	binary.Write(req, binary.BigEndian, infoHash)
	binary.Write(req, binary.BigEndian, []byte(padOrTruncatePeerID(peerID)))
	binary.Write(req, binary.BigEndian, int64(0))    // downloaded
	binary.Write(req, binary.BigEndian, int64(left)) // left
	binary.Write(req, binary.BigEndian, int64(0))    // uploaded
	binary.Write(req, binary.BigEndian, int32(2))    // event: started
	binary.Write(req, binary.BigEndian, int32(0))    // ip: default
	binary.Write(req, binary.BigEndian, rand.Int31()) // key
	binary.Write(req, binary.BigEndian, int32(-1))    // numwant: default
	binary.Write(req, binary.BigEndian, uint16(clientPort))
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, err
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: udp announce: response too short (%d bytes)", n)
	}
	buf := bytes.NewReader(resp[:n])
	var action, gotTx, interval, leechers, seeders int32
	binary.Read(buf, binary.BigEndian, &action)
	binary.Read(buf, binary.BigEndian, &gotTx)
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("tracker: udp announce: action %d, want %d", action, udpActionAnnounce)
	}
	if gotTx != txID {
		return nil, fmt.Errorf("tracker: udp announce: transaction id mismatch")
	}
	binary.Read(buf, binary.BigEndian, &interval)
	binary.Read(buf, binary.BigEndian, &leechers)
	binary.Read(buf, binary.BigEndian, &seeders)

	peerBytes := resp[20:n]
	return parsePeers(string(peerBytes))
}

func padOrTruncatePeerID(peerID string) string {
	if peerID == "" {
		peerID = DefaultPeerID
	}
	if len(peerID) >= 20 {
		return peerID[:20]
	}
	return peerID + strings.Repeat("\x00", 20-len(peerID))
}

// Package peer drives one TCP connection's worth of the BitTorrent peer
// wire protocol: handshake, the choke/unchoke state machine, and the
// pipelined REQUEST/PIECE request loop. One Session per remote address,
// grounded on Charana123-torrent/go-torrent/peer/peer.go's Start/
// decodeMessage shape, adapted to a goroutine-per-peer model and to a
// pure-leecher state machine — this session never chokes, never serves
// REQUESTs, and never sends a BITFIELD of its own, since it advertises
// nothing.
package peer

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"leech/internal/bitfield"
	"leech/internal/metainfo"
	"leech/internal/wire"
)

// requestPipelineCap is the fixed number of concurrent REQUESTs a session
// keeps outstanding, per §4.4.
const requestPipelineCap = 4

// keepAliveInterval is how often a keep-alive frame is sent while
// connected, independent of traffic, per §4.4.
const keepAliveInterval = 30 * time.Second

// readBufSize is the chunk size used for each raw socket read.
const readBufSize = 32 * 1024

// Store is the subset of *piece.Store a session needs to pick work and
// deliver blocks. Declared here (rather than importing the piece package's
// concrete type) so tests can substitute a fake.
type Store interface {
	NumPieces() int
	IsComplete(index int) bool
	PieceLengthAt(index int) int64
	AvailablePieces(have *bitfield.Bitfield) []int
	FirstIncompleteAfter(index int, hint int64) (offset int64, length int64, err error)
	Save(index int, offset int64, data []byte) error
}

type cursor struct {
	piece int
	sub   int64
}

// Session is one remote peer connection and its wire-protocol state.
type Session struct {
	addr        string
	torrent     *metainfo.Torrent
	store       Store
	peerID      [20]byte
	dialTimeout time.Duration
	log         *logrus.Entry

	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	createdAt time.Time
	connected bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is touched only by this session's own goroutine
	// (the run loop and the pure onXxx handlers it calls synchronously) —
	// the single-writer invariant §5 requires, scoped to one session.
	peerChoking  bool
	peerBitfield *bitfield.Bitfield
	inFlight     int
	cur          cursor
	curValid     bool
}

// New constructs a Session for addr. createdAt is stamped immediately —
// the swarm's 30-second reap window (§4.6) runs from session creation, not
// from a successful connect.
func New(addr string, t *metainfo.Torrent, store Store, peerID [20]byte, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		addr:         addr,
		torrent:      t,
		store:        store,
		peerID:       peerID,
		dialTimeout:  10 * time.Second,
		log:          log.WithField("addr", addr),
		createdAt:    time.Now(),
		peerChoking:  true,
		peerBitfield: bitfield.New(store.NumPieces()),
		done:         make(chan struct{}),
	}
}

// Addr returns the "host:port" this session dials.
func (s *Session) Addr() string { return s.addr }

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Connected reports whether the TCP connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down. Safe to call more than once and from any
// goroutine — the swarm's reaper closes sessions it has decided to drop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.connected = false
		s.mu.Unlock()
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Run dials addr, performs the handshake, and drives the wire protocol
// until the connection closes or ctx is cancelled. It blocks; callers run
// it in its own goroutine, per §5's one-goroutine-per-peer reshape.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		s.log.WithField("err", err).Debug("connect failed")
		return
	}
	s.conn = conn
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.log.Debug("connected")

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	handshake := wire.EncodeHandshake(wire.Handshake{InfoHash: s.torrent.InfoHash, PeerID: s.peerID})
	if err := s.send(handshake); err != nil {
		s.log.WithField("err", err).Debug("sending handshake failed")
		return
	}

	go s.keepAliveLoop()

	s.serve(conn)
}

// serve drives the handshake and wire-message decode loop over an
// already-connected conn, until it closes or yields a fatal protocol
// error. Split out from Run so the loop can be exercised directly against
// a fake net.Conn in tests, without a real dial.
func (s *Session) serve(conn net.Conn) {
	buf := make([]byte, 0, readBufSize)
	tmp := make([]byte, readBufSize)
	handshakeDone := false
	for {
		n, readErr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}

		// A read error (including a clean EOF) can arrive in the same
		// call as the last bytes of a peer's final message — decode
		// whatever is already buffered before honoring readErr, so a
		// PIECE delivered back-to-back with connection close isn't
		// dropped on the floor.

		if !handshakeDone {
			consumed, h, needMore, err := wire.DecodeHandshake(buf)
			if err != nil {
				s.log.WithField("err", err).Warn("bad handshake")
				return
			}
			if needMore {
				if readErr != nil {
					s.log.WithField("err", readErr).Debug("connection closed")
					return
				}
				continue
			}
			if h.InfoHash != s.torrent.InfoHash {
				s.log.Warn("info-hash mismatch, dropping connection")
				return
			}
			buf = buf[consumed:]
			handshakeDone = true
			s.log.Debug("handshake ok")
			if err := s.send(wire.Encode(wire.Message{Kind: wire.Interested})); err != nil {
				return
			}
		}

		for {
			consumed, m, needMore, err := wire.Decode(buf)
			if err != nil {
				s.log.WithField("err", err).Warn("decode error")
				return
			}
			if needMore {
				break
			}
			buf = buf[consumed:]
			toSend, shouldClose := s.onMessage(m)
			for _, out := range toSend {
				if err := s.send(wire.Encode(out)); err != nil {
					return
				}
			}
			if shouldClose {
				s.log.Debug("peer has nothing further to offer")
				return
			}
		}

		if readErr != nil {
			s.log.WithField("err", readErr).Debug("connection closed")
			return
		}
	}
}

func (s *Session) send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(data)
	return err
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(wire.Encode(wire.Message{Kind: wire.KeepAlive})); err != nil {
				s.Close()
				return
			}
		}
	}
}

// onMessage applies one decoded frame to the session's protocol state and
// reports frames to send in response (if any) plus whether the connection
// should now be closed. It touches no network state, which makes it
// testable without a socket.
func (s *Session) onMessage(m wire.Message) (toSend []wire.Message, shouldClose bool) {
	switch m.Kind {
	case wire.KeepAlive, wire.Interested, wire.NotInterested, wire.Request, wire.Cancel:
		// This client serves nothing and advertises nothing; requests and
		// interest declarations from the peer are simply ignored.
		return nil, false
	case wire.Choke:
		s.peerChoking = true
		return nil, false
	case wire.Unchoke:
		wasChoking := s.peerChoking
		s.peerChoking = false
		if wasChoking {
			return s.fillPipeline()
		}
		return nil, false
	case wire.Have:
		if int(m.PieceIndex) < s.peerBitfield.Len() {
			s.peerBitfield.Set(int(m.PieceIndex), true)
		}
		return nil, false
	case wire.Bitfield:
		if !s.applyBitfield(m.Bitfield) {
			s.log.Warn("bitfield length mismatch, dropping connection")
			return nil, true
		}
		return nil, false
	case wire.Piece:
		if err := s.store.Save(int(m.PieceIndex), int64(m.Begin), m.Block); err != nil {
			s.log.WithField("err", err).Warn("protocol error on piece message")
			return nil, true
		}
		if s.inFlight > 0 {
			s.inFlight--
		}
		if !s.peerChoking {
			return s.fillPipeline()
		}
		return nil, false
	default:
		s.log.WithField("kind", m.Kind).Warn("unknown message kind")
		return nil, true
	}
}

// applyBitfield validates and records a BITFIELD payload. Its length must
// equal ceil(numPieces/8) exactly (§4.4); trailing bits within the last
// byte beyond numPieces are ignored by bitfield.FromBytes.
func (s *Session) applyBitfield(raw []byte) bool {
	n := s.store.NumPieces()
	expected := (n + 7) / 8
	if len(raw) != expected {
		return false
	}
	s.peerBitfield = bitfield.FromBytes(raw, n)
	return true
}

// fillPipeline tops the in-flight REQUEST count back up to the cap,
// emitting one REQUEST message per sub-piece picked. If no piece remains
// that this peer can supply, the connection is closed per §4.4 step 1.
func (s *Session) fillPipeline() (toSend []wire.Message, shouldClose bool) {
	for s.inFlight < requestPipelineCap {
		idx, off, length, ok := s.nextRequest()
		if !ok {
			return toSend, true
		}
		toSend = append(toSend, wire.Message{
			Kind:       wire.Request,
			PieceIndex: uint32(idx),
			Begin:      uint32(off),
			Length:     uint32(length),
		})
		s.inFlight++
	}
	return toSend, false
}

// nextRequest implements the three-step sub-piece selection of §4.4: pick
// a fresh piece uniformly at random from what the peer has and we lack
// when the cursor is stale, ask the piece for its next incomplete
// sub-piece, then advance (and possibly wrap) the cursor.
func (s *Session) nextRequest() (pieceIndex int, offset int64, length int64, ok bool) {
	for attempts := 0; attempts < 2; attempts++ {
		if !s.curValid || !s.peerHas(s.cur.piece) || s.store.IsComplete(s.cur.piece) {
			avail := s.store.AvailablePieces(s.peerBitfield)
			if len(avail) == 0 {
				return 0, 0, 0, false
			}
			s.cur = cursor{piece: avail[rand.Intn(len(avail))], sub: 0}
			s.curValid = true
		}
		off, length, err := s.store.FirstIncompleteAfter(s.cur.piece, s.cur.sub)
		if err != nil {
			// The piece completed (via another session) between our
			// selecting it and asking for work; force a reselect.
			s.curValid = false
			continue
		}
		pieceIndex = s.cur.piece
		next := off + length
		if next >= s.store.PieceLengthAt(pieceIndex) {
			s.cur = cursor{piece: (pieceIndex + 1) % s.store.NumPieces(), sub: 0}
		} else {
			s.cur.sub = next
		}
		return pieceIndex, off, length, true
	}
	return 0, 0, 0, false
}

func (s *Session) peerHas(index int) bool {
	return index < s.peerBitfield.Len() && s.peerBitfield.Get(index)
}

// PeerIDFromString pads or truncates id to the 20 bytes a handshake needs.
func PeerIDFromString(id string) [20]byte {
	var out [20]byte
	copy(out[:], id)
	return out
}

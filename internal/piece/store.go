// Package piece implements the per-piece lifecycle: sub-piece ingestion,
// SHA-1 verification, scatter-write persistence, and the soft cache-eviction
// budget the swarm coordinator enforces.
package piece

import (
	"crypto/sha1"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"leech/internal/bitfield"
	"leech/internal/metainfo"
)

// SubPieceLength is the fixed block size of the REQUEST/PIECE granularity.
const SubPieceLength = 16384

type pieceState struct {
	index     int
	length    int64
	hash      [20]byte
	mask      *bitfield.Bitfield // one bit per sub-piece
	buffer    []byte
	onDisk    bool
	subPieces int
}

func numSubPieces(length int64) int {
	n := int(length / SubPieceLength)
	if length%SubPieceLength != 0 {
		n++
	}
	return n
}

func subPieceLength(pieceLength, offset int64) int64 {
	remaining := pieceLength - offset
	if remaining > SubPieceLength {
		return SubPieceLength
	}
	return remaining
}

// Store owns every piece's mutable state and the underlying Storage. Its
// exported methods lock internally: with one goroutine per peer session
// (§5's goroutine reshape), several sessions may deliver sub-pieces for
// different pieces concurrently, and Store is the single shared owner of
// that state, matching the sync.RWMutex-guarded shape of Charana123's
// peerManager.go rather than funneling every access through one event loop.
type Store struct {
	mu      sync.Mutex
	torrent *metainfo.Torrent
	storage Storage
	pieces  []*pieceState
	log     *logrus.Entry
}

// NewStore allocates per-piece state for every piece in t and performs the
// startup best-effort re-verification pass: each piece is read whole from
// disk, SHA-1'd, and marked fully complete (without ever buffering it) if
// the digest matches. Any I/O failure during the probe just leaves that
// piece empty — it will be re-downloaded.
func NewStore(t *metainfo.Torrent, storage Storage, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{torrent: t, storage: storage, log: log}
	s.pieces = make([]*pieceState, len(t.Pieces))
	for i, hash := range t.Pieces {
		length := pieceLengthOf(t, i)
		s.pieces[i] = &pieceState{
			index:     i,
			length:    length,
			hash:      hash,
			mask:      bitfield.New(numSubPieces(length)),
			subPieces: numSubPieces(length),
		}
		s.reverify(i)
	}
	return s
}

func pieceLengthOf(t *metainfo.Torrent, index int) int64 {
	if index < len(t.Pieces)-1 {
		return t.PieceLength
	}
	last := t.TotalLength - int64(len(t.Pieces)-1)*t.PieceLength
	if last <= 0 {
		return t.PieceLength
	}
	return last
}

func (s *Store) reverify(index int) {
	p := s.pieces[index]
	data, err := s.storage.ReadPiece(index, p.length)
	if err != nil {
		return
	}
	if sha1.Sum(data) != p.hash {
		return
	}
	p.mask.Fill(true)
	p.onDisk = true
	s.log.WithFields(logrus.Fields{"piece": index}).Debug("verified clean from disk")
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// PieceLengthAt returns the declared length of piece index (the last piece
// may be shorter than the others).
func (s *Store) PieceLengthAt(index int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[index].length
}

// IsComplete reports whether piece index is fully verified and on disk.
func (s *Store) IsComplete(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces[index].onDisk
}

// AllComplete reports whether every piece is on disk.
func (s *Store) AllComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pieces {
		if !p.onDisk {
			return false
		}
	}
	return true
}

// AvailablePieces returns, in ascending order, the indices of the pieces
// that are both incomplete and present in have (a peer's advertised
// bitfield) — the set
// the peer session's random piece-selection step (§4.4 step 1) draws from.
func (s *Store) AvailablePieces(have *bitfield.Bitfield) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i, p := range s.pieces {
		if !p.onDisk && i < have.Len() && have.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

// FirstIncompleteAfter returns the first sub-piece at or after hint (a
// byte offset within the piece) that is not yet complete. Precondition:
// the piece is not already fully complete — callers that violate this have
// a programming error, matching §4.3's contract.
func (s *Store) FirstIncompleteAfter(index int, hint int64) (offset int64, length int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pieces[index]
	startSub := int(hint / SubPieceLength)
	for i := startSub; i < p.subPieces; i++ {
		if !p.mask.Get(i) {
			off := int64(i) * SubPieceLength
			return off, subPieceLength(p.length, off), nil
		}
	}
	return 0, 0, fmt.Errorf("piece: FirstIncompleteAfter(%d, %d): piece already complete", index, hint)
}

// Save ingests one sub-piece per §4.3:
//  0. reject an out-of-range piece index (a protocol error, fatal to the
//     peer session that sent it, never to the swarm);
//  1. reject offset+len(data) overflowing the piece length;
//  2. idempotent no-op if that sub-piece is already complete;
//  3. lazily allocate the buffer, copy in, mark the bit;
//  4. once every sub-piece is in, verify and persist, or reset on mismatch.
func (s *Store) Save(index int, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return fmt.Errorf("piece: save: index %d out of range [0, %d)", index, len(s.pieces))
	}
	p := s.pieces[index]
	if offset+int64(len(data)) > p.length {
		return fmt.Errorf("piece: save: offset %d + len %d exceeds piece length %d", offset, len(data), p.length)
	}
	subIndex := int(offset / SubPieceLength)
	if p.mask.Get(subIndex) {
		return nil
	}
	if p.buffer == nil {
		p.buffer = make([]byte, p.length)
	}
	copy(p.buffer[offset:], data)
	p.mask.Set(subIndex, true)

	if p.mask.CountOnes() != p.subPieces {
		return nil
	}
	if sha1.Sum(p.buffer) != p.hash {
		s.log.WithFields(logrus.Fields{"piece": index}).Warn("hash mismatch, re-downloading")
		p.mask.Fill(false)
		return nil
	}
	if err := s.storage.WritePiece(index, p.buffer); err != nil {
		s.log.WithFields(logrus.Fields{"piece": index, "err": err}).Warn("write failed, re-downloading")
		p.mask.Fill(false)
		return nil
	}
	p.onDisk = true
	s.log.WithFields(logrus.Fields{"piece": index}).Info("piece complete")
	return nil
}

// CompletionFlags reports, per piece index, 1 if that piece is on disk and
// 0 otherwise. The swarm coordinator's progress tick reduces this into a
// completed count (via the same underscore.Chain().Reduce() idiom
// Charana123's stats.go sums activity samples with), and the swarm ends
// its run once that count equals the number of pieces.
func (s *Store) CompletionFlags() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := make([]int, len(s.pieces))
	for i, p := range s.pieces {
		if p.onDisk {
			flags[i] = 1
		}
	}
	return flags
}

// BytesRemaining sums the declared length of every piece not yet on disk,
// the value a tracker announce reports as "left".
func (s *Store) BytesRemaining() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, p := range s.pieces {
		if !p.onDisk {
			total += p.length
		}
	}
	return total
}

// CachedBytes returns the total piece_length across pieces that are on
// disk and still hold a cached buffer.
func (s *Store) CachedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, p := range s.pieces {
		if p.onDisk && p.buffer != nil {
			total += p.length
		}
	}
	return total
}

// EvictRandomHalf drops the in-memory buffer of a randomly chosen half of
// the pieces that are on disk and still cached, per the 16 MiB soft cap
// the swarm coordinator checks every 5 seconds.
func (s *Store) EvictRandomHalf() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*pieceState
	for _, p := range s.pieces {
		if p.onDisk && p.buffer != nil {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	half := (len(candidates) + 1) / 2
	for _, p := range candidates[:half] {
		p.buffer = nil
	}
}

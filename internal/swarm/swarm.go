// Package swarm owns the trackers, peer sessions, and piece store for one
// torrent: it periodically refreshes the peer list, admits new peers,
// reaps idle ones, enforces the piece-cache eviction budget, and reports
// progress until every piece verifies. Grounded on
// Charana123-torrent/go-torrent/peer/peerManager.go's sync.RWMutex-guarded
// peer map and mapset.Set usage, and stats.go's underscore.Chain().Reduce()
// idiom for aggregation.
package swarm

import (
	"context"
	"os"
	"strings"
	"time"

	underscore "github.com/ahl5esoft/golang-underscore"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"leech/internal/metainfo"
	"leech/internal/peer"
	"leech/internal/piece"
	"leech/internal/tracker"
)

const (
	reannounceInterval = 60 * time.Second
	reapInterval       = 5 * time.Second
	evictInterval      = 5 * time.Second
	progressInterval   = 1 * time.Second
	reapAge            = 30 * time.Second

	// cacheBudget is the 16 MiB soft cap on cached-but-persisted piece
	// buffers the eviction tick enforces.
	cacheBudget = 16 * 1024 * 1024
)

// Store is the subset of *piece.Store the coordinator needs.
type Store interface {
	NumPieces() int
	AllComplete() bool
	CompletionFlags() []int
	CachedBytes() int64
	BytesRemaining() int64
	EvictRandomHalf()
}

// peerHandle is the subset of *peer.Session the coordinator drives. An
// interface so tests can substitute a fake without opening real sockets.
type peerHandle interface {
	Addr() string
	CreatedAt() time.Time
	Connected() bool
	Close()
	Run(ctx context.Context)
}

// Swarm is the single coordinator goroutine's state: the peer registry and
// piece store it is the sole writer to, plus the tracker set it polls.
type Swarm struct {
	torrent  *metainfo.Torrent
	store    Store
	trackers []tracker.Tracker
	peerID   [20]byte
	log      *logrus.Entry

	peers      map[string]peerHandle
	newSession func(addr string) peerHandle
}

// New builds a Swarm. newSession, when nil, defaults to constructing a
// real *peer.Session against a *piece.Store — tests inject a fake.
func New(t *metainfo.Torrent, store Store, trackers []tracker.Tracker, peerID [20]byte, log *logrus.Entry) *Swarm {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Swarm{
		torrent:  t,
		store:    store,
		trackers: trackers,
		peerID:   peerID,
		log:      log,
		peers:    make(map[string]peerHandle),
	}
	if realStore, ok := store.(*piece.Store); ok {
		s.newSession = func(addr string) peerHandle {
			return peer.New(addr, t, realStore, peerID, log)
		}
	}
	return s
}

// PeerCount reports how many sessions (connected or not) are registered.
func (s *Swarm) PeerCount() int { return len(s.peers) }

// admit deduplicates addrLists (several trackers may return overlapping
// addresses in the same round) against both each other and the already-
// admitted peer set, then starts a session for every genuinely new
// address. Returns the number admitted. Grounded on peerManager.go's
// AddPeer, which performs the identical "already connected? banned?"
// checks before starting a peer goroutine.
func (s *Swarm) admit(ctx context.Context, addrLists ...[]string) int {
	combined := mapset.NewSet()
	for _, addrs := range addrLists {
		for _, addr := range addrs {
			combined.Add(addr)
		}
	}
	added := 0
	for _, v := range combined.ToSlice() {
		addr := v.(string)
		if _, ok := s.peers[addr]; ok {
			continue
		}
		h := s.newSession(addr)
		s.peers[addr] = h
		added++
		go h.Run(ctx)
	}
	return added
}

// reapIdle removes every session that is not currently connected (it never
// connected, or it has since closed) and was created more than 30 seconds ago (§4.6's 5-second reap tick). The stale set is
// collected up front — the "already reaped" set — so the removal pass
// never mutates s.peers while ranging over it.
func (s *Swarm) reapIdle(now time.Time) []string {
	stale := mapset.NewSet()
	for addr, h := range s.peers {
		if !h.Connected() && now.Sub(h.CreatedAt()) > reapAge {
			stale.Add(addr)
		}
	}
	reaped := make([]string, 0, stale.Cardinality())
	for _, v := range stale.ToSlice() {
		addr := v.(string)
		s.peers[addr].Close()
		delete(s.peers, addr)
		reaped = append(reaped, addr)
	}
	return reaped
}

// enforceCacheBudget drops half the cached completed-piece buffers if the
// 16 MiB soft cap is exceeded.
func (s *Swarm) enforceCacheBudget() bool {
	if s.store.CachedBytes() <= cacheBudget {
		return false
	}
	s.store.EvictRandomHalf()
	return true
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// progress reduces the piece store's completion flags into a (done,
// total) pair via the same underscore.Chain().Reduce() idiom
// Charana123's stats.go uses to sum activity samples.
func (s *Swarm) progress() (done int, total int) {
	flags := s.store.CompletionFlags()
	underscore.Chain(flags).Reduce(0, sumReduce).Value(&done)
	return done, len(flags)
}

// Run drives the coordinator until every piece verifies or ctx is
// cancelled. It is the single goroutine that ever mutates s.peers: new
// tracker results, reap decisions, and eviction all happen inside this
// loop's select, never from a peer session's own goroutine.
func (s *Swarm) Run(ctx context.Context) {
	reannounce := time.NewTicker(reannounceInterval)
	reap := time.NewTicker(reapInterval)
	evict := time.NewTicker(evictInterval)
	progressTick := time.NewTicker(progressInterval)
	defer reannounce.Stop()
	defer reap.Stop()
	defer evict.Stop()
	defer progressTick.Stop()

	results := make(chan []string, len(s.trackers)+1)
	announce := func() {
		left := s.store.BytesRemaining()
		for _, t := range s.trackers {
			go func(t tracker.Tracker) {
				addrs, err := t.UpdatePeers(ctx, s.torrent.InfoHash, string(s.peerID[:]), left)
				if err != nil {
					s.log.WithField("err", err).Debug("tracker announce failed")
					return
				}
				select {
				case results <- addrs:
				case <-ctx.Done():
				}
			}(t)
		}
	}
	announce()

	for {
		select {
		case <-ctx.Done():
			return
		case addrs := <-results:
			if n := s.admit(ctx, addrs); n > 0 {
				s.log.WithField("count", n).Info("admitted peers")
			}
		case <-reannounce.C:
			announce()
		case <-reap.C:
			if reaped := s.reapIdle(time.Now()); len(reaped) > 0 {
				s.log.WithField("count", len(reaped)).Debug("reaped idle peers")
			}
		case <-evict.C:
			s.enforceCacheBudget()
		case <-progressTick.C:
			done, total := s.progress()
			s.log.WithFields(logrus.Fields{"done": done, "total": total}).Info("progress")
			if done == total {
				s.log.Info("download finished")
				return
			}
		}
	}
}

// LoadExternalTrackers reads one announce URL per line from path, trimming
// blanks and skipping empty lines, per §6's externalTrackerList.txt.
// A missing file is not an error — it simply contributes nothing.
func LoadExternalTrackers(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			urls = append(urls, line)
		}
	}
	return urls, nil
}

// BuildTrackers assembles the tracker set for a torrent: one Group
// carrying the metainfo's own announce/announce-list tiering (§12.2's
// tiering support), plus one independent Tracker per externally supplied
// URL that augments — rather than replaces — the metainfo's list.
func BuildTrackers(t *metainfo.Torrent, externalURLs []string, log *logrus.Entry) []tracker.Tracker {
	var trackers []tracker.Tracker
	if t.Announce != "" || len(t.AnnounceList) > 0 {
		trackers = append(trackers, tracker.NewGroup(t.Announce, t.AnnounceList, log))
	}
	for _, url := range externalURLs {
		tr, err := tracker.New(url)
		if err != nil {
			log.WithFields(logrus.Fields{"url": url, "err": err}).Warn("skipping unsupported external tracker")
			continue
		}
		trackers = append(trackers, tr)
	}
	return trackers
}

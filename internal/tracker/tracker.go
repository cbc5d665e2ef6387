// Package tracker implements periodic peer discovery against a torrent's
// announce URLs, dispatching on scheme to either the HTTP or the BEP-0015
// UDP tracker protocol.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Tracker discovers peer addresses for one announce endpoint (or, for a
// Group, a whole tiered announce list).
type Tracker interface {
	UpdatePeers(ctx context.Context, infoHash [20]byte, peerID string, left int64) ([]string, error)
}

// New dispatches on trackerURL's scheme to build the right Tracker, per
// §12.1's supplemented UDP support (Charana123's announceTracker does the
// same http/udp scheme switch, generalized here into one constructor).
func New(trackerURL string) (Tracker, error) {
	switch {
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		return newHTTPTracker(trackerURL), nil
	case strings.HasPrefix(trackerURL, "udp://"):
		return newUDPTracker(trackerURL)
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme in %q", trackerURL)
	}
}

// Group wires BEP-0012 announce-list tiering: tiers are tried in order,
// and within a tier, URLs are tried in order with a tracker that
// succeeds promoted to the front of its tier for the next round. Grounded
// on Charana123's tracker.go connectTracker, corrected: the source
// reassigns its loop-local trackerURLs slice without writing the result
// back to the announce list, so the "promotion" it attempts is silently
// discarded on every call. Group.tiers is held by the Group itself so
// promotion actually sticks across announce rounds.
type Group struct {
	tiers [][]string
	cache map[string]Tracker
	log   *logrus.Entry
}

// NewGroup builds a Group from a primary announce URL and an optional
// BEP-0012 announce-list. When announceList is empty, the group has one
// tier containing only announce.
func NewGroup(announce string, announceList [][]string, log *logrus.Entry) *Group {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tiers := announceList
	if len(tiers) == 0 && announce != "" {
		tiers = [][]string{{announce}}
	}
	return &Group{tiers: tiers, cache: make(map[string]Tracker), log: log}
}

func (g *Group) trackerFor(url string) (Tracker, error) {
	if t, ok := g.cache[url]; ok {
		return t, nil
	}
	t, err := New(url)
	if err != nil {
		return nil, err
	}
	g.cache[url] = t
	return t, nil
}

// UpdatePeers tries each tier in order; within a tier, each URL is tried
// until one succeeds. A succeeding URL is promoted to the front of its
// tier. Returns the first successful result, or the last error if every
// tier's every URL failed.
func (g *Group) UpdatePeers(ctx context.Context, infoHash [20]byte, peerID string, left int64) ([]string, error) {
	var lastErr error
	for _, tier := range g.tiers {
		for i, url := range tier {
			t, err := g.trackerFor(url)
			if err != nil {
				lastErr = err
				continue
			}
			peers, err := t.UpdatePeers(ctx, infoHash, peerID, left)
			if err != nil {
				g.log.WithFields(logrus.Fields{"tracker": url, "err": err}).Warn("announce failed")
				lastErr = err
				continue
			}
			if i > 0 {
				tier[0], tier[i] = tier[i], tier[0]
			}
			return peers, nil
		}
	}
	return nil, lastErr
}

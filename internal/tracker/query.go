package tracker

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPeerID is the 20-character peer-id advertised to trackers when the
// caller does not supply one.
const DefaultPeerID = "-BT0001-000000000000"

// clientPort is the fixed port advertised in the announce query. This
// client never actually listens for inbound connections (it is a pure
// leecher), so the value is nominal.
const clientPort = 6881

// percentEscapeHash renders infoHash as %XX-escaped uppercase hex, one
// triplet per byte — the exact encoding a raw 20-byte hash needs to survive
// as a query parameter, built by hand rather than through url.QueryEscape
// because that function doesn't raw-escape arbitrary bytes the way trackers
// expect.
func percentEscapeHash(infoHash [20]byte) string {
	var sb strings.Builder
	for _, b := range infoHash {
		fmt.Fprintf(&sb, "%%%02X", b)
	}
	return sb.String()
}

// buildAnnounceURL renders the bit-exact query template: info_hash, peer_id,
// port, downloaded, uploaded, left, event — in that order, with info_hash
// percent-escaped and peer_id query-escaped (peer ids frequently contain raw
// bytes, including ASCII control characters, that url.Parse rejects
// unescaped) and every other value written literally.
func buildAnnounceURL(announceURL string, infoHash [20]byte, peerID string, left int64) string {
	if peerID == "" {
		peerID = DefaultPeerID
	}
	sep := "?"
	if strings.Contains(announceURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf(
		"%s%sinfo_hash=%s&peer_id=%s&port=%d&downloaded=0&uploaded=0&left=%d&event=started",
		announceURL, sep, percentEscapeHash(infoHash), url.QueryEscape(peerID), clientPort, left,
	)
}

package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// announceTimeout is the fixed 10-second deadline §4.5 gives every
// tracker round trip, HTTP or UDP.
const announceTimeout = 10 * time.Second

// httpTracker speaks the HTTP(S) tracker announce protocol: a GET with a
// bit-exact query string, bencoded response.
type httpTracker struct {
	url    string
	client *http.Client
}

func newHTTPTracker(url string) *httpTracker {
	return &httpTracker{url: url, client: &http.Client{Timeout: announceTimeout}}
}

func (t *httpTracker) UpdatePeers(ctx context.Context, infoHash [20]byte, peerID string, left int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildAnnounceURL(t.url, infoHash, peerID, left), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s: HTTP status %d", t.url, resp.StatusCode)
	}

	decoded, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s: bencode decode: %w", t.url, err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: %s: response is not a dictionary", t.url)
	}
	if reason, ok := top["failure reason"].(string); ok && reason != "" {
		return nil, fmt.Errorf("tracker: %s: failure reason: %s", t.url, reason)
	}
	return parsePeers(top["peers"])
}

// parsePeers converts either the compact (6-byte records) or dictionary
// ({ip, port} entries) peers field into "a.b.c.d:port" strings.
func parsePeers(v interface{}) ([]string, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		if len(peers)%6 != 0 {
			return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(peers))
		}
		addrs := make([]string, 0, len(peers)/6)
		for i := 0; i < len(peers); i += 6 {
			ip := net.IPv4(peers[i], peers[i+1], peers[i+2], peers[i+3])
			port := binary.BigEndian.Uint16([]byte(peers[i+4 : i+6]))
			addrs = append(addrs, fmt.Sprintf("%s:%d", ip.String(), port))
		}
		return addrs, nil
	case []interface{}:
		addrs := make([]string, 0, len(peers))
		for _, entry := range peers {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := dict["ip"].(string)
			var port int64
			switch p := dict["port"].(type) {
			case int64:
				port = p
			case int:
				port = int64(p)
			}
			if ip == "" {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("%s:%d", ip, port))
		}
		return addrs, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers field type %T", v)
	}
}

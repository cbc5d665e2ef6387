package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFixture(t *testing.T, top map[string]interface{}) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(buf, top))
	return buf.Bytes()
}

func TestDecodeSingleFile(t *testing.T) {
	info := map[string]interface{}{
		"name":         "movie.iso",
		"piece length": int64(32768),
		"pieces":       string(append(make([]byte, 20), make([]byte, 20)...)),
		"length":       int64(65536),
	}
	top := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	data := encodeFixture(t, top)

	torrent, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example/announce", torrent.Announce)
	assert.Equal(t, int64(32768), torrent.PieceLength)
	assert.Len(t, torrent.Pieces, 2)
	require.Len(t, torrent.Files, 1)
	assert.Equal(t, "movie.iso", torrent.Files[0].Name)
	assert.Equal(t, int64(65536), torrent.Files[0].Length)
	assert.Equal(t, int64(0), torrent.Files[0].Offset)
	assert.Equal(t, int64(65536), torrent.TotalLength)

	infoBuf := &bytes.Buffer{}
	require.NoError(t, bencode.Marshal(infoBuf, info))
	want := sha1.Sum(infoBuf.Bytes())
	assert.Equal(t, want, torrent.InfoHash)
}

func TestDecodeMultiFile(t *testing.T) {
	info := map[string]interface{}{
		"name":         "album",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 40)),
		"files": []interface{}{
			map[string]interface{}{"length": int64(20000), "path": []interface{}{"disc1", "track1.flac"}},
			map[string]interface{}{"length": int64(45536), "path": []interface{}{"track2.flac"}},
		},
	}
	top := map[string]interface{}{
		"announce":      "http://tracker.example/announce",
		"announce-list": []interface{}{[]interface{}{"http://a"}, []interface{}{"http://b"}},
		"info":          info,
	}
	data := encodeFixture(t, top)

	torrent, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, torrent.Files, 2)
	assert.Equal(t, int64(20000), torrent.Files[0].Length)
	assert.Equal(t, int64(0), torrent.Files[0].Offset)
	assert.Equal(t, int64(45536), torrent.Files[1].Length)
	assert.Equal(t, int64(20000), torrent.Files[1].Offset)
	assert.Equal(t, int64(65536), torrent.TotalLength)
	assert.Equal(t, [][]string{{"http://a"}, {"http://b"}}, torrent.AnnounceList)
}

func TestDecodeRejectsMissingInfo(t *testing.T) {
	top := map[string]interface{}{"announce": "http://tracker.example/announce"}
	_, err := Decode(encodeFixture(t, top))
	assert.Error(t, err)
}

func TestDecodeRejectsMisalignedPieces(t *testing.T) {
	info := map[string]interface{}{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 19)),
		"length":       int64(1),
	}
	top := map[string]interface{}{"announce": "http://t", "info": info}
	_, err := Decode(encodeFixture(t, top))
	assert.Error(t, err)
}

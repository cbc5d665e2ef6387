// Package metainfo parses a .torrent file into the read-only torrent
// descriptor the rest of the client treats as externally supplied.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

// File describes one output file within the torrent's virtual
// concatenation, with its cumulative byte offset already resolved.
type File struct {
	Name   string
	Length int64
	Offset int64
}

// Torrent is the read-only descriptor every other component treats as
// immutable: info-hash, piece table, and file layout.
type Torrent struct {
	InfoHash     [20]byte
	PieceLength  int64
	Pieces       [][20]byte
	Files        []File
	TotalLength  int64
	Announce     string
	AnnounceList [][]string
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawMetaInfo struct {
	Info         rawInfo    `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
}

// Load reads and parses the .torrent file at path.
func Load(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses the bencoded bytes of a .torrent file.
//
// The info-hash is computed by decoding generically into an
// interface{}-shaped tree, isolating the "info" sub-dictionary, and
// re-encoding just that value with the same library — matching the bytes a
// tracker would expect, which the typed struct below cannot guarantee to
// reproduce (struct field order and bencode's required key ordering are not
// the same thing). The typed struct is decoded separately via struct tags,
// the idiomatic ergonomic path for everything else in the file.
func Decode(data []byte) (*Torrent, error) {
	generic, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	top, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metainfo: top-level value is not a dictionary")
	}
	infoVal, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing \"info\" dictionary")
	}
	infoBuf := &bytes.Buffer{}
	if err := bencode.Marshal(infoBuf, infoVal); err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding info dictionary: %w", err)
	}
	infoHash := sha1.Sum(infoBuf.Bytes())

	var raw rawMetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: unmarshal: %w", err)
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d not a multiple of 20", len(raw.Info.Pieces))
	}
	numPieces := len(raw.Info.Pieces) / 20
	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	var files []File
	var total int64
	if len(raw.Info.Files) > 0 {
		// multi-file mode: every entry's path is relative to Info.Name
		var offset int64
		for _, rf := range raw.Info.Files {
			name := filepath.Join(append([]string{raw.Info.Name}, rf.Path...)...)
			files = append(files, File{Name: name, Length: rf.Length, Offset: offset})
			offset += rf.Length
		}
		total = offset
	} else {
		// single-file mode: the one file is named directly by Info.Name
		files = append(files, File{Name: raw.Info.Name, Length: raw.Info.Length, Offset: 0})
		total = raw.Info.Length
	}

	t := &Torrent{
		InfoHash:     infoHash,
		PieceLength:  raw.Info.PieceLength,
		Pieces:       pieces,
		Files:        files,
		TotalLength:  total,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
	}
	return t, nil
}

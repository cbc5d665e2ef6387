package piece

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"leech/internal/metainfo"
)

// Storage maps the linear piece-index byte space onto the torrent's file
// layout, scattering a piece's bytes across however many files it spans.
type Storage interface {
	WritePiece(index int, data []byte) error
	ReadPiece(index int, length int64) ([]byte, error)
}

type fileStorage struct {
	fs          afero.Fs
	root        string
	files       []metainfo.File
	pieceLength int64
}

// NewFileStorage creates (or truncates to its declared length) every file
// named in t's layout under root, rooted on fs — an afero.Fs so tests can
// substitute afero.NewMemMapFs() for the real filesystem.
func NewFileStorage(fs afero.Fs, root string, t *metainfo.Torrent) (Storage, error) {
	s := &fileStorage{fs: fs, root: root, files: t.Files, pieceLength: t.PieceLength}
	for _, f := range t.Files {
		path := filepath.Join(root, f.Name)
		if dir := filepath.Dir(path); dir != "." {
			if err := fs.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("piece: creating directory for %s: %w", f.Name, err)
			}
		}
		handle, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("piece: creating %s: %w", f.Name, err)
		}
		if err := handle.Truncate(f.Length); err != nil {
			handle.Close()
			return nil, fmt.Errorf("piece: truncating %s to %d bytes: %w", f.Name, f.Length, err)
		}
		handle.Close()
	}
	return s, nil
}

// findFileContainingOffset returns the index of the file whose range
// [offset, offset+length) contains target, via binary search on file
// offsets. This is the fixed, invariant-preserving form of the search the
// source implementation gets wrong (see §9's note on the right-boundary
// update): sort.Search finds the first file whose end exceeds target, which
// — because files are laid out contiguously and sorted by offset — is
// exactly the containing file.
func findFileContainingOffset(files []metainfo.File, target int64) (int, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("piece: no files in layout")
	}
	i := sort.Search(len(files), func(i int) bool {
		return files[i].Offset+files[i].Length > target
	})
	if i == len(files) {
		return 0, fmt.Errorf("piece: offset %d past end of file layout", target)
	}
	return i, nil
}

func (s *fileStorage) forEachFileInRange(start int64, n int64, fn func(f metainfo.File, fileOffset int64, chunk int64) error) error {
	idx, err := findFileContainingOffset(s.files, start)
	if err != nil {
		return err
	}
	remaining := n
	cur := start
	for remaining > 0 {
		if idx >= len(s.files) {
			return fmt.Errorf("piece: range [%d, %d) runs past the end of the file layout", start, start+n)
		}
		f := s.files[idx]
		fileOffset := cur - f.Offset
		avail := f.Length - fileOffset
		chunk := remaining
		if chunk > avail {
			chunk = avail
		}
		if chunk > 0 {
			if err := fn(f, fileOffset, chunk); err != nil {
				return err
			}
		}
		cur += chunk
		remaining -= chunk
		idx++
	}
	return nil
}

// WritePiece scatter-writes data (already verified by the caller) across
// every file the range [index*pieceLength, index*pieceLength+len(data))
// intersects.
func (s *fileStorage) WritePiece(index int, data []byte) error {
	start := int64(index) * s.pieceLength
	pos := int64(0)
	return s.forEachFileInRange(start, int64(len(data)), func(f metainfo.File, fileOffset, chunk int64) error {
		path := filepath.Join(s.root, f.Name)
		handle, err := s.fs.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer handle.Close()
		if _, err := handle.WriteAt(data[pos:pos+chunk], fileOffset); err != nil {
			return err
		}
		pos += chunk
		return nil
	})
}

// ReadPiece gather-reads length bytes starting at index's piece offset,
// for the startup re-verification pass.
func (s *fileStorage) ReadPiece(index int, length int64) ([]byte, error) {
	start := int64(index) * s.pieceLength
	out := make([]byte, length)
	pos := int64(0)
	err := s.forEachFileInRange(start, length, func(f metainfo.File, fileOffset, chunk int64) error {
		path := filepath.Join(s.root, f.Name)
		handle, err := s.fs.OpenFile(path, os.O_RDONLY, 0644)
		if err != nil {
			return err
		}
		defer handle.Close()
		if _, err := handle.ReadAt(out[pos:pos+chunk], fileOffset); err != nil {
			return err
		}
		pos += chunk
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

package piece

import (
	"bytes"
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leech/internal/bitfield"
	"leech/internal/metainfo"
)

func torrentWithPieces(t *testing.T, pieces ...[]byte) (*metainfo.Torrent, int64) {
	t.Helper()
	var total int64
	hashes := make([][20]byte, len(pieces))
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	return &metainfo.Torrent{
		PieceLength: int64(len(pieces[0])),
		Pieces:      hashes,
		TotalLength: total,
		Files:       []metainfo.File{{Name: "out.bin", Length: total, Offset: 0}},
	}, total
}

func newTestStore(t *testing.T, tr *metainfo.Torrent) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	storage, err := NewFileStorage(fs, "dl", tr)
	require.NoError(t, err)
	// NewFileStorage leaves every file zero-filled, which is exactly the
	// content of the all-zero test pieces; overwrite the files with 0xFF so
	// NewStore's startup re-verification does not mark those pieces complete
	// before a test has saved anything.
	for _, f := range tr.Files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("dl", f.Name), bytes.Repeat([]byte{0xFF}, int(f.Length)), 0644))
	}
	return NewStore(tr, storage, nil), fs
}

func TestSaveCompletesAndVerifiesPiece(t *testing.T) {
	piece0 := make([]byte, 32768)
	for i := range piece0 {
		piece0[i] = byte(i % 251)
	}
	tr, _ := torrentWithPieces(t, piece0)
	store, fs := newTestStore(t, tr)

	require.NoError(t, store.Save(0, 0, piece0[:16384]))
	assert.False(t, store.IsComplete(0))
	require.NoError(t, store.Save(0, 16384, piece0[16384:]))
	assert.True(t, store.IsComplete(0))

	got, err := afero.ReadFile(fs, "dl/out.bin")
	require.NoError(t, err)
	assert.Equal(t, piece0, got)
}

func TestSaveIdempotentOnDuplicateSubPiece(t *testing.T) {
	piece0 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, piece0)
	store, _ := newTestStore(t, tr)

	require.NoError(t, store.Save(0, 0, piece0[:16384]))
	require.NoError(t, store.Save(0, 0, piece0[:16384]))
	assert.False(t, store.IsComplete(0))

	require.NoError(t, store.Save(0, 16384, piece0[16384:]))
	assert.True(t, store.IsComplete(0))
}

func TestSaveRejectsOverflow(t *testing.T) {
	piece0 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, piece0)
	store, _ := newTestStore(t, tr)

	err := store.Save(0, 32760, make([]byte, 100))
	assert.Error(t, err)
}

func TestSaveRejectsOutOfRangeIndex(t *testing.T) {
	piece0 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, piece0)
	store, _ := newTestStore(t, tr)

	assert.Error(t, store.Save(1, 0, make([]byte, 16384)), "piece index >= NumPieces() must error, not panic")
	assert.Error(t, store.Save(-1, 0, make([]byte, 16384)))
}

func TestSaveResetsOnHashMismatch(t *testing.T) {
	piece0 := make([]byte, 32768)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	tr, _ := torrentWithPieces(t, piece0)
	store, _ := newTestStore(t, tr)

	require.NoError(t, store.Save(0, 0, piece0[:16384]))
	corrupted := make([]byte, 16384)
	require.NoError(t, store.Save(0, 16384, corrupted))
	assert.False(t, store.IsComplete(0))

	offset, length, err := store.FirstIncompleteAfter(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, int64(16384), length)
}

func TestFirstIncompleteAfterSkipsCompletedSubPieces(t *testing.T) {
	piece0 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, piece0)
	store, _ := newTestStore(t, tr)

	require.NoError(t, store.Save(0, 0, piece0[:16384]))
	offset, length, err := store.FirstIncompleteAfter(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(16384), offset)
	assert.Equal(t, int64(16384), length)
}

func TestLastPieceShortSubPiece(t *testing.T) {
	piece0 := make([]byte, 32768)
	piece1 := make([]byte, 20000) // shorter than piece_length, last sub-piece is short
	tr, _ := torrentWithPieces(t, piece0, piece1)
	tr.Files = []metainfo.File{{Name: "out.bin", Length: 32768 + 20000, Offset: 0}}
	store, _ := newTestStore(t, tr)

	offset, length, err := store.FirstIncompleteAfter(1, 16384)
	require.NoError(t, err)
	assert.Equal(t, int64(16384), offset)
	assert.Equal(t, int64(20000-16384), length)

	require.NoError(t, store.Save(1, 0, piece1[:16384]))
	require.NoError(t, store.Save(1, 16384, piece1[16384:]))
	assert.True(t, store.IsComplete(1))
}

func TestStartupReverificationMarksCleanPieceComplete(t *testing.T) {
	piece0 := make([]byte, 32768)
	for i := range piece0 {
		piece0[i] = byte(i % 17)
	}
	tr, _ := torrentWithPieces(t, piece0)
	fs := afero.NewMemMapFs()
	storage, err := NewFileStorage(fs, "dl", tr)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "dl/out.bin", piece0, 0644))

	store := NewStore(tr, storage, nil)
	assert.True(t, store.IsComplete(0))
}

func TestAvailablePiecesExcludesCompleteAndAbsent(t *testing.T) {
	p0 := make([]byte, 32768)
	p1 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, p0, p1)
	tr.Files = []metainfo.File{{Name: "out.bin", Length: 32768 * 2, Offset: 0}}
	store, _ := newTestStore(t, tr)
	require.NoError(t, store.Save(0, 0, p0[:16384]))
	require.NoError(t, store.Save(0, 16384, p0[16384:]))
	require.True(t, store.IsComplete(0))

	have := bitfield.New(2)
	have.Set(0, true)
	have.Set(1, true)
	assert.Equal(t, []int{1}, store.AvailablePieces(have))
}

func TestCompletionFlagsAndBytesRemaining(t *testing.T) {
	p0 := make([]byte, 32768)
	p1 := make([]byte, 32768)
	tr, _ := torrentWithPieces(t, p0, p1)
	tr.Files = []metainfo.File{{Name: "out.bin", Length: 32768 * 2, Offset: 0}}
	store, _ := newTestStore(t, tr)

	assert.Equal(t, []int{0, 0}, store.CompletionFlags())
	assert.Equal(t, int64(32768*2), store.BytesRemaining())

	require.NoError(t, store.Save(0, 0, p0[:16384]))
	require.NoError(t, store.Save(0, 16384, p0[16384:]))
	assert.Equal(t, []int{1, 0}, store.CompletionFlags())
	assert.Equal(t, int64(32768), store.BytesRemaining())
}

func TestPieceLengthAtReportsShortLastPiece(t *testing.T) {
	piece0 := make([]byte, 32768)
	piece1 := make([]byte, 20000)
	tr, _ := torrentWithPieces(t, piece0, piece1)
	tr.Files = []metainfo.File{{Name: "out.bin", Length: 32768 + 20000, Offset: 0}}
	store, _ := newTestStore(t, tr)

	assert.Equal(t, int64(32768), store.PieceLengthAt(0))
	assert.Equal(t, int64(20000), store.PieceLengthAt(1))
}

func TestEvictRandomHalfDropsBuffers(t *testing.T) {
	p0 := make([]byte, 16384)
	p1 := make([]byte, 16384)
	p2 := make([]byte, 16384)
	p3 := make([]byte, 16384)
	tr, _ := torrentWithPieces(t, p0, p1, p2, p3)
	tr.Files = []metainfo.File{{Name: "out.bin", Length: 16384 * 4, Offset: 0}}
	store, _ := newTestStore(t, tr)

	for i := range []int{0, 1, 2, 3} {
		require.NoError(t, store.Save(i, 0, make([]byte, 16384)))
	}
	before := store.CachedBytes()
	assert.Equal(t, int64(16384*4), before)

	store.EvictRandomHalf()
	after := store.CachedBytes()
	assert.Equal(t, int64(16384*2), after)
	for _, p := range store.pieces {
		assert.True(t, p.onDisk, "eviction must not clear on_disk")
	}
}

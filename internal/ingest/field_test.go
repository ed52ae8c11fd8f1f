package ingest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMassFile(t *testing.T, path string, masses []float32) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, WriteFieldHeader(f, 1, int64(len(masses)), 0))
	require.NoError(t, binary.Write(f, binary.LittleEndian, masses))
}

func writePosFile(t *testing.T, path string, flat []float32) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, WriteFieldHeader(f, 3, int64(len(flat)/3), 0))
	require.NoError(t, binary.Write(f, binary.LittleEndian, flat))
}

func TestLoadSplitsParticlesAcrossPieces(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "snapshot")

	masses := []float32{1, 2, 3, 4, 5, 6, 7}
	positions := []float32{
		0, 0, 0,
		1, 0, 0,
		2, 0, 0,
		3, 0, 0,
		4, 0, 0,
		5, 0, 0,
		6, 0, 0,
	}
	writeMassFile(t, base+".mass", masses)
	writePosFile(t, base+".pos", positions)

	pieces, err := Load(base, 3)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	// 7 particles over 3 pieces: 3,2,2 (piece 0 gets the remainder).
	assert.Len(t, pieces[0], 3)
	assert.Len(t, pieces[1], 2)
	assert.Len(t, pieces[2], 2)

	assert.Equal(t, float32(1), pieces[0][0].Mass)
	assert.Equal(t, float32(4), pieces[1][0].Mass)
	assert.Equal(t, float32(6), pieces[2][0].Mass)
	assert.Equal(t, float32(6), pieces[2][1].Pos[0])
}

func TestSplitDistributesRemainderToLowestPieces(t *testing.T) {
	assert.Equal(t, []int{3, 3, 2, 2}, Split(10, 4))
	assert.Equal(t, []int{2, 2, 2}, Split(6, 3))
	assert.Equal(t, []int{1, 1, 0}, Split(2, 3))
}

func TestLoadRejectsMismatchedCounts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "snapshot")
	writeMassFile(t, base+".mass", []float32{1, 2})
	writePosFile(t, base+".pos", []float32{0, 0, 0})

	_, err := Load(base, 1)
	assert.Error(t, err)
}

func TestReadFieldHeaderRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.mass")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, FieldHeader{Magic: 0xdeadbeef, Dimensions: 1, Code: Float32Code, Count: 0}))
	f.Close()

	_, _, err = readMassFile(path)
	assert.Error(t, err)
}

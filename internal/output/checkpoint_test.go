package output

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStoreRecordsRowsUnderOneRunID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")

	store, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NotEmpty(t, store.RunID())

	require.NoError(t, store.Record(Checkpoint{
		Iteration: 0, PieceID: 0, ParticleCount: 64,
		MaxRelError: 0.008, MeanRelError: 0.0004, WallTimeMS: 12.5,
	}))
	require.NoError(t, store.Record(Checkpoint{
		Iteration: 0, PieceID: 1, ParticleCount: 63,
		MaxRelError: 0.006, MeanRelError: 0.0003, WallTimeMS: 11.1,
	}))

	rows, err := store.db.Query(`SELECT runID, iteration, pieceID, particleCount FROM checkpoints ORDER BY pieceID`)
	require.NoError(t, err)
	defer rows.Close()

	var runIDs []string
	var pieceIDs []int
	for rows.Next() {
		var runID string
		var iteration, pieceID, count int
		require.NoError(t, rows.Scan(&runID, &iteration, &pieceID, &count))
		runIDs = append(runIDs, runID)
		pieceIDs = append(pieceIDs, pieceID)
	}
	require.Len(t, runIDs, 2)
	assert.Equal(t, store.RunID(), runIDs[0])
	assert.Equal(t, store.RunID(), runIDs[1])
	assert.Equal(t, []int{0, 1}, pieceIDs)
}

func TestOpenCheckpointStoreIsIdempotentOverExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")

	s1, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Record(Checkpoint{Iteration: 0, PieceID: 0, ParticleCount: 1}))
	require.NoError(t, s1.Close())

	s2, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Record(Checkpoint{Iteration: 1, PieceID: 0, ParticleCount: 1}))

	var count int
	require.NoError(t, s2.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count))
	assert.Equal(t, 2, count)
}

package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTransferKey(t *testing.T) {
	assert.Equal(t, "transfer/run-a/00000007", string(transferKey("run-a", 7)))
	assert.Equal(t, "run/run-a", string(runKey("run-a")))
}

func TestPutAndList(t *testing.T) {
	s := openMemory(t)

	// written out of order, including an index that sorts wrongly as plain text
	for _, index := range []int{10, 2, 1} {
		require.NoError(t, s.Put(models.TransferResult{RunID: "run-a", Index: index, State: models.StateConfirmed}))
	}
	require.NoError(t, s.Put(models.TransferResult{RunID: "run-ab", Index: 1, State: models.StateFailed}))

	results, err := s.List("run-a")
	require.NoError(t, err)
	require.Len(t, results, 3, "runs sharing a prefix are kept apart")
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 10, results[2].Index)

	empty, err := s.List("missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPutOverwrites(t *testing.T) {
	s := openMemory(t)
	require.NoError(t, s.Put(models.TransferResult{RunID: "r", Index: 1, State: models.StateSubmitted}))
	require.NoError(t, s.Put(models.TransferResult{RunID: "r", Index: 1, State: models.StateCorrelated}))

	results, err := s.List("r")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StateCorrelated, results[0].State)
}

func TestResultFieldsSurvive(t *testing.T) {
	s := openMemory(t)
	hash := common.HexToHash("0xabc")
	in := models.TransferResult{
		RunID:   "r",
		Profile: "sepolia-holesky",
		ChainID: 11155111,
		Index:   3,
		State:   models.StateCorrelated,
		Record: &models.TransactionRecord{
			Hash:     hash,
			Nonce:    12,
			Status:   models.TxConfirmed,
			Attempts: 2,
		},
		Correlation: &models.RelayCorrelation{SourceTx: hash.Hex(), PacketHash: "0xfeed", Found: true},
		Nonces:      []uint64{11, 12},
		FinishedAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, s.Put(in))

	results, err := s.List("r")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, in, results[0])
}

func TestRuns(t *testing.T) {
	s := openMemory(t)
	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, s.BeginRun(RunInfo{RunID: "second", Profile: "corn-sei", StartedAt: base.Add(time.Minute)}))
	require.NoError(t, s.BeginRun(RunInfo{RunID: "first", Profile: "sei-bsc", StartedAt: base}))
	// transfers do not show up as runs
	require.NoError(t, s.Put(models.TransferResult{RunID: "first", Index: 1}))

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "first", runs[0].RunID)
	assert.Equal(t, "second", runs[1].RunID)

	info, ok, err := s.Run("second")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "corn-sei", info.Profile)

	_, ok, err = s.Run("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(models.TransferResult{RunID: "r", Index: 1, State: models.StateConfirmed}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.List("r")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StateConfirmed, results[0].State)
}

// Package journal persists transfer results per run in a LevelDB database.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	RunPrefix      = "run/"
	TransferPrefix = "transfer/"
)

// RunInfo describes one orchestrator run
type RunInfo struct {
	RunID     string    `json:"run_id"`
	Profile   string    `json:"profile"`
	ChainID   int       `json:"chain_id"`
	Account   string    `json:"account"`
	Count     int       `json:"count"`
	StartedAt time.Time `json:"started_at"`
}

// Store is a run journal. It is safe for use by concurrent orchestrators.
type Store struct {
	sync.Mutex
	db *leveldb.DB
}

// Open opens or creates the journal at path
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a journal that lives only as long as the process
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory journal: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.db.Close()
}

func runKey(runID string) []byte {
	return []byte(RunPrefix + runID)
}

func transferKey(runID string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", TransferPrefix, runID, index))
}

// BeginRun records the metadata of a run before its first transfer
func (s *Store) BeginRun(info RunInfo) error {
	s.Lock()
	defer s.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	if err := s.db.Put(runKey(info.RunID), data, nil); err != nil {
		return fmt.Errorf("failed to save run %s: %w", info.RunID, err)
	}
	return nil
}

// Put stores the terminal result of one transfer, replacing any previous entry
func (s *Store) Put(result models.TransferResult) error {
	s.Lock()
	defer s.Unlock()

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer result: %w", err)
	}
	if err := s.db.Put(transferKey(result.RunID, result.Index), data, nil); err != nil {
		return fmt.Errorf("failed to save transfer %d of run %s: %w", result.Index, result.RunID, err)
	}
	return nil
}

// List returns the results of a run ordered by transfer index
func (s *Store) List(runID string) ([]models.TransferResult, error) {
	s.Lock()
	defer s.Unlock()

	iterator := s.db.NewIterator(util.BytesPrefix([]byte(TransferPrefix+runID+"/")), nil)
	defer iterator.Release()

	var results []models.TransferResult
	for iterator.Next() {
		var result models.TransferResult
		if err := json.Unmarshal(iterator.Value(), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transfer result: %w", err)
		}
		results = append(results, result)
	}
	if err := iterator.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate run %s: %w", runID, err)
	}
	return results, nil
}

// Runs returns every recorded run, oldest first
func (s *Store) Runs() ([]RunInfo, error) {
	s.Lock()
	defer s.Unlock()

	iterator := s.db.NewIterator(util.BytesPrefix([]byte(RunPrefix)), nil)
	defer iterator.Release()

	var runs []RunInfo
	for iterator.Next() {
		var info RunInfo
		if err := json.Unmarshal(iterator.Value(), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
		}
		runs = append(runs, info)
	}
	if err := iterator.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// Run returns the metadata of one run
func (s *Store) Run(runID string) (RunInfo, bool, error) {
	s.Lock()
	defer s.Unlock()

	data, err := s.db.Get(runKey(runID), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return RunInfo{}, false, nil
		}
		return RunInfo{}, false, fmt.Errorf("failed getting run %s: %w", runID, err)
	}

	var info RunInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return RunInfo{}, false, fmt.Errorf("failed to unmarshal run info: %w", err)
	}
	return info, true, nil
}

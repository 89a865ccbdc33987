// Package archive persists Final blocks that the block graph has pruned out
// of memory, so they remain fetchable by hash for peers
// that ask for them after the graph has pruned them. A thin prefix-key
// layer over storage.DB, keyed by models.Hash rather than a string id.
package archive

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/storage"
)

const blockPrefix = "archive:block:"

// Store is the narrow persistence interface consensusworker and the RPC
// layer use to reach blocks the graph no longer keeps in memory.
type Store interface {
	PutBlock(block *models.Block) error
	GetBlock(id models.Hash) (*models.Block, error)
	Close() error
}

// LevelStore implements Store on top of storage.DB (normally a LevelDB).
type LevelStore struct {
	db storage.DB
}

// NewLevelStore wraps db as a block archive.
func NewLevelStore(db storage.DB) *LevelStore {
	return &LevelStore{db: db}
}

func blockKey(id models.Hash) []byte {
	return []byte(blockPrefix + id.String())
}

// PutBlock persists block, keyed by its header hash.
func (s *LevelStore) PutBlock(block *models.Block) error {
	id := block.Header.Hash()
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("archive: marshal block %s: %w", id, err)
	}
	return s.db.Set(blockKey(id), data)
}

// GetBlock fetches the block with the given id, or consensuserr.ErrNotFound.
func (s *LevelStore) GetBlock(id models.Hash) (*models.Block, error) {
	data, err := s.db.Get(blockKey(id))
	if err != nil {
		return nil, err
	}
	var b models.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("archive: unmarshal block %s: %w", id, err)
	}
	return &b, nil
}

// Close releases the underlying database handle.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// GetBlock returns consensuserr.ErrNotFound (via the underlying storage.DB)
// when id is absent; callers should check for it with errors.Is.

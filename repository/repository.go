package repository

import (
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"montana-presence/db"
	"montana-presence/models"
)

// It abstracts the storage layer from the accrual engine
type AccrualRepositoryInterface interface {
	LoadState(address string) (*models.AccrualState, error)
	SaveState(address string, state *models.AccrualState) error
}

// AccrualRepository persists per-address accrual state in LevelDB
type AccrualRepository struct {
	db *db.LevelDB
}

// NewAccrualRepository creates and returns a new AccrualRepository instance
func NewAccrualRepository(db *db.LevelDB) *AccrualRepository {
	return &AccrualRepository{db: db}
}

func stateKey(address string) []byte {
	return []byte("accrual:" + address)
}

// LoadState retrieves the stored accrual state for an address.
// An address never seen before yields a zero state, not an error.
func (r *AccrualRepository) LoadState(address string) (*models.AccrualState, error) {
	data, err := r.db.Get(stateKey(address))
	if err == leveldb.ErrNotFound {
		return &models.AccrualState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var state models.AccrualState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState stores the accrual state for an address
func (r *AccrualRepository) SaveState(address string, state *models.AccrualState) error {
	state.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Put(stateKey(address), data)
}

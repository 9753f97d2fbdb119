package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	vtxoStoreDir = "vtxos"
)

type vtxoStore struct {
	db      *badgerhold.Store
	lock    *sync.Mutex
	eventCh chan types.VtxoEvent
}

type vtxoRecord struct {
	Outpoint        types.Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ExpiresAtHeight uint32
	Preconfirmed    bool
	Swept           bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
	Recoverable     bool
}

func NewVtxoStore(dir string, logger badger.Logger) (types.VtxoStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, vtxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}
	return &vtxoStore{
		db:      badgerDb,
		lock:    &sync.Mutex{},
		eventCh: make(chan types.VtxoEvent, 100),
	}, nil
}

// AddVtxos inserts the vtxos in a single badger transaction, skipping the
// outpoints already stored.
func (s *vtxoStore) AddVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	added := make([]types.Vtxo, 0, len(vtxos))
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		for _, vtxo := range vtxos {
			record := toVtxoRecord(vtxo)
			err := s.db.TxInsert(tx, vtxo.Outpoint.String(), &record)
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			if err != nil {
				return err
			}
			added = append(added, vtxo)
		}
		return nil
	})
	if err != nil {
		return -1, err
	}

	if len(added) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	return len(added), nil
}

// SpendVtxos marks the given outpoints spent by the mapped checkpoint (or
// forfeit) txid and records the ark txid. Unknown or already spent outpoints
// are ignored.
func (s *vtxoStore) SpendVtxos(
	_ context.Context, spentVtxoMap map[types.Outpoint]string, arkTxid string,
) (int, error) {
	spent := make([]types.Vtxo, 0, len(spentVtxoMap))
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		for outpoint, spentBy := range spentVtxoMap {
			var record vtxoRecord
			err := s.db.TxGet(tx, outpoint.String(), &record)
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if record.Spent {
				continue
			}
			record.Spent = true
			record.SpentBy = spentBy
			record.ArkTxid = arkTxid
			if err := s.db.TxUpdate(tx, outpoint.String(), &record); err != nil {
				return err
			}
			spent = append(spent, record.toVtxo())
		}
		return nil
	})
	if err != nil {
		return -1, err
	}

	if len(spent) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	}
	return len(spent), nil
}

func (s *vtxoStore) UpdateVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	err := s.db.Badger().Update(func(tx *badger.Txn) error {
		for _, vtxo := range vtxos {
			record := toVtxoRecord(vtxo)
			if err := s.db.TxUpsert(tx, vtxo.Outpoint.String(), &record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return -1, err
	}
	if len(vtxos) > 0 {
		go s.sendEvent(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: vtxos})
	}
	return len(vtxos), nil
}

func (s *vtxoStore) GetAllVtxos(
	_ context.Context,
) (spendable, spent []types.Vtxo, err error) {
	var allVtxoRecords []vtxoRecord
	if err = s.db.Find(&allVtxoRecords, nil); err != nil {
		return nil, nil, err
	}

	for _, record := range allVtxoRecords {
		vtxo := record.toVtxo()
		if vtxo.Spent {
			spent = append(spent, vtxo)
		} else {
			spendable = append(spendable, vtxo)
		}
	}
	return
}

func (s *vtxoStore) GetVtxos(
	_ context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	var vtxos []types.Vtxo
	for _, key := range keys {
		var record vtxoRecord
		if err := s.db.Get(key.String(), &record); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return nil, err
		}
		vtxos = append(vtxos, record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) GetVtxosByScripts(
	_ context.Context, scripts []string,
) ([]types.Vtxo, error) {
	if len(scripts) == 0 {
		return nil, nil
	}
	var records []vtxoRecord
	query := badgerhold.Where("Script").In(badgerhold.Slice(scripts)...)
	if err := s.db.Find(&records, query); err != nil {
		return nil, err
	}
	vtxos := make([]types.Vtxo, 0, len(records))
	for _, record := range records {
		vtxos = append(vtxos, record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) GetEventChannel() <-chan types.VtxoEvent {
	return s.eventCh
}

func (s *vtxoStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the vtxo db: %s", err)
	}
	return nil
}

func (s *vtxoStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func (s *vtxoStore) sendEvent(event types.VtxoEvent) {
	s.lock.Lock()
	defer s.lock.Unlock()

	select {
	case s.eventCh <- event:
		return
	default:
		time.Sleep(100 * time.Millisecond)
	}
}

func toVtxoRecord(vtxo types.Vtxo) vtxoRecord {
	return vtxoRecord{
		Outpoint:        vtxo.Outpoint,
		Script:          vtxo.Script,
		Amount:          vtxo.Amount,
		CommitmentTxids: vtxo.CommitmentTxids,
		CreatedAt:       vtxo.CreatedAt,
		ExpiresAt:       vtxo.ExpiresAt,
		ExpiresAtHeight: vtxo.ExpiresAtHeight,
		Preconfirmed:    vtxo.Preconfirmed,
		Swept:           vtxo.Swept,
		Spent:           vtxo.Spent,
		SpentBy:         vtxo.SpentBy,
		SettledBy:       vtxo.SettledBy,
		ArkTxid:         vtxo.ArkTxid,
		Recoverable:     vtxo.Recoverable,
	}
}

func (r vtxoRecord) toVtxo() types.Vtxo {
	return types.Vtxo{
		Outpoint:        r.Outpoint,
		Script:          r.Script,
		Amount:          r.Amount,
		CommitmentTxids: r.CommitmentTxids,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		ExpiresAtHeight: r.ExpiresAtHeight,
		Preconfirmed:    r.Preconfirmed,
		Swept:           r.Swept,
		Spent:           r.Spent,
		SpentBy:         r.SpentBy,
		SettledBy:       r.SettledBy,
		ArkTxid:         r.ArkTxid,
		Recoverable:     r.Recoverable,
	}
}

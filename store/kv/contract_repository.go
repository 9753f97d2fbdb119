package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	contractStoreDir = "contracts"
)

type contractStore struct {
	db *badgerhold.Store
}

func NewContractStore(dir string, logger badger.Logger) (types.ContractStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, contractStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract store: %s", err)
	}
	return &contractStore{badgerDb}, nil
}

func (s *contractStore) AddContracts(
	_ context.Context, contracts []types.WalletContract,
) (int, error) {
	count := 0
	for _, c := range contracts {
		if err := s.db.Insert(c.Script, &c); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				continue
			}
			return -1, err
		}
		count++
	}
	return count, nil
}

func (s *contractStore) SetActive(_ context.Context, script string, active bool) error {
	var c types.WalletContract
	if err := s.db.Get(script, &c); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("contract %s %w", script, types.ErrNotFound)
		}
		return err
	}
	c.Active = active
	return s.db.Update(script, &c)
}

func (s *contractStore) GetContract(
	_ context.Context, script string,
) (*types.WalletContract, error) {
	var c types.WalletContract
	if err := s.db.Get(script, &c); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("contract %s %w", script, types.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (s *contractStore) ListContracts(
	_ context.Context, walletID string, activeOnly bool,
) ([]types.WalletContract, error) {
	var query *badgerhold.Query
	if walletID != "" {
		query = badgerhold.Where("WalletID").Eq(walletID)
	}
	if activeOnly {
		if query == nil {
			query = badgerhold.Where("Active").Eq(true)
		} else {
			query = query.And("Active").Eq(true)
		}
	}

	var contracts []types.WalletContract
	if err := s.db.Find(&contracts, query); err != nil {
		return nil, err
	}
	sort.SliceStable(contracts, func(i, j int) bool {
		return contracts[i].CreatedAt.Before(contracts[j].CreatedAt)
	})
	return contracts, nil
}

func (s *contractStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the contract db: %s", err)
	}
	return nil
}

func (s *contractStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

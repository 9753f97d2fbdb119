package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	walletStoreDir = "wallets"
)

type walletStore struct {
	db *badgerhold.Store
}

func NewWalletStore(dir string, logger badger.Logger) (types.WalletStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, walletStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %s", err)
	}
	return &walletStore{badgerDb}, nil
}

func (s *walletStore) UpsertWallet(_ context.Context, wallet types.Wallet) error {
	if wallet.ID == "" {
		return fmt.Errorf("missing wallet id")
	}
	return s.db.Upsert(wallet.ID, &wallet)
}

func (s *walletStore) GetWallet(_ context.Context, id string) (*types.Wallet, error) {
	var wallet types.Wallet
	if err := s.db.Get(id, &wallet); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("wallet %s %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &wallet, nil
}

func (s *walletStore) ListWallets(_ context.Context) ([]types.Wallet, error) {
	var wallets []types.Wallet
	if err := s.db.Find(&wallets, nil); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (s *walletStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the wallet db: %s", err)
	}
	return nil
}

func (s *walletStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

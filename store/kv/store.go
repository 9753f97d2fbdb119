package kvstore

import (
	"context"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

type store struct {
	wallets   types.WalletStore
	contracts types.ContractStore
	vtxos     types.VtxoStore
	intents   types.IntentStore
}

// NewStore opens the badger backed stores under dir, in memory if dir is
// empty.
func NewStore(dir string, logger badger.Logger) (types.Store, error) {
	if logger == nil {
		logger = NewLogger()
	}
	wallets, err := NewWalletStore(dir, logger)
	if err != nil {
		return nil, err
	}
	contracts, err := NewContractStore(dir, logger)
	if err != nil {
		wallets.Close()
		return nil, err
	}
	vtxos, err := NewVtxoStore(dir, logger)
	if err != nil {
		wallets.Close()
		contracts.Close()
		return nil, err
	}
	intents, err := NewIntentStore(dir, logger)
	if err != nil {
		wallets.Close()
		contracts.Close()
		vtxos.Close()
		return nil, err
	}
	return &store{wallets, contracts, vtxos, intents}, nil
}

func (s *store) WalletStore() types.WalletStore     { return s.wallets }
func (s *store) ContractStore() types.ContractStore { return s.contracts }
func (s *store) VtxoStore() types.VtxoStore         { return s.vtxos }
func (s *store) IntentStore() types.IntentStore     { return s.intents }

func (s *store) Clean(ctx context.Context) {
	if err := s.wallets.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.contracts.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.vtxos.Clean(ctx); err != nil {
		log.Warn(err)
	}
	if err := s.intents.Clean(ctx); err != nil {
		log.Warn(err)
	}
}

func (s *store) Close() {
	s.wallets.Close()
	s.contracts.Close()
	s.vtxos.Close()
	s.intents.Close()
}

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const (
	intentStoreDir = "intents"
)

type intentStore struct {
	db *badgerhold.Store
}

func NewIntentStore(dir string, logger badger.Logger) (types.IntentStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, intentStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent store: %s", err)
	}
	return &intentStore{badgerDb}, nil
}

func (s *intentStore) AddIntent(_ context.Context, intent types.Intent) error {
	if intent.ID == "" {
		return fmt.Errorf("missing intent id")
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	intent.UpdatedAt = intent.CreatedAt
	if err := s.db.Insert(intent.ID, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", types.ErrIntentExists, intent.ID)
		}
		return err
	}
	return nil
}

func (s *intentStore) UpdateIntent(_ context.Context, intent types.Intent) error {
	intent.UpdatedAt = time.Now()
	if err := s.db.Update(intent.ID, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("intent %s %w", intent.ID, types.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *intentStore) GetIntent(_ context.Context, id string) (*types.Intent, error) {
	var intent types.Intent
	if err := s.db.Get(id, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("intent %s %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &intent, nil
}

func (s *intentStore) ListIntents(
	_ context.Context, states ...types.IntentState,
) ([]types.Intent, error) {
	var all []types.Intent
	if err := s.db.Find(&all, nil); err != nil {
		return nil, err
	}

	intents := make([]types.Intent, 0, len(all))
	for _, intent := range all {
		if len(states) > 0 && !hasState(states, intent.State) {
			continue
		}
		intents = append(intents, intent)
	}
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}

func (s *intentStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the intent db: %s", err)
	}
	return nil
}

func (s *intentStore) Close() {
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing db: %s", err)
	}
}

func hasState(states []types.IntentState, state types.IntentState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

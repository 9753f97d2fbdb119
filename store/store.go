package store

import (
	"fmt"

	kvstore "github.com/arkade-os/arkpay-sdk/store/kv"
	sqlstore "github.com/arkade-os/arkpay-sdk/store/sql"
	"github.com/arkade-os/arkpay-sdk/types"
)

type Config struct {
	StoreType string
	BaseDir   string
}

// NewStore opens the store of the given type. The in-memory store is a kv
// store with no backing directory.
func NewStore(config Config) (types.Store, error) {
	switch config.StoreType {
	case types.InMemoryStore:
		return kvstore.NewStore("", nil)
	case types.KVStore:
		if config.BaseDir == "" {
			return nil, fmt.Errorf("missing base dir for kv store")
		}
		return kvstore.NewStore(config.BaseDir, nil)
	case types.SQLStore:
		if config.BaseDir == "" {
			return nil, fmt.Errorf("missing base dir for sql store")
		}
		return sqlstore.NewStore(config.BaseDir)
	default:
		return nil, fmt.Errorf("unknown store type %q", config.StoreType)
	}
}

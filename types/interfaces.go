package types

import (
	"context"
)

type Store interface {
	WalletStore() WalletStore
	ContractStore() ContractStore
	VtxoStore() VtxoStore
	IntentStore() IntentStore
	Clean(ctx context.Context)
	Close()
}

type WalletStore interface {
	UpsertWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
	Clean(ctx context.Context) error
	Close()
}

type ContractStore interface {
	// AddContracts ignores contracts whose script is already stored.
	AddContracts(ctx context.Context, contracts []WalletContract) (int, error)
	SetActive(ctx context.Context, script string, active bool) error
	GetContract(ctx context.Context, script string) (*WalletContract, error)
	// ListContracts returns the contracts of walletID, or of every wallet if
	// walletID is empty.
	ListContracts(ctx context.Context, walletID string, activeOnly bool) ([]WalletContract, error)
	Clean(ctx context.Context) error
	Close()
}

type VtxoStore interface {
	AddVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	SpendVtxos(
		ctx context.Context, spentVtxos map[Outpoint]string, arkTxid string,
	) (int, error)
	UpdateVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	GetAllVtxos(ctx context.Context) (spendable, spent []Vtxo, err error)
	GetVtxos(ctx context.Context, keys []Outpoint) ([]Vtxo, error)
	GetVtxosByScripts(ctx context.Context, scripts []string) ([]Vtxo, error)
	Clean(ctx context.Context) error
	GetEventChannel() <-chan VtxoEvent
	Close()
}

type IntentStore interface {
	// AddIntent fails with ErrIntentExists if the id is taken.
	AddIntent(ctx context.Context, intent Intent) error
	UpdateIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	// ListIntents returns the intents in any of states, all if none given.
	ListIntents(ctx context.Context, states ...IntentState) ([]Intent, error)
	Clean(ctx context.Context) error
	Close()
}

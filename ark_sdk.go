package arksdk

import (
	"context"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
)

var Version string

// ArkService settles the coins of many wallets with one operator. Start
// runs the vtxo sync and the batch engines until Stop is called.
type ArkService interface {
	GetVersion() string
	Start(ctx context.Context) error
	Stop()
	GetTerms(ctx context.Context) (*client.Terms, error)
	AddWallet(ctx context.Context, walletID string, signer wallet.Signer) error
	NewContract(ctx context.Context, walletID string) (string, error)
	ListVtxos(ctx context.Context, walletID string) (spendable, spent []types.Vtxo, err error)
	Balance(ctx context.Context, walletID string) (*Balance, error)
	SendOffChain(
		ctx context.Context, walletID string, receivers []types.Receiver, opts ...Option,
	) (string, error)
	CreateIntent(
		ctx context.Context, walletID string, receivers []types.Receiver, opts ...Option,
	) (*types.Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	ListIntents(ctx context.Context, states ...types.IntentState) ([]types.Intent, error)
	Subscribe(buf int, eventTypes ...types.VtxoEventType) <-chan types.VtxoEvent
	Unsubscribe(ch <-chan types.VtxoEvent)
}

type Balance struct {
	Spendable   uint64
	Recoverable uint64
	Locked      uint64
}

package arksdk

import (
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/batch"
	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/syncer"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
)

type ServiceOption func(*arkService)

// WithTransportClient replaces the REST operator client.
func WithTransportClient(transport client.TransportClient) ServiceOption {
	return func(s *arkService) {
		s.transport = transport
	}
}

// WithIndexer replaces the REST indexer client.
func WithIndexer(indexerSvc indexer.Indexer) ServiceOption {
	return func(s *arkService) {
		s.indexer = indexerSvc
	}
}

// WithStore replaces the store opened from the config.
func WithStore(store types.Store) ServiceOption {
	return func(s *arkService) {
		s.store = store
	}
}

// WithContractBuilder changes the contract derived by NewContract.
func WithContractBuilder(builder wallet.ContractBuilder) ServiceOption {
	return func(s *arkService) {
		s.contractBuilder = builder
	}
}

func WithBatchOptions(opts ...batch.Option) ServiceOption {
	return func(s *arkService) {
		s.batchOpts = append(s.batchOpts, opts...)
	}
}

func WithSyncOptions(opts ...syncer.Option) ServiceOption {
	return func(s *arkService) {
		s.syncOpts = append(s.syncOpts, opts...)
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *arkService) {
		if now != nil {
			s.now = now
		}
	}
}

type Option func(options any) error

// SendOptions customizes the coin selection of SendOffChain
type SendOptions struct {
	Coins                []types.Outpoint
	WithoutExpirySorting bool
}

func newDefaultSendOptions() *SendOptions {
	return &SendOptions{}
}

// IntentOptions customizes the intents created by CreateIntent
type IntentOptions struct {
	Coins           []types.Outpoint
	ValidFrom       time.Time
	ValidUntil      time.Time
	PartialForfeits []string
}

func newDefaultIntentOptions() *IntentOptions {
	return &IntentOptions{}
}

// WithCoins pins the coins to spend instead of selecting them.
func WithCoins(outpoints ...types.Outpoint) Option {
	return func(o any) error {
		if len(outpoints) == 0 {
			return fmt.Errorf("no coins provided")
		}

		switch opts := o.(type) {
		case *SendOptions:
			opts.Coins = outpoints
		case *IntentOptions:
			opts.Coins = outpoints
		default:
			return fmt.Errorf("invalid options type %T", o)
		}
		return nil
	}
}

// WithoutExpirySorting selects coins in store order
func WithoutExpirySorting(o any) error {
	opts, err := checkSendOptionsType(o)
	if err != nil {
		return err
	}

	opts.WithoutExpirySorting = true
	return nil
}

// WithValidity bounds the time window in which the intent can join a batch.
func WithValidity(validFrom, validUntil time.Time) Option {
	return func(o any) error {
		opts, err := checkIntentOptionsType(o)
		if err != nil {
			return err
		}

		if !validUntil.IsZero() && !validFrom.IsZero() && !validUntil.After(validFrom) {
			return fmt.Errorf("invalid validity window")
		}
		opts.ValidFrom = validFrom
		opts.ValidUntil = validUntil
		return nil
	}
}

// WithPartialForfeits provides forfeit txs already signed by the coin
// owner, submitted as is when the intent joins a batch.
func WithPartialForfeits(forfeitTxs ...string) Option {
	return func(o any) error {
		opts, err := checkIntentOptionsType(o)
		if err != nil {
			return err
		}

		opts.PartialForfeits = forfeitTxs
		return nil
	}
}

func checkSendOptionsType(o any) (*SendOptions, error) {
	opts, ok := o.(*SendOptions)
	if !ok {
		return nil, fmt.Errorf("invalid options type")
	}
	return opts, nil
}

func checkIntentOptionsType(o any) (*IntentOptions, error) {
	opts, ok := o.(*IntentOptions)
	if !ok {
		return nil, fmt.Errorf("invalid options type")
	}
	return opts, nil
}

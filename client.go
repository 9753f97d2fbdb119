package arksdk

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arkade-os/arkpay-sdk/batch"
	"github.com/arkade-os/arkpay-sdk/client"
	restclient "github.com/arkade-os/arkpay-sdk/client/rest"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/config"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/indexer"
	restindexer "github.com/arkade-os/arkpay-sdk/indexer/rest"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/offchain"
	"github.com/arkade-os/arkpay-sdk/store"
	"github.com/arkade-os/arkpay-sdk/syncer"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	termsCacheKey = "terms"
	syncLockKey   = "vtxo-sync"
)

type arkService struct {
	cfg             *config.Config
	transport       client.TransportClient
	indexer         indexer.Indexer
	store           types.Store
	contractBuilder wallet.ContractBuilder
	batchOpts       []batch.Option
	syncOpts        []syncer.Option
	now             func() time.Time

	syncer *syncer.Engine
	batch  *batch.Engine
	terms  *utils.TTLCache[string, *client.Terms]
	// locker serializes the spends of the same wallet with each other and
	// the vtxo sync.
	locker *utils.KeyedMutex

	signersLock *sync.RWMutex
	signers     map[string]wallet.Signer

	lock   *sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewArkService wires the engines of the service. Transport, indexer and
// store are built from cfg unless provided with the options.
func NewArkService(cfg *config.Config, opts ...ServiceOption) (ArkService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing config")
	}
	log.SetLevel(cfg.LogLevel)

	svc := &arkService{
		cfg:             cfg,
		contractBuilder: wallet.NewDefaultContractBuilder(),
		now:             time.Now,
		locker:          utils.NewKeyedMutex(),
		signersLock:     &sync.RWMutex{},
		signers:         make(map[string]wallet.Signer),
		lock:            &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(svc)
	}

	var err error
	if svc.transport == nil {
		svc.transport, err = restclient.NewClient(
			cfg.ServerUrl, restclient.WithRequestTimeout(cfg.RequestTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to setup transport client: %s", err)
		}
	}
	if svc.indexer == nil {
		svc.indexer, err = restindexer.NewClient(
			cfg.IndexerUrl, restindexer.WithRequestTimeout(cfg.RequestTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to setup indexer: %s", err)
		}
	}
	if svc.store == nil {
		svc.store, err = store.NewStore(store.Config{
			StoreType: cfg.StoreType,
			BaseDir:   cfg.StoreDir(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to setup store: %s", err)
		}
	}

	ttl := cfg.TermsCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	svc.terms = utils.NewTTLCache[string, *client.Terms](1, ttl)

	syncOpts := append([]syncer.Option{
		syncer.WithWatchdogInterval(cfg.WatchdogInterval),
		syncer.WithLocker(svc.locker, syncLockKey),
		syncer.WithClock(svc.now),
	}, svc.syncOpts...)
	svc.syncer, err = syncer.NewEngine(svc.indexer, svc.store, syncOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to setup vtxo sync: %s", err)
	}

	batchOpts := append([]batch.Option{
		batch.WithSubmitInterval(cfg.SubmitInterval),
		batch.WithClock(svc.now),
	}, svc.batchOpts...)
	svc.batch, err = batch.NewEngine(svc.transport, svc.store, svc, svc.GetTerms, batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to setup batch engine: %s", err)
	}

	return svc, nil
}

func (s *arkService) GetVersion() string {
	return Version
}

// Start runs the background engines in their own scope, bound to ctx.
func (s *arkService) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.group != nil {
		return ErrAlreadyStarted
	}

	if _, err := s.GetTerms(ctx); err != nil {
		return fmt.Errorf("failed to get operator terms: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.syncer.Run(gctx)
	})
	g.Go(func() error {
		return s.batch.Run(gctx)
	})

	s.cancel = cancel
	s.group = g
	log.Infof("ark service started with %s", s.cfg.ServerUrl)
	return nil
}

// Stop cancels the background engines, waits for them to exit and
// releases the transport and store.
func (s *arkService) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.group != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("background engine exited with error")
		}
		s.group = nil
		s.cancel = nil
	}

	s.transport.Close()
	s.indexer.Close()
	s.store.Close()
	log.Info("ark service stopped")
}

// GetTerms returns the operator terms, cached for the configured ttl.
func (s *arkService) GetTerms(ctx context.Context) (*client.Terms, error) {
	return s.terms.GetOrFetch(ctx, termsCacheKey, func(ctx context.Context) (*client.Terms, error) {
		info, err := s.transport.GetInfo(ctx)
		if err != nil {
			return nil, err
		}
		terms, err := info.Terms()
		if err != nil {
			return nil, err
		}
		if terms.Network.Name != s.cfg.Network.Name {
			return nil, fmt.Errorf(
				"operator network %s does not match configured %s",
				terms.Network.Name, s.cfg.Network.Name,
			)
		}
		return terms, nil
	})
}

// AddWallet makes signer available to the service under walletID. The
// public key is persisted, the signer is not.
func (s *arkService) AddWallet(ctx context.Context, walletID string, signer wallet.Signer) error {
	if walletID == "" {
		return fmt.Errorf("missing wallet id")
	}
	if signer == nil {
		return fmt.Errorf("missing signer")
	}

	pubkey, err := signer.PubKey(ctx)
	if err != nil {
		return err
	}
	pubkeyHex := hex.EncodeToString(pubkey.SerializeCompressed())

	stored, err := s.store.WalletStore().GetWallet(ctx, walletID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if stored != nil && stored.PubKey != pubkeyHex {
		return fmt.Errorf("%w: %s", ErrWalletExists, walletID)
	}
	if stored == nil {
		if err := s.store.WalletStore().UpsertWallet(ctx, types.Wallet{
			ID:        walletID,
			PubKey:    pubkeyHex,
			CreatedAt: s.now(),
		}); err != nil {
			return err
		}
	}

	s.signersLock.Lock()
	s.signers[walletID] = signer
	s.signersLock.Unlock()
	return nil
}

// Signer resolves the signer registered for walletID.
func (s *arkService) Signer(_ context.Context, walletID string) (wallet.Signer, error) {
	s.signersLock.RLock()
	defer s.signersLock.RUnlock()

	signer, ok := s.signers[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return signer, nil
}

// NewContract derives a new receiving contract for the wallet, persists it
// and follows its script. It returns the ark address of the contract.
func (s *arkService) NewContract(ctx context.Context, walletID string) (string, error) {
	c, err := s.newContract(ctx, walletID)
	if err != nil {
		return "", err
	}
	return s.encodeAddress(c)
}

func (s *arkService) newContract(ctx context.Context, walletID string) (contract.Contract, error) {
	signer, err := s.Signer(ctx, walletID)
	if err != nil {
		return nil, err
	}
	terms, err := s.GetTerms(ctx)
	if err != nil {
		return nil, err
	}
	pubkey, err := signer.PubKey(ctx)
	if err != nil {
		return nil, err
	}

	c, err := s.contractBuilder.BuildContract(pubkey, terms.SignerPubKey, terms.UnilateralExitDelay)
	if err != nil {
		return nil, err
	}
	pkScript, err := c.PkScript()
	if err != nil {
		return nil, err
	}

	if _, err := s.store.ContractStore().AddContracts(ctx, []types.WalletContract{{
		Script:    hex.EncodeToString(pkScript),
		WalletID:  walletID,
		Active:    true,
		Type:      c.Type(),
		Data:      c.GetContractData(),
		CreatedAt: s.now(),
	}}); err != nil {
		return nil, err
	}

	if err := s.syncer.Update(ctx); err != nil {
		log.WithError(err).Warnf("failed to follow new contract of wallet %s", walletID)
	}
	return c, nil
}

// ListVtxos returns the vtxos locked by the contracts of the wallet.
func (s *arkService) ListVtxos(
	ctx context.Context, walletID string,
) (spendable, spent []types.Vtxo, err error) {
	vtxos, err := s.walletVtxos(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	spendable, spent = make([]types.Vtxo, 0), make([]types.Vtxo, 0)
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			spent = append(spent, vtxo)
			continue
		}
		spendable = append(spendable, vtxo)
	}
	return spendable, spent, nil
}

func (s *arkService) Balance(ctx context.Context, walletID string) (*Balance, error) {
	spendable, _, err := s.ListVtxos(ctx, walletID)
	if err != nil {
		return nil, err
	}
	locked, err := s.lockedOutpoints(ctx)
	if err != nil {
		return nil, err
	}

	balance := &Balance{}
	now := s.now()
	for _, vtxo := range spendable {
		switch {
		case locked[vtxo.Outpoint]:
			balance.Locked += vtxo.Amount
		case vtxo.IsRecoverable(now):
			balance.Recoverable += vtxo.Amount
		default:
			balance.Spendable += vtxo.Amount
		}
	}
	return balance, nil
}

// SendOffChain pays receivers with an offchain tx spending the wallet's
// coins. On failure the spent scripts are polled again so that the local
// records reflect what the operator knows.
func (s *arkService) SendOffChain(
	ctx context.Context, walletID string, receivers []types.Receiver, opts ...Option,
) (string, error) {
	if len(receivers) <= 0 {
		return "", ErrMissingReceivers
	}

	options := newDefaultSendOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return "", err
		}
	}

	terms, err := s.GetTerms(ctx)
	if err != nil {
		return "", err
	}
	offchainReceivers, amount, err := validateOffchainReceivers(receivers, terms)
	if err != nil {
		return "", err
	}

	unlock := s.locker.Lock(walletID)
	defer unlock()

	coins, err := s.spendableCoins(ctx, walletID, options.Coins, false)
	if err != nil {
		return "", err
	}

	selected := coins
	if len(options.Coins) <= 0 {
		selected, _, err = utils.CoinSelect(
			coins, amount, terms.Dust, spendableCoinAmount, spendableCoinExpiry,
			options.WithoutExpirySorting,
		)
		if err != nil {
			return "", err
		}
	}

	changeAddr, err := s.changeAddress(ctx, walletID, terms)
	if err != nil {
		return "", err
	}

	txid, err := s.sendOffChain(ctx, selected, offchainReceivers, changeAddr, terms)
	if err != nil {
		scripts := make([]string, 0, len(selected))
		for _, c := range selected {
			scripts = append(scripts, hex.EncodeToString(c.TxOut.PkScript))
		}
		if resyncErr := s.syncer.Resync(ctx, scripts...); resyncErr != nil {
			log.WithError(resyncErr).Warn("failed to resync vtxos after failed send")
		}
		return "", err
	}
	return txid, nil
}

func (s *arkService) sendOffChain(
	ctx context.Context, coins []*coin.SpendableCoin, receivers []offchain.Receiver,
	changeAddr *contract.ArkAddress, terms *client.Terms,
) (string, error) {
	totalIn := int64(0)
	for _, c := range coins {
		totalIn += c.Amount()
	}

	outputs, err := offchain.BuildOutputs(receivers, changeAddr, totalIn, terms.Dust)
	if err != nil {
		return "", err
	}
	tx, err := offchain.BuildTxs(coins, outputs)
	if err != nil {
		return "", err
	}
	if err := offchain.SignArkTx(ctx, tx); err != nil {
		return "", err
	}

	signedArkTx, err := txutils.EncodePsbt(tx.ArkTx)
	if err != nil {
		return "", err
	}
	checkpoints, err := tx.EncodedCheckpoints()
	if err != nil {
		return "", err
	}

	arkTxid, finalArkTx, signedCheckpoints, err := s.transport.SubmitTx(ctx, signedArkTx, checkpoints)
	if err != nil {
		return "", err
	}

	// validate and verify the txs returned by the server
	finalPtx, err := txutils.DecodePsbt(finalArkTx)
	if err != nil {
		return "", err
	}
	if err := offchain.VerifySignedTx(tx.ArkTx, finalPtx, terms.SignerPubKey); err != nil {
		return "", err
	}
	if arkTxid != tx.Txid() {
		return "", offchain.DigestMismatchError{Expected: tx.Txid(), Actual: arkTxid}
	}

	finalCheckpoints, err := offchain.FinalizeCheckpoints(ctx, tx, signedCheckpoints, terms.SignerPubKey)
	if err != nil {
		return "", err
	}
	if err := s.transport.FinalizeTx(ctx, arkTxid, finalCheckpoints); err != nil {
		return "", err
	}

	spent := make(map[types.Outpoint]string, len(coins))
	for i, c := range coins {
		spent[types.OutpointFromWire(c.Outpoint)] = tx.Checkpoints[i].UnsignedTx.TxID()
	}
	if _, err := s.store.VtxoStore().SpendVtxos(ctx, spent, arkTxid); err != nil {
		log.WithError(err).Warnf("failed to mark vtxos spent by %s", arkTxid)
	}

	log.Infof("offchain tx %s finalized", arkTxid)
	return arkTxid, nil
}

// CreateIntent locks the wallet's coins, every spendable and recoverable one
// unless pinned with WithCoins, into an intent settled in the next batch.
// Without receivers the whole amount goes to a wallet contract.
func (s *arkService) CreateIntent(
	ctx context.Context, walletID string, receivers []types.Receiver, opts ...Option,
) (*types.Intent, error) {
	options := newDefaultIntentOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}

	unlock := s.locker.Lock(walletID)
	defer unlock()

	coins, err := s.spendableCoins(ctx, walletID, options.Coins, true)
	if err != nil {
		return nil, err
	}
	if len(coins) <= 0 {
		return nil, utils.ErrNotEnoughFunds
	}

	if len(receivers) <= 0 {
		terms, err := s.GetTerms(ctx)
		if err != nil {
			return nil, err
		}
		addr, err := s.changeAddress(ctx, walletID, terms)
		if err != nil {
			return nil, err
		}
		encoded, err := addr.Encode()
		if err != nil {
			return nil, err
		}
		total := uint64(0)
		for _, c := range coins {
			total += uint64(c.Amount())
		}
		receivers = []types.Receiver{{To: encoded, Amount: total}}
	}

	return s.batch.CreateIntent(ctx, batch.IntentRequest{
		WalletID:        walletID,
		Coins:           coins,
		Receivers:       receivers,
		ValidFrom:       options.ValidFrom,
		ValidUntil:      options.ValidUntil,
		PartialForfeits: options.PartialForfeits,
	})
}

func (s *arkService) CancelIntent(ctx context.Context, intentID string) error {
	return s.batch.CancelIntent(ctx, intentID)
}

func (s *arkService) ListIntents(
	ctx context.Context, states ...types.IntentState,
) ([]types.Intent, error) {
	return s.batch.GetIntents(ctx, states...)
}

// Subscribe returns a channel notified of the vtxos added, spent or updated
// by the sync engine.
func (s *arkService) Subscribe(
	buf int, eventTypes ...types.VtxoEventType,
) <-chan types.VtxoEvent {
	return s.syncer.Subscribe(buf, eventTypes...)
}

func (s *arkService) Unsubscribe(ch <-chan types.VtxoEvent) {
	s.syncer.Unsubscribe(ch)
}

func (s *arkService) walletVtxos(ctx context.Context, walletID string) ([]types.Vtxo, error) {
	contracts, err := s.store.ContractStore().ListContracts(ctx, walletID, false)
	if err != nil {
		return nil, err
	}
	if len(contracts) <= 0 {
		return nil, nil
	}
	scripts := make([]string, 0, len(contracts))
	for _, c := range contracts {
		scripts = append(scripts, c.Script)
	}
	return s.store.VtxoStore().GetVtxosByScripts(ctx, scripts)
}

// spendableCoins resolves the unspent, unlocked coins of the wallet, or only
// the pinned ones. Recoverable coins can only be settled in a batch.
func (s *arkService) spendableCoins(
	ctx context.Context, walletID string, pinned []types.Outpoint, withRecoverable bool,
) ([]*coin.SpendableCoin, error) {
	signer, err := s.Signer(ctx, walletID)
	if err != nil {
		return nil, err
	}
	vtxos, err := s.walletVtxos(ctx, walletID)
	if err != nil {
		return nil, err
	}
	locked, err := s.lockedOutpoints(ctx)
	if err != nil {
		return nil, err
	}

	pinnedSet := make(map[types.Outpoint]bool, len(pinned))
	for _, outpoint := range pinned {
		pinnedSet[outpoint] = true
	}
	isPinned := func(outpoint types.Outpoint) bool {
		return len(pinnedSet) > 0 && pinnedSet[outpoint]
	}

	now := s.now()
	found := make(map[types.Outpoint]bool, len(pinned))
	coins := make([]*coin.SpendableCoin, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if len(pinnedSet) > 0 && !pinnedSet[vtxo.Outpoint] {
			continue
		}
		if vtxo.Spent || locked[vtxo.Outpoint] {
			if isPinned(vtxo.Outpoint) {
				return nil, fmt.Errorf("coin %s is not spendable", vtxo.Outpoint)
			}
			continue
		}
		if vtxo.IsRecoverable(now) && !withRecoverable {
			if isPinned(vtxo.Outpoint) {
				return nil, fmt.Errorf("coin %s can only be settled in a batch", vtxo.Outpoint)
			}
			continue
		}

		walletContract, err := s.store.ContractStore().GetContract(ctx, vtxo.Script)
		if err != nil {
			return nil, err
		}
		c, err := walletContract.Contract()
		if err != nil {
			return nil, err
		}
		arkCoin, err := coin.FromVtxo(vtxo, c)
		if err != nil {
			return nil, err
		}
		spendable, err := coin.GetSpendableCoin(ctx, arkCoin, signer, contract.SpendOptions{Now: now})
		if err != nil {
			if isPinned(vtxo.Outpoint) {
				return nil, fmt.Errorf("coin %s: %w", vtxo.Outpoint, err)
			}
			log.WithError(err).Debugf("skipping coin %s", vtxo.Outpoint)
			continue
		}
		coins = append(coins, spendable)
		found[vtxo.Outpoint] = true
	}

	for _, outpoint := range pinned {
		if !found[outpoint] {
			return nil, fmt.Errorf("coin %s not found", outpoint)
		}
	}
	return coins, nil
}

func (s *arkService) lockedOutpoints(ctx context.Context) (map[types.Outpoint]bool, error) {
	intents, err := s.store.IntentStore().ListIntents(
		ctx, types.IntentWaitingToSubmit, types.IntentWaitingForBatch,
	)
	if err != nil {
		return nil, err
	}
	locked := make(map[types.Outpoint]bool)
	for _, in := range intents {
		for _, outpoint := range in.LockedVtxos {
			locked[outpoint] = true
		}
	}
	return locked, nil
}

// changeAddress returns the address of the oldest active contract of the
// wallet, deriving one if there is none.
func (s *arkService) changeAddress(
	ctx context.Context, walletID string, terms *client.Terms,
) (*contract.ArkAddress, error) {
	contracts, err := s.store.ContractStore().ListContracts(ctx, walletID, true)
	if err != nil {
		return nil, err
	}

	var c contract.Contract
	for _, walletContract := range contracts {
		parsed, err := walletContract.Contract()
		if err != nil {
			continue
		}
		if parsed.Server() == nil || !parsed.Server().IsEqual(terms.SignerPubKey) {
			continue
		}
		if c == nil {
			c = parsed
		}
	}
	if c == nil {
		if c, err = s.newContract(ctx, walletID); err != nil {
			return nil, err
		}
	}
	return c.GetArkAddress(s.cfg.Network)
}

func (s *arkService) encodeAddress(c contract.Contract) (string, error) {
	addr, err := c.GetArkAddress(s.cfg.Network)
	if err != nil {
		return "", err
	}
	return addr.Encode()
}

package batch

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/intent"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SignerProvider resolves the signer of a wallet.
type SignerProvider interface {
	Signer(ctx context.Context, walletID string) (wallet.Signer, error)
}

// TermsProvider returns the current operator terms.
type TermsProvider func(ctx context.Context) (*client.Terms, error)

// IntentRequest asks to settle Coins of WalletID into Receivers in the next
// batch. PartialForfeits are forfeit txs already signed by the owner, used
// instead of building new ones for the coins they spend.
type IntentRequest struct {
	WalletID        string
	Coins           []*coin.SpendableCoin
	Receivers       []types.Receiver
	ValidFrom       time.Time
	ValidUntil      time.Time
	PartialForfeits []string
}

// Engine registers intents with the operator and takes part in the batches
// selecting them. Every intent moves through the states
// WaitingToSubmit -> WaitingForBatch -> BatchSucceeded | BatchFailed, and can
// be cancelled while it is not in a batch.
type Engine struct {
	transport client.TransportClient
	store     types.Store
	signers   SignerProvider
	terms     TermsProvider

	submitInterval time.Duration
	intentTTL      time.Duration
	sessionTimeout time.Duration
	now            func() time.Time

	// createLock makes the check for locked coins and the insert of the
	// new intent atomic.
	createLock *sync.Mutex
	// locker serializes the state transitions of the same intent.
	locker *utils.KeyedMutex

	lock   *sync.RWMutex
	active map[string]*activeIntent
	coins  map[string][]*coin.SpendableCoin

	trigger       chan struct{}
	topicsChanged chan struct{}
	sessionDone   chan sessionResult
}

// activeIntent is an intent registered with the operator.
type activeIntent struct {
	id      string
	hash    string
	topics  []string
	session *session
}

func NewEngine(
	transport client.TransportClient, store types.Store,
	signers SignerProvider, terms TermsProvider, opts ...Option,
) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("missing transport client")
	}
	if store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if signers == nil {
		return nil, fmt.Errorf("missing signer provider")
	}
	if terms == nil {
		return nil, fmt.Errorf("missing terms provider")
	}

	e := &Engine{
		transport:      transport,
		store:          store,
		signers:        signers,
		terms:          terms,
		submitInterval: defaultSubmitInterval,
		intentTTL:      defaultIntentTTL,
		sessionTimeout: defaultSessionTimeout,
		now:            time.Now,
		createLock:     &sync.Mutex{},
		locker:         utils.NewKeyedMutex(),
		lock:           &sync.RWMutex{},
		active:         make(map[string]*activeIntent),
		coins:          make(map[string][]*coin.SpendableCoin),
		trigger:        make(chan struct{}, 1),
		topicsChanged:  make(chan struct{}, 1),
		sessionDone:    make(chan sessionResult, 16),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateIntent signs the register and delete proofs of the request and
// persists the intent as waiting to be submitted. Coins already locked by
// another active intent are rejected with ErrCoinAlreadyLocked.
func (e *Engine) CreateIntent(ctx context.Context, req IntentRequest) (*types.Intent, error) {
	if len(req.Coins) == 0 {
		return nil, ErrMissingCoins
	}
	if len(req.Receivers) == 0 {
		return nil, ErrMissingReceivers
	}

	terms, err := e.terms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get terms: %w", err)
	}
	netParams := utils.ToBitcoinNetwork(terms.Network)

	outputs := make([]*wire.TxOut, 0, len(req.Receivers))
	onchainIndexes := make([]int, 0)
	totalOut := int64(0)
	for i, receiver := range req.Receivers {
		out, isOnchain, err := receiver.ToTxOut(&netParams)
		if err != nil {
			return nil, fmt.Errorf("receiver %d: %w", i, err)
		}
		if out.Value <= 0 {
			return nil, fmt.Errorf("receiver %d: invalid amount %d", i, out.Value)
		}
		if isOnchain {
			onchainIndexes = append(onchainIndexes, i)
		}
		outputs = append(outputs, out)
		totalOut += out.Value
	}

	totalIn := int64(0)
	for _, c := range req.Coins {
		totalIn += c.Amount()
	}
	if totalOut > totalIn {
		return nil, fmt.Errorf(
			"%w: inputs %d, outputs %d", utils.ErrNotEnoughFunds, totalIn, totalOut,
		)
	}

	now := e.now()
	validUntil := req.ValidUntil
	if validUntil.IsZero() {
		validUntil = now.Add(e.intentTTL)
	}
	if !validUntil.After(now) {
		return nil, fmt.Errorf("intent validity already ended at %s", validUntil)
	}
	validAt := int64(0)
	if !req.ValidFrom.IsZero() {
		if !req.ValidFrom.Before(validUntil) {
			return nil, fmt.Errorf("intent validity starts after it ends")
		}
		validAt = req.ValidFrom.Unix()
	}

	// only vtxo tree outputs need a cosigner
	cosigners := make([]string, 0, 1)
	if len(onchainIndexes) < len(outputs) {
		pubkey, err := req.Coins[0].Signer.PubKey(ctx)
		if err != nil {
			return nil, err
		}
		cosigners = append(cosigners, hex.EncodeToString(pubkey.SerializeCompressed()))
	}

	inputs := make([]intent.Input, 0, len(req.Coins))
	tapTrees := make([]string, 0, len(req.Coins))
	lockedVtxos := make([]types.Outpoint, 0, len(req.Coins))
	for _, c := range req.Coins {
		in, err := intent.InputFromCoin(c)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", c.Outpoint, err)
		}
		encoded, err := in.TapTree.Encode()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
		tapTrees = append(tapTrees, hex.EncodeToString(encoded))
		lockedVtxos = append(lockedVtxos, types.OutpointFromWire(c.Outpoint))
	}

	registerMessage, err := intent.RegisterMessage{
		BaseMessage:          intent.BaseMessage{Type: intent.IntentMessageTypeRegister},
		InputTapTrees:        tapTrees,
		OnchainOutputIndexes: onchainIndexes,
		ValidAt:              validAt,
		ExpireAt:             validUntil.Unix(),
		CosignersPublicKeys:  cosigners,
	}.Encode()
	if err != nil {
		return nil, err
	}
	registerProof, err := signProof(ctx, registerMessage, inputs, outputs, req.Coins)
	if err != nil {
		return nil, fmt.Errorf("failed to sign register proof: %w", err)
	}

	deleteMessage, err := intent.DeleteMessage{
		BaseMessage: intent.BaseMessage{Type: intent.IntentMessageTypeDelete},
		ExpireAt:    validUntil.Unix(),
	}.Encode()
	if err != nil {
		return nil, err
	}
	deleteProof, err := signProof(ctx, deleteMessage, inputs, nil, req.Coins)
	if err != nil {
		return nil, fmt.Errorf("failed to sign delete proof: %w", err)
	}

	e.createLock.Lock()
	defer e.createLock.Unlock()

	if err := e.checkCoins(ctx, req.WalletID, req.Coins); err != nil {
		return nil, err
	}

	newIntent := types.Intent{
		ID:              uuid.New().String(),
		WalletID:        req.WalletID,
		State:           types.IntentWaitingToSubmit,
		LockedVtxos:     lockedVtxos,
		ValidFrom:       req.ValidFrom,
		ValidUntil:      validUntil,
		RegisterProof:   registerProof,
		RegisterMessage: registerMessage,
		DeleteProof:     deleteProof,
		DeleteMessage:   deleteMessage,
		PartialForfeits: req.PartialForfeits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.IntentStore().AddIntent(ctx, newIntent); err != nil {
		return nil, err
	}

	e.lock.Lock()
	e.coins[newIntent.ID] = req.Coins
	e.lock.Unlock()

	log.Debugf("created intent %s locking %d vtxos", newIntent.ID, len(lockedVtxos))
	e.triggerSubmission()
	return &newIntent, nil
}

// CancelIntent cancels an active intent not taking part in a batch. An
// intent registered with the operator is deleted from it first, the local
// cancellation happens anyway.
func (e *Engine) CancelIntent(ctx context.Context, id string) error {
	unlock := e.locker.Lock(id)
	defer unlock()

	stored, err := e.store.IntentStore().GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if !stored.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrIntentNotActive, id, stored.State)
	}

	if e.inSession(id) {
		return fmt.Errorf("%w: %s", ErrIntentInBatch, id)
	}

	return e.cancel(ctx, stored, "cancelled by user")
}

// GetIntents lists the intents in any of states, all if none given.
func (e *Engine) GetIntents(ctx context.Context, states ...types.IntentState) ([]types.Intent, error) {
	return e.store.IntentStore().ListIntents(ctx, states...)
}

// Run drives the intents until ctx is done: it submits the pending ones and
// follows the batch event stream for the registered ones.
func (e *Engine) Run(ctx context.Context) error {
	registered, err := e.store.IntentStore().ListIntents(ctx, types.IntentWaitingForBatch)
	if err != nil {
		return err
	}
	for _, registeredIntent := range registered {
		e.addActive(registeredIntent)
	}
	log.Debugf("batch engine started with %d registered intents", len(registered))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.submissionLoop(gctx)
		return nil
	})
	g.Go(func() error {
		e.streamLoop(gctx)
		return nil
	})
	err = g.Wait()

	e.lock.Lock()
	for _, a := range e.active {
		if a.session != nil {
			a.session.cancel()
		}
	}
	e.lock.Unlock()
	return err
}

// checkCoins verifies that every coin belongs to walletID, is not spent and
// is not locked by an active intent.
func (e *Engine) checkCoins(ctx context.Context, walletID string, coins []*coin.SpendableCoin) error {
	activeIntents, err := e.store.IntentStore().ListIntents(
		ctx, types.IntentWaitingToSubmit, types.IntentWaitingForBatch,
	)
	if err != nil {
		return err
	}

	outpoints := make([]types.Outpoint, 0, len(coins))
	for _, c := range coins {
		outpoint := types.OutpointFromWire(c.Outpoint)
		for _, activeIntent := range activeIntents {
			if activeIntent.Locks(outpoint) {
				return fmt.Errorf(
					"%w: %s is locked by intent %s", ErrCoinAlreadyLocked, outpoint, activeIntent.ID,
				)
			}
		}

		script := hex.EncodeToString(c.TxOut.PkScript)
		walletContract, err := e.store.ContractStore().GetContract(ctx, script)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrContractNotOwned, outpoint)
		}
		if walletContract.WalletID != walletID {
			return fmt.Errorf("%w: %s", ErrContractNotOwned, outpoint)
		}
		outpoints = append(outpoints, outpoint)
	}

	stored, err := e.store.VtxoStore().GetVtxos(ctx, outpoints)
	if err != nil {
		return err
	}
	for _, vtxo := range stored {
		if vtxo.Spent {
			return fmt.Errorf("%w: %s", ErrCoinSpent, vtxo.Outpoint)
		}
	}
	return nil
}

// resolveCoins returns the spendable coins locked by the intent, rebuilding
// them from the store when they are not cached.
func (e *Engine) resolveCoins(ctx context.Context, in types.Intent) ([]*coin.SpendableCoin, error) {
	e.lock.RLock()
	cached, ok := e.coins[in.ID]
	e.lock.RUnlock()
	if ok {
		return cached, nil
	}

	signer, err := e.signers.Signer(ctx, in.WalletID)
	if err != nil {
		return nil, err
	}
	vtxos, err := e.store.VtxoStore().GetVtxos(ctx, in.LockedVtxos)
	if err != nil {
		return nil, err
	}
	if len(vtxos) != len(in.LockedVtxos) {
		return nil, fmt.Errorf(
			"found %d of the %d vtxos locked by intent %s", len(vtxos), len(in.LockedVtxos), in.ID,
		)
	}

	coins := make([]*coin.SpendableCoin, 0, len(vtxos))
	for _, vtxo := range vtxos {
		walletContract, err := e.store.ContractStore().GetContract(ctx, vtxo.Script)
		if err != nil {
			return nil, fmt.Errorf("contract of vtxo %s: %w", vtxo.Outpoint, err)
		}
		c, err := walletContract.Contract()
		if err != nil {
			return nil, err
		}
		arkCoin, err := coin.FromVtxo(vtxo, c)
		if err != nil {
			return nil, err
		}
		spendable, err := coin.GetSpendableCoin(ctx, arkCoin, signer, contract.SpendOptions{Now: e.now()})
		if err != nil {
			return nil, fmt.Errorf("vtxo %s: %w", vtxo.Outpoint, err)
		}
		coins = append(coins, spendable)
	}

	e.lock.Lock()
	e.coins[in.ID] = coins
	e.lock.Unlock()
	return coins, nil
}

func (e *Engine) addActive(in types.Intent) {
	topics := make([]string, 0, len(in.LockedVtxos)+1)
	for _, outpoint := range in.LockedVtxos {
		topics = append(topics, outpoint.String())
	}
	if msg, err := decodeRegisterMessage(in.RegisterMessage); err == nil {
		topics = append(topics, msg.CosignersPublicKeys...)
	}

	e.lock.Lock()
	e.active[in.ID] = &activeIntent{
		id:     in.ID,
		hash:   hashIntentId(in.ServerID),
		topics: topics,
	}
	e.lock.Unlock()
	e.signalTopicsChanged()
}

func (e *Engine) removeActive(id string) {
	e.lock.Lock()
	_, ok := e.active[id]
	delete(e.active, id)
	delete(e.coins, id)
	e.lock.Unlock()
	if ok {
		e.signalTopicsChanged()
	}
}

func (e *Engine) inSession(id string) bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	a, ok := e.active[id]
	return ok && a.session != nil
}

// deleteFromOperator deletes the registration of the intent, best effort.
func (e *Engine) deleteFromOperator(ctx context.Context, in types.Intent) {
	if err := e.transport.DeleteIntent(ctx, in.DeleteProof, in.DeleteMessage); err != nil {
		log.WithError(err).Warnf("failed to delete intent %s from operator", in.ID)
	}
}

func (e *Engine) setCancelled(ctx context.Context, in *types.Intent, reason string) error {
	in.State = types.IntentCancelled
	in.CancellationReason = reason
	in.UpdatedAt = e.now()
	if err := e.store.IntentStore().UpdateIntent(ctx, *in); err != nil {
		return err
	}
	e.lock.Lock()
	delete(e.coins, in.ID)
	e.lock.Unlock()
	log.Infof("intent %s cancelled: %s", in.ID, reason)
	return nil
}

func (e *Engine) triggerSubmission() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) signalTopicsChanged() {
	select {
	case e.topicsChanged <- struct{}{}:
	default:
	}
}

func signProof(
	ctx context.Context, message string, inputs []intent.Input,
	outputs []*wire.TxOut, coins []*coin.SpendableCoin,
) (string, error) {
	proof, err := intent.New(message, inputs, outputs)
	if err != nil {
		return "", err
	}
	if err := proof.Sign(ctx, coins); err != nil {
		return "", err
	}
	return proof.B64Encode()
}

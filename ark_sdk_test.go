package arksdk_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	arksdk "github.com/arkade-os/arkpay-sdk"
	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/config"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	kvstore "github.com/arkade-os/arkpay-sdk/store/kv"
	"github.com/arkade-os/arkpay-sdk/tree"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/arkade-os/arkpay-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var exitDelay = arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 144}

type fakeTransport struct {
	mu          sync.Mutex
	server      wallet.Signer
	serverKey   *btcec.PublicKey
	network     string
	infoCalls   int
	submitErr   error
	submitted   int
	finalized   map[string][]string
	unsignedArk bool
}

func (f *fakeTransport) GetInfo(_ context.Context) (*client.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return &client.Info{
		Version:             "test",
		SignerPubKey:        hex.EncodeToString(f.serverKey.SerializeCompressed()),
		Network:             f.network,
		UnilateralExitDelay: int64(exitDelay.Value),
		BoardingExitDelay:   int64(exitDelay.Value),
		Dust:                330,
	}, nil
}

func (f *fakeTransport) RegisterIntent(_ context.Context, _, _ string) (string, error) {
	return "intent-1", nil
}

func (f *fakeTransport) DeleteIntent(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakeTransport) ConfirmRegistration(_ context.Context, _ string) error {
	return nil
}

func (f *fakeTransport) SubmitTreeNonces(
	_ context.Context, _, _ string, _ tree.TreeNonces,
) error {
	return nil
}

func (f *fakeTransport) SubmitTreeSignatures(
	_ context.Context, _, _ string, _ tree.TreePartialSigs,
) error {
	return nil
}

func (f *fakeTransport) SubmitSignedForfeitTxs(_ context.Context, _ []string, _ string) error {
	return nil
}

func (f *fakeTransport) GetEventStream(
	ctx context.Context, _ []string,
) (<-chan client.BatchEventChannel, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan client.BatchEventChannel)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, cancel, nil
}

// SubmitTx counter-signs the ark tx and the checkpoints like the operator.
func (f *fakeTransport) SubmitTx(
	ctx context.Context, signedArkTx string, checkpointTxs []string,
) (string, string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	if f.submitErr != nil {
		return "", "", nil, f.submitErr
	}

	arkPtx, err := txutils.DecodePsbt(signedArkTx)
	if err != nil {
		return "", "", nil, err
	}
	if !f.unsignedArk {
		inputs := make([]wallet.TapscriptInput, 0, len(arkPtx.Inputs))
		for i := range arkPtx.Inputs {
			inputs = append(inputs, wallet.TapscriptInput{Index: i})
		}
		if err := wallet.SignTapscriptInputs(ctx, f.server, arkPtx, inputs); err != nil {
			return "", "", nil, err
		}
	}
	finalArkTx, err := txutils.EncodePsbt(arkPtx)
	if err != nil {
		return "", "", nil, err
	}

	signedCheckpoints := make([]string, 0, len(checkpointTxs))
	for _, b64 := range checkpointTxs {
		ptx, err := txutils.DecodePsbt(b64)
		if err != nil {
			return "", "", nil, err
		}
		if err := wallet.SignTapscriptInputs(
			ctx, f.server, ptx, []wallet.TapscriptInput{{Index: 0}},
		); err != nil {
			return "", "", nil, err
		}
		signed, err := txutils.EncodePsbt(ptx)
		if err != nil {
			return "", "", nil, err
		}
		signedCheckpoints = append(signedCheckpoints, signed)
	}
	return arkPtx.UnsignedTx.TxID(), finalArkTx, signedCheckpoints, nil
}

func (f *fakeTransport) FinalizeTx(_ context.Context, arkTxid string, finalCheckpoints []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[arkTxid] = finalCheckpoints
	return nil
}

func (f *fakeTransport) Close() {}

func (f *fakeTransport) stats() (int, int, map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	finalized := make(map[string][]string, len(f.finalized))
	for k, v := range f.finalized {
		finalized[k] = v
	}
	return f.infoCalls, f.submitted, finalized
}

type fakeIndexer struct {
	mu         sync.Mutex
	vtxos      map[string][]types.Vtxo
	subscribed []string
	polls      int
}

func (f *fakeIndexer) GetVtxos(
	_ context.Context, opts ...indexer.GetVtxosRequestOption,
) (*indexer.VtxosResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++

	vtxos := make([]types.Vtxo, 0)
	for _, opt := range opts {
		for _, script := range opt.GetScripts() {
			vtxos = append(vtxos, f.vtxos[script]...)
		}
	}
	total := int32(len(vtxos))
	return &indexer.VtxosResponse{
		Vtxos: vtxos,
		Page:  &indexer.PageResponse{Current: 0, Next: total, Total: total},
	}, nil
}

func (f *fakeIndexer) SubscribeForScripts(
	_ context.Context, subscriptionId string, scripts []string,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, scripts...)
	if subscriptionId == "" {
		subscriptionId = "sub-1"
	}
	return subscriptionId, nil
}

func (f *fakeIndexer) UnsubscribeForScripts(_ context.Context, _ string, _ []string) error {
	return nil
}

func (f *fakeIndexer) GetSubscription(
	ctx context.Context, _ string,
) (<-chan *indexer.ScriptEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *indexer.ScriptEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, cancel, nil
}

func (f *fakeIndexer) Close() {}

func (f *fakeIndexer) setVtxos(script string, vtxos ...types.Vtxo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vtxos[script] = vtxos
}

func (f *fakeIndexer) stats() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.subscribed...), f.polls
}

type fixture struct {
	svc       arksdk.ArkService
	transport *fakeTransport
	indexer   *fakeIndexer
	store     types.Store
	alice     wallet.Signer
	aliceKey  *btcec.PublicKey
	bob       *contract.ArkAddress
	server    *btcec.PublicKey
}

func newSigner(t *testing.T, seed byte) (wallet.Signer, *btcec.PublicKey) {
	t.Helper()
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	signer, err := singlekey.NewSigner(priv)
	require.NoError(t, err)
	return signer, pub
}

func newConfig(network arklib.Network) *config.Config {
	return &config.Config{
		ServerUrl:        "http://localhost:7070",
		IndexerUrl:       "http://localhost:7070",
		Network:          network,
		StoreType:        types.InMemoryStore,
		RequestTimeout:   time.Second,
		SubmitInterval:   20 * time.Millisecond,
		WatchdogInterval: time.Minute,
		TermsCacheTTL:    time.Minute,
		LogLevel:         log.WarnLevel,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	serverSigner, server := newSigner(t, 0x55)
	alice, aliceKey := newSigner(t, 1)
	_, bobKey := newSigner(t, 2)

	bobContract, err := contract.NewPaymentContract(server, bobKey, exitDelay)
	require.NoError(t, err)
	bob, err := bobContract.GetArkAddress(arklib.BitcoinRegTest)
	require.NoError(t, err)

	transport := &fakeTransport{
		server:    serverSigner,
		serverKey: server,
		network:   arklib.BitcoinRegTest.Name,
		finalized: make(map[string][]string),
	}
	indexerSvc := &fakeIndexer{vtxos: make(map[string][]types.Vtxo)}
	store, err := kvstore.NewStore("", nil)
	require.NoError(t, err)

	svc, err := arksdk.NewArkService(
		newConfig(arklib.BitcoinRegTest),
		arksdk.WithTransportClient(transport),
		arksdk.WithIndexer(indexerSvc),
		arksdk.WithStore(store),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return &fixture{
		svc:       svc,
		transport: transport,
		indexer:   indexerSvc,
		store:     store,
		alice:     alice,
		aliceKey:  aliceKey,
		bob:       bob,
		server:    server,
	}
}

// fundAlice registers alice and makes the indexer report one vtxo of amount
// per outpoint index on her contract.
func (f *fixture) fundAlice(t *testing.T, amounts ...uint64) []types.Vtxo {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.AddWallet(ctx, "alice", f.alice))

	payment, err := contract.NewPaymentContract(f.server, f.aliceKey, exitDelay)
	require.NoError(t, err)
	pkScript, err := payment.PkScript()
	require.NoError(t, err)
	script := hex.EncodeToString(pkScript)

	vtxos := make([]types.Vtxo, 0, len(amounts))
	for i, amount := range amounts {
		vtxo := types.Vtxo{
			Outpoint:  types.Outpoint{Txid: strings.Repeat(fmt.Sprintf("%02x", i+1), 32), VOut: 0},
			Script:    script,
			Amount:    amount,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		vtxos = append(vtxos, vtxo)
	}
	f.indexer.setVtxos(script, vtxos...)

	addr, err := f.svc.NewContract(ctx, "alice")
	require.NoError(t, err)
	decoded, err := contract.DecodeAddress(addr)
	require.NoError(t, err)
	require.Equal(t, arklib.BitcoinRegTest.Addr, decoded.HRP)

	spendable, _, err := f.svc.ListVtxos(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, spendable, len(amounts))
	return vtxos
}

func TestGetTerms(t *testing.T) {
	ctx := context.Background()

	t.Run("cached", func(t *testing.T) {
		f := newFixture(t)
		terms, err := f.svc.GetTerms(ctx)
		require.NoError(t, err)
		require.True(t, terms.SignerPubKey.IsEqual(f.server))
		require.Equal(t, int64(330), terms.Dust)
		require.Equal(t, exitDelay, terms.UnilateralExitDelay)

		_, err = f.svc.GetTerms(ctx)
		require.NoError(t, err)
		infoCalls, _, _ := f.transport.stats()
		require.Equal(t, 1, infoCalls)
	})

	t.Run("network mismatch", func(t *testing.T) {
		serverSigner, server := newSigner(t, 0x55)
		store, err := kvstore.NewStore("", nil)
		require.NoError(t, err)
		svc, err := arksdk.NewArkService(
			newConfig(arklib.Bitcoin),
			arksdk.WithTransportClient(&fakeTransport{
				server:    serverSigner,
				serverKey: server,
				network:   arklib.BitcoinRegTest.Name,
				finalized: make(map[string][]string),
			}),
			arksdk.WithIndexer(&fakeIndexer{vtxos: make(map[string][]types.Vtxo)}),
			arksdk.WithStore(store),
		)
		require.NoError(t, err)
		t.Cleanup(svc.Stop)

		_, err = svc.GetTerms(ctx)
		require.ErrorContains(t, err, "does not match")
		require.Error(t, svc.Start(ctx))
	})
}

func TestWallets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.NewContract(ctx, "alice")
	require.ErrorIs(t, err, arksdk.ErrWalletNotFound)

	require.NoError(t, f.svc.AddWallet(ctx, "alice", f.alice))
	// same key again is fine
	require.NoError(t, f.svc.AddWallet(ctx, "alice", f.alice))

	other, _ := newSigner(t, 3)
	err = f.svc.AddWallet(ctx, "alice", other)
	require.ErrorIs(t, err, arksdk.ErrWalletExists)

	addr, err := f.svc.NewContract(ctx, "alice")
	require.NoError(t, err)
	decoded, err := contract.DecodeAddress(addr)
	require.NoError(t, err)
	pkScript, err := decoded.PkScript()
	require.NoError(t, err)

	stored, err := f.store.ContractStore().GetContract(ctx, hex.EncodeToString(pkScript))
	require.NoError(t, err)
	require.Equal(t, "alice", stored.WalletID)
	require.True(t, stored.Active)

	subscribed, polls := f.indexer.stats()
	require.Contains(t, subscribed, hex.EncodeToString(pkScript))
	require.Equal(t, 1, polls)
}

func TestSendOffChain(t *testing.T) {
	ctx := context.Background()
	bobAddr := func(t *testing.T, f *fixture) string {
		encoded, err := f.bob.Encode()
		require.NoError(t, err)
		return encoded
	}

	t.Run("valid", func(t *testing.T) {
		f := newFixture(t)
		vtxos := f.fundAlice(t, 50_000)

		txid, err := f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: bobAddr(t, f), Amount: 30_000},
		})
		require.NoError(t, err)
		require.NotEmpty(t, txid)

		_, submitted, finalized := f.transport.stats()
		require.Equal(t, 1, submitted)
		require.Len(t, finalized[txid], 1)

		spendable, spent, err := f.svc.ListVtxos(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, spendable)
		require.Len(t, spent, 1)
		require.Equal(t, vtxos[0].Outpoint, spent[0].Outpoint)
		require.Equal(t, txid, spent[0].ArkTxid)
		require.NotEmpty(t, spent[0].SpentBy)
	})

	t.Run("pinned coins", func(t *testing.T) {
		f := newFixture(t)
		vtxos := f.fundAlice(t, 20_000, 40_000)

		_, err := f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: bobAddr(t, f), Amount: 10_000},
		}, arksdk.WithCoins(vtxos[0].Outpoint))
		require.NoError(t, err)

		spendable, spent, err := f.svc.ListVtxos(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, spendable, 1)
		require.Equal(t, vtxos[1].Outpoint, spendable[0].Outpoint)
		require.Len(t, spent, 1)
		require.Equal(t, vtxos[0].Outpoint, spent[0].Outpoint)
	})

	t.Run("invalid", func(t *testing.T) {
		f := newFixture(t)
		f.fundAlice(t, 50_000)

		_, err := f.svc.SendOffChain(ctx, "alice", nil)
		require.ErrorIs(t, err, arksdk.ErrMissingReceivers)

		_, err = f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", Amount: 1_000},
		})
		require.ErrorIs(t, err, arksdk.ErrOnchainReceiver)

		_, err = f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: bobAddr(t, f), Amount: 100_000},
		})
		require.ErrorIs(t, err, utils.ErrNotEnoughFunds)

		_, err = f.svc.SendOffChain(ctx, "bob", []types.Receiver{
			{To: bobAddr(t, f), Amount: 1_000},
		})
		require.ErrorIs(t, err, arksdk.ErrWalletNotFound)
	})

	t.Run("rejected by operator", func(t *testing.T) {
		f := newFixture(t)
		f.fundAlice(t, 50_000)
		_, pollsBefore := f.indexer.stats()

		f.transport.mu.Lock()
		f.transport.submitErr = fmt.Errorf("vtxo already spent")
		f.transport.mu.Unlock()

		_, err := f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: bobAddr(t, f), Amount: 30_000},
		})
		require.ErrorContains(t, err, "vtxo already spent")

		// the spent scripts are polled again
		_, pollsAfter := f.indexer.stats()
		require.Greater(t, pollsAfter, pollsBefore)

		spendable, _, err := f.svc.ListVtxos(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, spendable, 1)
	})

	t.Run("ark tx not counter-signed", func(t *testing.T) {
		f := newFixture(t)
		f.fundAlice(t, 50_000)

		f.transport.mu.Lock()
		f.transport.unsignedArk = true
		f.transport.mu.Unlock()

		_, err := f.svc.SendOffChain(ctx, "alice", []types.Receiver{
			{To: bobAddr(t, f), Amount: 30_000},
		})
		require.Error(t, err)

		_, _, finalized := f.transport.stats()
		require.Empty(t, finalized)
	})
}

func TestIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	vtxos := f.fundAlice(t, 50_000)

	in, err := f.svc.CreateIntent(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, types.IntentWaitingToSubmit, in.State)
	require.Equal(t, []types.Outpoint{vtxos[0].Outpoint}, in.LockedVtxos)

	balance, err := f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), balance.Locked)
	require.Zero(t, balance.Spendable)

	// locked coins are not available anymore
	_, err = f.svc.CreateIntent(ctx, "alice", nil)
	require.ErrorIs(t, err, utils.ErrNotEnoughFunds)
	_, err = f.svc.SendOffChain(ctx, "alice", []types.Receiver{{To: mustEncode(t, f.bob), Amount: 1_000}})
	require.ErrorIs(t, err, utils.ErrNotEnoughFunds)

	_, err = f.svc.CreateIntent(ctx, "alice", nil, arksdk.WithoutExpirySorting)
	require.ErrorContains(t, err, "invalid options type")

	require.NoError(t, f.svc.CancelIntent(ctx, in.ID))
	cancelled, err := f.svc.ListIntents(ctx, types.IntentCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	require.Equal(t, in.ID, cancelled[0].ID)

	balance, err = f.svc.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), balance.Spendable)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fundAlice(t, 50_000)

	require.NoError(t, f.svc.Start(ctx))
	require.ErrorIs(t, f.svc.Start(ctx), arksdk.ErrAlreadyStarted)

	events := f.svc.Subscribe(8)
	defer f.svc.Unsubscribe(events)

	in, err := f.svc.CreateIntent(ctx, "alice", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		intents, err := f.svc.ListIntents(ctx, types.IntentWaitingForBatch)
		return err == nil && len(intents) == 1 && intents[0].ID == in.ID
	}, 2*time.Second, 20*time.Millisecond)
}

func mustEncode(t *testing.T, addr *contract.ArkAddress) string {
	t.Helper()
	encoded, err := addr.Encode()
	require.NoError(t, err)
	return encoded
}

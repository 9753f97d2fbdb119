package batch

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/intent"
	"github.com/arkade-os/arkpay-sdk/tree"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

const (
	batchStarted = iota
	treeSigningStarted
	treeNoncesAggregated
	batchFinalization
)

// session takes part in one batch on behalf of one intent. It receives the
// events of its batch from the engine and walks the steps
// batchStarted -> treeSigningStarted -> treeNoncesAggregated ->
// batchFinalization. Intents without vtxo tree outputs skip tree signing.
type session struct {
	engine  *Engine
	intent  types.Intent
	batchId string
	coins   []*coin.SpendableCoin
	terms   *client.Terms

	batchExpiry    arklib.RelativeLocktime
	outputs        []*wire.TxOut
	onchainIndexes map[int]struct{}
	topics         map[string]struct{}
	signer         tree.SignerSession

	ctx        context.Context
	cancel     context.CancelFunc
	parentDone <-chan struct{}
	inbox      chan client.BatchEvent
	done       chan struct{}
}

type connectorNode struct {
	node  tree.TxTreeNode
	topic []string
}

func newSession(
	ctx context.Context, e *Engine, in types.Intent, coins []*coin.SpendableCoin,
	terms *client.Terms, event client.BatchStartedEvent,
) (*session, error) {
	if len(coins) == 0 {
		return nil, ErrMissingCoins
	}
	msg, err := decodeRegisterMessage(in.RegisterMessage)
	if err != nil {
		return nil, err
	}
	proof, err := intent.Decode(in.RegisterProof)
	if err != nil {
		return nil, err
	}

	outputs := make([]*wire.TxOut, 0)
	if proof.ContainsOutputs() {
		outputs = proof.UnsignedTx.TxOut
	}
	onchainIndexes := make(map[int]struct{}, len(msg.OnchainOutputIndexes))
	for _, i := range msg.OnchainOutputIndexes {
		onchainIndexes[i] = struct{}{}
	}

	topics := make(map[string]struct{}, len(in.LockedVtxos)+len(msg.CosignersPublicKeys))
	for _, outpoint := range in.LockedVtxos {
		topics[outpoint.String()] = struct{}{}
	}
	for _, key := range msg.CosignersPublicKeys {
		topics[key] = struct{}{}
	}

	var signer tree.SignerSession
	if len(msg.CosignersPublicKeys) > 0 {
		signer, err = tree.NewTreeSignerSession(ctx, coins[0].Signer)
		if err != nil {
			return nil, err
		}
		if pubkey := signer.GetPublicKey(); !slices.Contains(msg.CosignersPublicKeys, pubkey) {
			return nil, fmt.Errorf("signer %s is not a registered cosigner", pubkey)
		}
	}

	sessionCtx, cancel := context.WithTimeout(ctx, e.sessionTimeout)
	return &session{
		engine:         e,
		intent:         in,
		batchId:        event.Id,
		coins:          coins,
		terms:          terms,
		batchExpiry:    batchExpiryLocktime(event.BatchExpiry),
		outputs:        outputs,
		onchainIndexes: onchainIndexes,
		topics:         topics,
		signer:         signer,
		ctx:            sessionCtx,
		cancel:         cancel,
		parentDone:     ctx.Done(),
		inbox:          make(chan client.BatchEvent, sessionInboxSize),
		done:           make(chan struct{}),
	}, nil
}

// deliver hands event to the session unless it is over.
func (s *session) deliver(event client.BatchEvent) {
	select {
	case s.inbox <- event:
	case <-s.done:
	}
}

func (s *session) run() {
	commitmentTxid, err := s.handleEvents()
	s.cancel()
	close(s.done)

	res := sessionResult{
		session:        s,
		intentId:       s.intent.ID,
		batchId:        s.batchId,
		commitmentTxid: commitmentTxid,
		err:            err,
	}
	select {
	case s.engine.sessionDone <- res:
	case <-s.parentDone:
	}
}

func (s *session) handleEvents() (string, error) {
	step := batchStarted
	if s.signer == nil {
		step = treeNoncesAggregated
	}

	// the txs of the trees are received one after the other, the trees are
	// built when needed.
	flatVtxoTree := make(tree.FlatTxTree, 0)
	connectorNodes := make([]connectorNode, 0)
	var vtxoTree *tree.TxTree

	for {
		select {
		case <-s.ctx.Done():
			if s.ctx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("batch %s timed out", s.batchId)
			}
			return "", s.ctx.Err()
		case event := <-s.inbox:
			switch ev := event.(type) {
			case client.BatchFailedEvent:
				return "", BatchFailedError{BatchId: ev.Id, Reason: ev.Reason}
			case client.BatchFinalizedEvent:
				if step != batchFinalization {
					continue
				}
				return ev.Txid, nil
			case client.TreeTxEvent:
				if step != batchStarted && step != treeNoncesAggregated {
					continue
				}
				if !s.matchesTopic(ev.Topic) {
					continue
				}
				if ev.BatchIndex == 0 {
					flatVtxoTree = append(flatVtxoTree, ev.Node)
				} else {
					connectorNodes = append(connectorNodes, connectorNode{node: ev.Node, topic: ev.Topic})
				}
			case client.TreeSigningStartedEvent:
				if step != batchStarted {
					continue
				}
				var err error
				if vtxoTree, err = s.onTreeSigningStarted(ev, flatVtxoTree); err != nil {
					return "", err
				}
				step = treeSigningStarted
			case client.TreeNoncesEvent:
				if step != treeSigningStarted || !s.matchesTopic(ev.Topic) {
					continue
				}
				complete, err := s.signer.AggregateNonces(ev.Txid, ev.Nonces)
				if err != nil {
					return "", err
				}
				if !complete {
					continue
				}
				if err := s.submitSignatures(); err != nil {
					return "", err
				}
				step = treeNoncesAggregated
			case client.TreeNoncesAggregatedEvent:
				if step != treeSigningStarted {
					continue
				}
				s.signer.SetAggregatedNonces(ev.Nonces)
				if err := s.submitSignatures(); err != nil {
					return "", err
				}
				step = treeNoncesAggregated
			case client.TreeSignatureEvent:
				if step != treeNoncesAggregated || vtxoTree == nil {
					continue
				}
				if err := addSignatureToTxTree(ev, vtxoTree); err != nil {
					return "", err
				}
			case client.BatchFinalizationEvent:
				if step != treeNoncesAggregated {
					continue
				}
				if err := s.onBatchFinalization(ev, vtxoTree, flatVtxoTree, connectorNodes); err != nil {
					return "", err
				}
				log.Debugf("intent %s waiting for batch %s to be finalized", s.intent.ID, s.batchId)
				step = batchFinalization
			}
		}
	}
}

// onTreeSigningStarted validates the vtxo tree and the intent outputs, then
// sends the nonces of the cosigner.
func (s *session) onTreeSigningStarted(
	event client.TreeSigningStartedEvent, flatVtxoTree tree.FlatTxTree,
) (*tree.TxTree, error) {
	if !slices.Contains(event.CosignersPubkeys, s.signer.GetPublicKey()) {
		return nil, fmt.Errorf("cosigner %s not selected for batch %s", s.signer.GetPublicKey(), s.batchId)
	}
	if len(flatVtxoTree) == 0 {
		return nil, fmt.Errorf("missing vtxo tree for batch %s", s.batchId)
	}

	commitmentTx, err := txutils.DecodePsbt(event.UnsignedCommitmentTx)
	if err != nil {
		return nil, fmt.Errorf("failed to decode commitment tx: %w", err)
	}
	vtxoTree, err := tree.NewTxTree(flatVtxoTree)
	if err != nil {
		return nil, fmt.Errorf("failed to create vtxo tree: %w", err)
	}
	if err := tree.ValidateVtxoTree(
		vtxoTree, commitmentTx, s.terms.SignerPubKey, s.batchExpiry,
	); err != nil {
		return nil, err
	}
	if err := validateOutputs(s.outputs, s.onchainIndexes, commitmentTx, vtxoTree); err != nil {
		return nil, err
	}

	sweepRoot, err := tree.SweepTapscriptRoot(s.terms.SignerPubKey, s.batchExpiry)
	if err != nil {
		return nil, err
	}
	batchAmount := commitmentTx.UnsignedTx.TxOut[0].Value
	if err := s.signer.Init(sweepRoot, batchAmount, vtxoTree); err != nil {
		return nil, err
	}
	nonces, err := s.signer.GetNonces()
	if err != nil {
		return nil, err
	}
	if err := s.engine.transport.SubmitTreeNonces(
		s.ctx, s.batchId, s.signer.GetPublicKey(), nonces,
	); err != nil {
		return nil, fmt.Errorf("failed to submit tree nonces: %w", err)
	}
	return vtxoTree, nil
}

func (s *session) submitSignatures() error {
	sigs, err := s.signer.Sign(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to sign vtxo tree: %w", err)
	}
	if err := s.engine.transport.SubmitTreeSignatures(
		s.ctx, s.batchId, s.signer.GetPublicKey(), sigs,
	); err != nil {
		return fmt.Errorf("failed to submit tree signatures: %w", err)
	}
	return nil
}

// onBatchFinalization checks the outputs when tree signing was skipped, then
// sends the signed forfeit txs of the coins.
func (s *session) onBatchFinalization(
	event client.BatchFinalizationEvent, vtxoTree *tree.TxTree,
	flatVtxoTree tree.FlatTxTree, connectorNodes []connectorNode,
) error {
	if s.signer == nil {
		commitmentTx, err := txutils.DecodePsbt(event.Tx)
		if err != nil {
			return fmt.Errorf("failed to decode commitment tx: %w", err)
		}
		if vtxoTree == nil && len(flatVtxoTree) > 0 {
			if vtxoTree, err = tree.NewTxTree(flatVtxoTree); err != nil {
				return fmt.Errorf("failed to create vtxo tree: %w", err)
			}
		}
		if err := validateOutputs(s.outputs, s.onchainIndexes, commitmentTx, vtxoTree); err != nil {
			return err
		}
	}

	forfeits, err := s.buildForfeits(connectorNodes)
	if err != nil {
		return err
	}
	if len(forfeits) == 0 {
		return nil
	}
	if err := s.engine.transport.SubmitSignedForfeitTxs(s.ctx, forfeits, ""); err != nil {
		return fmt.Errorf("failed to submit forfeit txs: %w", err)
	}
	return nil
}

// matchesTopic reports whether an event is meant for the intent. Events
// without topics are meant for everyone.
func (s *session) matchesTopic(topic []string) bool {
	if len(topic) == 0 {
		return true
	}
	for _, t := range topic {
		if _, ok := s.topics[t]; ok {
			return true
		}
	}
	return false
}

func addSignatureToTxTree(event client.TreeSignatureEvent, txTree *tree.TxTree) error {
	if event.BatchIndex != 0 {
		return fmt.Errorf("batch index %d is not 0", event.BatchIndex)
	}

	decodedSig, err := hex.DecodeString(event.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(decodedSig)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	return txTree.Apply(func(g *tree.TxTree) (bool, error) {
		if g.Root.UnsignedTx.TxID() != event.Txid {
			return true, nil
		}
		g.Root.Inputs[0].TaprootKeySpendSig = sig.Serialize()
		return false, nil
	})
}

// batchExpiryLocktime interprets the batch expiry as seconds from 512 on, as
// blocks below.
func batchExpiryLocktime(expiry int64) arklib.RelativeLocktime {
	if expiry >= 512 {
		return arklib.RelativeLocktime{Type: arklib.LocktimeTypeSecond, Value: uint32(expiry)}
	}
	return arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: uint32(expiry)}
}

func decodePsbts(b64s []string) ([]*psbt.Packet, error) {
	ptxs := make([]*psbt.Packet, 0, len(b64s))
	for _, b64 := range b64s {
		ptx, err := txutils.DecodePsbt(b64)
		if err != nil {
			return nil, err
		}
		ptxs = append(ptxs, ptx)
	}
	return ptxs, nil
}

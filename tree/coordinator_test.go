package tree

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// The operator aggregates the tree signatures; tests play that role.

type CoordinatorSession interface {
	AddNonce(*btcec.PublicKey, TreeNonces)
	AddSignatures(*btcec.PublicKey, TreePartialSigs)
	AggregateNonces() (TreeNonces, error)
	// SignTree combines the signatures and adds them to the tree txs.
	SignTree() (*TxTree, error)
}

type treeCoordinatorSession struct {
	scriptRoot            []byte
	nonces                map[string]TreeNonces      // xonly pubkey -> nonces
	sigs                  map[string]TreePartialSigs // xonly pubkey -> sigs
	prevoutFetcherFactory func(*psbt.Packet) (txscript.PrevOutputFetcher, error)
	vtxoTree              *TxTree
	txs                   map[string]*psbt.Packet
}

// NewTreeCoordinatorSession collects the nonces and partial signatures of
// all cosigners and produces the signed tree.
func NewTreeCoordinatorSession(
	rootSharedOutputAmount int64, vtxoTree *TxTree, scriptRoot []byte,
) (CoordinatorSession, error) {
	if vtxoTree == nil {
		return nil, ErrMissingVtxoTree
	}
	return &treeCoordinatorSession{
		scriptRoot:            scriptRoot,
		nonces:                make(map[string]TreeNonces),
		sigs:                  make(map[string]TreePartialSigs),
		prevoutFetcherFactory: prevOutFetcherFactory(vtxoTree, rootSharedOutputAmount, scriptRoot),
		vtxoTree:              vtxoTree,
		txs:                   txsByTxid(vtxoTree),
	}, nil
}

func (t *treeCoordinatorSession) AddNonce(pubkey *btcec.PublicKey, nonces TreeNonces) {
	t.nonces[hex.EncodeToString(schnorr.SerializePubKey(pubkey))] = nonces
}

func (t *treeCoordinatorSession) AddSignatures(pubkey *btcec.PublicKey, sigs TreePartialSigs) {
	t.sigs[hex.EncodeToString(schnorr.SerializePubKey(pubkey))] = sigs
}

func (t *treeCoordinatorSession) AggregateNonces() (TreeNonces, error) {
	return workPoolMap(t.txs, func(tx *psbt.Packet) (*Musig2Nonce, error) {
		keys, err := cosignerKeys(tx)
		if err != nil {
			return nil, err
		}

		txid := tx.UnsignedTx.TxID()
		nonces := make([][musig2.PubNonceSize]byte, 0, len(keys))
		for _, key := range keys {
			keyNonces, ok := t.nonces[hex.EncodeToString(schnorr.SerializePubKey(key))]
			if !ok {
				return nil, fmt.Errorf("nonces not set for cosigner %x", key.SerializeCompressed())
			}
			nonce := keyNonces[txid]
			if nonce == nil {
				return nil, fmt.Errorf("missing nonce of cosigner %x", key.SerializeCompressed())
			}
			nonces = append(nonces, nonce.PubNonce)
		}

		aggregated, err := musig2.AggregateNonces(nonces)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate nonces: %w", err)
		}
		return &Musig2Nonce{aggregated}, nil
	})
}

func (t *treeCoordinatorSession) SignTree() (*TxTree, error) {
	combinedSigs, err := workPoolMap(t.txs, func(tx *psbt.Packet) (*schnorr.Signature, error) {
		keys, err := cosignerKeys(tx)
		if err != nil {
			return nil, err
		}

		txid := tx.UnsignedTx.TxID()
		var combinedNonce *btcec.PublicKey
		sigs := make([]*musig2.PartialSignature, 0, len(keys))
		for _, key := range keys {
			keySigs, ok := t.sigs[hex.EncodeToString(schnorr.SerializePubKey(key))]
			if !ok {
				return nil, fmt.Errorf("sigs not set for cosigner %x", key.SerializeCompressed())
			}
			s := keySigs[txid]
			if s == nil {
				return nil, fmt.Errorf("missing signature of cosigner %x", key.SerializeCompressed())
			}
			if s.R != nil {
				combinedNonce = s.R
			}
			sigs = append(sigs, s)
		}
		if combinedNonce == nil {
			return nil, fmt.Errorf("missing combined nonce for txid %s", txid)
		}

		prevoutFetcher, err := t.prevoutFetcherFactory(tx)
		if err != nil {
			return nil, err
		}
		message, err := sighash(tx, prevoutFetcher)
		if err != nil {
			return nil, err
		}

		combineOpts := make([]musig2.CombineOption, 0)
		if len(t.scriptRoot) > 0 {
			combineOpts = append(
				combineOpts, musig2.WithTaprootTweakedCombine(message, keys, t.scriptRoot, true),
			)
		}
		combinedSig := musig2.CombineSigs(combinedNonce, sigs, combineOpts...)

		aggregatedKey, err := AggregateKeys(keys, t.scriptRoot)
		if err != nil {
			return nil, err
		}
		if !combinedSig.Verify(message[:], aggregatedKey.FinalKey) {
			return nil, fmt.Errorf("invalid combined signature for txid %s", txid)
		}
		return combinedSig, nil
	})
	if err != nil {
		return nil, err
	}

	if err := t.vtxoTree.Apply(func(node *TxTree) (bool, error) {
		if sig, ok := combinedSigs[node.Root.UnsignedTx.TxID()]; ok {
			node.Root.Inputs[0].TaprootKeySpendSig = sig.Serialize()
		}
		return true, nil
	}); err != nil {
		return nil, err
	}
	return t.vtxoTree, nil
}

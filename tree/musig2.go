package tree

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrMissingVtxoTree = errors.New("missing vtxo tree")
	ErrNoncesNotSet    = errors.New("nonces not set")
)

type Musig2Nonce struct {
	PubNonce [musig2.PubNonceSize]byte
}

func (n *Musig2Nonce) String() string {
	return hex.EncodeToString(n.PubNonce[:])
}

func ParseNonce(s string) (*Musig2Nonce, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf) != musig2.PubNonceSize {
		return nil, fmt.Errorf(
			"expected nonce to be %d bytes, got %d", musig2.PubNonceSize, len(buf),
		)
	}
	return &Musig2Nonce{PubNonce: [musig2.PubNonceSize]byte(buf)}, nil
}

// TreeNonces maps txids to public nonces, hex encoded in JSON.
type TreeNonces map[string]*Musig2Nonce

func (n TreeNonces) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, nonce := range n {
		mapObject[txid] = nonce.String()
	}
	return json.Marshal(mapObject)
}

func (n *TreeNonces) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*n = make(TreeNonces)
	for txid, s := range mapObject {
		nonce, err := ParseNonce(s)
		if err != nil {
			return err
		}
		(*n)[txid] = nonce
	}
	return nil
}

// TreePartialSigs maps txids to partial signatures, hex encoded in JSON.
type TreePartialSigs map[string]*musig2.PartialSignature

func (s TreePartialSigs) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, sig := range s {
		var buf bytes.Buffer
		if err := sig.Encode(&buf); err != nil {
			return nil, err
		}
		mapObject[txid] = hex.EncodeToString(buf.Bytes())
	}
	return json.Marshal(mapObject)
}

func (s *TreePartialSigs) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*s = make(TreePartialSigs)
	for txid, sig := range mapObject {
		buf, err := hex.DecodeString(sig)
		if err != nil {
			return err
		}
		partialSig := &musig2.PartialSignature{}
		if err := partialSig.Decode(bytes.NewReader(buf)); err != nil {
			return err
		}
		(*s)[txid] = partialSig
	}
	return nil
}

// SignerSession is the cosigner side of the vtxo tree MuSig2 session. The
// session holds the secret nonces only, partial signatures are produced by
// the wallet signer.
type SignerSession interface {
	Init(scriptRoot []byte, rootSharedOutputAmount int64, vtxoTree *TxTree) error
	GetPublicKey() string
	GetNonces() (TreeNonces, error)
	SetAggregatedNonces(TreeNonces)
	// AggregateNonces combines the public nonces of every cosigner of txid.
	// It returns true once all the txs to sign have their aggregated nonce.
	AggregateNonces(txid string, noncesByCosigner map[string]*Musig2Nonce) (bool, error)
	Sign(ctx context.Context) (TreePartialSigs, error)
}

// AggregateKeys wraps musig2.AggregateKeys using scriptRoot as taproot tweak.
func AggregateKeys(
	pubkeys []*btcec.PublicKey, scriptRoot []byte,
) (*musig2.AggregateKey, error) {
	if len(pubkeys) == 0 {
		return nil, errors.New("no pubkeys")
	}
	for _, pubkey := range pubkeys {
		if pubkey == nil {
			return nil, errors.New("nil pubkey")
		}
	}

	// a single key falls back to a classic P2TR
	if len(pubkeys) == 1 {
		res := &musig2.AggregateKey{PreTweakedKey: pubkeys[0], FinalKey: pubkeys[0]}
		if len(scriptRoot) > 0 {
			res.FinalKey = txscript.ComputeTaprootOutputKey(pubkeys[0], scriptRoot)
		}
		return res, nil
	}

	opts := make([]musig2.KeyAggOption, 0)
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootKeyTweak(scriptRoot))
	}

	key, _, _, err := musig2.AggregateKeys(pubkeys, true, opts...)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateTreeSigs verifies the key-path signature of every tree tx against
// the aggregated key of its cosigners.
func ValidateTreeSigs(
	scriptRoot []byte, rootSharedOutputAmount int64, vtxoTree *TxTree,
) error {
	prevoutFetcherFactory := prevOutFetcherFactory(vtxoTree, rootSharedOutputAmount, scriptRoot)

	_, err := workPoolMap(txsByTxid(vtxoTree), func(tx *psbt.Packet) (any, error) {
		sig := tx.Inputs[0].TaprootKeySpendSig
		if len(sig) == 0 {
			return nil, errors.New("unsigned tree input")
		}

		schnorrSig, err := schnorr.ParseSignature(sig)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signature: %w", err)
		}

		prevoutFetcher, err := prevoutFetcherFactory(tx)
		if err != nil {
			return nil, fmt.Errorf("failed to get prevout fetcher: %w", err)
		}

		message, err := sighash(tx, prevoutFetcher)
		if err != nil {
			return nil, err
		}

		keys, err := cosignerKeys(tx)
		if err != nil {
			return nil, err
		}

		aggregateKey, err := AggregateKeys(keys, scriptRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate keys: %w", err)
		}

		if !schnorrSig.Verify(message[:], aggregateKey.FinalKey) {
			return nil, fmt.Errorf("invalid signature for txid %s", tx.UnsignedTx.TxID())
		}
		return nil, nil
	})
	return err
}

// NewTreeSignerSession opens a signing session for the wallet signer.
func NewTreeSignerSession(ctx context.Context, signer wallet.Signer) (SignerSession, error) {
	pubkey, err := signer.PubKey(ctx)
	if err != nil {
		return nil, err
	}
	return &treeSignerSession{signer: signer, pubkey: pubkey}, nil
}

type treeSignerSession struct {
	signer                wallet.Signer
	pubkey                *btcec.PublicKey
	txs                   map[string]*psbt.Packet
	myNonces              map[string]*musig2.Nonces
	aggregateNonces       TreeNonces
	scriptRoot            []byte
	prevoutFetcherFactory func(*psbt.Packet) (txscript.PrevOutputFetcher, error)
	lock                  sync.Mutex
}

func (t *treeSignerSession) Init(
	scriptRoot []byte, rootSharedOutputAmount int64, vtxoTree *TxTree,
) error {
	if vtxoTree == nil {
		return ErrMissingVtxoTree
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.scriptRoot = scriptRoot
	t.prevoutFetcherFactory = prevOutFetcherFactory(vtxoTree, rootSharedOutputAmount, scriptRoot)
	t.txs = txsByTxid(vtxoTree)
	t.myNonces = nil
	t.aggregateNonces = nil
	return nil
}

func (t *treeSignerSession) GetPublicKey() string {
	return hex.EncodeToString(t.pubkey.SerializeCompressed())
}

// GetNonces returns the public nonces of every tx the signer cosigns.
func (t *treeSignerSession) GetNonces() (TreeNonces, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.myNonces == nil {
		if err := t.generateNonces(); err != nil {
			return nil, err
		}
	}

	publicNonces := make(TreeNonces)
	for txid, nonces := range t.myNonces {
		publicNonces[txid] = &Musig2Nonce{nonces.PubNonce}
	}
	return publicNonces, nil
}

func (t *treeSignerSession) SetAggregatedNonces(nonces TreeNonces) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.aggregateNonces = nonces
}

func (t *treeSignerSession) AggregateNonces(
	txid string, noncesByCosigner map[string]*Musig2Nonce,
) (bool, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.txs == nil {
		return false, ErrMissingVtxoTree
	}
	if t.myNonces == nil {
		return false, ErrNoncesNotSet
	}

	tx, ok := t.txs[txid]
	if !ok {
		return false, fmt.Errorf("tx %s not found in vtxo tree", txid)
	}
	if _, ok := t.myNonces[txid]; !ok {
		// not a cosigner of this tx
		return t.hasAllNonces(), nil
	}

	keys, err := cosignerKeys(tx)
	if err != nil {
		return false, err
	}

	pubNonces := make([][musig2.PubNonceSize]byte, 0, len(keys))
	for _, key := range keys {
		nonce := findNonce(noncesByCosigner, key)
		if nonce == nil {
			return false, fmt.Errorf(
				"missing nonce of cosigner %x for txid %s", key.SerializeCompressed(), txid,
			)
		}
		pubNonces = append(pubNonces, nonce.PubNonce)
	}

	aggregated, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return false, fmt.Errorf("failed to aggregate nonces: %w", err)
	}

	if t.aggregateNonces == nil {
		t.aggregateNonces = make(TreeNonces)
	}
	t.aggregateNonces[txid] = &Musig2Nonce{aggregated}
	return t.hasAllNonces(), nil
}

// Sign produces the partial signatures of every tx the signer cosigns.
func (t *treeSignerSession) Sign(ctx context.Context) (TreePartialSigs, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.txs == nil {
		return nil, ErrMissingVtxoTree
	}
	if t.aggregateNonces == nil {
		return nil, ErrNoncesNotSet
	}

	requests := make(map[string]wallet.MusigSignRequest)
	for txid, tx := range t.txs {
		mustSign, cosigners, err := getCosignersPublicKeys(t.pubkey, tx)
		if err != nil {
			return nil, err
		}
		if !mustSign {
			continue
		}

		prevoutFetcher, err := t.prevoutFetcherFactory(tx)
		if err != nil {
			return nil, err
		}

		message, err := sighash(tx, prevoutFetcher)
		if err != nil {
			return nil, err
		}

		combinedNonce, ok := t.aggregateNonces[txid]
		if !ok {
			return nil, fmt.Errorf("missing combined nonce for txid %s", txid)
		}

		secretNonce, ok := t.myNonces[txid]
		if !ok {
			return nil, fmt.Errorf("missing secret nonce for txid %s", txid)
		}

		requests[txid] = wallet.MusigSignRequest{
			SecNonce:      secretNonce.SecNonce,
			CombinedNonce: combinedNonce.PubNonce,
			Cosigners:     cosigners,
			Message:       message,
			TapscriptRoot: t.scriptRoot,
		}
	}

	return workPoolMap(requests, func(req wallet.MusigSignRequest) (*musig2.PartialSignature, error) {
		return t.signer.MusigPartialSign(ctx, req)
	})
}

func (t *treeSignerSession) generateNonces() error {
	if len(t.txs) == 0 {
		return ErrMissingVtxoTree
	}

	myNonces, err := workPoolMap(t.txs, func(tx *psbt.Packet) (*musig2.Nonces, error) {
		mustSign, _, err := getCosignersPublicKeys(t.pubkey, tx)
		if err != nil {
			return nil, err
		}
		if !mustSign {
			return nil, nil
		}
		return musig2.GenNonces(musig2.WithPublicKey(t.pubkey))
	})
	if err != nil {
		return err
	}

	t.myNonces = myNonces
	return nil
}

func (t *treeSignerSession) hasAllNonces() bool {
	for txid := range t.myNonces {
		if _, ok := t.aggregateNonces[txid]; !ok {
			return false
		}
	}
	return true
}

// prevOutFetcherFactory resolves the prevout of a tree tx: the root spends
// the batch output, every other tx spends an output of its parent.
func prevOutFetcherFactory(
	vtxoTree *TxTree, rootSharedOutputAmount int64, scriptRoot []byte,
) func(*psbt.Packet) (txscript.PrevOutputFetcher, error) {
	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint

	return func(tx *psbt.Packet) (txscript.PrevOutputFetcher, error) {
		parentOutpoint := tx.UnsignedTx.TxIn[0].PreviousOutPoint
		if parentOutpoint == rootInput {
			keys, err := cosignerKeys(tx)
			if err != nil {
				return nil, err
			}
			aggregateKey, err := AggregateKeys(keys, scriptRoot)
			if err != nil {
				return nil, err
			}
			pkScript, err := txscript.PayToTaprootScript(aggregateKey.FinalKey)
			if err != nil {
				return nil, err
			}
			return txscript.NewCannedPrevOutputFetcher(pkScript, rootSharedOutputAmount), nil
		}

		parent := vtxoTree.Find(parentOutpoint.Hash.String())
		if parent == nil {
			return nil, fmt.Errorf("parent tx not found %s", parentOutpoint.Hash)
		}
		if int(parentOutpoint.Index) >= len(parent.Root.UnsignedTx.TxOut) {
			return nil, fmt.Errorf("parent output %s not found", parentOutpoint)
		}
		prevout := parent.Root.UnsignedTx.TxOut[parentOutpoint.Index]
		return txscript.NewCannedPrevOutputFetcher(prevout.PkScript, prevout.Value), nil
	}
}

func sighash(tx *psbt.Packet, prevoutFetcher txscript.PrevOutputFetcher) ([32]byte, error) {
	message, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx.UnsignedTx, prevoutFetcher),
		txscript.SigHashDefault,
		tx.UnsignedTx,
		0,
		prevoutFetcher,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute sighash: %w", err)
	}
	return [32]byte(message), nil
}

func cosignerKeys(tx *psbt.Packet) ([]*btcec.PublicKey, error) {
	keys, err := txutils.GetCosignerKeys(tx.Inputs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to get cosigner keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys for txid %s", tx.UnsignedTx.TxID())
	}
	return keys, nil
}

// getCosignersPublicKeys tells whether signer is one of the cosigners of tx.
func getCosignersPublicKeys(
	signer *btcec.PublicKey, tx *psbt.Packet,
) (bool, []*btcec.PublicKey, error) {
	keys, err := txutils.GetCosignerKeys(tx.Inputs[0])
	if err != nil {
		return false, nil, err
	}

	xonly := schnorr.SerializePubKey(signer)
	for _, key := range keys {
		if bytes.Equal(schnorr.SerializePubKey(key), xonly) {
			return true, keys, nil
		}
	}
	return false, nil, nil
}

func findNonce(nonces map[string]*Musig2Nonce, key *btcec.PublicKey) *Musig2Nonce {
	if nonce, ok := nonces[hex.EncodeToString(key.SerializeCompressed())]; ok {
		return nonce
	}
	return nonces[hex.EncodeToString(schnorr.SerializePubKey(key))]
}

// workPool processes items concurrently and returns the first error.
// Once an error occurs the remaining items are drained without processing.
func workPool[T any](items []T, workers int, processItem func(item T) error) error {
	var (
		once     sync.Once
		firstErr error
		failed   = make(chan struct{})
		wg       sync.WaitGroup
	)
	workChan := make(chan T)

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for item := range workChan {
				select {
				case <-failed:
					continue
				default:
				}
				if err := processItem(item); err != nil {
					once.Do(func() {
						firstErr = err
						close(failed)
					})
				}
			}
		}()
	}

	for _, item := range items {
		workChan <- item
	}
	close(workChan)
	wg.Wait()

	return firstErr
}

// workPoolMap runs processItem over every value of kvMap in parallel. Zero
// results are dropped.
func workPoolMap[T any, R comparable](
	kvMap map[string]T, processItem func(item T) (R, error),
) (map[string]R, error) {
	locker := sync.Mutex{}
	results := make(map[string]R)

	type workItem struct {
		key  string
		item T
	}

	items := make([]workItem, 0, len(kvMap))
	for key, item := range kvMap {
		items = append(items, workItem{key: key, item: item})
	}

	if err := workPool(items, runtime.NumCPU(), func(item workItem) error {
		result, err := processItem(item.item)
		if err != nil {
			return err
		}

		var zero R
		if result != zero {
			locker.Lock()
			results[item.key] = result
			locker.Unlock()
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return results, nil
}

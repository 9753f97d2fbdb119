package restclient

import (
	"fmt"
	"strconv"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/tree"
)

type getInfoResponse struct {
	Version             string          `json:"version"`
	SignerPubkey        string          `json:"signerPubkey"`
	ForfeitPubkey       string          `json:"forfeitPubkey"`
	ForfeitAddress      string          `json:"forfeitAddress"`
	CheckpointTapscript string          `json:"checkpointTapscript"`
	Network             string          `json:"network"`
	SessionDuration     utils.JSONInt64 `json:"sessionDuration"`
	UnilateralExitDelay utils.JSONInt64 `json:"unilateralExitDelay"`
	BoardingExitDelay   utils.JSONInt64 `json:"boardingExitDelay"`
	Dust                utils.JSONInt64 `json:"dust"`
	UtxoMinAmount       utils.JSONInt64 `json:"utxoMinAmount"`
	UtxoMaxAmount       utils.JSONInt64 `json:"utxoMaxAmount"`
	VtxoMinAmount       utils.JSONInt64 `json:"vtxoMinAmount"`
	VtxoMaxAmount       utils.JSONInt64 `json:"vtxoMaxAmount"`
}

type intentProof struct {
	Proof   string `json:"proof"`
	Message string `json:"message"`
}

type registerIntentRequest struct {
	Intent intentProof `json:"intent"`
}

type registerIntentResponse struct {
	IntentId string `json:"intentId"`
}

type deleteIntentRequest struct {
	Intent intentProof `json:"intent"`
}

type confirmRegistrationRequest struct {
	IntentId string `json:"intentId"`
}

type submitTreeNoncesRequest struct {
	BatchId    string `json:"batchId"`
	Pubkey     string `json:"pubkey"`
	TreeNonces string `json:"treeNonces"`
}

type submitTreeSignaturesRequest struct {
	BatchId        string `json:"batchId"`
	Pubkey         string `json:"pubkey"`
	TreeSignatures string `json:"treeSignatures"`
}

type submitSignedForfeitTxsRequest struct {
	SignedForfeitTxs   []string `json:"signedForfeitTxs"`
	SignedCommitmentTx string   `json:"signedCommitmentTx,omitempty"`
}

type submitTxRequest struct {
	SignedArkTx   string   `json:"signedArkTx"`
	CheckpointTxs []string `json:"checkpointTxs"`
}

type submitTxResponse struct {
	ArkTxid             string   `json:"arkTxid"`
	FinalArkTx          string   `json:"finalArkTx"`
	SignedCheckpointTxs []string `json:"signedCheckpointTxs"`
}

type finalizeTxRequest struct {
	ArkTxid            string   `json:"arkTxid"`
	FinalCheckpointTxs []string `json:"finalCheckpointTxs"`
}

// streamResponse is one line of a server stream of the http gateway.
type streamResponse[T any] struct {
	Result *T           `json:"result"`
	Error  *streamError `json:"error"`
}

type streamError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type getEventStreamResponse struct {
	BatchStarted         *batchStartedEvent         `json:"batchStarted"`
	BatchFinalization    *batchFinalizationEvent    `json:"batchFinalization"`
	BatchFinalized       *batchFinalizedEvent       `json:"batchFinalized"`
	BatchFailed          *batchFailedEvent          `json:"batchFailed"`
	TreeSigningStarted   *treeSigningStartedEvent   `json:"treeSigningStarted"`
	TreeNoncesAggregated *treeNoncesAggregatedEvent `json:"treeNoncesAggregated"`
	TreeNonces           *treeNoncesEvent           `json:"treeNonces"`
	TreeTx               *treeTxEvent               `json:"treeTx"`
	TreeSignature        *treeSignatureEvent        `json:"treeSignature"`
	Heartbeat            *struct{}                  `json:"heartbeat"`
}

type batchStartedEvent struct {
	Id             string          `json:"id"`
	IntentIdHashes []string        `json:"intentIdHashes"`
	BatchExpiry    utils.JSONInt64 `json:"batchExpiry"`
}

type batchFinalizationEvent struct {
	Id           string `json:"id"`
	CommitmentTx string `json:"commitmentTx"`
}

type batchFinalizedEvent struct {
	Id             string `json:"id"`
	CommitmentTxid string `json:"commitmentTxid"`
}

type batchFailedEvent struct {
	Id     string `json:"id"`
	Reason string `json:"reason"`
}

type treeSigningStartedEvent struct {
	Id                   string   `json:"id"`
	CosignersPubkeys     []string `json:"cosignersPubkeys"`
	UnsignedCommitmentTx string   `json:"unsignedCommitmentTx"`
}

type treeNoncesAggregatedEvent struct {
	Id         string            `json:"id"`
	TreeNonces map[string]string `json:"treeNonces"`
}

type treeNoncesEvent struct {
	Id     string            `json:"id"`
	Topic  []string          `json:"topic"`
	Txid   string            `json:"txid"`
	Nonces map[string]string `json:"nonces"`
}

type treeTxEvent struct {
	Id         string            `json:"id"`
	Topic      []string          `json:"topic"`
	BatchIndex int32             `json:"batchIndex"`
	Txid       string            `json:"txid"`
	Tx         string            `json:"tx"`
	Children   map[string]string `json:"children"`
}

type treeSignatureEvent struct {
	Id         string   `json:"id"`
	Topic      []string `json:"topic"`
	BatchIndex int32    `json:"batchIndex"`
	Txid       string   `json:"txid"`
	Signature  string   `json:"signature"`
}

// toBatchEvent returns nil for heartbeats and unknown events.
func (e getEventStreamResponse) toBatchEvent() (client.BatchEvent, error) {
	switch {
	case e.BatchStarted != nil:
		ev := e.BatchStarted
		return client.BatchStartedEvent{
			Id:              ev.Id,
			HashedIntentIds: ev.IntentIdHashes,
			BatchExpiry:     int64(ev.BatchExpiry),
		}, nil
	case e.BatchFinalization != nil:
		return client.BatchFinalizationEvent{
			Id: e.BatchFinalization.Id,
			Tx: e.BatchFinalization.CommitmentTx,
		}, nil
	case e.BatchFinalized != nil:
		return client.BatchFinalizedEvent{
			Id:   e.BatchFinalized.Id,
			Txid: e.BatchFinalized.CommitmentTxid,
		}, nil
	case e.BatchFailed != nil:
		return client.BatchFailedEvent{
			Id:     e.BatchFailed.Id,
			Reason: e.BatchFailed.Reason,
		}, nil
	case e.TreeSigningStarted != nil:
		return client.TreeSigningStartedEvent{
			Id:                   e.TreeSigningStarted.Id,
			UnsignedCommitmentTx: e.TreeSigningStarted.UnsignedCommitmentTx,
			CosignersPubkeys:     e.TreeSigningStarted.CosignersPubkeys,
		}, nil
	case e.TreeNoncesAggregated != nil:
		nonces, err := parseNonces(e.TreeNoncesAggregated.TreeNonces)
		if err != nil {
			return nil, fmt.Errorf("invalid aggregated nonces: %w", err)
		}
		return client.TreeNoncesAggregatedEvent{
			Id:     e.TreeNoncesAggregated.Id,
			Nonces: nonces,
		}, nil
	case e.TreeNonces != nil:
		nonces, err := parseNonces(e.TreeNonces.Nonces)
		if err != nil {
			return nil, fmt.Errorf("invalid tree nonces: %w", err)
		}
		return client.TreeNoncesEvent{
			Id:     e.TreeNonces.Id,
			Topic:  e.TreeNonces.Topic,
			Txid:   e.TreeNonces.Txid,
			Nonces: nonces,
		}, nil
	case e.TreeTx != nil:
		children := make(map[uint32]string, len(e.TreeTx.Children))
		for k, v := range e.TreeTx.Children {
			vout, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid child output index %s: %w", k, err)
			}
			children[uint32(vout)] = v
		}
		return client.TreeTxEvent{
			Id:         e.TreeTx.Id,
			Topic:      e.TreeTx.Topic,
			BatchIndex: e.TreeTx.BatchIndex,
			Node: tree.TxTreeNode{
				Txid:     e.TreeTx.Txid,
				Tx:       e.TreeTx.Tx,
				Children: children,
			},
		}, nil
	case e.TreeSignature != nil:
		return client.TreeSignatureEvent{
			Id:         e.TreeSignature.Id,
			Topic:      e.TreeSignature.Topic,
			BatchIndex: e.TreeSignature.BatchIndex,
			Txid:       e.TreeSignature.Txid,
			Signature:  e.TreeSignature.Signature,
		}, nil
	default:
		return nil, nil
	}
}

func parseNonces(raw map[string]string) (tree.TreeNonces, error) {
	nonces := make(tree.TreeNonces, len(raw))
	for key, hexNonce := range raw {
		nonce, err := tree.ParseNonce(hexNonce)
		if err != nil {
			return nil, err
		}
		nonces[key] = nonce
	}
	return nonces, nil
}


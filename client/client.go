package client

import (
	"context"
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/tree"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

const (
	RestClient = "rest"
)

var ErrConnectionClosedByServer = utils.ErrConnectionClosedByServer

type BatchEvent interface {
	isBatchEvent()
}

// TransportClient is the operator rpc surface used by the settlement
// engines.
type TransportClient interface {
	GetInfo(ctx context.Context) (*Info, error)
	RegisterIntent(ctx context.Context, proof, message string) (string, error)
	DeleteIntent(ctx context.Context, proof, message string) error
	ConfirmRegistration(ctx context.Context, intentID string) error
	SubmitTreeNonces(
		ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
	) error
	SubmitTreeSignatures(
		ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
	) error
	SubmitSignedForfeitTxs(
		ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
	) error
	// GetEventStream opens the batch event stream filtered by topics. The
	// returned func closes the stream.
	GetEventStream(
		ctx context.Context, topics []string,
	) (<-chan BatchEventChannel, func(), error)
	SubmitTx(
		ctx context.Context, signedArkTx string, checkpointTxs []string,
	) (arkTxid, finalArkTx string, signedCheckpointTxs []string, err error)
	FinalizeTx(ctx context.Context, arkTxid string, finalCheckpointTxs []string) error
	Close()
}

type Info struct {
	Version             string
	SignerPubKey        string
	ForfeitPubKey       string
	ForfeitAddress      string
	CheckpointTapscript string
	Network             string
	SessionDuration     int64
	UnilateralExitDelay int64
	BoardingExitDelay   int64
	Dust                uint64
	UtxoMinAmount       int64
	UtxoMaxAmount       int64
	VtxoMinAmount       int64
	VtxoMaxAmount       int64
}

// Terms are the operator terms decoded from Info.
type Terms struct {
	SignerPubKey        *btcec.PublicKey
	ForfeitPubKey       *btcec.PublicKey
	ForfeitPkScript     []byte
	Network             arklib.Network
	UnilateralExitDelay arklib.RelativeLocktime
	BoardingExitDelay   arklib.RelativeLocktime
	Dust                int64
}

func (i Info) Terms() (*Terms, error) {
	signer, err := parsePubKey(i.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer pubkey: %w", err)
	}

	var forfeitPubKey *btcec.PublicKey
	if i.ForfeitPubKey != "" {
		if forfeitPubKey, err = parsePubKey(i.ForfeitPubKey); err != nil {
			return nil, fmt.Errorf("invalid forfeit pubkey: %w", err)
		}
	}

	network := utils.NetworkFromString(i.Network)

	var forfeitPkScript []byte
	if i.ForfeitAddress != "" {
		netParams := utils.ToBitcoinNetwork(network)
		addr, err := btcutil.DecodeAddress(i.ForfeitAddress, &netParams)
		if err != nil {
			return nil, fmt.Errorf("invalid forfeit address: %w", err)
		}
		if forfeitPkScript, err = txscript.PayToAddrScript(addr); err != nil {
			return nil, err
		}
	}

	return &Terms{
		SignerPubKey:        signer,
		ForfeitPubKey:       forfeitPubKey,
		ForfeitPkScript:     forfeitPkScript,
		Network:             network,
		UnilateralExitDelay: relativeLocktime(i.UnilateralExitDelay),
		BoardingExitDelay:   relativeLocktime(i.BoardingExitDelay),
		Dust:                int64(i.Dust),
	}, nil
}

type BatchEventChannel struct {
	Event BatchEvent
	Err   error
}

type BatchStartedEvent struct {
	Id              string
	HashedIntentIds []string
	BatchExpiry     int64
}

func (e BatchStartedEvent) isBatchEvent() {}

type BatchFinalizationEvent struct {
	Id string
	Tx string
}

func (e BatchFinalizationEvent) isBatchEvent() {}

type BatchFinalizedEvent struct {
	Id   string
	Txid string
}

func (e BatchFinalizedEvent) isBatchEvent() {}

type BatchFailedEvent struct {
	Id     string
	Reason string
}

func (e BatchFailedEvent) isBatchEvent() {}

type TreeSigningStartedEvent struct {
	Id                   string
	UnsignedCommitmentTx string
	CosignersPubkeys     []string
}

func (e TreeSigningStartedEvent) isBatchEvent() {}

type TreeNoncesAggregatedEvent struct {
	Id     string
	Nonces tree.TreeNonces
}

func (e TreeNoncesAggregatedEvent) isBatchEvent() {}

// TreeNoncesEvent carries the nonces of every cosigner of one tree tx.
type TreeNoncesEvent struct {
	Id     string
	Topic  []string
	Txid   string
	Nonces map[string]*tree.Musig2Nonce // cosigner pubkey -> nonce
}

func (e TreeNoncesEvent) isBatchEvent() {}

type TreeTxEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Node       tree.TxTreeNode
}

func (e TreeTxEvent) isBatchEvent() {}

type TreeSignatureEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Txid       string
	Signature  string
}

func (e TreeSignatureEvent) isBatchEvent() {}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(buf)
}

func relativeLocktime(value int64) arklib.RelativeLocktime {
	if value >= 512 {
		return arklib.RelativeLocktime{Type: arklib.LocktimeTypeSecond, Value: uint32(value)}
	}
	return arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: uint32(value)}
}

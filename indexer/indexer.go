package indexer

import (
	"context"

	"github.com/arkade-os/arkpay-sdk/types"
)

// Indexer is the indexer rpc surface used to track the coins of the
// wallets' scripts.
type Indexer interface {
	GetVtxos(ctx context.Context, opts ...GetVtxosRequestOption) (*VtxosResponse, error)
	// SubscribeForScripts adds scripts to the subscription with the given
	// id, or creates a new one if id is empty. It returns the subscription id.
	SubscribeForScripts(ctx context.Context, subscriptionId string, scripts []string) (string, error)
	UnsubscribeForScripts(ctx context.Context, subscriptionId string, scripts []string) error
	// GetSubscription streams the events of the subscription. The returned
	// func closes the stream.
	GetSubscription(ctx context.Context, subscriptionId string) (<-chan *ScriptEvent, func(), error)
	Close()
}

type VtxosResponse struct {
	Vtxos []types.Vtxo
	Page  *PageResponse
}

type PageRequest struct {
	Size  int32
	Index int32
}

type PageResponse struct {
	Current int32
	Next    int32
	Total   int32
}

type TxData struct {
	Txid string
	Tx   string
}

// ScriptEvent notifies a tx touching some of the subscribed scripts. The
// last event sent before the channel is closed carries the error that ended
// the stream.
type ScriptEvent struct {
	Txid          string
	Scripts       []string
	NewVtxos      []types.Vtxo
	SpentVtxos    []types.Vtxo
	CheckpointTxs map[string]TxData
	Err           error
}

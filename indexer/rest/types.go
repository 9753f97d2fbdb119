package indexer

import (
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/ccoveille/go-safecast"
)

type indexerOutpoint struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type indexerVtxo struct {
	Outpoint        indexerOutpoint `json:"outpoint"`
	CreatedAt       utils.JSONInt64 `json:"createdAt"`
	ExpiresAt       utils.JSONInt64 `json:"expiresAt"`
	Amount          utils.JSONInt64 `json:"amount"`
	Script          string          `json:"script"`
	IsPreconfirmed  bool            `json:"isPreconfirmed"`
	IsSwept         bool            `json:"isSwept"`
	IsUnrolled      bool            `json:"isUnrolled"`
	IsSpent         bool            `json:"isSpent"`
	SpentBy         string          `json:"spentBy"`
	SettledBy       string          `json:"settledBy"`
	ArkTxid         string          `json:"arkTxid"`
	CommitmentTxids []string        `json:"commitmentTxids"`
}

func (v indexerVtxo) toVtxo() (types.Vtxo, error) {
	amount, err := safecast.ToUint64(int64(v.Amount))
	if err != nil {
		return types.Vtxo{}, fmt.Errorf("invalid amount for vtxo %s:%d: %w", v.Outpoint.Txid, v.Outpoint.Vout, err)
	}

	vtxo := types.Vtxo{
		Outpoint: types.Outpoint{
			Txid: v.Outpoint.Txid,
			VOut: v.Outpoint.Vout,
		},
		Script:          v.Script,
		Amount:          amount,
		CommitmentTxids: v.CommitmentTxids,
		Preconfirmed:    v.IsPreconfirmed,
		Swept:           v.IsSwept,
		Spent:           v.IsSpent || v.IsUnrolled,
		SpentBy:         v.SpentBy,
		SettledBy:       v.SettledBy,
		ArkTxid:         v.ArkTxid,
	}
	if v.CreatedAt > 0 {
		vtxo.CreatedAt = time.Unix(int64(v.CreatedAt), 0)
	}
	if err := vtxo.SetExpiry(int64(v.ExpiresAt)); err != nil {
		return types.Vtxo{}, err
	}
	return vtxo, nil
}

type indexerPage struct {
	Current int32 `json:"current"`
	Next    int32 `json:"next"`
	Total   int32 `json:"total"`
}

func (p *indexerPage) toPage() *indexer.PageResponse {
	if p == nil {
		return nil
	}
	return &indexer.PageResponse{
		Current: p.Current,
		Next:    p.Next,
		Total:   p.Total,
	}
}

type getVtxosResponse struct {
	Vtxos []indexerVtxo `json:"vtxos"`
	Page  *indexerPage  `json:"page"`
}

type subscribeForScriptsRequest struct {
	Scripts        []string `json:"scripts"`
	SubscriptionId string   `json:"subscriptionId,omitempty"`
}

type subscribeForScriptsResponse struct {
	SubscriptionId string `json:"subscriptionId"`
}

type indexerTxData struct {
	Txid string `json:"txid"`
	Tx   string `json:"tx"`
}

type subscriptionEvent struct {
	Txid          string                   `json:"txid"`
	Scripts       []string                 `json:"scripts"`
	NewVtxos      []indexerVtxo            `json:"newVtxos"`
	SpentVtxos    []indexerVtxo            `json:"spentVtxos"`
	CheckpointTxs map[string]indexerTxData `json:"checkpointTxs"`
}

func (e *subscriptionEvent) toScriptEvent() (*indexer.ScriptEvent, error) {
	newVtxos, err := toVtxos(e.NewVtxos)
	if err != nil {
		return nil, err
	}
	spentVtxos, err := toVtxos(e.SpentVtxos)
	if err != nil {
		return nil, err
	}

	var checkpointTxs map[string]indexer.TxData
	if len(e.CheckpointTxs) > 0 {
		checkpointTxs = make(map[string]indexer.TxData, len(e.CheckpointTxs))
		for k, v := range e.CheckpointTxs {
			checkpointTxs[k] = indexer.TxData{Txid: v.Txid, Tx: v.Tx}
		}
	}

	return &indexer.ScriptEvent{
		Txid:          e.Txid,
		Scripts:       e.Scripts,
		NewVtxos:      newVtxos,
		SpentVtxos:    spentVtxos,
		CheckpointTxs: checkpointTxs,
	}, nil
}

type subscriptionResult struct {
	Heartbeat *struct{}          `json:"heartbeat,omitempty"`
	Event     *subscriptionEvent `json:"event,omitempty"`
}

type streamError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type subscriptionStreamResponse struct {
	Result *subscriptionResult `json:"result"`
	Error  *streamError        `json:"error"`
}

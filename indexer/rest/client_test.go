package indexer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkade-os/arkpay-sdk/indexer"
	indexerrest "github.com/arkade-os/arkpay-sdk/indexer/rest"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testTxid = "4f1bd3a5f5e7c1b0e3d5a2f4b6c8d0e2f4a6b8c0d2e4f6a8b0c2d4e6f8a0b2c4"

func TestGetVtxos(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/indexer/vtxos", r.URL.Path)
		gotQuery = r.URL.Query()
		fmt.Fprintf(w, `{
			"vtxos": [
				{
					"outpoint": {"txid": "%s", "vout": 1},
					"createdAt": "1700000000",
					"expiresAt": "1800000000",
					"amount": "21000",
					"script": "5120aa",
					"isPreconfirmed": true,
					"commitmentTxids": ["%s"]
				},
				{
					"outpoint": {"txid": "%s", "vout": 2},
					"expiresAt": 850000,
					"amount": 1000,
					"script": "5120bb",
					"isSwept": true
				}
			],
			"page": {"current": 0, "next": 1, "total": 2}
		}`, testTxid, testTxid, testTxid)
	}))
	defer srv.Close()

	client, err := indexerrest.NewClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	opt := indexer.GetVtxosRequestOption{}
	require.NoError(t, opt.WithScripts([]string{"5120aa", "5120bb"}))
	require.Error(t, opt.WithOutpoints([]types.Outpoint{{Txid: testTxid}}))
	opt.WithSpendableOnly()
	opt.WithPage(&indexer.PageRequest{Size: 1000, Index: 0})

	resp, err := client.GetVtxos(context.Background(), opt)
	require.NoError(t, err)

	require.Equal(t, []string{"5120aa", "5120bb"}, gotQuery["scripts"])
	require.Equal(t, []string{"true"}, gotQuery["spendableOnly"])
	require.Equal(t, []string{"1000"}, gotQuery["page.size"])
	require.Empty(t, gotQuery["spentOnly"])

	require.Len(t, resp.Vtxos, 2)
	require.Equal(t, &indexer.PageResponse{Current: 0, Next: 1, Total: 2}, resp.Page)

	first := resp.Vtxos[0]
	require.Equal(t, types.Outpoint{Txid: testTxid, VOut: 1}, first.Outpoint)
	require.Equal(t, uint64(21000), first.Amount)
	require.Equal(t, time.Unix(1800000000, 0), first.ExpiresAt)
	require.Zero(t, first.ExpiresAtHeight)
	require.True(t, first.Preconfirmed)
	require.Equal(t, []string{testTxid}, first.CommitmentTxids)

	second := resp.Vtxos[1]
	require.True(t, second.ExpiresAt.IsZero())
	require.Equal(t, uint32(850000), second.ExpiresAtHeight)
	require.True(t, second.IsRecoverable(time.Now()))
}

func TestSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/indexer/script/subscribe":
			var req struct {
				Scripts        []string `json:"scripts"`
				SubscriptionId string   `json:"subscriptionId"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, []string{"5120aa"}, req.Scripts)
			if req.SubscriptionId == "" {
				req.SubscriptionId = "sub-1"
			}
			fmt.Fprintf(w, `{"subscriptionId": "%s"}`, req.SubscriptionId)
		case "/v1/indexer/script/unsubscribe":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code": 5, "message": "subscription not found"}`)
		case "/v1/indexer/script/subscription/sub-1":
			flusher := w.(http.Flusher)
			fmt.Fprintln(w, `{"result": {"heartbeat": {}}}`)
			flusher.Flush()
			fmt.Fprintf(w, `{"result": {"event": {"txid": "%s", "scripts": ["5120aa"], "newVtxos": [{"outpoint": {"txid": "%s", "vout": 0}, "amount": "500", "script": "5120aa"}], "checkpointTxs": {"5120aa": {"txid": "%s", "tx": "cHNidP8="}}}}}`+"\n", testTxid, testTxid, testTxid)
			flusher.Flush()
			fmt.Fprintln(w, `{"error": {"code": 14, "message": "indexer shutting down"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := indexerrest.NewClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	subId, err := client.SubscribeForScripts(ctx, "", []string{"5120aa"})
	require.NoError(t, err)
	require.Equal(t, "sub-1", subId)

	err = client.UnsubscribeForScripts(ctx, "unknown", []string{"5120aa"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, _, err = client.GetSubscription(ctx, "")
	require.Error(t, err)

	eventsCh, closeFn, err := client.GetSubscription(ctx, subId)
	require.NoError(t, err)
	defer closeFn()

	events := make([]*indexer.ScriptEvent, 0)
	for ev := range eventsCh {
		events = append(events, ev)
	}
	require.Len(t, events, 2)

	require.NoError(t, events[0].Err)
	require.Equal(t, testTxid, events[0].Txid)
	require.Len(t, events[0].NewVtxos, 1)
	require.Equal(t, uint64(500), events[0].NewVtxos[0].Amount)
	require.Equal(t, testTxid, events[0].CheckpointTxs["5120aa"].Txid)

	require.Equal(t, codes.Unavailable, status.Code(events[1].Err))
}

func TestCircuitBreaker(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		code       codes.Code
		tripped    bool
	}{
		{
			name:       "client errors keep the breaker closed",
			statusCode: http.StatusNotFound,
			body:       `{"code": 5, "message": "subscription not found"}`,
			code:       codes.NotFound,
		},
		{
			name:       "server errors open the breaker",
			statusCode: http.StatusInternalServerError,
			body:       `{"code": 13, "message": "db failure"}`,
			code:       codes.Unavailable,
			tripped:    true,
		},
	}

	const calls = 30
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client, err := indexerrest.NewClient(srv.URL)
			require.NoError(t, err)
			defer client.Close()

			var lastErr error
			for i := 0; i < calls; i++ {
				lastErr = client.UnsubscribeForScripts(
					context.Background(), "sub-1", []string{"5120aa"},
				)
				require.Error(t, lastErr)
			}
			require.Equal(t, tt.code, status.Code(lastErr))

			if tt.tripped {
				require.Less(t, int(hits.Load()), calls)
				return
			}
			require.Equal(t, calls, int(hits.Load()))
		})
	}
}

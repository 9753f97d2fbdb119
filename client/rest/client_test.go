package restclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkade-os/arkpay-sdk/client"
	restclient "github.com/arkade-os/arkpay-sdk/client/rest"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	signerPubkey = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"
	testNonce    = "02d8d8f2d6c1e5b9f1d52fb4a3e0d8c2a7e1b2c3d4e5f60718293a4b5c6d7e8f9002d8d8f2d6c1e5b9f1d52fb4a3e0d8c2a7e1b2c3d4e5f60718293a4b5c6d7e8f90"
)

func TestGetInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/info", r.URL.Path)
		// nolint
		fmt.Fprintf(w, `{
			"version": "v0.8.0",
			"signerPubkey": %q,
			"network": "regtest",
			"unilateralExitDelay": "512",
			"boardingExitDelay": 144,
			"dust": "330"
		}`, signerPubkey)
	}))
	defer srv.Close()

	c, err := restclient.NewClient(srv.URL)
	require.NoError(t, err)
	defer c.Close()

	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, signerPubkey, info.SignerPubKey)
	require.Equal(t, int64(512), info.UnilateralExitDelay)
	require.Equal(t, int64(144), info.BoardingExitDelay)
	require.Equal(t, uint64(330), info.Dust)

	terms, err := info.Terms()
	require.NoError(t, err)
	require.Equal(t, "regtest", terms.Network.Name)
	require.Equal(t, int64(330), terms.Dust)
	require.Equal(t, uint32(512), terms.UnilateralExitDelay.Value)
}

func TestRequests(t *testing.T) {
	var registered map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/batch/registerIntent":
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			// nolint
			w.Write([]byte(`{"intentId":"intent-1"}`))
		case "/v1/batch/ack":
			w.WriteHeader(http.StatusBadRequest)
			// nolint
			w.Write([]byte(`{"code":5,"message":"intent not found","details":[]}`))
		case "/v1/tx/submit":
			// nolint
			w.Write([]byte(`{"arkTxid":"txid","finalArkTx":"final","signedCheckpointTxs":["cp"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := restclient.NewClient(srv.URL, restclient.WithRequestTimeout(time.Second))
	require.NoError(t, err)

	ctx := context.Background()
	intentID, err := c.RegisterIntent(ctx, "proof", "message")
	require.NoError(t, err)
	require.Equal(t, "intent-1", intentID)
	require.Equal(t, map[string]any{"proof": "proof", "message": "message"}, registered["intent"])

	err = c.ConfirmRegistration(ctx, "intent-2")
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
	require.Equal(t, "intent not found", st.Message())

	arkTxid, finalArkTx, checkpoints, err := c.SubmitTx(ctx, "ark", []string{"cp"})
	require.NoError(t, err)
	require.Equal(t, "txid", arkTxid)
	require.Equal(t, "final", finalArkTx)
	require.Equal(t, []string{"cp"}, checkpoints)

	err = c.FinalizeTx(ctx, "txid", nil)
	st, ok = status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())
}

func TestGetEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/batch/events", r.URL.Path)
		require.Equal(t, []string{"a:0", "b:1"}, r.URL.Query()["topics"])

		lines := []string{
			`{"result":{"heartbeat":{}}}`,
			`{"result":{"batchStarted":{"id":"batch","intentIdHashes":["h1"],"batchExpiry":"1024"}}}`,
			`{"result":{"treeTx":{"id":"batch","batchIndex":1,"txid":"tx","tx":"psbt","children":{"0":"child"}}}}`,
			fmt.Sprintf(`{"result":{"treeNoncesAggregated":{"id":"batch","treeNonces":{"tx":%q}}}}`, testNonce),
			`{"result":{"batchFailed":{"id":"batch","reason":"timeout"}}}`,
		}
		for _, line := range lines {
			// nolint
			fmt.Fprintln(w, line)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	c, err := restclient.NewClient(srv.URL)
	require.NoError(t, err)

	eventsCh, closeFn, err := c.GetEventStream(context.Background(), []string{"a:0", "b:1"})
	require.NoError(t, err)
	defer closeFn()

	events := make([]client.BatchEvent, 0)
	var streamErr error
	for ev := range eventsCh {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		events = append(events, ev.Event)
	}
	require.ErrorIs(t, streamErr, client.ErrConnectionClosedByServer)
	require.Len(t, events, 4)

	started, ok := events[0].(client.BatchStartedEvent)
	require.True(t, ok)
	require.Equal(t, []string{"h1"}, started.HashedIntentIds)
	require.Equal(t, int64(1024), started.BatchExpiry)

	treeTx, ok := events[1].(client.TreeTxEvent)
	require.True(t, ok)
	require.Equal(t, int32(1), treeTx.BatchIndex)
	require.Equal(t, "child", treeTx.Node.Children[0])

	aggregated, ok := events[2].(client.TreeNoncesAggregatedEvent)
	require.True(t, ok)
	require.Equal(t, testNonce, aggregated.Nonces["tx"].String())

	failed, ok := events[3].(client.BatchFailedEvent)
	require.True(t, ok)
	require.Equal(t, "timeout", failed.Reason)
}

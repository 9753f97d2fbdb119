package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/tree"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultRequestTimeout = 15 * time.Second

type Option func(*restClient)

// WithRequestTimeout sets the deadline applied to the calls whose context
// has none.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *restClient) {
		c.requestTimeout = timeout
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *restClient) {
		c.httpClient = httpClient
	}
}

type restClient struct {
	serverURL      string
	httpClient     *http.Client
	requestTimeout time.Duration
}

func NewClient(serverURL string, opts ...Option) (client.TransportClient, error) {
	if len(serverURL) <= 0 {
		return nil, fmt.Errorf("missing server url")
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	c := &restClient{
		serverURL:      strings.TrimSuffix(serverURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (a *restClient) GetInfo(ctx context.Context) (*client.Info, error) {
	var resp getInfoResponse
	if err := a.do(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}
	return &client.Info{
		Version:             resp.Version,
		SignerPubKey:        resp.SignerPubkey,
		ForfeitPubKey:       resp.ForfeitPubkey,
		ForfeitAddress:      resp.ForfeitAddress,
		CheckpointTapscript: resp.CheckpointTapscript,
		Network:             resp.Network,
		SessionDuration:     int64(resp.SessionDuration),
		UnilateralExitDelay: int64(resp.UnilateralExitDelay),
		BoardingExitDelay:   int64(resp.BoardingExitDelay),
		Dust:                uint64(resp.Dust),
		UtxoMinAmount:       int64(resp.UtxoMinAmount),
		UtxoMaxAmount:       int64(resp.UtxoMaxAmount),
		VtxoMinAmount:       int64(resp.VtxoMinAmount),
		VtxoMaxAmount:       int64(resp.VtxoMaxAmount),
	}, nil
}

func (a *restClient) RegisterIntent(ctx context.Context, proof, message string) (string, error) {
	req := registerIntentRequest{Intent: intentProof{Proof: proof, Message: message}}
	var resp registerIntentResponse
	if err := a.do(ctx, http.MethodPost, "/v1/batch/registerIntent", req, &resp); err != nil {
		return "", err
	}
	return resp.IntentId, nil
}

func (a *restClient) DeleteIntent(ctx context.Context, proof, message string) error {
	req := deleteIntentRequest{Intent: intentProof{Proof: proof, Message: message}}
	return a.do(ctx, http.MethodPost, "/v1/batch/deleteIntent", req, nil)
}

func (a *restClient) ConfirmRegistration(ctx context.Context, intentID string) error {
	req := confirmRegistrationRequest{IntentId: intentID}
	return a.do(ctx, http.MethodPost, "/v1/batch/ack", req, nil)
}

func (a *restClient) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	noncesJSON, err := json.Marshal(nonces)
	if err != nil {
		return err
	}
	req := submitTreeNoncesRequest{
		BatchId:    batchId,
		Pubkey:     cosignerPubkey,
		TreeNonces: string(noncesJSON),
	}
	return a.do(ctx, http.MethodPost, "/v1/batch/tree/submitNonces", req, nil)
}

func (a *restClient) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	sigsJSON, err := json.Marshal(signatures)
	if err != nil {
		return err
	}
	req := submitTreeSignaturesRequest{
		BatchId:        batchId,
		Pubkey:         cosignerPubkey,
		TreeSignatures: string(sigsJSON),
	}
	return a.do(ctx, http.MethodPost, "/v1/batch/tree/submitSignatures", req, nil)
}

func (a *restClient) SubmitSignedForfeitTxs(
	ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	req := submitSignedForfeitTxsRequest{
		SignedForfeitTxs:   signedForfeitTxs,
		SignedCommitmentTx: signedCommitmentTx,
	}
	return a.do(ctx, http.MethodPost, "/v1/batch/submitForfeitTxs", req, nil)
}

func (a *restClient) GetEventStream(
	ctx context.Context, topics []string,
) (<-chan client.BatchEventChannel, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	query := url.Values{}
	for _, topic := range topics {
		query.Add("topics", topic)
	}
	streamURL := fmt.Sprintf("%s/v1/batch/events", a.serverURL)
	if len(query) > 0 {
		streamURL = fmt.Sprintf("%s?%s", streamURL, query.Encode())
	}

	chunkCh := make(chan utils.ChunkJSONStream)
	go utils.ListenToJSONStream(ctx, a.httpClient, streamURL, chunkCh)

	eventsCh := make(chan client.BatchEventChannel)
	go func() {
		defer close(eventsCh)

		send := func(ev client.BatchEventChannel) bool {
			select {
			case eventsCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range chunkCh {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					return
				}
				send(client.BatchEventChannel{Err: chunk.Err})
				return
			}

			var resp streamResponse[getEventStreamResponse]
			if err := json.Unmarshal(chunk.Msg, &resp); err != nil {
				send(client.BatchEventChannel{
					Err: fmt.Errorf("failed to parse message from event stream: %w", err),
				})
				return
			}
			if resp.Error != nil {
				send(client.BatchEventChannel{
					Err: status.Error(codes.Code(resp.Error.Code), resp.Error.Message),
				})
				return
			}
			if resp.Result == nil {
				continue
			}

			ev, err := resp.Result.toBatchEvent()
			if err != nil {
				send(client.BatchEventChannel{Err: err})
				return
			}
			if ev == nil {
				continue
			}
			if !send(client.BatchEventChannel{Event: ev}) {
				return
			}
		}
	}()

	return eventsCh, cancel, nil
}

func (a *restClient) SubmitTx(
	ctx context.Context, signedArkTx string, checkpointTxs []string,
) (string, string, []string, error) {
	req := submitTxRequest{
		SignedArkTx:   signedArkTx,
		CheckpointTxs: checkpointTxs,
	}
	var resp submitTxResponse
	if err := a.do(ctx, http.MethodPost, "/v1/tx/submit", req, &resp); err != nil {
		return "", "", nil, err
	}
	return resp.ArkTxid, resp.FinalArkTx, resp.SignedCheckpointTxs, nil
}

func (a *restClient) FinalizeTx(
	ctx context.Context, arkTxid string, finalCheckpointTxs []string,
) error {
	req := finalizeTxRequest{
		ArkTxid:            arkTxid,
		FinalCheckpointTxs: finalCheckpointTxs,
	}
	return a.do(ctx, http.MethodPost, "/v1/tx/finalize", req, nil)
}

func (a *restClient) Close() {
	a.httpClient.CloseIdleConnections()
}

func (a *restClient) do(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := utils.WithDefaultTimeout(ctx, a.requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.serverURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	// nolint:errcheck
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		log.WithField("path", path).Debugf("request failed with status %d", resp.StatusCode)
		return utils.ParseHTTPError(resp.StatusCode, respBody)
	}
	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to parse response of %s: %w", path, err)
	}
	return nil
}

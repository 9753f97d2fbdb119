package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultRateLimit      = 20
)

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

// WithRateLimit bounds the GetVtxos calls per second.
func WithRateLimit(rps int) Option {
	return func(c *restClient) {
		c.limiter = ratelimit.New(rps)
	}
}

type restClient struct {
	serverURL      string
	httpClient     *http.Client
	requestTimeout time.Duration
	limiter        ratelimit.Limiter
	cb             *gobreaker.CircuitBreaker
}

// NewClient creates a new REST client for the Indexer service
func NewClient(serverURL string, opts ...Option) (indexer.Indexer, error) {
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
		limiter:        ratelimit.New(defaultRateLimit),
		cb:             newCircuitBreaker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (a *restClient) GetVtxos(
	ctx context.Context, opts ...indexer.GetVtxosRequestOption,
) (*indexer.VtxosResponse, error) {
	if len(opts) <= 0 {
		return nil, fmt.Errorf("missing opts")
	}
	opt := opts[0]

	query := url.Values{}
	for _, script := range opt.GetScripts() {
		query.Add("scripts", script)
	}
	for _, outpoint := range opt.GetOutpoints() {
		query.Add("outpoints", outpoint)
	}
	if opt.GetSpendableOnly() {
		query.Set("spendableOnly", "true")
	}
	if opt.GetSpentOnly() {
		query.Set("spentOnly", "true")
	}
	if opt.GetRecoverableOnly() {
		query.Set("recoverableOnly", "true")
	}
	if page := opt.GetPage(); page != nil {
		query.Set("page.size", strconv.Itoa(int(page.Size)))
		query.Set("page.index", strconv.Itoa(int(page.Index)))
	}

	a.limiter.Take()

	var resp getVtxosResponse
	if err := a.do(ctx, http.MethodGet, "/v1/indexer/vtxos?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	vtxos, err := toVtxos(resp.Vtxos)
	if err != nil {
		return nil, err
	}
	return &indexer.VtxosResponse{
		Vtxos: vtxos,
		Page:  resp.Page.toPage(),
	}, nil
}

func (a *restClient) SubscribeForScripts(
	ctx context.Context, subscriptionId string, scripts []string,
) (string, error) {
	req := subscribeForScriptsRequest{
		Scripts:        scripts,
		SubscriptionId: subscriptionId,
	}
	var resp subscribeForScriptsResponse
	if err := a.do(ctx, http.MethodPost, "/v1/indexer/script/subscribe", req, &resp); err != nil {
		return "", err
	}
	return resp.SubscriptionId, nil
}

func (a *restClient) UnsubscribeForScripts(
	ctx context.Context, subscriptionId string, scripts []string,
) error {
	req := subscribeForScriptsRequest{
		Scripts:        scripts,
		SubscriptionId: subscriptionId,
	}
	return a.do(ctx, http.MethodPost, "/v1/indexer/script/unsubscribe", req, nil)
}

func (a *restClient) GetSubscription(
	ctx context.Context, subscriptionId string,
) (<-chan *indexer.ScriptEvent, func(), error) {
	if subscriptionId == "" {
		return nil, nil, fmt.Errorf("missing subscription id")
	}
	ctx, cancel := context.WithCancel(ctx)

	streamURL := fmt.Sprintf(
		"%s/v1/indexer/script/subscription/%s", a.serverURL, url.PathEscape(subscriptionId),
	)
	chunkCh := make(chan utils.ChunkJSONStream)
	go utils.ListenToJSONStream(ctx, a.httpClient, streamURL, chunkCh)

	eventsCh := make(chan *indexer.ScriptEvent)
	go func() {
		defer close(eventsCh)

		send := func(ev *indexer.ScriptEvent) bool {
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
				send(&indexer.ScriptEvent{Err: chunk.Err})
				return
			}

			var resp subscriptionStreamResponse
			if err := json.Unmarshal(chunk.Msg, &resp); err != nil {
				send(&indexer.ScriptEvent{
					Err: fmt.Errorf("failed to parse message from subscription stream: %w", err),
				})
				return
			}
			if resp.Error != nil {
				send(&indexer.ScriptEvent{
					Err: status.Error(codes.Code(resp.Error.Code), resp.Error.Message),
				})
				return
			}
			if resp.Result == nil || resp.Result.Event == nil {
				// heartbeat
				continue
			}

			ev, err := resp.Result.Event.toScriptEvent()
			if err != nil {
				send(&indexer.ScriptEvent{Err: err})
				return
			}
			if !send(ev) {
				return
			}
		}
	}()

	return eventsCh, cancel, nil
}

func (a *restClient) Close() {
	a.httpClient.CloseIdleConnections()
}

func (a *restClient) do(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := utils.WithDefaultTimeout(ctx, a.requestTimeout)
	defer cancel()

	respBody, err := a.cb.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, a.serverURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		// nolint:errcheck
		defer resp.Body.Close()

		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, utils.ParseHTTPError(resp.StatusCode, buf)
		}
		return buf, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return status.Error(codes.Unavailable, err.Error())
		}
		return err
	}

	buf := respBody.([]byte)
	if result == nil || len(buf) == 0 {
		return nil
	}
	if err := json.Unmarshal(buf, result); err != nil {
		return fmt.Errorf("failed to parse response of %s: %w", path, err)
	}
	return nil
}

func newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "indexer",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 20 && failureRatio >= 0.7
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// client side errors don't tell anything about the indexer health
			st, ok := status.FromError(err)
			if !ok {
				return false
			}
			switch st.Code() {
			case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
				codes.PermissionDenied, codes.Unauthenticated:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Warn("indexer seems down, stop allowing requests")
			}
			if from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen {
				log.Info("checking indexer status")
			}
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed {
				log.Info("indexer seems ok, restart allowing requests")
			}
		},
	})
}

func toVtxos(restVtxos []indexerVtxo) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(restVtxos))
	for _, v := range restVtxos {
		vtxo, err := v.toVtxo()
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, vtxo)
	}
	return vtxos, nil
}

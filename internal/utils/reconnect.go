package utils

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ReconnectConfig = struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}{
	InitialDelay: 1 * time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

const cloudflare524Error = "524"
const grpcHTTPFallbackError = "unexpected HTTP status code received from server"

// ShouldReconnect classifies a stream or call error and returns the minimum
// delay before the next attempt.
func ShouldReconnect(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if errors.Is(err, context.Canceled) {
		return false, 0
	}
	if errors.Is(err, ErrConnectionClosedByServer) {
		return true, time.Second
	}
	// During server restarts calls may briefly hit the HTTP gateway and get
	// back a plain HTTP response.
	if strings.Contains(err.Error(), grpcHTTPFallbackError) {
		return true, time.Second
	}

	st, ok := status.FromError(err)
	if !ok {
		if strings.Contains(err.Error(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return true, time.Second
	}

	switch st.Code() {
	case codes.Unknown:
		if strings.Contains(st.Message(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return false, 0
	case codes.ResourceExhausted:
		return true, 5 * time.Second
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted:
		return true, time.Second
	case codes.FailedPrecondition:
		// the server returns this while its wallet is locked or syncing
		return true, 5 * time.Second
	case codes.Canceled,
		codes.InvalidArgument,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.Unimplemented,
		codes.NotFound,
		codes.AlreadyExists:
		return false, 0
	default:
		return false, 0
	}
}

// NewReconnectBackoff returns the exponential backoff used by reconnecting
// loops. It never gives up on its own, ctx bounds it.
func NewReconnectBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectConfig.InitialDelay
	b.MaxInterval = ReconnectConfig.MaxDelay
	b.Multiplier = ReconnectConfig.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

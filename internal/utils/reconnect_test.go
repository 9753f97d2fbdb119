package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShouldReconnect(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
		delay    time.Duration
	}{
		{
			name:     "unavailable reconnects",
			err:      status.Error(codes.Unavailable, "server unavailable"),
			expected: true,
			delay:    time.Second,
		},
		{
			name:     "resource exhausted reconnects with longer backoff",
			err:      status.Error(codes.ResourceExhausted, "rate limited"),
			expected: true,
			delay:    5 * time.Second,
		},
		{
			name:     "deadline exceeded reconnects",
			err:      status.Error(codes.DeadlineExceeded, "timeout"),
			expected: true,
			delay:    time.Second,
		},
		{
			name: "failed precondition reconnects (wallet not ready)",
			err: status.Error(
				codes.FailedPrecondition,
				"ark service not ready: wallet is locked or syncing",
			),
			expected: true,
			delay:    5 * time.Second,
		},
		{
			name:     "canceled does not reconnect",
			err:      status.Error(codes.Canceled, "client canceled"),
			expected: false,
		},
		{
			name:     "context canceled does not reconnect",
			err:      fmt.Errorf("stream: %w", context.Canceled),
			expected: false,
		},
		{
			name:     "invalid argument does not reconnect",
			err:      status.Error(codes.InvalidArgument, "bad request"),
			expected: false,
		},
		{
			name:     "unimplemented does not reconnect",
			err:      status.Error(codes.Unimplemented, "unknown service"),
			expected: false,
		},
		{
			name:     "cloudflare 524 reconnects",
			err:      status.Error(codes.Unknown, "upstream timeout 524"),
			expected: true,
			delay:    5 * time.Second,
		},
		{
			name: "grpc briefly hits http gateway during restart",
			err: status.Error(
				codes.Unknown,
				"unexpected HTTP status code received from server: 200 (OK); malformed header: missing HTTP content-type",
			),
			expected: true,
			delay:    time.Second,
		},
		{
			name:     "connection closed by server reconnects",
			err:      ErrConnectionClosedByServer,
			expected: true,
			delay:    time.Second,
		},
		{
			name:     "plain error reconnects",
			err:      errors.New("connection dropped"),
			expected: true,
			delay:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay := ShouldReconnect(tt.err)
			require.Equal(t, tt.expected, got)
			require.Equal(t, tt.delay, delay)
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), "test", func(context.Context) error {
			calls++
			return status.Error(codes.InvalidArgument, "bad request")
		})
		require.Error(t, err)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
		require.Equal(t, 1, calls)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, "test", func(context.Context) error {
			calls++
			cancel()
			return status.Error(codes.Unavailable, "down")
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

package utils

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseHTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		code       codes.Code
		message    string
	}{
		{
			name:       "gateway body",
			statusCode: http.StatusBadRequest,
			body:       `{"code":9,"message":"wallet locked","details":[]}`,
			code:       codes.FailedPrecondition,
			message:    "wallet locked",
		},
		{
			name:       "plain body",
			statusCode: http.StatusServiceUnavailable,
			body:       "upstream down",
			code:       codes.Unavailable,
		},
		{
			name:       "cloudflare timeout",
			statusCode: 524,
			body:       "",
			code:       codes.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseHTTPError(tt.statusCode, []byte(tt.body))
			st, ok := status.FromError(err)
			require.True(t, ok)
			require.Equal(t, tt.code, st.Code())
			if tt.message != "" {
				require.Equal(t, tt.message, st.Message())
			}
		})
	}

	retry, delay := ShouldReconnect(ParseHTTPError(524, nil))
	require.True(t, retry)
	require.Equal(t, 5*time.Second, delay)
}

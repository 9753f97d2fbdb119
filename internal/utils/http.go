package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// gatewayError is the body of an error response of the http gateway.
type gatewayError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// ParseHTTPError turns an error response into a grpc status error so it can
// be classified like the error of a grpc call.
func ParseHTTPError(statusCode int, body []byte) error {
	body = bytes.TrimSpace(body)

	var gwErr gatewayError
	if err := json.Unmarshal(body, &gwErr); err == nil && (gwErr.Code != 0 || gwErr.Message != "") {
		return status.Error(codes.Code(gwErr.Code), gwErr.Message)
	}

	return status.Error(
		httpStatusToCode(statusCode),
		fmt.Sprintf("got unexpected status %d code: %s", statusCode, body),
	)
}

func httpStatusToCode(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case 499:
		return codes.Canceled
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusInternalServerError:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// JSONInt64 decodes the 64 bit integers the http gateway serializes as
// strings. Plain numbers are accepted too.
type JSONInt64 int64

func (v *JSONInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", data, err)
	}
	*v = JSONInt64(n)
	return nil
}

func (v JSONInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(v), 10))), nil
}

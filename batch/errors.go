package batch

import (
	"errors"
	"fmt"
)

var (
	ErrCoinAlreadyLocked = errors.New("coin already locked by another intent")
	ErrContractNotOwned  = errors.New("coin contract is not owned by the wallet")
	ErrCoinSpent         = errors.New("coin already spent")
	ErrOutputNotFound    = errors.New("intent output not found in batch")
	ErrIntentNotActive   = errors.New("intent is not active")
	ErrIntentInBatch     = errors.New("intent is taking part in a batch")
	ErrMissingCoins      = errors.New("missing coins")
	ErrMissingReceivers  = errors.New("missing receivers")
	ErrMissingConnector  = errors.New("missing connector for forfeit")
)

// BatchFailedError is returned by a session when the operator aborts the
// batch.
type BatchFailedError struct {
	BatchId string
	Reason  string
}

func (e BatchFailedError) Error() string {
	return fmt.Sprintf("batch %s failed: %s", e.BatchId, e.Reason)
}

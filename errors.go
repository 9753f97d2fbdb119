package arksdk

import (
	"errors"
)

var (
	ErrNotStarted       = errors.New("service not started")
	ErrAlreadyStarted   = errors.New("service already started")
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrWalletExists     = errors.New("wallet already exists with a different key")
	ErrMissingReceivers = errors.New("missing receivers")
	ErrOnchainReceiver  = errors.New("all receiver addresses must be offchain addresses")
)

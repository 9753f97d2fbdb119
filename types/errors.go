package types

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrIntentExists = errors.New("intent already exists")
)

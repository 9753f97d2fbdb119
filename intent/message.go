package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	arkintent "github.com/arkade-os/arkd/pkg/ark-lib/intent"
)

type MessageType = arkintent.IntentMessageType

const (
	IntentMessageTypeRegister = arkintent.IntentMessageTypeRegister
	IntentMessageTypeDelete   = arkintent.IntentMessageTypeDelete
)

var ErrInvalidMessage = errors.New("invalid intent message")

type BaseMessage = arkintent.BaseMessage

// RegisterMessage is the message committed in the proof registering an
// intent for the next batch.
type RegisterMessage struct {
	BaseMessage
	// InputTapTrees lists the hex encoded tap trees of the spent coins, in
	// the order of the proof inputs (the duplicated first input excluded).
	InputTapTrees []string `json:"input_tap_trees,omitempty"`
	// OnchainOutputIndexes are the indexes of the proof outputs to be paid
	// in the commitment tx rather than in the vtxo tree.
	OnchainOutputIndexes []int `json:"onchain_output_indexes"`
	// ValidAt and ExpireAt are unix timestamps in seconds, 0 means unbounded.
	ValidAt             int64    `json:"valid_at"`
	ExpireAt            int64    `json:"expire_at"`
	CosignersPublicKeys []string `json:"cosigners_public_keys"`
}

func (m RegisterMessage) Encode() (string, error) {
	if m.Type != IntentMessageTypeRegister {
		return "", fmt.Errorf("%w: expected type %s, got %s", ErrInvalidMessage, IntentMessageTypeRegister, m.Type)
	}
	if m.ExpireAt > 0 && m.ValidAt > m.ExpireAt {
		return "", fmt.Errorf("%w: valid_at is after expire_at", ErrInvalidMessage)
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (m *RegisterMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if m.Type != IntentMessageTypeRegister {
		return fmt.Errorf("%w: expected type %s, got %s", ErrInvalidMessage, IntentMessageTypeRegister, m.Type)
	}
	return nil
}

// IsValidAt reports whether t falls in the validity window of the message.
func (m RegisterMessage) IsValidAt(t time.Time) bool {
	if m.ValidAt > 0 && t.Unix() < m.ValidAt {
		return false
	}
	if m.ExpireAt > 0 && t.Unix() > m.ExpireAt {
		return false
	}
	return true
}

// DeleteMessage is the message committed in the proof deleting a
// registered intent.
type DeleteMessage struct {
	BaseMessage
	ExpireAt int64 `json:"expire_at"`
}

func (m DeleteMessage) Encode() (string, error) {
	if m.Type != IntentMessageTypeDelete {
		return "", fmt.Errorf("%w: expected type %s, got %s", ErrInvalidMessage, IntentMessageTypeDelete, m.Type)
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (m *DeleteMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if m.Type != IntentMessageTypeDelete {
		return fmt.Errorf("%w: expected type %s, got %s", ErrInvalidMessage, IntentMessageTypeDelete, m.Type)
	}
	return nil
}

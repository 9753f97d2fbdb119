package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
)

const (
	InMemoryStore = "inmemory"
	KVStore       = "kv"
	SQLStore      = "sql"
)

// HeightThreshold is the locktime threshold below which expiries are block
// heights rather than unix timestamps.
const HeightThreshold = 500_000_000

type Outpoint struct {
	Txid string
	VOut uint32
}

func (v Outpoint) String() string {
	return fmt.Sprintf("%s:%d", v.Txid, v.VOut)
}

// Wallet is a signing identity known to the store. The private key is never
// persisted.
type Wallet struct {
	ID     string
	PubKey string
	// Destination is an optional fixed payout address.
	Destination string
	// SchedulingPolicy is the serialized auto settlement policy, if any.
	SchedulingPolicy string
	CreatedAt        time.Time
}

// WalletContract is a contract derived for a wallet, keyed by its output
// script (hex).
type WalletContract struct {
	Script    string
	WalletID  string
	Active    bool
	Type      string
	Data      map[string]string
	CreatedAt time.Time
}

// Contract rebuilds the contract from its persisted data.
func (c WalletContract) Contract() (contract.Contract, error) {
	return contract.ParseContractData(c.Type, c.Data)
}

type Vtxo struct {
	Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	CreatedAt       time.Time
	// ExpiresAt is zero when the expiry is a block height.
	ExpiresAt       time.Time
	ExpiresAtHeight uint32
	Preconfirmed    bool
	Swept           bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
	Recoverable     bool
}

func (v Vtxo) String() string {
	// nolint
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// IsRecoverable reports whether the vtxo can only be recovered in a batch:
// swept by the server or past its expiry.
func (v Vtxo) IsRecoverable(now time.Time) bool {
	if v.Spent {
		return false
	}
	if v.Swept || v.Recoverable {
		return true
	}
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// SetExpiry interprets a raw expiry as a block height below
// HeightThreshold, as a unix timestamp otherwise.
func (v *Vtxo) SetExpiry(expiry int64) error {
	v.ExpiresAt, v.ExpiresAtHeight = time.Time{}, 0
	if expiry <= 0 {
		return nil
	}
	if expiry < HeightThreshold {
		height, err := safecast.ToUint32(expiry)
		if err != nil {
			return err
		}
		v.ExpiresAtHeight = height
		return nil
	}
	v.ExpiresAt = time.Unix(expiry, 0)
	return nil
}

type VtxoEventType int

const (
	VtxosAdded VtxoEventType = iota
	VtxosSpent
	VtxosUpdated
)

func (e VtxoEventType) String() string {
	return map[VtxoEventType]string{
		VtxosAdded:   "VTXOS_ADDED",
		VtxosSpent:   "VTXOS_SPENT",
		VtxosUpdated: "VTXOS_UPDATED",
	}[e]
}

type VtxoEvent struct {
	Type  VtxoEventType
	Vtxos []Vtxo
}

type IntentState int

const (
	IntentWaitingToSubmit IntentState = iota
	IntentWaitingForBatch
	IntentBatchSucceeded
	IntentBatchFailed
	IntentCancelled
)

func (s IntentState) String() string {
	return map[IntentState]string{
		IntentWaitingToSubmit: "WAITING_TO_SUBMIT",
		IntentWaitingForBatch: "WAITING_FOR_BATCH",
		IntentBatchSucceeded:  "BATCH_SUCCEEDED",
		IntentBatchFailed:     "BATCH_FAILED",
		IntentCancelled:       "CANCELLED",
	}[s]
}

func (s IntentState) IsTerminal() bool {
	return s == IntentBatchSucceeded || s == IntentBatchFailed || s == IntentCancelled
}

// Intent is a registered spend request waiting to be settled in a batch.
type Intent struct {
	ID string
	// ServerID is the id assigned by the operator on registration.
	ServerID        string
	WalletID        string
	State           IntentState
	LockedVtxos     []Outpoint
	ValidFrom       time.Time
	ValidUntil      time.Time
	RegisterProof   string
	RegisterMessage string
	DeleteProof     string
	DeleteMessage   string
	// PartialForfeits are forfeit txs pre-signed by the owner, if any.
	PartialForfeits    []string
	BatchID            string
	CommitmentTxid     string
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (i Intent) IsActive() bool {
	return !i.State.IsTerminal()
}

func (i Intent) Locks(outpoint Outpoint) bool {
	for _, locked := range i.LockedVtxos {
		if locked == outpoint {
			return true
		}
	}
	return false
}

// Receiver is an output request: an ark address or an onchain address.
type Receiver struct {
	To     string
	Amount uint64
}

func (r Receiver) IsOnchain() bool {
	_, err := contract.DecodeAddress(r.To)
	return err != nil
}

// ToTxOut returns the output paying the receiver and whether it is an
// onchain output.
func (r Receiver) ToTxOut(net *chaincfg.Params) (*wire.TxOut, bool, error) {
	amount, err := safecast.ToInt64(r.Amount)
	if err != nil {
		return nil, false, err
	}

	var pkScript []byte
	isOnchain := false

	arkAddress, err := contract.DecodeAddress(r.To)
	if err != nil {
		btcAddress, err := btcutil.DecodeAddress(r.To, net)
		if err != nil {
			return nil, false, fmt.Errorf("invalid address %s: %w", r.To, err)
		}
		pkScript, err = txscript.PayToAddrScript(btcAddress)
		if err != nil {
			return nil, false, err
		}
		isOnchain = true
	} else {
		pkScript, err = arkAddress.PkScript()
		if err != nil {
			return nil, false, err
		}
	}

	return &wire.TxOut{Value: amount, PkScript: pkScript}, isOnchain, nil
}

package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParseOutpoint parses the txid:vout form returned by Outpoint.String.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, vout, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("invalid outpoint %s", s)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint txid %s: %w", txid, err)
	}
	index, err := strconv.ParseUint(vout, 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("invalid outpoint vout %s: %w", vout, err)
	}
	return Outpoint{Txid: txid, VOut: uint32(index)}, nil
}

func OutpointFromWire(o wire.OutPoint) Outpoint {
	return Outpoint{Txid: o.Hash.String(), VOut: o.Index}
}

func (v Outpoint) ToWire() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(v.Txid)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return wire.OutPoint{Hash: *hash, Index: v.VOut}, nil
}

// Hash is the structural hash of the vtxo, equal for equal records
// regardless of the location of their timestamps.
func (v Vtxo) Hash() [32]byte {
	v.CreatedAt = v.CreatedAt.UTC().Truncate(time.Second)
	v.ExpiresAt = v.ExpiresAt.UTC().Truncate(time.Second)
	if len(v.CommitmentTxids) == 0 {
		v.CommitmentTxids = nil
	}
	// nolint
	buf, _ := json.Marshal(v)
	return sha256.Sum256(buf)
}

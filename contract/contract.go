package contract

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrInvalidContractData      = errors.New("invalid contract data")
	ErrUnknownContractType      = errors.New("unknown contract type")
	ErrMissingCollaborativePath = errors.New("contract has no collaborative path")
	ErrMissingUnilateralPath    = errors.New("contract has no unilateral path")
	ErrNoSpendPath              = errors.New("no spending path available for signer")
)

// Contract is an immutable spending-condition family bound to an operator
// key.
type Contract interface {
	Type() string
	Server() *btcec.PublicKey
	CollaborativePaths() []Leaf
	UnilateralPaths() []Leaf
	GetTaprootSpendInfo() (*TaprootSpendInfo, error)
	GetArkAddress(net arklib.Network) (*ArkAddress, error)
	PkScript() ([]byte, error)
	GetContractData() map[string]string
	String() string
}

// SpendOptions narrows the selection of a spending path.
type SpendOptions struct {
	Preimage   []byte
	Now        time.Time
	Unilateral bool
}

// SpendPath is a leaf chosen for spending together with the extra data its
// witness and input need.
type SpendPath struct {
	Leaf Leaf
	// Condition witness items pushed after the signatures.
	Witness [][]byte
	// Sequence is set when the leaf checks a relative timelock.
	Sequence *uint32
	LockTime *uint32
	// Tweak is added to the signer key before signing.
	Tweak []byte
}

// Spendable contracts know which of their leaves a given key can spend.
// Candidates are returned best first.
type Spendable interface {
	SpendingPaths(signer *btcec.PublicKey, opts SpendOptions) ([]SpendPath, error)
}

func spendInfo(c Contract) (*TaprootSpendInfo, error) {
	collaborative := c.CollaborativePaths()
	if len(collaborative) == 0 {
		return nil, ErrMissingCollaborativePath
	}
	unilateral := c.UnilateralPaths()
	if len(unilateral) == 0 {
		return nil, ErrMissingUnilateralPath
	}

	leaves := make([]txscript.TapLeaf, 0, len(collaborative)+len(unilateral))
	for _, l := range append(collaborative, unilateral...) {
		leaf, err := l.TapLeaf()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	tree, err := BuildTapTree(leaves, nil)
	if err != nil {
		return nil, err
	}
	return NewTaprootSpendInfo(tree), nil
}

func arkAddress(c Contract, net arklib.Network) (*ArkAddress, error) {
	info, err := c.GetTaprootSpendInfo()
	if err != nil {
		return nil, err
	}
	return &ArkAddress{
		HRP:        net.Addr,
		Version:    addressVersion,
		Server:     c.Server(),
		VtxoTapKey: info.OutputKey,
	}, nil
}

func pkScript(c Contract) ([]byte, error) {
	info, err := c.GetTaprootSpendInfo()
	if err != nil {
		return nil, err
	}
	return txscript.PayToTaprootScript(info.OutputKey)
}

// pathFor wraps a leaf into a spend path, filling its sequence.
func pathFor(leaf Leaf, witness ...[]byte) (SpendPath, error) {
	path := SpendPath{Leaf: leaf, Witness: witness}
	if leaf.RequiresSequence() {
		sequence, err := leaf.Sequence()
		if err != nil {
			return SpendPath{}, err
		}
		path.Sequence = &sequence
	}
	return path, nil
}

func withLockTime(path SpendPath, locktime uint32) SpendPath {
	path.LockTime = &locktime
	if path.Sequence == nil {
		// nLockTime is ignored when every input has a final sequence.
		sequence := uint32(wireMaxSequence - 1)
		path.Sequence = &sequence
	}
	return path
}

func sameKey(a, b *btcec.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(schnorr.SerializePubKey(a), schnorr.SerializePubKey(b))
}

func encodeKey(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

func parseKey(field, value string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractData, field, err)
	}
	var key *btcec.PublicKey
	switch len(buf) {
	case 32:
		key, err = schnorr.ParsePubKey(buf)
	case 33:
		key, err = btcec.ParsePubKey(buf)
	default:
		err = fmt.Errorf("invalid key length %d", len(buf))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractData, field, err)
	}
	return key, nil
}

// parseCompressedKey rejects x-only keys, whose dropped parity would change
// the result of adding a tweak.
func parseCompressedKey(field, value string) (*btcec.PublicKey, error) {
	buf, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractData, field, err)
	}
	if len(buf) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf(
			"%w: %s: expected %d bytes compressed key, got %d",
			ErrInvalidContractData, field, btcec.PubKeyBytesLenCompressed, len(buf),
		)
	}
	return parseKey(field, value)
}

func parseHex(field, value string, size int) ([]byte, error) {
	buf, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidContractData, field, err)
	}
	if size > 0 && len(buf) != size {
		return nil, fmt.Errorf(
			"%w: %s: expected %d bytes, got %d", ErrInvalidContractData, field, size, len(buf),
		)
	}
	return buf, nil
}

func encodeDelay(delay arklib.RelativeLocktime) string {
	sequence, err := arklib.BIP68Sequence(delay)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(uint64(sequence), 10)
}

func parseDelay(field, value string) (arklib.RelativeLocktime, error) {
	sequence, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return arklib.RelativeLocktime{}, fmt.Errorf(
			"%w: %s: %s", ErrInvalidContractData, field, err,
		)
	}
	delay, err := DecodeSequence(uint32(sequence))
	if err != nil {
		return arklib.RelativeLocktime{}, fmt.Errorf(
			"%w: %s: %s", ErrInvalidContractData, field, err,
		)
	}
	return delay, nil
}

func parseUint32(field, value string) (uint32, error) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrInvalidContractData, field, err)
	}
	return uint32(v), nil
}

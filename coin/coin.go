package coin

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/ccoveille/go-safecast"
)

var (
	ErrMissingSequence = errors.New("leaf checks a relative timelock but no sequence is set")
	ErrMissingLockTime = errors.New("leaf checks an absolute timelock but no locktime is set")
	ErrScriptMismatch  = errors.New("coin script does not match its contract")
)

// ArkCoin is an unspent output bound to the contract locking it.
type ArkCoin struct {
	Outpoint        wire.OutPoint
	TxOut           wire.TxOut
	Contract        contract.Contract
	ExpiresAt       *time.Time
	ExpiresAtHeight *uint32
	Recoverable     bool
}

// FromVtxo binds a stored vtxo to the contract locking it.
func FromVtxo(vtxo types.Vtxo, c contract.Contract) (ArkCoin, error) {
	outpoint, err := vtxo.ToWire()
	if err != nil {
		return ArkCoin{}, err
	}
	pkScript, err := hex.DecodeString(vtxo.Script)
	if err != nil {
		return ArkCoin{}, fmt.Errorf("invalid vtxo script: %w", err)
	}
	amount, err := safecast.ToInt64(vtxo.Amount)
	if err != nil {
		return ArkCoin{}, err
	}

	arkCoin := ArkCoin{
		Outpoint:    outpoint,
		TxOut:       wire.TxOut{Value: amount, PkScript: pkScript},
		Contract:    c,
		Recoverable: vtxo.Swept || vtxo.Recoverable,
	}
	if !vtxo.ExpiresAt.IsZero() {
		expiresAt := vtxo.ExpiresAt
		arkCoin.ExpiresAt = &expiresAt
	}
	if vtxo.ExpiresAtHeight > 0 {
		height := vtxo.ExpiresAtHeight
		arkCoin.ExpiresAtHeight = &height
	}
	return arkCoin, nil
}

func (c ArkCoin) Amount() int64 {
	return c.TxOut.Value
}

func (c ArkCoin) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// SpendableCoin is a coin together with the signer able to spend it and the
// chosen leaf.
type SpendableCoin struct {
	ArkCoin
	Signer wallet.Signer
	Path   contract.SpendPath
}

// Validate checks that the timelocks enforced by the chosen leaf are
// satisfiable by the input.
func (c *SpendableCoin) Validate() error {
	if c.Path.Leaf == nil {
		return fmt.Errorf("missing spending leaf")
	}
	script, err := c.Path.Leaf.Script()
	if err != nil {
		return err
	}
	if hasOpcode(script, txscript.OP_CHECKSEQUENCEVERIFY) && c.Path.Sequence == nil {
		return ErrMissingSequence
	}
	if hasOpcode(script, txscript.OP_CHECKLOCKTIMEVERIFY) && c.Path.LockTime == nil {
		return ErrMissingLockTime
	}
	return nil
}

func (c *SpendableCoin) Sequence() uint32 {
	if c.Path.Sequence == nil {
		return wire.MaxTxInSequenceNum
	}
	return *c.Path.Sequence
}

func (c *SpendableCoin) LockTime() uint32 {
	if c.Path.LockTime == nil {
		return 0
	}
	return *c.Path.LockTime
}

func (c *SpendableCoin) LeafScript() ([]byte, error) {
	return c.Path.Leaf.Script()
}

func (c *SpendableCoin) ControlBlock() (*txscript.ControlBlock, error) {
	info, err := c.Contract.GetTaprootSpendInfo()
	if err != nil {
		return nil, err
	}
	script, err := c.LeafScript()
	if err != nil {
		return nil, err
	}
	return info.ControlBlock(script)
}

// Tapscript describes the revealed leaf of the coin.
func (c *SpendableCoin) Tapscript() (*waddrmgr.Tapscript, error) {
	script, err := c.LeafScript()
	if err != nil {
		return nil, err
	}
	cb, err := c.ControlBlock()
	if err != nil {
		return nil, err
	}
	return &waddrmgr.Tapscript{
		Type:           waddrmgr.TapscriptTypePartialReveal,
		ControlBlock:   cb,
		RevealedScript: script,
	}, nil
}

func (c *SpendableCoin) ConditionWitness() wire.TxWitness {
	return wire.TxWitness(c.Path.Witness)
}

// GetSpendableCoin picks the best leaf of the coin's contract for signer.
func GetSpendableCoin(
	ctx context.Context, coin ArkCoin, signer wallet.Signer, opts contract.SpendOptions,
) (*SpendableCoin, error) {
	spendable, ok := coin.Contract.(contract.Spendable)
	if !ok {
		return nil, fmt.Errorf(
			"%w: contract type %s", contract.ErrNoSpendPath, coin.Contract.Type(),
		)
	}
	pkScript, err := coin.Contract.PkScript()
	if err != nil {
		return nil, err
	}
	if len(coin.TxOut.PkScript) > 0 && !bytes.Equal(pkScript, coin.TxOut.PkScript) {
		return nil, ErrScriptMismatch
	}

	key, err := signer.XOnlyPubKey(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	paths, err := spendable.SpendingPaths(key, opts)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, contract.ErrNoSpendPath
	}

	spendableCoin := &SpendableCoin{ArkCoin: coin, Signer: signer, Path: paths[0]}
	if err := spendableCoin.Validate(); err != nil {
		return nil, err
	}
	return spendableCoin, nil
}

func hasOpcode(script []byte, opcode byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if tokenizer.Opcode() == opcode {
			return true
		}
	}
	return false
}

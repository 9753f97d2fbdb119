package contract

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

const (
	sequenceLocktimeMask        = 0x0000ffff
	sequenceLocktimeTypeFlag    = 1 << 22
	sequenceLocktimeGranularity = 9
	sequenceDisableFlag         = 1 << 31
)

// HashKind selects the hash opcode used by a hash-lock fragment.
type HashKind string

const (
	HashSHA256  HashKind = "sha256"
	HashHASH160 HashKind = "hash160"
)

// ScriptBuilder produces one fragment of a tapscript leaf.
type ScriptBuilder interface {
	Build() ([]byte, error)
}

// MultisigBuilder is an N-of-N checksig chain over x-only keys.
type MultisigBuilder struct {
	PubKeys []*btcec.PublicKey
}

func (b MultisigBuilder) Build() ([]byte, error) {
	if len(b.PubKeys) == 0 {
		return nil, fmt.Errorf("missing multisig keys")
	}

	builder := txscript.NewScriptBuilder()
	for i, key := range b.PubKeys {
		if key == nil {
			return nil, fmt.Errorf("nil key at index %d", i)
		}
		builder.AddData(schnorr.SerializePubKey(key))
		if i == len(b.PubKeys)-1 {
			builder.AddOp(txscript.OP_CHECKSIG)
			continue
		}
		builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	}
	return builder.Script()
}

// HashLockBuilder requires the spender to reveal the preimage of Hash.
type HashLockBuilder struct {
	Hash []byte
	Kind HashKind
}

func NewHashLock(preimage []byte, kind HashKind) HashLockBuilder {
	if kind == HashHASH160 {
		return HashLockBuilder{Hash: btcutil.Hash160(preimage), Kind: kind}
	}
	h := sha256.Sum256(preimage)
	return HashLockBuilder{Hash: h[:], Kind: HashSHA256}
}

func (b HashLockBuilder) Build() ([]byte, error) {
	var op byte
	switch b.Kind {
	case HashSHA256:
		if len(b.Hash) != 32 {
			return nil, fmt.Errorf("invalid sha256 hash length %d", len(b.Hash))
		}
		op = txscript.OP_SHA256
	case HashHASH160:
		if len(b.Hash) != 20 {
			return nil, fmt.Errorf("invalid hash160 length %d", len(b.Hash))
		}
		op = txscript.OP_HASH160
	default:
		return nil, fmt.Errorf("unknown hash kind %q", b.Kind)
	}

	return txscript.NewScriptBuilder().
		AddOp(op).AddData(b.Hash).AddOp(txscript.OP_EQUAL).Script()
}

// Matches reports whether preimage unlocks the hash-lock.
func (b HashLockBuilder) Matches(preimage []byte) bool {
	if len(preimage) == 0 {
		return false
	}
	return bytes.Equal(NewHashLock(preimage, b.Kind).Hash, b.Hash)
}

// CSVBuilder gates a leaf behind a BIP68 relative timelock.
type CSVBuilder struct {
	Locktime arklib.RelativeLocktime
}

func (b CSVBuilder) Build() ([]byte, error) {
	sequence, err := arklib.BIP68Sequence(b.Locktime)
	if err != nil {
		return nil, err
	}
	return txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOps([]byte{txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP}).
		Script()
}

// CLTVBuilder gates a leaf behind an absolute nLocktime.
type CLTVBuilder struct {
	Locktime uint32
}

func (b CLTVBuilder) Build() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddInt64(int64(b.Locktime)).
		AddOps([]byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP}).
		Script()
}

// VerifyChain concatenates fragments, turning every non-final fragment into
// its VERIFY form so that a failing condition aborts the script.
type VerifyChain struct {
	Builders []ScriptBuilder
}

func (b VerifyChain) Build() ([]byte, error) {
	script := make([]byte, 0)
	for i, builder := range b.Builders {
		if builder == nil {
			continue
		}
		fragment, err := builder.Build()
		if err != nil {
			return nil, err
		}
		if i < len(b.Builders)-1 {
			fragment = toVerify(fragment)
		}
		script = append(script, fragment...)
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("empty script chain")
	}
	return script, nil
}

// RawScript is an already assembled script.
type RawScript []byte

func (s RawScript) Build() ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty raw script")
	}
	return append([]byte{}, s...), nil
}

func toVerify(script []byte) []byte {
	if len(script) == 0 {
		return script
	}
	out := append([]byte{}, script...)
	last := out[len(out)-1]
	switch last {
	case txscript.OP_EQUAL:
		out[len(out)-1] = txscript.OP_EQUALVERIFY
	case txscript.OP_CHECKSIG:
		out[len(out)-1] = txscript.OP_CHECKSIGVERIFY
	case txscript.OP_NUMEQUAL:
		out[len(out)-1] = txscript.OP_NUMEQUALVERIFY
	case txscript.OP_DROP, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIGVERIFY,
		txscript.OP_NUMEQUALVERIFY, txscript.OP_VERIFY:
	default:
		out = append(out, txscript.OP_VERIFY)
	}
	return out
}

// DecodeSequence turns a BIP68 sequence back into a relative locktime.
func DecodeSequence(sequence uint32) (arklib.RelativeLocktime, error) {
	if sequence&sequenceDisableFlag != 0 {
		return arklib.RelativeLocktime{}, fmt.Errorf("sequence %d is disabled", sequence)
	}
	if sequence&sequenceLocktimeTypeFlag != 0 {
		return arklib.RelativeLocktime{
			Type:  arklib.LocktimeTypeSecond,
			Value: (sequence & sequenceLocktimeMask) << sequenceLocktimeGranularity,
		}, nil
	}
	return arklib.RelativeLocktime{
		Type:  arklib.LocktimeTypeBlock,
		Value: sequence & sequenceLocktimeMask,
	}, nil
}

// ScriptKeys returns the x-only keys checked by the script, in evaluation
// order.
func ScriptKeys(script []byte) ([]*btcec.PublicKey, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	keys := make([]*btcec.PublicKey, 0)
	var pending []byte
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		switch {
		case op == txscript.OP_DATA_32:
			pending = tokenizer.Data()
			continue
		case op == txscript.OP_CHECKSIG || op == txscript.OP_CHECKSIGVERIFY:
			if pending != nil {
				key, err := schnorr.ParsePubKey(pending)
				if err != nil {
					return nil, err
				}
				keys = append(keys, key)
			}
		}
		pending = nil
	}
	if err := tokenizer.Err(); err != nil {
		return nil, err
	}
	return keys, nil
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

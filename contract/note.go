package contract

import (
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	arknote "github.com/arkade-os/arkd/pkg/ark-lib/note"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lntypes"
)

const NoteContractType = "arknote"

// ArkNoteContract is redeemable by whoever knows the note preimage.
type ArkNoteContract struct {
	server    *btcec.PublicKey
	Hash      lntypes.Hash
	ExitDelay arklib.RelativeLocktime
	Preimage  *lntypes.Preimage
}

func NewNoteContract(
	server *btcec.PublicKey, hash lntypes.Hash, exitDelay arklib.RelativeLocktime,
	preimage *lntypes.Preimage,
) (*ArkNoteContract, error) {
	if server == nil {
		return nil, fmt.Errorf("%w: missing server key", ErrInvalidContractData)
	}
	if preimage != nil && !preimage.Matches(hash) {
		return nil, fmt.Errorf("%w: preimage does not match hash", ErrInvalidContractData)
	}
	return &ArkNoteContract{
		server: server, Hash: hash, ExitDelay: exitDelay, Preimage: preimage,
	}, nil
}

// ParseNote decodes an arknote bearer string into the contract locking the
// note value.
func ParseNote(
	server *btcec.PublicKey, encoded string, exitDelay arklib.RelativeLocktime,
) (*ArkNoteContract, uint32, error) {
	note, err := arknote.NewNoteFromString(encoded)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	preimage := lntypes.Preimage(note.Preimage)
	c, err := NewNoteContract(server, preimage.Hash(), exitDelay, &preimage)
	if err != nil {
		return nil, 0, err
	}
	return c, note.Value, nil
}

func (c *ArkNoteContract) Type() string { return NoteContractType }

func (c *ArkNoteContract) Server() *btcec.PublicKey { return c.server }

func (c *ArkNoteContract) lock() HashLockBuilder {
	return HashLockBuilder{Hash: c.Hash[:], Kind: HashSHA256}
}

func (c *ArkNoteContract) CollaborativePaths() []Leaf {
	return []Leaf{CollaborativePath{Server: c.server, Condition: c.lock()}}
}

func (c *ArkNoteContract) UnilateralPaths() []Leaf {
	return []Leaf{UnilateralPath{Delay: c.ExitDelay, Condition: c.lock()}}
}

func (c *ArkNoteContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *ArkNoteContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *ArkNoteContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *ArkNoteContract) GetContractData() map[string]string {
	data := map[string]string{
		"server":     encodeKey(c.server),
		"hash":       c.Hash.String(),
		"exit_delay": encodeDelay(c.ExitDelay),
	}
	if c.Preimage != nil {
		data["preimage"] = c.Preimage.String()
	}
	return data
}

func (c *ArkNoteContract) String() string { return encode(c) }

// SpendingPaths ignores the signer: the note is a bearer instrument.
func (c *ArkNoteContract) SpendingPaths(
	_ *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	preimage := opts.Preimage
	if len(preimage) == 0 && c.Preimage != nil {
		preimage = c.Preimage[:]
	}
	if !c.lock().Matches(preimage) {
		return nil, fmt.Errorf("%w: missing note preimage", ErrNoSpendPath)
	}
	leaves := []Leaf{c.CollaborativePaths()[0], c.UnilateralPaths()[0]}
	if opts.Unilateral {
		leaves = leaves[1:]
	}
	paths := make([]SpendPath, 0, len(leaves))
	for _, leaf := range leaves {
		path, err := pathFor(leaf, preimage)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type rawNoteContract struct {
	Server    string `contract:"server"`
	Hash      string `contract:"hash"`
	ExitDelay string `contract:"exit_delay"`
	Preimage  string `contract:"preimage"`
}

func parseNoteContract(data map[string]string) (Contract, error) {
	var raw rawNoteContract
	if err := decodeData(data, &raw, "server", "hash", "exit_delay"); err != nil {
		return nil, err
	}
	server, err := parseKey("server", raw.Server)
	if err != nil {
		return nil, err
	}
	hash, err := lntypes.MakeHashFromStr(raw.Hash)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %s", ErrInvalidContractData, err)
	}
	delay, err := parseDelay("exit_delay", raw.ExitDelay)
	if err != nil {
		return nil, err
	}
	var preimage *lntypes.Preimage
	if raw.Preimage != "" {
		p, err := lntypes.MakePreimageFromStr(raw.Preimage)
		if err != nil {
			return nil, fmt.Errorf("%w: preimage: %s", ErrInvalidContractData, err)
		}
		preimage = &p
	}
	return NewNoteContract(server, hash, delay, preimage)
}

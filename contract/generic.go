package contract

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
)

const GenericContractType = "generic"

// GenericArkContract is an arbitrary list of leaves. Checkpoint outputs use
// it.
type GenericArkContract struct {
	server        *btcec.PublicKey
	collaborative []Leaf
	unilateral    []Leaf
	// encoded leaves, computed once so that a leaf failing to encode is
	// rejected by the constructor
	collaborativeData string
	unilateralData    string
}

func NewGenericContract(
	server *btcec.PublicKey, collaborative, unilateral []Leaf,
) (*GenericArkContract, error) {
	if server == nil {
		return nil, fmt.Errorf("%w: missing server key", ErrInvalidContractData)
	}
	collaborativeData, err := encodeLeaves(collaborative)
	if err != nil {
		return nil, fmt.Errorf("%w: collaborative: %s", ErrInvalidContractData, err)
	}
	unilateralData, err := encodeLeaves(unilateral)
	if err != nil {
		return nil, fmt.Errorf("%w: unilateral: %s", ErrInvalidContractData, err)
	}
	return &GenericArkContract{
		server:            server,
		collaborative:     append([]Leaf{}, collaborative...),
		unilateral:        append([]Leaf{}, unilateral...),
		collaborativeData: collaborativeData,
		unilateralData:    unilateralData,
	}, nil
}

// encodeLeaves joins the hex scripts of leaves, prefixing the ones checking
// a relative timelock with their sequence.
func encodeLeaves(leaves []Leaf) (string, error) {
	entries := make([]string, 0, len(leaves))
	for i, leaf := range leaves {
		script, err := leaf.Script()
		if err != nil {
			return "", fmt.Errorf("leaf %d: %w", i, err)
		}
		entry := hex.EncodeToString(script)
		if leaf.RequiresSequence() {
			sequence, err := leaf.Sequence()
			if err != nil {
				return "", fmt.Errorf("leaf %d: %w", i, err)
			}
			entry = strconv.FormatUint(uint64(sequence), 10) + "@" + entry
		}
		entries = append(entries, entry)
	}
	return strings.Join(entries, ","), nil
}

func (c *GenericArkContract) Type() string { return GenericContractType }

func (c *GenericArkContract) Server() *btcec.PublicKey { return c.server }

func (c *GenericArkContract) CollaborativePaths() []Leaf {
	return append([]Leaf{}, c.collaborative...)
}

func (c *GenericArkContract) UnilateralPaths() []Leaf {
	return append([]Leaf{}, c.unilateral...)
}

func (c *GenericArkContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *GenericArkContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *GenericArkContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *GenericArkContract) GetContractData() map[string]string {
	return map[string]string{
		"server":        encodeKey(c.server),
		"collaborative": c.collaborativeData,
		"unilateral":    c.unilateralData,
	}
}

func (c *GenericArkContract) String() string { return encode(c) }

// SpendingPaths returns the leaves whose scripts check the signer key.
func (c *GenericArkContract) SpendingPaths(
	signer *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	leaves := c.CollaborativePaths()
	if opts.Unilateral {
		leaves = nil
	}
	leaves = append(leaves, c.unilateral...)

	paths := make([]SpendPath, 0)
	for _, leaf := range leaves {
		script, err := leaf.Script()
		if err != nil {
			return nil, err
		}
		keys, err := ScriptKeys(script)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if !sameKey(key, signer) {
				continue
			}
			path, err := pathFor(leaf, opts.witness()...)
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
			break
		}
	}
	if len(paths) == 0 {
		return nil, ErrNoSpendPath
	}
	return paths, nil
}

func (o SpendOptions) witness() [][]byte {
	if len(o.Preimage) == 0 {
		return nil
	}
	return [][]byte{o.Preimage}
}

type rawGenericContract struct {
	Server        string `contract:"server"`
	Collaborative string `contract:"collaborative"`
	Unilateral    string `contract:"unilateral"`
}

func parseGenericContract(data map[string]string) (Contract, error) {
	var raw rawGenericContract
	if err := decodeData(data, &raw, "server"); err != nil {
		return nil, err
	}
	server, err := parseKey("server", raw.Server)
	if err != nil {
		return nil, err
	}

	collaborative := make([]Leaf, 0)
	for _, entry := range splitList(raw.Collaborative) {
		script, err := parseHex("collaborative", entry, 0)
		if err != nil {
			return nil, err
		}
		collaborative = append(collaborative, RawLeaf{LeafKind: Collaborative, Raw: script})
	}

	unilateral := make([]Leaf, 0)
	for _, entry := range splitList(raw.Unilateral) {
		leaf := RawLeaf{LeafKind: Unilateral}
		if seq, scriptHex, ok := strings.Cut(entry, "@"); ok {
			sequence, err := parseUint32("unilateral", seq)
			if err != nil {
				return nil, err
			}
			delay, err := DecodeSequence(sequence)
			if err != nil {
				return nil, fmt.Errorf("%w: unilateral: %s", ErrInvalidContractData, err)
			}
			leaf.Delay = &delay
			entry = scriptHex
		}
		if leaf.Raw, err = parseHex("unilateral", entry, 0); err != nil {
			return nil, err
		}
		unilateral = append(unilateral, leaf)
	}

	return NewGenericContract(server, collaborative, unilateral)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

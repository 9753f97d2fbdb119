package contract

import (
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
)

const HashLockedContractType = "hashlock"

// HashLockedArkPaymentContract is a payment contract with an extra
// collaborative leaf that also requires a hash preimage.
type HashLockedArkPaymentContract struct {
	server    *btcec.PublicKey
	User      *btcec.PublicKey
	ExitDelay arklib.RelativeLocktime
	Lock      HashLockBuilder
	Preimage  []byte
}

func NewHashLockedContract(
	server, user *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
	lock HashLockBuilder, preimage []byte,
) (*HashLockedArkPaymentContract, error) {
	if server == nil || user == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidContractData)
	}
	if _, err := lock.Build(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	if len(preimage) > 0 && !lock.Matches(preimage) {
		return nil, fmt.Errorf("%w: preimage does not match hash", ErrInvalidContractData)
	}
	return &HashLockedArkPaymentContract{
		server: server, User: user, ExitDelay: exitDelay, Lock: lock, Preimage: preimage,
	}, nil
}

func (c *HashLockedArkPaymentContract) Type() string { return HashLockedContractType }

func (c *HashLockedArkPaymentContract) Server() *btcec.PublicKey { return c.server }

func (c *HashLockedArkPaymentContract) CollaborativePaths() []Leaf {
	return []Leaf{c.collaborative(), c.claim()}
}

func (c *HashLockedArkPaymentContract) UnilateralPaths() []Leaf {
	return []Leaf{UnilateralPath{Delay: c.ExitDelay, Owners: []*btcec.PublicKey{c.User}}}
}

func (c *HashLockedArkPaymentContract) collaborative() Leaf {
	return CollaborativePath{Server: c.server, Owners: []*btcec.PublicKey{c.User}}
}

func (c *HashLockedArkPaymentContract) claim() Leaf {
	return CollaborativePath{
		Server: c.server, Condition: c.Lock, Owners: []*btcec.PublicKey{c.User},
	}
}

func (c *HashLockedArkPaymentContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *HashLockedArkPaymentContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *HashLockedArkPaymentContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *HashLockedArkPaymentContract) GetContractData() map[string]string {
	return map[string]string{
		"server":     encodeKey(c.server),
		"user":       encodeKey(c.User),
		"exit_delay": encodeDelay(c.ExitDelay),
		"hash":       hex.EncodeToString(c.Lock.Hash),
		"hash_type":  string(c.Lock.Kind),
		"preimage":   hex.EncodeToString(c.Preimage),
	}
}

func (c *HashLockedArkPaymentContract) String() string { return encode(c) }

func (c *HashLockedArkPaymentContract) SpendingPaths(
	signer *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	if !sameKey(signer, c.User) {
		return nil, ErrNoSpendPath
	}
	paths, err := userPaths(c.collaborative(), c.UnilateralPaths()[0], opts)
	if err != nil {
		return nil, err
	}
	preimage := opts.Preimage
	if len(preimage) == 0 {
		preimage = c.Preimage
	}
	if opts.Unilateral || !c.Lock.Matches(preimage) {
		return paths, nil
	}
	claim, err := pathFor(c.claim(), preimage)
	if err != nil {
		return nil, err
	}
	return append(paths, claim), nil
}

type rawHashLockedContract struct {
	Server    string `contract:"server"`
	User      string `contract:"user"`
	ExitDelay string `contract:"exit_delay"`
	Hash      string `contract:"hash"`
	HashType  string `contract:"hash_type"`
	Preimage  string `contract:"preimage"`
}

func parseHashLockedContract(data map[string]string) (Contract, error) {
	var raw rawHashLockedContract
	if err := decodeData(
		data, &raw, "server", "user", "exit_delay", "hash", "hash_type",
	); err != nil {
		return nil, err
	}
	server, err := parseKey("server", raw.Server)
	if err != nil {
		return nil, err
	}
	user, err := parseKey("user", raw.User)
	if err != nil {
		return nil, err
	}
	delay, err := parseDelay("exit_delay", raw.ExitDelay)
	if err != nil {
		return nil, err
	}
	hash, err := parseHex("hash", raw.Hash, 0)
	if err != nil {
		return nil, err
	}
	var preimage []byte
	if raw.Preimage != "" {
		if preimage, err = parseHex("preimage", raw.Preimage, 0); err != nil {
			return nil, err
		}
	}
	return NewHashLockedContract(
		server, user, delay, HashLockBuilder{Hash: hash, Kind: HashKind(raw.HashType)}, preimage,
	)
}

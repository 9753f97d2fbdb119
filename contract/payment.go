package contract

import (
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
)

const PaymentContractType = "payment"

// ArkPaymentContract is the default vtxo script: user and operator together,
// or the user alone after the exit delay.
type ArkPaymentContract struct {
	server    *btcec.PublicKey
	User      *btcec.PublicKey
	ExitDelay arklib.RelativeLocktime
}

func NewPaymentContract(
	server, user *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
) (*ArkPaymentContract, error) {
	if server == nil || user == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidContractData)
	}
	return &ArkPaymentContract{server: server, User: user, ExitDelay: exitDelay}, nil
}

func (c *ArkPaymentContract) Type() string { return PaymentContractType }

func (c *ArkPaymentContract) Server() *btcec.PublicKey { return c.server }

func (c *ArkPaymentContract) CollaborativePaths() []Leaf {
	return []Leaf{c.collaborative()}
}

func (c *ArkPaymentContract) UnilateralPaths() []Leaf {
	return []Leaf{c.unilateral()}
}

func (c *ArkPaymentContract) collaborative() Leaf {
	return CollaborativePath{Server: c.server, Owners: []*btcec.PublicKey{c.User}}
}

func (c *ArkPaymentContract) unilateral() Leaf {
	return UnilateralPath{Delay: c.ExitDelay, Owners: []*btcec.PublicKey{c.User}}
}

func (c *ArkPaymentContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *ArkPaymentContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *ArkPaymentContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *ArkPaymentContract) GetContractData() map[string]string {
	return map[string]string{
		"server":     encodeKey(c.server),
		"user":       encodeKey(c.User),
		"exit_delay": encodeDelay(c.ExitDelay),
	}
}

func (c *ArkPaymentContract) String() string { return encode(c) }

func (c *ArkPaymentContract) SpendingPaths(
	signer *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	if !sameKey(signer, c.User) {
		return nil, ErrNoSpendPath
	}
	return userPaths(c.collaborative(), c.unilateral(), opts)
}

func userPaths(collaborative, unilateral Leaf, opts SpendOptions) ([]SpendPath, error) {
	leaves := []Leaf{collaborative, unilateral}
	if opts.Unilateral {
		leaves = leaves[1:]
	}
	paths := make([]SpendPath, 0, len(leaves))
	for _, leaf := range leaves {
		path, err := pathFor(leaf)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type rawPaymentContract struct {
	Server    string `contract:"server"`
	User      string `contract:"user"`
	ExitDelay string `contract:"exit_delay"`
}

func parsePaymentContract(data map[string]string) (Contract, error) {
	var raw rawPaymentContract
	if err := decodeData(data, &raw, "server", "user", "exit_delay"); err != nil {
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
	return NewPaymentContract(server, user, delay)
}

package contract

import (
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
)

const TweakedContractType = "tweaked"

// TweakedArkPaymentContract is a payment contract whose user key is
// OriginalKey + Tweak*G. The tweak is kept so the owner can sign.
type TweakedArkPaymentContract struct {
	server      *btcec.PublicKey
	OriginalKey *btcec.PublicKey
	Tweak       []byte
	ExitDelay   arklib.RelativeLocktime
	user        *btcec.PublicKey
}

func NewTweakedContract(
	server, originalKey *btcec.PublicKey, tweak []byte, exitDelay arklib.RelativeLocktime,
) (*TweakedArkPaymentContract, error) {
	if server == nil || originalKey == nil {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidContractData)
	}
	user, err := TweakPubKey(originalKey, tweak)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	return &TweakedArkPaymentContract{
		server:      server,
		OriginalKey: originalKey,
		Tweak:       append([]byte{}, tweak...),
		ExitDelay:   exitDelay,
		user:        user,
	}, nil
}

// TweakPubKey returns key + tweak*G.
func TweakPubKey(key *btcec.PublicKey, tweak []byte) (*btcec.PublicKey, error) {
	if len(tweak) != 32 {
		return nil, fmt.Errorf("invalid tweak length %d", len(tweak))
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(tweak); overflow {
		return nil, fmt.Errorf("tweak overflows curve order")
	}

	var point, tweakPoint, result btcec.JacobianPoint
	key.AsJacobian(&point)
	btcec.ScalarBaseMultNonConst(&scalar, &tweakPoint)
	btcec.AddNonConst(&point, &tweakPoint, &result)
	if (result.X.IsZero() && result.Y.IsZero()) || result.Z.IsZero() {
		return nil, fmt.Errorf("tweaked key is the point at infinity")
	}
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y), nil
}

func (c *TweakedArkPaymentContract) Type() string { return TweakedContractType }

func (c *TweakedArkPaymentContract) Server() *btcec.PublicKey { return c.server }

// User is the tweaked key committed in the scripts.
func (c *TweakedArkPaymentContract) User() *btcec.PublicKey { return c.user }

func (c *TweakedArkPaymentContract) CollaborativePaths() []Leaf {
	return []Leaf{CollaborativePath{Server: c.server, Owners: []*btcec.PublicKey{c.user}}}
}

func (c *TweakedArkPaymentContract) UnilateralPaths() []Leaf {
	return []Leaf{UnilateralPath{Delay: c.ExitDelay, Owners: []*btcec.PublicKey{c.user}}}
}

func (c *TweakedArkPaymentContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *TweakedArkPaymentContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *TweakedArkPaymentContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *TweakedArkPaymentContract) GetContractData() map[string]string {
	return map[string]string{
		"server":       encodeKey(c.server),
		"original_key": encodeKey(c.OriginalKey),
		"tweak":        hex.EncodeToString(c.Tweak),
		"exit_delay":   encodeDelay(c.ExitDelay),
	}
}

func (c *TweakedArkPaymentContract) String() string { return encode(c) }

func (c *TweakedArkPaymentContract) SpendingPaths(
	signer *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	var tweak []byte
	switch {
	case sameKey(signer, c.OriginalKey):
		tweak = c.Tweak
	case sameKey(signer, c.user):
	default:
		return nil, ErrNoSpendPath
	}
	paths, err := userPaths(c.CollaborativePaths()[0], c.UnilateralPaths()[0], opts)
	if err != nil {
		return nil, err
	}
	for i := range paths {
		paths[i].Tweak = tweak
	}
	return paths, nil
}

type rawTweakedContract struct {
	Server      string `contract:"server"`
	OriginalKey string `contract:"original_key"`
	Tweak       string `contract:"tweak"`
	ExitDelay   string `contract:"exit_delay"`
}

func parseTweakedContract(data map[string]string) (Contract, error) {
	var raw rawTweakedContract
	if err := decodeData(
		data, &raw, "server", "original_key", "tweak", "exit_delay",
	); err != nil {
		return nil, err
	}
	server, err := parseKey("server", raw.Server)
	if err != nil {
		return nil, err
	}
	original, err := parseCompressedKey("original_key", raw.OriginalKey)
	if err != nil {
		return nil, err
	}
	tweak, err := parseHex("tweak", raw.Tweak, 32)
	if err != nil {
		return nil, err
	}
	delay, err := parseDelay("exit_delay", raw.ExitDelay)
	if err != nil {
		return nil, err
	}
	return NewTweakedContract(server, original, tweak, delay)
}

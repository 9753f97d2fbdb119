package contract

import (
	"encoding/hex"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	VHTLCContractType = "vhtlc"

	// Absolute locktimes below this value are block heights.
	locktimeThreshold = 500_000_000
)

// VHTLCContract is a virtual hashed timelock contract between a sender and a
// receiver, co-signed by the operator.
type VHTLCContract struct {
	server                               *btcec.PublicKey
	Sender                               *btcec.PublicKey
	Receiver                             *btcec.PublicKey
	PreimageHash                         []byte
	RefundLocktime                       uint32
	UnilateralClaimDelay                 arklib.RelativeLocktime
	UnilateralRefundDelay                arklib.RelativeLocktime
	UnilateralRefundWithoutReceiverDelay arklib.RelativeLocktime
	Preimage                             *lntypes.Preimage
}

type VHTLCOpts struct {
	Sender                               *btcec.PublicKey
	Receiver                             *btcec.PublicKey
	Server                               *btcec.PublicKey
	PreimageHash                         []byte
	RefundLocktime                       uint32
	UnilateralClaimDelay                 arklib.RelativeLocktime
	UnilateralRefundDelay                arklib.RelativeLocktime
	UnilateralRefundWithoutReceiverDelay arklib.RelativeLocktime
	Preimage                             *lntypes.Preimage
}

func (o VHTLCOpts) validate() error {
	if o.Sender == nil || o.Receiver == nil || o.Server == nil {
		return fmt.Errorf("missing key")
	}
	if len(o.PreimageHash) != 20 {
		return fmt.Errorf("preimage hash must be 20 bytes, got %d", len(o.PreimageHash))
	}
	if o.RefundLocktime == 0 {
		return fmt.Errorf("missing refund locktime")
	}
	for _, delay := range []arklib.RelativeLocktime{
		o.UnilateralClaimDelay, o.UnilateralRefundDelay,
		o.UnilateralRefundWithoutReceiverDelay,
	} {
		if delay.Value == 0 {
			return fmt.Errorf("unilateral delays must be greater than zero")
		}
	}
	if o.Preimage != nil && !hashLock(o.PreimageHash).Matches(o.Preimage[:]) {
		return fmt.Errorf("preimage does not match hash")
	}
	return nil
}

func NewVHTLCContract(opts VHTLCOpts) (*VHTLCContract, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContractData, err)
	}
	return &VHTLCContract{
		server:                               opts.Server,
		Sender:                               opts.Sender,
		Receiver:                             opts.Receiver,
		PreimageHash:                         opts.PreimageHash,
		RefundLocktime:                       opts.RefundLocktime,
		UnilateralClaimDelay:                 opts.UnilateralClaimDelay,
		UnilateralRefundDelay:                opts.UnilateralRefundDelay,
		UnilateralRefundWithoutReceiverDelay: opts.UnilateralRefundWithoutReceiverDelay,
		Preimage:                             opts.Preimage,
	}, nil
}

// PreimageHashFor returns the HASH160 committed by a VHTLC for preimage.
func PreimageHashFor(preimage lntypes.Preimage) []byte {
	return btcutil.Hash160(preimage[:])
}

func hashLock(hash []byte) HashLockBuilder {
	return HashLockBuilder{Hash: hash, Kind: HashHASH160}
}

func (c *VHTLCContract) Type() string { return VHTLCContractType }

func (c *VHTLCContract) Server() *btcec.PublicKey { return c.server }

func (c *VHTLCContract) ClaimPath() Leaf {
	return CollaborativePath{
		Server: c.server, Condition: hashLock(c.PreimageHash),
		Owners: []*btcec.PublicKey{c.Receiver},
	}
}

func (c *VHTLCContract) RefundPath() Leaf {
	return CollaborativePath{
		Server: c.server, Owners: []*btcec.PublicKey{c.Sender, c.Receiver},
	}
}

func (c *VHTLCContract) RefundWithoutReceiverPath() Leaf {
	return CollaborativePath{
		Server: c.server, Condition: CLTVBuilder{Locktime: c.RefundLocktime},
		Owners: []*btcec.PublicKey{c.Sender},
	}
}

func (c *VHTLCContract) UnilateralClaimPath() Leaf {
	return UnilateralPath{
		Delay: c.UnilateralClaimDelay, Condition: hashLock(c.PreimageHash),
		Owners: []*btcec.PublicKey{c.Receiver},
	}
}

func (c *VHTLCContract) UnilateralRefundPath() Leaf {
	return UnilateralPath{
		Delay: c.UnilateralRefundDelay, Owners: []*btcec.PublicKey{c.Sender, c.Receiver},
	}
}

func (c *VHTLCContract) UnilateralRefundWithoutReceiverPath() Leaf {
	return UnilateralPath{
		Delay:  c.UnilateralRefundWithoutReceiverDelay,
		Owners: []*btcec.PublicKey{c.Sender},
	}
}

func (c *VHTLCContract) CollaborativePaths() []Leaf {
	return []Leaf{c.ClaimPath(), c.RefundPath(), c.RefundWithoutReceiverPath()}
}

func (c *VHTLCContract) UnilateralPaths() []Leaf {
	return []Leaf{
		c.UnilateralClaimPath(), c.UnilateralRefundPath(),
		c.UnilateralRefundWithoutReceiverPath(),
	}
}

func (c *VHTLCContract) GetTaprootSpendInfo() (*TaprootSpendInfo, error) {
	return spendInfo(c)
}

func (c *VHTLCContract) GetArkAddress(net arklib.Network) (*ArkAddress, error) {
	return arkAddress(c, net)
}

func (c *VHTLCContract) PkScript() ([]byte, error) { return pkScript(c) }

func (c *VHTLCContract) GetContractData() map[string]string {
	data := map[string]string{
		"server":                   encodeKey(c.server),
		"sender":                   encodeKey(c.Sender),
		"receiver":                 encodeKey(c.Receiver),
		"hash":                     hex.EncodeToString(c.PreimageHash),
		"refund_locktime":          fmt.Sprintf("%d", c.RefundLocktime),
		"claim_delay":              encodeDelay(c.UnilateralClaimDelay),
		"refund_delay":             encodeDelay(c.UnilateralRefundDelay),
		"refund_no_receiver_delay": encodeDelay(c.UnilateralRefundWithoutReceiverDelay),
	}
	if c.Preimage != nil {
		data["preimage"] = c.Preimage.String()
	}
	return data
}

func (c *VHTLCContract) String() string { return encode(c) }

// SpendingPaths gives the receiver the claim leaves when the preimage is
// known, and the sender the refund leaves that need no receiver signature.
func (c *VHTLCContract) SpendingPaths(
	signer *btcec.PublicKey, opts SpendOptions,
) ([]SpendPath, error) {
	paths := make([]SpendPath, 0, 2)
	add := func(leaf Leaf, witness ...[]byte) error {
		path, err := pathFor(leaf, witness...)
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	}

	switch {
	case sameKey(signer, c.Receiver):
		preimage := opts.Preimage
		if len(preimage) == 0 && c.Preimage != nil {
			preimage = c.Preimage[:]
		}
		if !hashLock(c.PreimageHash).Matches(preimage) {
			return nil, fmt.Errorf("%w: missing preimage for claim", ErrNoSpendPath)
		}
		if !opts.Unilateral {
			if err := add(c.ClaimPath(), preimage); err != nil {
				return nil, err
			}
		}
		if err := add(c.UnilateralClaimPath(), preimage); err != nil {
			return nil, err
		}
	case sameKey(signer, c.Sender):
		if !opts.Unilateral && c.refundable(opts) {
			path, err := pathFor(c.RefundWithoutReceiverPath())
			if err != nil {
				return nil, err
			}
			paths = append(paths, withLockTime(path, c.RefundLocktime))
		}
		if err := add(c.UnilateralRefundWithoutReceiverPath()); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoSpendPath
	}
	return paths, nil
}

// refundable reports whether the refund locktime may have passed. Height
// based locktimes cannot be checked locally and are left to the operator.
func (c *VHTLCContract) refundable(opts SpendOptions) bool {
	if c.RefundLocktime < locktimeThreshold || opts.Now.IsZero() {
		return true
	}
	return opts.Now.Unix() >= int64(c.RefundLocktime)
}

type rawVHTLCContract struct {
	Server                string `contract:"server"`
	Sender                string `contract:"sender"`
	Receiver              string `contract:"receiver"`
	Hash                  string `contract:"hash"`
	RefundLocktime        string `contract:"refund_locktime"`
	ClaimDelay            string `contract:"claim_delay"`
	RefundDelay           string `contract:"refund_delay"`
	RefundNoReceiverDelay string `contract:"refund_no_receiver_delay"`
	Preimage              string `contract:"preimage"`
}

func parseVHTLCContract(data map[string]string) (Contract, error) {
	var raw rawVHTLCContract
	if err := decodeData(
		data, &raw, "server", "sender", "receiver", "hash", "refund_locktime",
		"claim_delay", "refund_delay", "refund_no_receiver_delay",
	); err != nil {
		return nil, err
	}

	var (
		opts VHTLCOpts
		err  error
	)
	if opts.Server, err = parseKey("server", raw.Server); err != nil {
		return nil, err
	}
	if opts.Sender, err = parseKey("sender", raw.Sender); err != nil {
		return nil, err
	}
	if opts.Receiver, err = parseKey("receiver", raw.Receiver); err != nil {
		return nil, err
	}
	if opts.PreimageHash, err = parseHex("hash", raw.Hash, 20); err != nil {
		return nil, err
	}
	if opts.RefundLocktime, err = parseUint32("refund_locktime", raw.RefundLocktime); err != nil {
		return nil, err
	}
	if opts.UnilateralClaimDelay, err = parseDelay("claim_delay", raw.ClaimDelay); err != nil {
		return nil, err
	}
	if opts.UnilateralRefundDelay, err = parseDelay("refund_delay", raw.RefundDelay); err != nil {
		return nil, err
	}
	if opts.UnilateralRefundWithoutReceiverDelay, err = parseDelay(
		"refund_no_receiver_delay", raw.RefundNoReceiverDelay,
	); err != nil {
		return nil, err
	}
	if raw.Preimage != "" {
		preimage, err := lntypes.MakePreimageFromStr(raw.Preimage)
		if err != nil {
			return nil, fmt.Errorf("%w: preimage: %s", ErrInvalidContractData, err)
		}
		opts.Preimage = &preimage
	}
	return NewVHTLCContract(opts)
}

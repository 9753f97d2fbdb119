package contract

import (
	"bytes"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
)

const addressVersion byte = 0

// ArkAddress pairs the operator key with the taproot output key of a
// contract.
type ArkAddress struct {
	HRP        string
	Version    byte
	Server     *btcec.PublicKey
	VtxoTapKey *btcec.PublicKey
}

func (a *ArkAddress) Encode() (string, error) {
	if a.Server == nil {
		return "", fmt.Errorf("missing server key")
	}
	if a.VtxoTapKey == nil {
		return "", fmt.Errorf("missing vtxo tap key")
	}
	if a.HRP == "" {
		return "", fmt.Errorf("missing address prefix")
	}

	payload := make([]byte, 0, 65)
	payload = append(payload, a.Version)
	payload = append(payload, schnorr.SerializePubKey(a.Server)...)
	payload = append(payload, schnorr.SerializePubKey(a.VtxoTapKey)...)

	grp, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.EncodeM(a.HRP, grp)
}

func DecodeAddress(addr string) (*ArkAddress, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("missing address")
	}

	hrp, buf, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %s", err)
	}
	if !isArkPrefix(hrp) {
		return nil, fmt.Errorf("invalid address prefix %q", hrp)
	}
	payload, err := bech32.ConvertBits(buf, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %s", err)
	}

	version := addressVersion
	switch len(payload) {
	case 65:
		version = payload[0]
		payload = payload[1:]
	case 64:
	default:
		return nil, fmt.Errorf("invalid address payload length %d", len(payload))
	}
	if version != addressVersion {
		return nil, fmt.Errorf("unsupported address version %d", version)
	}

	server, err := schnorr.ParsePubKey(payload[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to parse server key: %s", err)
	}
	tapKey, err := schnorr.ParsePubKey(payload[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse vtxo tap key: %s", err)
	}

	return &ArkAddress{
		HRP: hrp, Version: version, Server: server, VtxoTapKey: tapKey,
	}, nil
}

// PkScript returns the P2TR script locking the address output.
func (a *ArkAddress) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(a.VtxoTapKey)
}

// SubDustScript returns the OP_RETURN script used for outputs below dust.
func (a *ArkAddress) SubDustScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(schnorr.SerializePubKey(a.VtxoTapKey)).
		Script()
}

func (a *ArkAddress) Equal(other *ArkAddress) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.HRP == other.HRP && a.Version == other.Version &&
		bytes.Equal(schnorr.SerializePubKey(a.Server), schnorr.SerializePubKey(other.Server)) &&
		bytes.Equal(
			schnorr.SerializePubKey(a.VtxoTapKey), schnorr.SerializePubKey(other.VtxoTapKey),
		)
}

func isArkPrefix(hrp string) bool {
	for _, net := range []arklib.Network{
		arklib.Bitcoin, arklib.BitcoinTestNet, arklib.BitcoinTestNet4,
		arklib.BitcoinSigNet, arklib.BitcoinMutinyNet, arklib.BitcoinRegTest,
	} {
		if hrp == net.Addr {
			return true
		}
	}
	return false
}

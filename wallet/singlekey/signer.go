package singlekey

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

type signer struct {
	privKey *btcec.PrivateKey
}

// NewSigner returns a wallet.Signer backed by an in-memory private key.
func NewSigner(privKey *btcec.PrivateKey) (wallet.Signer, error) {
	if privKey == nil {
		return nil, fmt.Errorf("missing private key")
	}
	return &signer{privKey}, nil
}

func NewSignerFromHex(privKeyHex string) (wallet.Signer, error) {
	buf, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %s", err)
	}
	if len(buf) != 32 {
		return nil, fmt.Errorf("invalid private key length %d", len(buf))
	}
	privKey, _ := btcec.PrivKeyFromBytes(buf)
	return NewSigner(privKey)
}

func (s *signer) GetType() string {
	return wallet.SingleKeyWallet
}

func (s *signer) XOnlyPubKey(_ context.Context) (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(schnorr.SerializePubKey(s.privKey.PubKey()))
}

func (s *signer) PubKey(_ context.Context) (*btcec.PublicKey, error) {
	return s.privKey.PubKey(), nil
}

func (s *signer) SignSchnorr(
	_ context.Context, digest [32]byte, tweak []byte,
) (*schnorr.Signature, error) {
	key := s.privKey
	if len(tweak) > 0 {
		if len(tweak) != 32 {
			return nil, fmt.Errorf("invalid tweak length %d", len(tweak))
		}
		var scalar btcec.ModNScalar
		if overflow := scalar.SetByteSlice(tweak); overflow {
			return nil, fmt.Errorf("tweak overflows curve order")
		}
		tweaked := new(btcec.ModNScalar).Set(&s.privKey.Key).Add(&scalar)
		if tweaked.IsZero() {
			return nil, fmt.Errorf("tweaked key is zero")
		}
		buf := tweaked.Bytes()
		key, _ = btcec.PrivKeyFromBytes(buf[:])
	}
	return schnorr.Sign(key, digest[:])
}

func (s *signer) MusigPartialSign(
	_ context.Context, req wallet.MusigSignRequest,
) (*musig2.PartialSignature, error) {
	opts := []musig2.SignOption{musig2.WithSortedKeys(), musig2.WithFastSign()}
	if len(req.TapscriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootSignTweak(req.TapscriptRoot))
	}
	return musig2.Sign(
		req.SecNonce, s.privKey, req.CombinedNonce, req.Cosigners, req.Message, opts...,
	)
}

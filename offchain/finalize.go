package offchain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DigestMismatchError is returned when a tx sent back by the server is not
// the one that was submitted.
type DigestMismatchError struct {
	Expected string
	Actual   string
}

func (e DigestMismatchError) Error() string {
	return fmt.Sprintf("tx digest mismatch: expected %s, actual %s", e.Expected, e.Actual)
}

// VerifySignedTx checks that signed is original with a valid script-path
// signature of signer on every input.
func VerifySignedTx(original, signed *psbt.Packet, signer *btcec.PublicKey) error {
	originalTxid := original.UnsignedTx.TxID()
	if signedTxid := signed.UnsignedTx.TxID(); originalTxid != signedTxid {
		return DigestMismatchError{Expected: originalTxid, Actual: signedTxid}
	}

	if len(original.Inputs) != len(signed.Inputs) {
		return fmt.Errorf(
			"input count mismatch: expected %d, got %d", len(original.Inputs), len(signed.Inputs),
		)
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for inputIndex, in := range original.Inputs {
		if in.WitnessUtxo == nil {
			return fmt.Errorf("witness utxo not found for input %d", inputIndex)
		}
		prevouts[original.UnsignedTx.TxIn[inputIndex].PreviousOutPoint] = in.WitnessUtxo
	}

	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	sigHashes := txscript.NewTxSigHashes(original.UnsignedTx, prevoutFetcher)
	xonlySigner := schnorr.SerializePubKey(signer)

	for inputIndex, signedInput := range signed.Inputs {
		originalInput := original.Inputs[inputIndex]
		if len(originalInput.TaprootLeafScript) == 0 {
			return fmt.Errorf("original input %d has no taproot leaf script", inputIndex)
		}

		var signerSig *psbt.TaprootScriptSpendSig
		for _, sig := range signedInput.TaprootScriptSpendSig {
			if bytes.Equal(sig.XOnlyPubKey, xonlySigner) {
				signerSig = sig
				break
			}
		}
		if signerSig == nil {
			return fmt.Errorf("%w of %x for input %d", ErrMissingSignature, xonlySigner, inputIndex)
		}

		sig, err := schnorr.ParseSignature(signerSig.Signature)
		if err != nil {
			return fmt.Errorf("failed to parse signature for input %d: %w", inputIndex, err)
		}

		leaf := originalInput.TaprootLeafScript[0]
		message, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, signerSig.SigHash, original.UnsignedTx, inputIndex, prevoutFetcher,
			txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script),
		)
		if err != nil {
			return err
		}

		if !sig.Verify(message, signer) {
			return fmt.Errorf("invalid signature of %x for input %d", xonlySigner, inputIndex)
		}
	}
	return nil
}

// FinalizeCheckpoint verifies the checkpoint counter-signed by the server,
// adds the coin owner's signature and builds the final witness.
func FinalizeCheckpoint(
	ctx context.Context, tx *OffchainTx, serverSigned *psbt.Packet, server *btcec.PublicKey,
) (*psbt.Packet, error) {
	index := -1
	txid := serverSigned.UnsignedTx.TxID()
	for i, checkpoint := range tx.Checkpoints {
		if checkpoint.UnsignedTx.TxID() == txid {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, txid)
	}

	original := tx.Checkpoints[index]
	if err := VerifySignedTx(original, serverSigned, server); err != nil {
		return nil, err
	}

	// restore the fields the server may have stripped
	final := serverSigned
	final.Inputs[0].WitnessUtxo = original.Inputs[0].WitnessUtxo
	final.Inputs[0].TaprootLeafScript = original.Inputs[0].TaprootLeafScript
	if witness, err := txutils.GetConditionWitness(original.Inputs[0]); err == nil && len(witness) > 0 {
		if err := txutils.SetConditionWitness(final, 0, witness); err != nil {
			return nil, err
		}
	}

	c := tx.Coins[index]
	if err := wallet.SignTapscriptInputs(ctx, c.Signer, final, []wallet.TapscriptInput{
		{Index: 0, Tweak: c.Path.Tweak},
	}); err != nil {
		return nil, fmt.Errorf("failed to sign checkpoint %s: %w", txid, err)
	}

	if err := txutils.FinalizeTapscriptInput(final, 0); err != nil {
		return nil, err
	}
	return final, nil
}

// FinalizeCheckpoints finalizes every checkpoint returned by the server and
// returns them base64 encoded, ready for FinalizeTx.
func FinalizeCheckpoints(
	ctx context.Context, tx *OffchainTx, serverSigned []string, server *btcec.PublicKey,
) ([]string, error) {
	if len(serverSigned) != len(tx.Checkpoints) {
		return nil, fmt.Errorf(
			"expected %d signed checkpoints, got %d", len(tx.Checkpoints), len(serverSigned),
		)
	}

	finalCheckpoints := make([]string, 0, len(serverSigned))
	for _, b64 := range serverSigned {
		signed, err := txutils.DecodePsbt(b64)
		if err != nil {
			return nil, err
		}
		final, err := FinalizeCheckpoint(ctx, tx, signed, server)
		if err != nil {
			return nil, err
		}
		encoded, err := txutils.EncodePsbt(final)
		if err != nil {
			return nil, err
		}
		finalCheckpoints = append(finalCheckpoints, encoded)
	}
	return finalCheckpoints, nil
}

package tree

import (
	"fmt"
	"sort"

	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ForfeitInput is an outpoint together with the output it spends.
type ForfeitInput struct {
	Outpoint wire.OutPoint
	Prevout  *wire.TxOut
}

// BuildForfeitTx builds the tx giving the vtxo to the server in case the
// vtxo is spent after the batch. Inputs are [connector, vtxo]; outputs are
// the server payout and the anchor.
func BuildForfeitTx(
	connector, vtxo ForfeitInput, serverScript []byte, txLocktime uint32,
) (*psbt.Packet, error) {
	if connector.Prevout == nil || vtxo.Prevout == nil {
		return nil, fmt.Errorf("missing forfeit input prevout")
	}

	vtxoSequence := wire.MaxTxInSequenceNum
	if txLocktime != 0 {
		vtxoSequence = wire.MaxTxInSequenceNum - 1
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{&connector.Outpoint, &vtxo.Outpoint},
		[]*wire.TxOut{
			{
				Value:    vtxo.Prevout.Value + connector.Prevout.Value,
				PkScript: serverScript,
			},
			txutils.AnchorOutput(),
		},
		txutils.ArkTxVersion,
		txLocktime,
		[]uint32{wire.MaxTxInSequenceNum, vtxoSequence},
	)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(ptx)
	if err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(connector.Prevout, 0); err != nil {
		return nil, err
	}
	if err := updater.AddInWitnessUtxo(vtxo.Prevout, 1); err != nil {
		return nil, err
	}
	if err := updater.AddInSighashType(txscript.SigHashDefault, 1); err != nil {
		return nil, err
	}
	return ptx, nil
}

// LeafConnectors returns the connector output of every leaf, ordered by leaf
// txid.
func LeafConnectors(leaves []*psbt.Packet) ([]ForfeitInput, error) {
	sorted := make([]*psbt.Packet, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UnsignedTx.TxID() < sorted[j].UnsignedTx.TxID()
	})

	connectors := make([]ForfeitInput, 0, len(sorted))
	for _, leaf := range sorted {
		connector, err := leafConnector(leaf)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, connector)
	}
	return connectors, nil
}

func leafConnector(leaf *psbt.Packet) (ForfeitInput, error) {
	txHash := leaf.UnsignedTx.TxHash()
	for i, out := range leaf.UnsignedTx.TxOut {
		if txutils.IsAnchor(out) {
			continue
		}
		return ForfeitInput{
			Outpoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			Prevout:  out,
		}, nil
	}
	return ForfeitInput{}, fmt.Errorf("connector leaf %s has no connector output", txHash)
}

package offchain

import (
	"context"
	"errors"
	"fmt"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/contract"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingCoins       = errors.New("missing coins to spend")
	ErrMissingOutputs     = errors.New("missing outputs")
	ErrNotCollaborative   = errors.New("offchain spends require a collaborative leaf")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrMissingExitDelay   = errors.New("coin contract has no relative timelock exit")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrMissingSignature   = errors.New("missing signature")
)

// Receiver is an offchain output request.
type Receiver struct {
	Address *contract.ArkAddress
	Amount  int64
}

// OffchainTx is the pair of the aggregate ark tx and the checkpoint txs it
// spends. Checkpoints, their contracts and the coins share the same index,
// which is also the index of the ark tx input spending the checkpoint.
type OffchainTx struct {
	ArkTx               *psbt.Packet
	Checkpoints         []*psbt.Packet
	CheckpointContracts []contract.Contract
	Coins               []*coin.SpendableCoin
}

// Txid is the id of the ark tx.
func (t *OffchainTx) Txid() string {
	return t.ArkTx.UnsignedTx.TxID()
}

// EncodedCheckpoints returns the base64 psbts of the checkpoints.
func (t *OffchainTx) EncodedCheckpoints() ([]string, error) {
	encoded := make([]string, 0, len(t.Checkpoints))
	for _, checkpoint := range t.Checkpoints {
		b64, err := txutils.EncodePsbt(checkpoint)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, b64)
	}
	return encoded, nil
}

// Scripts lists the output scripts of the coins spent by the tx.
func (t *OffchainTx) Scripts() [][]byte {
	scripts := make([][]byte, 0, len(t.Coins))
	for _, c := range t.Coins {
		scripts = append(scripts, c.TxOut.PkScript)
	}
	return scripts
}

// CheckpointContract derives the contract locking the checkpoint output of a
// coin: the collaborative leaf is the coin's chosen collaborative leaf, the
// unilateral leaf lets the server alone spend after the coin's exit delay.
func CheckpointContract(c *coin.SpendableCoin) (*contract.GenericArkContract, error) {
	if c.Path.Leaf == nil || c.Path.Leaf.Kind() != contract.Collaborative {
		return nil, ErrNotCollaborative
	}
	script, err := c.Path.Leaf.Script()
	if err != nil {
		return nil, err
	}

	delay, err := exitDelay(c.Contract)
	if err != nil {
		return nil, err
	}

	server := c.Contract.Server()
	return contract.NewGenericContract(
		server,
		[]contract.Leaf{contract.RawLeaf{LeafKind: contract.Collaborative, Raw: script}},
		[]contract.Leaf{contract.UnilateralPath{Delay: delay, Owners: []*btcec.PublicKey{server}}},
	)
}

// BuildTxs builds one checkpoint tx per coin and the ark tx spending all of
// the checkpoint outputs into outputs. Every tx is version 3, pays no fee and
// carries one anchor output as last output.
func BuildTxs(coins []*coin.SpendableCoin, outputs []*wire.TxOut) (*OffchainTx, error) {
	if len(coins) == 0 {
		return nil, ErrMissingCoins
	}
	if len(outputs) == 0 {
		return nil, ErrMissingOutputs
	}

	res := &OffchainTx{
		Checkpoints:         make([]*psbt.Packet, 0, len(coins)),
		CheckpointContracts: make([]contract.Contract, 0, len(coins)),
		Coins:               coins,
	}

	arkIns := make([]*wire.OutPoint, 0, len(coins))
	arkSequences := make([]uint32, 0, len(coins))
	arkLockTime := uint32(0)

	for _, c := range coins {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("coin %s: %w", c.Outpoint, err)
		}

		checkpointContract, err := CheckpointContract(c)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", c.Outpoint, err)
		}

		checkpoint, err := buildCheckpointTx(c, checkpointContract)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", c.Outpoint, err)
		}

		res.Checkpoints = append(res.Checkpoints, checkpoint)
		res.CheckpointContracts = append(res.CheckpointContracts, checkpointContract)

		arkIns = append(arkIns, &wire.OutPoint{Hash: checkpoint.UnsignedTx.TxHash(), Index: 0})
		arkSequences = append(arkSequences, c.Sequence())
		if c.LockTime() > arkLockTime {
			arkLockTime = c.LockTime()
		}
	}

	arkOuts := make([]*wire.TxOut, 0, len(outputs)+1)
	arkOuts = append(arkOuts, outputs...)
	arkOuts = append(arkOuts, txutils.AnchorOutput())

	arkTx, err := psbt.New(arkIns, arkOuts, txutils.ArkTxVersion, arkLockTime, arkSequences)
	if err != nil {
		return nil, err
	}

	for i, c := range coins {
		checkpointContract := res.CheckpointContracts[i]
		prevout := res.Checkpoints[i].UnsignedTx.TxOut[0]
		if err := fillInput(arkTx, i, c, checkpointContract, prevout); err != nil {
			return nil, err
		}
	}

	res.ArkTx = arkTx
	return res, nil
}

// SignArkTx adds the signature of every coin signer to the ark tx inputs.
func SignArkTx(ctx context.Context, tx *OffchainTx) error {
	for i, c := range tx.Coins {
		if err := wallet.SignTapscriptInputs(ctx, c.Signer, tx.ArkTx, []wallet.TapscriptInput{
			{Index: i, Tweak: c.Path.Tweak},
		}); err != nil {
			return fmt.Errorf("failed to sign ark tx input %d: %w", i, err)
		}
	}
	return nil
}

// BuildOutputs turns the receivers into tx outputs. Outputs below dust are
// locked by the sub dust script. The change goes back to changeAddress only
// when it reaches the dust amount, otherwise it is left as fee.
func BuildOutputs(
	receivers []Receiver, changeAddress *contract.ArkAddress, totalIn, dust int64,
) ([]*wire.TxOut, error) {
	if len(receivers) == 0 {
		return nil, ErrMissingOutputs
	}

	outputs := make([]*wire.TxOut, 0, len(receivers)+1)
	totalOut := int64(0)
	for i, receiver := range receivers {
		if receiver.Address == nil {
			return nil, fmt.Errorf("receiver %d: missing address", i)
		}
		if receiver.Amount <= 0 {
			return nil, fmt.Errorf("receiver %d: invalid amount %d", i, receiver.Amount)
		}

		pkScript, err := outputScript(receiver.Address, receiver.Amount, dust)
		if err != nil {
			return nil, fmt.Errorf("receiver %d: %w", i, err)
		}
		outputs = append(outputs, &wire.TxOut{Value: receiver.Amount, PkScript: pkScript})
		totalOut += receiver.Amount
	}

	if totalOut > totalIn {
		return nil, fmt.Errorf(
			"%w: inputs %d, outputs %d", ErrInsufficientFunds, totalIn, totalOut,
		)
	}

	change := totalIn - totalOut
	if change > 0 && change >= dust {
		if changeAddress == nil {
			return nil, fmt.Errorf("missing change address for change of %d", change)
		}
		pkScript, err := changeAddress.PkScript()
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, &wire.TxOut{Value: change, PkScript: pkScript})
	}
	return outputs, nil
}

func outputScript(addr *contract.ArkAddress, amount, dust int64) ([]byte, error) {
	if amount < dust {
		return addr.SubDustScript()
	}
	return addr.PkScript()
}

func buildCheckpointTx(
	c *coin.SpendableCoin, checkpointContract contract.Contract,
) (*psbt.Packet, error) {
	checkpointScript, err := checkpointContract.PkScript()
	if err != nil {
		return nil, err
	}

	outpoint := c.Outpoint
	ptx, err := psbt.New(
		[]*wire.OutPoint{&outpoint},
		[]*wire.TxOut{
			{Value: c.TxOut.Value, PkScript: checkpointScript},
			txutils.AnchorOutput(),
		},
		txutils.ArkTxVersion,
		c.LockTime(),
		[]uint32{c.Sequence()},
	)
	if err != nil {
		return nil, err
	}

	prevout := c.TxOut
	if err := fillInput(ptx, 0, c, c.Contract, &prevout); err != nil {
		return nil, err
	}
	return ptx, nil
}

// fillInput attaches the chosen leaf of the spent contract to the input,
// along with the contract tap tree and the condition witness.
func fillInput(
	ptx *psbt.Packet, inIndex int, c *coin.SpendableCoin,
	spent contract.Contract, prevout *wire.TxOut,
) error {
	script, err := c.LeafScript()
	if err != nil {
		return err
	}
	info, err := spent.GetTaprootSpendInfo()
	if err != nil {
		return err
	}
	controlBlock, err := info.ControlBlock(script)
	if err != nil {
		return err
	}

	if err := txutils.TapscriptInput(ptx, inIndex, prevout, script, controlBlock); err != nil {
		return err
	}

	tapTree, err := txutils.ContractTapTree(spent)
	if err != nil {
		return err
	}
	if err := txutils.SetTapTree(ptx, inIndex, tapTree); err != nil {
		return err
	}

	if witness := c.ConditionWitness(); len(witness) > 0 {
		if err := txutils.SetConditionWitness(ptx, inIndex, witness); err != nil {
			return err
		}
	}
	return nil
}

// exitDelay returns the relative timelock of the first unilateral leaf of c.
func exitDelay(c contract.Contract) (arklib.RelativeLocktime, error) {
	for _, leaf := range c.UnilateralPaths() {
		if !leaf.RequiresSequence() {
			continue
		}
		sequence, err := leaf.Sequence()
		if err != nil {
			continue
		}
		return contract.DecodeSequence(sequence)
	}
	return arklib.RelativeLocktime{}, ErrMissingExitDelay
}

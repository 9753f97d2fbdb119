package batch

import (
	"fmt"
	"slices"
	"sort"

	"github.com/arkade-os/arkpay-sdk/coin"
	"github.com/arkade-os/arkpay-sdk/tree"
	"github.com/arkade-os/arkpay-sdk/txutils"
	"github.com/arkade-os/arkpay-sdk/types"
	"github.com/arkade-os/arkpay-sdk/wallet"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

type connectorLeaf struct {
	tx    *psbt.Packet
	topic []string
}

// buildForfeits returns the signed forfeit txs of the coins that are not
// recoverable. A partial forfeit spending a coin is used as is, the other
// coins are each paired with a connector leaf: first the leaf whose topic
// names the coin, otherwise the next free one in txid order.
func (s *session) buildForfeits(nodes []connectorNode) ([]string, error) {
	toForfeit, err := s.coinsToForfeit()
	if err != nil {
		return nil, err
	}
	if len(toForfeit) == 0 {
		return nil, nil
	}

	partials, err := s.partialForfeits()
	if err != nil {
		return nil, err
	}

	fresh := make([]*coin.SpendableCoin, 0, len(toForfeit))
	forfeits := make([]string, 0, len(toForfeit))
	for _, c := range toForfeit {
		if partial, ok := partials[c.Outpoint]; ok {
			forfeits = append(forfeits, partial)
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return forfeits, nil
	}

	if len(s.terms.ForfeitPkScript) == 0 {
		return nil, fmt.Errorf("missing forfeit address in operator terms")
	}

	leaves, err := connectorLeaves(nodes)
	if err != nil {
		return nil, err
	}
	assigned, err := assignConnectors(fresh, leaves)
	if err != nil {
		return nil, err
	}

	for i, c := range fresh {
		connectors, err := tree.LeafConnectors([]*psbt.Packet{leaves[assigned[i]].tx})
		if err != nil {
			return nil, err
		}
		forfeit, err := s.signForfeit(c, connectors[0])
		if err != nil {
			return nil, fmt.Errorf("forfeit of %s: %w", c.Outpoint, err)
		}
		forfeits = append(forfeits, forfeit)
	}
	return forfeits, nil
}

// coinsToForfeit filters out the recoverable coins, which are swept or
// expired and can't be double spent.
func (s *session) coinsToForfeit() ([]*coin.SpendableCoin, error) {
	stored, err := s.engine.store.VtxoStore().GetVtxos(s.ctx, s.intent.LockedVtxos)
	if err != nil {
		return nil, err
	}
	recoverable := make(map[types.Outpoint]bool, len(stored))
	now := s.engine.now()
	for _, vtxo := range stored {
		recoverable[vtxo.Outpoint] = vtxo.IsRecoverable(now)
	}

	coins := make([]*coin.SpendableCoin, 0, len(s.coins))
	for _, c := range s.coins {
		isRecoverable, ok := recoverable[types.OutpointFromWire(c.Outpoint)]
		if !ok {
			isRecoverable = c.Recoverable || c.IsExpired(now)
		}
		if !isRecoverable {
			coins = append(coins, c)
		}
	}
	return coins, nil
}

// partialForfeits indexes the partial forfeits of the intent by the coin
// they spend.
func (s *session) partialForfeits() (map[wire.OutPoint]string, error) {
	ptxs, err := decodePsbts(s.intent.PartialForfeits)
	if err != nil {
		return nil, fmt.Errorf("invalid partial forfeit: %w", err)
	}

	locked := make(map[wire.OutPoint]struct{}, len(s.coins))
	for _, c := range s.coins {
		locked[c.Outpoint] = struct{}{}
	}

	partials := make(map[wire.OutPoint]string, len(ptxs))
	for i, ptx := range ptxs {
		for _, in := range ptx.UnsignedTx.TxIn {
			if _, ok := locked[in.PreviousOutPoint]; ok {
				partials[in.PreviousOutPoint] = s.intent.PartialForfeits[i]
				break
			}
		}
	}
	return partials, nil
}

func (s *session) signForfeit(c *coin.SpendableCoin, connector tree.ForfeitInput) (string, error) {
	prevout := c.TxOut
	ptx, err := tree.BuildForfeitTx(
		connector, tree.ForfeitInput{Outpoint: c.Outpoint, Prevout: &prevout},
		s.terms.ForfeitPkScript, c.LockTime(),
	)
	if err != nil {
		return "", err
	}

	script, err := c.LeafScript()
	if err != nil {
		return "", err
	}
	controlBlock, err := c.ControlBlock()
	if err != nil {
		return "", err
	}
	if err := txutils.TapscriptInput(ptx, 1, &prevout, script, controlBlock); err != nil {
		return "", err
	}
	tapTree, err := txutils.ContractTapTree(c.Contract)
	if err != nil {
		return "", err
	}
	if err := txutils.SetTapTree(ptx, 1, tapTree); err != nil {
		return "", err
	}
	if witness := c.ConditionWitness(); len(witness) > 0 {
		if err := txutils.SetConditionWitness(ptx, 1, witness); err != nil {
			return "", err
		}
	}

	if err := wallet.SignTapscriptInputs(s.ctx, c.Signer, ptx, []wallet.TapscriptInput{
		{Index: 1, Tweak: c.Path.Tweak},
	}); err != nil {
		return "", err
	}
	return txutils.EncodePsbt(ptx)
}

// connectorLeaves decodes the received connector nodes without children,
// ordered by txid.
func connectorLeaves(nodes []connectorNode) ([]connectorLeaf, error) {
	leaves := make([]connectorLeaf, 0, len(nodes))
	for _, n := range nodes {
		if len(n.node.Children) > 0 {
			continue
		}
		ptx, err := txutils.DecodePsbt(n.node.Tx)
		if err != nil {
			return nil, fmt.Errorf("invalid connector tx %s: %w", n.node.Txid, err)
		}
		leaves = append(leaves, connectorLeaf{tx: ptx, topic: n.topic})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return leaves[i].tx.UnsignedTx.TxID() < leaves[j].tx.UnsignedTx.TxID()
	})
	return leaves, nil
}

// assignConnectors returns, for every coin, the index of its connector leaf.
func assignConnectors(coins []*coin.SpendableCoin, leaves []connectorLeaf) ([]int, error) {
	assigned := make([]int, len(coins))
	used := make([]bool, len(leaves))

	for i, c := range coins {
		assigned[i] = -1
		outpoint := types.OutpointFromWire(c.Outpoint).String()
		for j, leaf := range leaves {
			if used[j] || !slices.Contains(leaf.topic, outpoint) {
				continue
			}
			assigned[i], used[j] = j, true
			break
		}
	}

	next := 0
	for i, c := range coins {
		if assigned[i] >= 0 {
			continue
		}
		for next < len(leaves) && used[next] {
			next++
		}
		if next >= len(leaves) {
			return nil, fmt.Errorf("%w: %s", ErrMissingConnector, c.Outpoint)
		}
		assigned[i], used[next] = next, true
	}
	return assigned, nil
}

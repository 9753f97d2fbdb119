package syncer

import (
	"context"
	"fmt"

	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
)

// Poll fetches the full vtxo state of scripts from the indexer and merges it
// into the store. Only the vtxos whose structural hash changed are written
// and published.
func (e *Engine) Poll(ctx context.Context, scripts []string) error {
	if len(scripts) <= 0 {
		return nil
	}

	fetched := make([]types.Vtxo, 0)
	for _, chunk := range utils.Chunk(scripts, e.scriptsPerQuery) {
		vtxos, err := e.fetchVtxos(ctx, chunk)
		if err != nil {
			return err
		}
		fetched = append(fetched, vtxos...)
	}

	e.pollLock.Lock()
	defer e.pollLock.Unlock()

	return e.merge(ctx, fetched)
}

func (e *Engine) fetchVtxos(ctx context.Context, scripts []string) ([]types.Vtxo, error) {
	opt := indexer.GetVtxosRequestOption{}
	if err := opt.WithScripts(scripts); err != nil {
		return nil, err
	}
	opt.WithPage(&indexer.PageRequest{Size: e.pageSize, Index: 0})

	resp, err := e.indexer.GetVtxos(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to get vtxos: %w", err)
	}
	vtxos := resp.Vtxos

	for resp.Page != nil && resp.Page.Next != resp.Page.Total {
		opt.WithPage(&indexer.PageRequest{Size: e.pageSize, Index: resp.Page.Next})
		resp, err = e.indexer.GetVtxos(ctx, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to get vtxos: %w", err)
		}
		vtxos = append(vtxos, resp.Vtxos...)
	}
	return vtxos, nil
}

func (e *Engine) merge(ctx context.Context, fetched []types.Vtxo) error {
	if len(fetched) <= 0 {
		return nil
	}

	now := e.now()
	outpoints := make([]types.Outpoint, 0, len(fetched))
	for i := range fetched {
		fetched[i].Recoverable = fetched[i].IsRecoverable(now)
		outpoints = append(outpoints, fetched[i].Outpoint)
	}

	stored, err := e.store.VtxoStore().GetVtxos(ctx, outpoints)
	if err != nil {
		return fmt.Errorf("failed to get stored vtxos: %w", err)
	}
	storedByOutpoint := make(map[types.Outpoint]types.Vtxo, len(stored))
	for _, v := range stored {
		storedByOutpoint[v.Outpoint] = v
	}

	added := make([]types.Vtxo, 0)
	updated := make([]types.Vtxo, 0)
	for _, v := range fetched {
		old, ok := storedByOutpoint[v.Outpoint]
		if !ok {
			added = append(added, v)
			continue
		}
		if old.Hash() != v.Hash() {
			updated = append(updated, v)
		}
	}

	if len(added) > 0 {
		if _, err := e.store.VtxoStore().AddVtxos(ctx, added); err != nil {
			return fmt.Errorf("failed to add vtxos: %w", err)
		}
		e.publish(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	if len(updated) > 0 {
		if _, err := e.store.VtxoStore().UpdateVtxos(ctx, updated); err != nil {
			return fmt.Errorf("failed to update vtxos: %w", err)
		}
		spent := make([]types.Vtxo, 0, len(updated))
		changed := make([]types.Vtxo, 0, len(updated))
		for _, v := range updated {
			if v.Spent && !storedByOutpoint[v.Outpoint].Spent {
				spent = append(spent, v)
				continue
			}
			changed = append(changed, v)
		}
		if len(spent) > 0 {
			e.publish(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
		}
		if len(changed) > 0 {
			e.publish(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: changed})
		}
	}

	log.Debugf("merged %d vtxos: %d added, %d updated", len(fetched), len(added), len(updated))
	return nil
}

func (e *Engine) publish(event types.VtxoEvent) {
	if dropped := e.events.Publish(event); dropped > 0 {
		log.Warnf("dropped %d slow vtxo event subscribers", dropped)
	}
}

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
)

// submissionLoop registers the intents waiting to be submitted and cancels
// the expired ones or the ones whose coins got spent in the meantime.
func (e *Engine) submissionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.submitInterval)
	defer ticker.Stop()

	e.submitPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		e.submitPending(ctx)
	}
}

func (e *Engine) submitPending(ctx context.Context) {
	pending, err := e.store.IntentStore().ListIntents(
		ctx, types.IntentWaitingToSubmit, types.IntentWaitingForBatch,
	)
	if err != nil {
		log.WithError(err).Warn("failed to list pending intents")
		return
	}

	for _, in := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := e.processIntent(ctx, in.ID); err != nil {
			log.WithError(err).Warnf("failed to process intent %s", in.ID)
		}
	}
}

func (e *Engine) processIntent(ctx context.Context, id string) error {
	unlock := e.locker.Lock(id)
	defer unlock()

	in, err := e.store.IntentStore().GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if !in.IsActive() || e.inSession(id) {
		return nil
	}

	now := e.now()
	if !in.ValidUntil.IsZero() && now.After(in.ValidUntil) {
		return e.cancel(ctx, in, "intent expired")
	}

	spent, err := e.spentCoin(ctx, *in)
	if err != nil {
		return err
	}
	if spent != nil {
		return e.cancel(ctx, in, fmt.Sprintf("coin %s spent", spent))
	}

	if in.State != types.IntentWaitingToSubmit {
		return nil
	}
	if !in.ValidFrom.IsZero() && now.Before(in.ValidFrom) {
		return nil
	}

	serverID, err := e.transport.RegisterIntent(ctx, in.RegisterProof, in.RegisterMessage)
	if err != nil {
		if retry, _ := utils.ShouldReconnect(err); retry {
			log.WithError(err).Debugf("failed to register intent %s, will retry", id)
			return nil
		}
		return e.setCancelled(ctx, in, fmt.Sprintf("rejected by operator: %s", err))
	}

	in.ServerID = serverID
	in.State = types.IntentWaitingForBatch
	in.UpdatedAt = e.now()
	if err := e.store.IntentStore().UpdateIntent(ctx, *in); err != nil {
		return err
	}
	e.addActive(*in)

	log.Infof("intent %s registered with id %s", id, serverID)
	return nil
}

// cancel deletes a registered intent from the operator before cancelling it
// locally.
func (e *Engine) cancel(ctx context.Context, in *types.Intent, reason string) error {
	if in.State == types.IntentWaitingForBatch {
		e.deleteFromOperator(ctx, *in)
	}
	e.removeActive(in.ID)
	return e.setCancelled(ctx, in, reason)
}

// spentCoin returns the first coin locked by the intent that is known to be
// spent, if any.
func (e *Engine) spentCoin(ctx context.Context, in types.Intent) (*types.Outpoint, error) {
	vtxos, err := e.store.VtxoStore().GetVtxos(ctx, in.LockedVtxos)
	if err != nil {
		return nil, err
	}
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			outpoint := vtxo.Outpoint
			return &outpoint, nil
		}
	}
	return nil, nil
}

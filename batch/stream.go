package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/arkade-os/arkpay-sdk/client"
	"github.com/arkade-os/arkpay-sdk/intent"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
)

type sessionResult struct {
	session        *session
	intentId       string
	batchId        string
	commitmentTxid string
	err            error
}

// streamLoop keeps one event stream open on the topics of the registered
// intents and dispatches the events to the sessions. The stream is reopened
// whenever the topics change or the connection drops.
func (e *Engine) streamLoop(ctx context.Context) {
	var (
		eventsCh <-chan client.BatchEventChannel
		closeFn  func()
		topics   []string
		retry    <-chan time.Time
	)
	b := utils.NewReconnectBackoff(ctx)

	closeStream := func() {
		if closeFn != nil {
			closeFn()
			closeFn = nil
		}
		eventsCh = nil
	}
	defer closeStream()

	scheduleRetry := func(err error) {
		closeStream()
		wait := b.NextBackOff()
		if _, delay := utils.ShouldReconnect(err); delay > wait {
			wait = delay
		}
		log.WithError(err).Warnf("batch event stream down, reconnecting in %s", wait)
		retry = time.After(wait)
	}

	open := func() {
		closeStream()
		retry = nil
		topics = e.currentTopics()
		if len(topics) == 0 {
			return
		}
		ch, cancel, err := e.transport.GetEventStream(ctx, topics)
		if err != nil {
			scheduleRetry(err)
			return
		}
		b.Reset()
		eventsCh, closeFn = ch, cancel
		log.Debugf("batch event stream opened on %d topics", len(topics))
	}

	open()
	for {
		select {
		case <-ctx.Done():
			return
		case <-retry:
			open()
		case <-e.topicsChanged:
			if !slices.Equal(e.currentTopics(), topics) || (eventsCh == nil && retry == nil) {
				open()
			}
		case res := <-e.sessionDone:
			e.completeSession(ctx, res)
		case notify, ok := <-eventsCh:
			if !ok {
				scheduleRetry(utils.ErrConnectionClosedByServer)
				continue
			}
			if notify.Err != nil {
				scheduleRetry(notify.Err)
				continue
			}
			e.route(ctx, notify.Event)
		}
	}
}

// currentTopics is the sorted union of the locked outpoints and cosigner
// keys of the registered intents.
func (e *Engine) currentTopics() []string {
	e.lock.RLock()
	defer e.lock.RUnlock()

	set := make(map[string]struct{})
	for _, a := range e.active {
		for _, topic := range a.topics {
			set[topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (e *Engine) route(ctx context.Context, event client.BatchEvent) {
	if started, ok := event.(client.BatchStartedEvent); ok {
		e.onBatchStarted(ctx, started)
		return
	}

	batchId := batchIdOf(event)
	e.lock.RLock()
	sessions := make([]*session, 0)
	for _, a := range e.active {
		if a.session != nil && a.session.batchId == batchId {
			sessions = append(sessions, a.session)
		}
	}
	e.lock.RUnlock()

	for _, s := range sessions {
		s.deliver(event)
	}
}

// onBatchStarted joins the batch with every registered intent it selects.
func (e *Engine) onBatchStarted(ctx context.Context, event client.BatchStartedEvent) {
	hashes := make(map[string]struct{}, len(event.HashedIntentIds))
	for _, hash := range event.HashedIntentIds {
		hashes[hash] = struct{}{}
	}

	e.lock.RLock()
	selected := make([]string, 0)
	for _, a := range e.active {
		if _, ok := hashes[a.hash]; ok && a.session == nil {
			selected = append(selected, a.id)
		}
	}
	e.lock.RUnlock()

	for _, id := range selected {
		if err := e.joinBatch(ctx, id, event); err != nil {
			log.WithError(err).Warnf("intent %s failed to join batch %s", id, event.Id)
		}
	}
}

func (e *Engine) joinBatch(ctx context.Context, id string, event client.BatchStartedEvent) error {
	unlock := e.locker.Lock(id)
	defer unlock()

	in, err := e.store.IntentStore().GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if in.State != types.IntentWaitingForBatch {
		return nil
	}

	coins, err := e.resolveCoins(ctx, *in)
	if err != nil {
		return err
	}
	terms, err := e.terms(ctx)
	if err != nil {
		return err
	}
	s, err := newSession(ctx, e, *in, coins, terms, event)
	if err != nil {
		return err
	}

	if err := e.transport.ConfirmRegistration(ctx, in.ServerID); err != nil {
		s.cancel()
		return err
	}

	in.BatchID = event.Id
	in.UpdatedAt = e.now()
	if err := e.store.IntentStore().UpdateIntent(ctx, *in); err != nil {
		s.cancel()
		return err
	}

	e.lock.Lock()
	a, ok := e.active[id]
	if ok {
		a.session = s
	}
	e.lock.Unlock()
	if !ok {
		s.cancel()
		return nil
	}

	log.Infof("intent %s joined batch %s", id, event.Id)
	go s.run()
	return nil
}

// completeSession persists the outcome of a session and releases the intent.
func (e *Engine) completeSession(ctx context.Context, res sessionResult) {
	unlock := e.locker.Lock(res.intentId)
	defer unlock()

	// a session interrupted by a previous Run may report after a restart
	e.lock.RLock()
	a, ok := e.active[res.intentId]
	current := ok && a.session == res.session
	e.lock.RUnlock()
	if !current {
		return
	}

	e.removeActive(res.intentId)
	if errors.Is(res.err, context.Canceled) {
		return
	}

	in, err := e.store.IntentStore().GetIntent(ctx, res.intentId)
	if err != nil {
		log.WithError(err).Warnf("failed to get intent %s", res.intentId)
		return
	}
	if !in.IsActive() {
		return
	}

	if res.err != nil {
		in.State = types.IntentBatchFailed
		in.CancellationReason = res.err.Error()
		log.WithError(res.err).Warnf("intent %s failed in batch %s", in.ID, res.batchId)
	} else {
		in.State = types.IntentBatchSucceeded
		in.CommitmentTxid = res.commitmentTxid
		if err := e.markSettled(ctx, in.LockedVtxos, res.commitmentTxid); err != nil {
			log.WithError(err).Warnf("failed to mark vtxos of intent %s as settled", in.ID)
		}
		log.Infof("intent %s settled in commitment tx %s", in.ID, res.commitmentTxid)
	}
	in.UpdatedAt = e.now()
	if err := e.store.IntentStore().UpdateIntent(ctx, *in); err != nil {
		log.WithError(err).Warnf("failed to update intent %s", in.ID)
	}
}

func (e *Engine) markSettled(ctx context.Context, outpoints []types.Outpoint, commitmentTxid string) error {
	vtxos, err := e.store.VtxoStore().GetVtxos(ctx, outpoints)
	if err != nil {
		return err
	}
	settled := make([]types.Vtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.Spent {
			continue
		}
		vtxo.Spent = true
		vtxo.SettledBy = commitmentTxid
		settled = append(settled, vtxo)
	}
	if len(settled) == 0 {
		return nil
	}
	_, err = e.store.VtxoStore().UpdateVtxos(ctx, settled)
	return err
}

// hashIntentId is how the operator refers to the intents it selects in
// BatchStarted events.
func hashIntentId(id string) string {
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])
}

func decodeRegisterMessage(message string) (*intent.RegisterMessage, error) {
	var msg intent.RegisterMessage
	if err := msg.Decode(message); err != nil {
		return nil, err
	}
	return &msg, nil
}

func batchIdOf(event client.BatchEvent) string {
	switch e := event.(type) {
	case client.BatchStartedEvent:
		return e.Id
	case client.BatchFinalizationEvent:
		return e.Id
	case client.BatchFinalizedEvent:
		return e.Id
	case client.BatchFailedEvent:
		return e.Id
	case client.TreeSigningStartedEvent:
		return e.Id
	case client.TreeNoncesAggregatedEvent:
		return e.Id
	case client.TreeNoncesEvent:
		return e.Id
	case client.TreeTxEvent:
		return e.Id
	case client.TreeSignatureEvent:
		return e.Id
	default:
		return ""
	}
}

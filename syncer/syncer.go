package syncer

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/arkade-os/arkpay-sdk/indexer"
	"github.com/arkade-os/arkpay-sdk/internal/utils"
	"github.com/arkade-os/arkpay-sdk/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	Idle State = iota
	Subscribing
	Listening
	Reconnecting
)

func (s State) String() string {
	return map[State]string{
		Idle:         "IDLE",
		Subscribing:  "SUBSCRIBING",
		Listening:    "LISTENING",
		Reconnecting: "RECONNECTING",
	}[s]
}

// Engine keeps the local vtxo records of the interesting scripts in sync
// with the indexer. The interesting scripts are the ones of the active
// contracts, of the unspent vtxos and the pending ones added with Watch.
type Engine struct {
	indexer indexer.Indexer
	store   types.Store

	pageSize         int32
	scriptsPerQuery  int
	watchdogInterval time.Duration
	locker           *utils.KeyedMutex
	key              string
	now              func() time.Time

	events      *utils.EventFeed[types.VtxoEvent]
	resubscribe chan struct{}

	lock           *sync.RWMutex
	state          State
	subscriptionId string
	scripts        map[string]struct{}
	pending        map[string]struct{}
	runCtx         context.Context
	listener       *listener

	pollLock *sync.Mutex
}

type listener struct {
	subscriptionId string
	cancel         context.CancelFunc
	done           chan struct{}
}

func (l *listener) alive() bool {
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func NewEngine(indexerClient indexer.Indexer, store types.Store, opts ...Option) (*Engine, error) {
	if indexerClient == nil {
		return nil, fmt.Errorf("missing indexer client")
	}
	if store == nil {
		return nil, fmt.Errorf("missing store")
	}

	e := &Engine{
		indexer:          indexerClient,
		store:            store,
		pageSize:         defaultPageSize,
		scriptsPerQuery:  defaultScriptsPerQuery,
		watchdogInterval: defaultWatchdogInterval,
		locker:           utils.NewKeyedMutex(),
		key:              defaultKey,
		now:              time.Now,
		events:           utils.NewEventFeed[types.VtxoEvent](),
		resubscribe:      make(chan struct{}, 1),
		lock:             &sync.RWMutex{},
		scripts:          make(map[string]struct{}),
		pending:          make(map[string]struct{}),
		pollLock:         &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) State() State {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.state
}

// Subscribe returns a channel notified of the added, spent or updated
// vtxos, restricted to eventTypes when given. Consumers that can't keep up
// are dropped.
func (e *Engine) Subscribe(buf int, eventTypes ...types.VtxoEventType) <-chan types.VtxoEvent {
	if len(eventTypes) == 0 {
		return e.events.Subscribe(buf)
	}
	return e.events.Subscribe(buf, func(event types.VtxoEvent) bool {
		return slices.Contains(eventTypes, event.Type)
	})
}

func (e *Engine) Unsubscribe(ch <-chan types.VtxoEvent) {
	e.events.Unsubscribe(ch)
}

// Watch adds scripts not yet owned by a stored contract or vtxo, like the
// outputs of a pending payout, to the interesting set.
func (e *Engine) Watch(ctx context.Context, scripts ...string) error {
	e.lock.Lock()
	for _, script := range scripts {
		e.pending[script] = struct{}{}
	}
	e.lock.Unlock()
	return e.Update(ctx)
}

func (e *Engine) Unwatch(ctx context.Context, scripts ...string) error {
	e.lock.Lock()
	for _, script := range scripts {
		delete(e.pending, script)
	}
	e.lock.Unlock()
	return e.Update(ctx)
}

// Run keeps the subscription alive until ctx is done: it resubscribes after
// the stream breaks and the watchdog restarts the listener if it is found
// dead while there are scripts to follow.
func (e *Engine) Run(ctx context.Context) error {
	e.lock.Lock()
	if e.runCtx != nil {
		e.lock.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.runCtx = ctx
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.runCtx = nil
		l := e.listener
		e.listener = nil
		e.state = Idle
		e.lock.Unlock()
		stopListener(l)
		e.events.Close()
	}()

	if err := e.Update(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("initial vtxo sync failed")
		e.signalResubscribe()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-e.resubscribe:
				if err := utils.Retry(gctx, "vtxo resubscription", e.Update); err != nil &&
					gctx.Err() == nil {
					log.WithError(err).Error("failed to resubscribe for vtxo updates")
				}
			}
		}
	})
	g.Go(func() error {
		utils.RunEvery(gctx, "vtxo sync watchdog", e.watchdogInterval, e.checkListener)
		return nil
	})
	return g.Wait()
}

// Update recomputes the interesting scripts and, when they changed,
// extends the subscription, drops the scripts no longer needed and polls
// the new ones. With an unchanged set it only makes sure the listener is
// alive.
func (e *Engine) Update(ctx context.Context) error {
	unlock := e.locker.Lock(e.key)
	defer unlock()

	desired, err := e.desiredScripts(ctx)
	if err != nil {
		return err
	}

	e.lock.RLock()
	subscriptionId := e.subscriptionId
	added, removed := diffScripts(e.scripts, desired)
	e.lock.RUnlock()

	if len(desired) == 0 {
		if subscriptionId != "" && len(removed) > 0 {
			if err := e.indexer.UnsubscribeForScripts(ctx, subscriptionId, removed); err != nil {
				log.WithError(err).Warn("failed to unsubscribe for scripts")
			}
		}
		e.lock.Lock()
		l := e.listener
		e.listener = nil
		e.subscriptionId = ""
		e.scripts = desired
		e.state = Idle
		e.lock.Unlock()
		stopListener(l)
		return nil
	}

	if subscriptionId != "" && len(added) == 0 && len(removed) == 0 {
		return e.ensureListener()
	}

	e.setState(Subscribing)

	// a fresh subscription must carry every script, an existing one is
	// extended with the new ones only
	toSubscribe := added
	if subscriptionId == "" {
		toSubscribe = sortedScripts(desired)
	}
	if len(toSubscribe) > 0 {
		newId, err := e.indexer.SubscribeForScripts(ctx, subscriptionId, toSubscribe)
		if err != nil {
			e.setState(Reconnecting)
			return fmt.Errorf("failed to subscribe for scripts: %w", err)
		}
		subscriptionId = newId
	}
	if len(removed) > 0 && subscriptionId != "" {
		if err := e.indexer.UnsubscribeForScripts(ctx, subscriptionId, removed); err != nil {
			log.WithError(err).Warn("failed to unsubscribe for scripts")
		}
	}

	e.lock.Lock()
	e.subscriptionId = subscriptionId
	e.scripts = desired
	e.lock.Unlock()

	log.Debugf("subscribed for %d scripts (%d added, %d removed)", len(desired), len(added), len(removed))

	if err := e.ensureListener(); err != nil {
		return err
	}

	if len(toSubscribe) > 0 {
		if err := e.Poll(ctx, toSubscribe); err != nil {
			log.WithError(err).Warn("failed to poll vtxos of new scripts")
		}
	}
	return nil
}

// Resync polls every followed script, or only the given ones. It's used
// after a failed spend to discard stale records.
func (e *Engine) Resync(ctx context.Context, scripts ...string) error {
	if len(scripts) == 0 {
		e.lock.RLock()
		scripts = sortedScripts(e.scripts)
		e.lock.RUnlock()
	}
	return e.Poll(ctx, scripts)
}

func (e *Engine) desiredScripts(ctx context.Context) (map[string]struct{}, error) {
	desired := make(map[string]struct{})

	contracts, err := e.store.ContractStore().ListContracts(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active contracts: %w", err)
	}
	for _, c := range contracts {
		desired[c.Script] = struct{}{}
	}

	spendable, _, err := e.store.VtxoStore().GetAllVtxos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vtxos: %w", err)
	}
	for _, v := range spendable {
		desired[v.Script] = struct{}{}
	}

	e.lock.RLock()
	for script := range e.pending {
		desired[script] = struct{}{}
	}
	e.lock.RUnlock()

	return desired, nil
}

// ensureListener starts a listener for the current subscription unless one
// is already alive. Without a running engine there is nothing to attach
// the listener to, the next Run picks it up.
func (e *Engine) ensureListener() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.runCtx == nil || e.subscriptionId == "" {
		return nil
	}
	if e.listener.alive() && e.listener.subscriptionId == e.subscriptionId {
		if e.state != Listening {
			e.state = Listening
		}
		return nil
	}

	old := e.listener
	ctx, cancel := context.WithCancel(e.runCtx)
	eventsCh, closeFn, err := e.indexer.GetSubscription(ctx, e.subscriptionId)
	if err != nil {
		cancel()
		e.state = Reconnecting
		return fmt.Errorf("failed to open subscription stream: %w", err)
	}

	l := &listener{
		subscriptionId: e.subscriptionId,
		cancel: func() {
			cancel()
			closeFn()
		},
		done: make(chan struct{}),
	}
	e.listener = l
	e.state = Listening

	go stopListener(old)
	go e.listen(ctx, l, eventsCh)
	return nil
}

func (e *Engine) listen(ctx context.Context, l *listener, eventsCh <-chan *indexer.ScriptEvent) {
	defer close(l.done)

	var streamErr error
	for ev := range eventsCh {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if len(ev.Scripts) <= 0 {
			continue
		}
		if err := e.Poll(ctx, ev.Scripts); err != nil && ctx.Err() == nil {
			log.WithError(err).Warnf("failed to poll vtxos after tx %s", ev.Txid)
		}
	}

	// stopped on purpose
	if ctx.Err() != nil {
		return
	}

	if streamErr == nil {
		streamErr = utils.ErrConnectionClosedByServer
	}
	log.WithError(streamErr).Warn("vtxo subscription stream ended")

	e.lock.Lock()
	if e.listener == l {
		e.listener = nil
		e.subscriptionId = ""
		e.scripts = make(map[string]struct{})
		e.state = Reconnecting
	}
	e.lock.Unlock()
	l.cancel()

	e.signalResubscribe()
}

func (e *Engine) checkListener(ctx context.Context) error {
	e.lock.RLock()
	hasScripts := len(e.scripts) > 0 || len(e.pending) > 0
	alive := e.listener.alive()
	e.lock.RUnlock()

	if !hasScripts || alive {
		return nil
	}
	log.Debug("vtxo sync watchdog found no active listener, recovering")
	e.signalResubscribe()
	return nil
}

func (e *Engine) signalResubscribe() {
	select {
	case e.resubscribe <- struct{}{}:
	default:
	}
}

func (e *Engine) setState(state State) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.state = state
}

func stopListener(l *listener) {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

func diffScripts(current, desired map[string]struct{}) (added, removed []string) {
	for script := range desired {
		if _, ok := current[script]; !ok {
			added = append(added, script)
		}
	}
	for script := range current {
		if _, ok := desired[script]; !ok {
			removed = append(removed, script)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return
}

func sortedScripts(set map[string]struct{}) []string {
	scripts := make([]string, 0, len(set))
	for script := range set {
		scripts = append(scripts, script)
	}
	sort.Strings(scripts)
	return scripts
}

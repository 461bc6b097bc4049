// Package monitor polls registered parent items for content changes and
// schedules syncs across a bounded worker pool.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storyforge/epicsync/internal/config"
	"github.com/storyforge/epicsync/internal/metrics"
	"github.com/storyforge/epicsync/internal/models"
	"github.com/storyforge/epicsync/internal/notify"
	"github.com/storyforge/epicsync/internal/retry"
	"github.com/storyforge/epicsync/internal/snapshot"
)

// SyncEngine is the slice of the engine the monitor uses.
type SyncEngine interface {
	Synchronize(ctx context.Context, parentID string, stored *models.ContentSnapshot) models.SyncResult
	GetSnapshot(ctx context.Context, parentID string) *models.ContentSnapshot
}

// ParentLister discovers parents from the tracker.
type ParentLister interface {
	ListParents(ctx context.Context, stateFilter string) ([]models.ParentItem, error)
}

// ParentStatus is a snapshot of one registered parent's monitoring state.
type ParentStatus struct {
	ID                string             `json:"id"`
	Title             string             `json:"title,omitempty"`
	State             string             `json:"state"`
	ConsecutiveErrors int                `json:"consecutive_errors"`
	LastChecked       *time.Time         `json:"last_checked,omitempty"`
	LastResult        *models.SyncResult `json:"last_result,omitempty"`
}

// parentState is the registry entry. Mutated only under mu; workers report
// results back instead of touching it.
type parentState struct {
	id                string
	title             string
	state             string
	consecutiveErrors int
	lastChecked       time.Time
	lastResult        *models.SyncResult
	syncing           bool
}

const (
	stateDiscovered     = "discovered"
	stateUnchanged      = "unchanged"
	stateChangeDetected = "change_detected"
	stateSyncing        = "syncing"
	stateSynced         = "synced"
	stateFailing        = "failing"
)

// Monitor owns the registry of watched parents and the polling loop.
type Monitor struct {
	cfg       config.MonitorConfig
	engine    SyncEngine
	lister    ParentLister
	store     *snapshot.Store
	processed *snapshot.ProcessedSet
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.RWMutex
	registry map[string]*parentState
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a monitor. The processed set is loaded from the store so
// auto-extraction state survives restarts.
func New(cfg config.MonitorConfig, eng SyncEngine, lister ParentLister, store *snapshot.Store, notifier notify.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Monitor{
		cfg:       cfg,
		engine:    eng,
		lister:    lister,
		store:     store,
		processed: snapshot.LoadProcessedSet(store),
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "monitor").Logger(),
		registry:  make(map[string]*parentState),
	}
}

// AddParent registers a parent id. It fetches and persists an initial
// snapshot; if that fails the id is still registered with an elevated
// error count so the poll loop retries it, and false is returned.
func (m *Monitor) AddParent(ctx context.Context, parentID string) bool {
	m.mu.Lock()
	if _, ok := m.registry[parentID]; ok {
		m.mu.Unlock()
		return false
	}
	st := &parentState{id: parentID, state: stateDiscovered}
	m.registry[parentID] = st
	m.updateGauge()
	m.mu.Unlock()

	snap := m.engine.GetSnapshot(ctx, parentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap == nil {
		st.consecutiveErrors = 1
		st.state = stateFailing
		m.logger.Warn().Str("parent_id", parentID).Msg("registered parent but initial snapshot fetch failed")
		return false
	}
	st.title = snap.Title
	if err := m.store.Put(parentID, *snap); err != nil {
		m.logger.Error().Err(err).Str("parent_id", parentID).Msg("persisting initial snapshot failed")
	}
	m.logger.Info().Str("parent_id", parentID).Str("title", snap.Title).Msg("parent registered")
	return true
}

// RemoveParent deregisters a parent id. Returns true iff it was present.
func (m *Monitor) RemoveParent(parentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registry[parentID]; !ok {
		return false
	}
	delete(m.registry, parentID)
	m.updateGauge()
	m.logger.Info().Str("parent_id", parentID).Msg("parent removed")
	return true
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Status returns a copy of the registry for reporting.
func (m *Monitor) Status() []ParentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ParentStatus, 0, len(m.registry))
	for _, st := range m.registry {
		ps := ParentStatus{
			ID:                st.id,
			Title:             st.title,
			State:             st.state,
			ConsecutiveErrors: st.consecutiveErrors,
			LastResult:        st.lastResult,
		}
		if !st.lastChecked.IsZero() {
			t := st.lastChecked
			ps.LastChecked = &t
		}
		out = append(out, ps)
	}
	return out
}

// DiscoverNewParents lists parents from the tracker and registers ids not
// yet in the registry. When auto-extraction is enabled, parents never
// processed before are returned so the caller syncs them this cycle.
func (m *Monitor) DiscoverNewParents(ctx context.Context) []string {
	parents, err := m.lister.ListParents(ctx, "")
	if err != nil {
		m.logger.Warn().Err(err).Msg("parent discovery failed")
		if m.metrics != nil {
			m.metrics.RecordError("monitor", "discovery")
		}
		return nil
	}

	var toExtract []string
	m.mu.Lock()
	for _, p := range parents {
		id := strconv.Itoa(p.ID)
		if _, ok := m.registry[id]; ok {
			continue
		}
		m.registry[id] = &parentState{id: id, title: p.Title, state: stateDiscovered}
		m.logger.Info().Str("parent_id", id).Str("title", p.Title).Msg("discovered new parent")
		if m.cfg.AutoExtractNewEpics && !m.processed.Contains(id) {
			toExtract = append(toExtract, id)
		}
	}
	m.updateGauge()
	m.mu.Unlock()
	return toExtract
}

// checkChanged compares the stored snapshot against the tracker's current
// state. A missing stored snapshot counts as changed (first sync).
func (m *Monitor) checkChanged(ctx context.Context, parentID string) (bool, error) {
	current := m.engine.GetSnapshot(ctx, parentID)
	if current == nil {
		return false, errors.New("snapshot fetch failed")
	}
	stored := m.store.Get(parentID)
	if stored == nil {
		return true, nil
	}
	return stored.ContentHash != current.ContentHash, nil
}

// syncWithRetry runs a full synchronize as one retryable unit: a raised
// error or an explicit succeeded=false triggers another attempt after the
// fixed delay, with no partial resume.
func (m *Monitor) syncWithRetry(ctx context.Context, parentID string) models.SyncResult {
	var result models.SyncResult
	delay := time.Duration(m.cfg.RetryDelaySeconds) * time.Second

	err := retry.DoFixed(ctx, m.cfg.RetryAttempts, delay, func(ctx context.Context) error {
		stored := m.store.Get(parentID)
		result = m.engine.Synchronize(ctx, parentID, stored)
		if !result.Succeeded {
			return errors.New(result.ErrorMessage)
		}
		return nil
	})
	if err != nil && result.ErrorMessage == "" {
		result = models.FailedSync(parentID, "", err)
	}
	return result
}

// syncOutcome is what a worker hands back to the control goroutine.
type syncOutcome struct {
	parentID string
	result   models.SyncResult
	started  time.Time
	trigger  string
}

// applyOutcome updates registry state and the persistent stores for one
// finished sync.
func (m *Monitor) applyOutcome(ctx context.Context, out syncOutcome) {
	m.mu.Lock()
	st, ok := m.registry[out.parentID]
	suspended := false
	errorCount := 0
	if ok {
		st.syncing = false
		st.lastResult = &out.result
		if out.result.Succeeded {
			st.consecutiveErrors = 0
			st.state = stateSynced
			if out.result.ParentTitle != "" {
				st.title = out.result.ParentTitle
			}
		} else {
			st.consecutiveErrors++
			st.state = stateFailing
		}
		errorCount = st.consecutiveErrors
		suspended = st.consecutiveErrors >= m.cfg.MaxConsecutiveErrors
		if suspended {
			delete(m.registry, out.parentID)
			m.updateGauge()
		}
	}
	m.mu.Unlock()

	if out.result.Succeeded {
		if snap := m.engine.GetSnapshot(ctx, out.parentID); snap != nil {
			if err := m.store.Put(out.parentID, *snap); err != nil {
				m.logger.Error().Err(err).Str("parent_id", out.parentID).Msg("persisting snapshot failed")
			}
		}
		if err := m.processed.Add(out.parentID); err != nil {
			m.logger.Error().Err(err).Msg("persisting processed set failed")
		}
	}

	if m.metrics != nil {
		if out.result.Succeeded {
			m.metrics.RecordSync("success")
			m.metrics.RecordStories(len(out.result.CreatedIDs), len(out.result.UpdatedIDs), len(out.result.UnchangedIDs))
		} else {
			m.metrics.RecordSync("failure")
			m.metrics.RecordError("monitor", "sync")
		}
		m.metrics.ObserveSyncDuration(out.trigger, time.Since(out.started).Seconds())
	}

	m.notifier.SyncCompleted(ctx, out.result)
	if suspended {
		m.logger.Warn().Str("parent_id", out.parentID).Int("errors", errorCount).Msg("parent suspended")
		m.notifier.ParentSuspended(ctx, out.parentID, errorCount)
	}
}

// RunOnce forces an immediate check, optionally scoped to one parent id.
// Changed parents are synced inline when auto-sync is enabled. Returns a
// map of parent id to check outcome.
func (m *Monitor) RunOnce(ctx context.Context, parentID string) map[string]models.CheckResult {
	var ids []string
	m.mu.RLock()
	if parentID != "" {
		if _, ok := m.registry[parentID]; ok {
			ids = []string{parentID}
		}
	} else {
		for id := range m.registry {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	results := make(map[string]models.CheckResult, len(ids))
	for _, id := range ids {
		results[id] = m.checkOne(ctx, id, "forced")
	}
	return results
}

// checkOne performs a change-check and, when warranted, an inline sync for
// a single parent.
func (m *Monitor) checkOne(ctx context.Context, id, trigger string) models.CheckResult {
	check := models.CheckResult{CheckTime: time.Now().UTC()}

	m.mu.Lock()
	st, ok := m.registry[id]
	if !ok || st.syncing {
		m.mu.Unlock()
		check.Error = "parent not available for checking"
		return check
	}
	st.lastChecked = check.CheckTime
	m.mu.Unlock()

	changed, err := m.checkChanged(ctx, id)
	if err != nil {
		check.Error = err.Error()
		m.recordCheckFailure(ctx, id)
		return check
	}
	check.HasChanges = changed

	runSync := false
	m.mu.Lock()
	if st, ok := m.registry[id]; ok {
		// Any successful fetch clears the failure streak, also when it
		// detects a change.
		st.consecutiveErrors = 0
		if changed {
			st.state = stateChangeDetected
		} else {
			st.state = stateUnchanged
		}
		if changed && m.cfg.AutoSync && !st.syncing {
			st.syncing = true
			st.state = stateSyncing
			runSync = true
		}
	}
	m.mu.Unlock()

	if runSync {
		started := time.Now()
		result := m.syncWithRetry(ctx, id)
		m.applyOutcome(ctx, syncOutcome{parentID: id, result: result, started: started, trigger: trigger})
		check.SyncResult = &result
	}
	return check
}

// recordCheckFailure bumps the consecutive error count for a failed fetch
// and suspends the parent once the threshold is reached.
func (m *Monitor) recordCheckFailure(ctx context.Context, id string) {
	m.mu.Lock()
	st, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.consecutiveErrors++
	st.state = stateFailing
	suspended := st.consecutiveErrors >= m.cfg.MaxConsecutiveErrors
	errorCount := st.consecutiveErrors
	if suspended {
		delete(m.registry, id)
		m.updateGauge()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordError("monitor", "check")
	}
	if suspended {
		m.logger.Warn().Str("parent_id", id).Int("errors", errorCount).Msg("parent suspended after repeated check failures")
		m.notifier.ParentSuspended(ctx, id, errorCount)
	}
}

// Start runs the polling loop until Stop is called or ctx is cancelled.
// Blocking.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(doneCh)
	}()

	// Seed the registry from configuration before the first cycle.
	for _, id := range m.cfg.EpicIDs {
		m.AddParent(ctx, id)
	}

	interval := time.Duration(m.cfg.PollIntervalSeconds) * time.Second
	m.logger.Info().Dur("interval", interval).Int("max_concurrent", m.cfg.MaxConcurrentSyncs).Msg("monitor started")

	for {
		m.runCycle(ctx)

		select {
		case <-stopCh:
			m.logger.Info().Msg("monitor stopped")
			return nil
		case <-ctx.Done():
			m.logger.Info().Msg("monitor context cancelled")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Stop signals the poll loop to terminate and waits for in-flight work to
// drain. Safe to call when the monitor is not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh = nil
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// runCycle is one poll iteration: discovery, sequential change-checks,
// then parallel syncs collected back on this goroutine.
func (m *Monitor) runCycle(ctx context.Context) {
	triggers := make(map[string]string)
	for _, id := range m.DiscoverNewParents(ctx) {
		triggers[id] = "discovery"
	}

	m.mu.RLock()
	var ids []string
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, queued := triggers[id]; queued {
			continue
		}

		m.mu.Lock()
		st, ok := m.registry[id]
		if !ok || st.syncing {
			m.mu.Unlock()
			continue
		}
		st.lastChecked = time.Now().UTC()
		m.mu.Unlock()

		changed, err := m.checkChanged(ctx, id)
		if err != nil {
			m.recordCheckFailure(ctx, id)
			continue
		}

		m.mu.Lock()
		if st, ok := m.registry[id]; ok {
			st.consecutiveErrors = 0
			if changed {
				st.state = stateChangeDetected
				if m.cfg.AutoSync {
					triggers[id] = "poll"
				}
			} else {
				st.state = stateUnchanged
			}
		}
		m.mu.Unlock()
	}

	if len(triggers) == 0 {
		return
	}

	// Mark dispatched parents before starting workers so nothing else can
	// start a second sync for the same id.
	var dispatch []string
	m.mu.Lock()
	for id := range triggers {
		st, ok := m.registry[id]
		if !ok || st.syncing {
			continue
		}
		st.syncing = true
		st.state = stateSyncing
		dispatch = append(dispatch, id)
	}
	m.mu.Unlock()

	outcomes := make(chan syncOutcome, len(dispatch))
	sem := make(chan struct{}, m.cfg.MaxConcurrentSyncs)
	var wg sync.WaitGroup

	for _, id := range dispatch {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			started := time.Now()
			result := m.syncWithRetry(ctx, id)
			outcomes <- syncOutcome{parentID: id, result: result, started: started, trigger: triggers[id]}
		}(id)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		m.applyOutcome(ctx, out)
	}
}

// updateGauge pushes the registry size to metrics. Caller holds mu.
func (m *Monitor) updateGauge() {
	if m.metrics != nil {
		m.metrics.SetMonitoredParents(len(m.registry))
	}
}

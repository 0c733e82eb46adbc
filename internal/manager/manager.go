// Package manager implements the Task Manager (C5): the single-goroutine
// event loop that owns every Record, the Scheduler, and the pool of
// running Executors, and is the only writer to persistence. All cross-
// component communication happens through the events.Queue — "cyclic
// references between components are broken by routing through the event
// queue" (spec.md §9).
//
// Grounded on the teacher's internal/transfer/queue.go: one goroutine
// draining a channel of typed events, each handler method publishing a bus
// event on completion, and a periodic batchTickerLoop reused here for the
// Waiting-timeout sweep.
package manager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/events"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/executor"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/logging"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/persistence"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/resources"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/scheduler"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/taskrecord"
	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	waitingStaleAfter = 24 * time.Hour
	taskSurvivalLimit = 30 * 24 * time.Hour
	maxConcurrent     = 16
)

// Manager owns task admission, scheduling, and running Executors. Every
// mutation flows through its single Run goroutine; methods that enqueue
// a Service event are safe to call from any goroutine (the Notifier's
// socket handler, the CLI's command dispatcher).
type Manager struct {
	queue     *events.Queue
	bus       *events.Bus
	store     persistence.Store
	scheduler *scheduler.Scheduler
	exec      *executor.Executor
	resMgr    *resources.Manager
	log       *logging.Logger

	mu      sync.RWMutex
	records map[types.TaskId]*taskrecord.Record
	running map[types.TaskId]context.CancelFunc
	nextID  types.TaskId

	unloadAfterIdle time.Duration
	lastActivity    time.Time
}

// Config wires a Manager's dependencies together; the daemon entrypoint
// (cmd/requestd) constructs one of these from internal/config.
type Config struct {
	Store           persistence.Store
	Scheduler       *scheduler.Scheduler
	Executor        *executor.Executor
	Resources       *resources.Manager
	Bus             *events.Bus
	Logger          *logging.Logger
	QueueBuffer     int
	UnloadAfterIdle time.Duration
}

// New constructs a Manager. Call Run in its own goroutine.
func New(cfg Config) *Manager {
	return &Manager{
		queue:           events.NewQueue(cfg.QueueBuffer),
		bus:             cfg.Bus,
		store:           cfg.Store,
		scheduler:       cfg.Scheduler,
		exec:            cfg.Executor,
		resMgr:          cfg.Resources,
		log:             cfg.Logger,
		records:         map[types.TaskId]*taskrecord.Record{},
		running:         map[types.TaskId]context.CancelFunc{},
		unloadAfterIdle: cfg.UnloadAfterIdle,
		lastActivity:    time.Now(),
	}
}

// Queue exposes the event queue for producers (Notifier's socket server,
// the CLI's client-command dispatcher, the device-state watcher).
func (m *Manager) Queue() *events.Queue { return m.queue }

// Run drains the event queue until ctx is cancelled or a SchedUnload
// event is processed. It is the Manager's one and only mutator goroutine.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.queue.C():
			if m.dispatch(ctx, ev) {
				return nil
			}
		case <-sweep.C:
			m.sweepTimeouts(ctx)
			m.maybeUnload()
		}
	}
}

// dispatch handles one event; returns true if the event loop should exit
// (SchedUnload).
func (m *Manager) dispatch(ctx context.Context, ev events.Event) bool {
	m.lastActivity = time.Now()
	switch ev.Kind {
	case events.KindService:
		m.handleService(ctx, ev)
	case events.KindTask:
		m.handleTaskFinished(ev)
	case events.KindState:
		m.handleState(ctx, ev)
	case events.KindSchedule:
		return m.handleSchedule(ctx, ev)
	case events.KindDevice:
		m.handleDevice(ctx, ev)
	}
	return false
}

func reply(ev events.Event, err types.ClientError, id types.TaskId, rows []byte) {
	if ev.Reply == nil {
		return
	}
	select {
	case ev.Reply <- events.Reply{Err: err, TaskId: id, Rows: rows}:
	default:
	}
}

func (m *Manager) handleService(ctx context.Context, ev events.Event) {
	switch ev.Command {
	case events.CmdConstruct:
		m.construct(ctx, ev)
	case events.CmdStart:
		m.start(ctx, ev.TaskId)
	case events.CmdPause:
		m.pause(ev.TaskId)
	case events.CmdResume:
		m.resume(ctx, ev.TaskId)
	case events.CmdStop:
		m.stop(ctx, ev.TaskId)
	case events.CmdRemove:
		m.remove(ctx, ev.TaskId)
	case events.CmdShow, events.CmdQuery, events.CmdGetTask:
		m.show(ev)
	case events.CmdTouch:
		m.touch(ev)
	case events.CmdSearch:
		m.search(ev)
	case events.CmdQueryMimeType:
		m.queryMimeType(ev)
	case events.CmdDumpAll:
		m.dumpAll(ev)
	case events.CmdDumpOne:
		m.dumpOne(ev)
	}
}

func (m *Manager) construct(ctx context.Context, ev events.Event) {
	if ev.Config == nil {
		reply(ev, types.ErrOther, 0, nil)
		return
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	cfg := *ev.Config
	r := taskrecord.New(id, cfg, m.onRecordChange)
	m.records[id] = r
	m.mu.Unlock()

	m.store.Insert(rowFromRecord(r))

	appState := types.AppForeground
	changes := m.scheduler.Insert(cfg.Uid, id, cfg.Mode, cfg.Priority, appState)
	m.applyChanges(ctx, changes)

	if !cfg.Background {
		r.SetStatus(types.StateWaiting, types.ReasonDefault)
	}

	reply(ev, types.ErrOk, id, nil)
}

func (m *Manager) start(ctx context.Context, id types.TaskId) {
	r := m.get(id)
	if r == nil {
		return
	}
	if !r.SetStatus(types.StateWaiting, types.ReasonDefault) {
		return
	}
	m.maybeRun(ctx, r)
}

// maybeRun starts an Executor goroutine for r if the Scheduler currently
// assigns it QosHigh; Low-tier tasks stay Waiting until promoted.
func (m *Manager) maybeRun(ctx context.Context, r *taskrecord.Record) {
	if m.scheduler.Tier(r.ID) != types.QosHigh {
		return
	}
	m.mu.Lock()
	if _, already := m.running[r.ID]; already {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[r.ID] = cancel
	m.mu.Unlock()

	concurrent := m.runningCount()
	size := resourceSizeHint(r)
	m.resMgr.AllocateForTask(r.ID, size, concurrent)

	go m.runTask(runCtx, r)
}

func (m *Manager) runTask(ctx context.Context, r *taskrecord.Record) {
	r.SetStatus(types.StateRunning, types.ReasonDefault)

	var g errgroup.Group
	var result executor.Result
	g.SetLimit(maxConcurrent)
	g.Go(func() error {
		result = m.exec.Run(ctx, r)
		return nil
	})
	g.Wait()

	m.mu.Lock()
	delete(m.running, r.ID)
	m.mu.Unlock()
	m.resMgr.ReleaseTask(r.ID)
	m.exec.Forget(r.ID)

	switch result.Reason {
	case types.ReasonOk:
		r.SetStatus(types.StateCompleted, types.ReasonOk)
		m.applyChanges(ctx, m.scheduler.Remove(r.Config.Uid, r.ID))
		m.bus.Publish(events.BusEvent{Type: events.EvComplete, TaskId: r.ID, Status: r.Status()})
	case types.ReasonUserOperation:
		// paused/stopped/removed already set the terminal state directly;
		// nothing further to record here.
	default:
		tries := r.IncTries()
		if r.Config.Retry && tries < 5 {
			r.SetStatus(types.StateRetrying, result.Reason)
			go m.retryAfterBackoff(ctx, r, tries)
		} else {
			r.SetStatus(types.StateFailed, result.Reason)
			m.applyChanges(ctx, m.scheduler.Remove(r.Config.Uid, r.ID))
			m.bus.Publish(events.BusEvent{Type: events.EvError, TaskId: r.ID, Status: r.Status()})
		}
	}
	m.store.UpdateState(r.ID, r.Status().State, r.Status().Reason)
}

func (m *Manager) retryAfterBackoff(ctx context.Context, r *taskrecord.Record, attempt int) {
	delay := backoffDelay(attempt)
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if r.Status().State != types.StateRetrying {
		return
	}
	m.maybeRun(ctx, r)
}

func backoffDelay(attempt int) time.Duration {
	base := 200 * time.Millisecond
	max := 15 * time.Second
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (m *Manager) pause(id types.TaskId) {
	r := m.get(id)
	if r == nil {
		return
	}
	m.cancelRun(id)
	r.SetStatus(types.StatePaused, types.ReasonUserOperation)
	m.store.UpdateState(id, types.StatePaused, types.ReasonUserOperation)
}

func (m *Manager) resume(ctx context.Context, id types.TaskId) {
	r := m.get(id)
	if r == nil {
		return
	}
	if r.SetStatus(types.StateWaiting, types.ReasonDefault) {
		m.maybeRun(ctx, r)
	}
}

func (m *Manager) stop(ctx context.Context, id types.TaskId) {
	r := m.get(id)
	if r == nil {
		return
	}
	m.cancelRun(id)
	r.SetStatus(types.StateStopped, types.ReasonUserOperation)
	m.applyChanges(ctx, m.scheduler.Remove(r.Config.Uid, id))
	m.store.UpdateState(id, types.StateStopped, types.ReasonUserOperation)
}

func (m *Manager) remove(ctx context.Context, id types.TaskId) {
	r := m.get(id)
	if r == nil {
		return
	}
	m.cancelRun(id)
	r.SetStatus(types.StateRemoved, types.ReasonUserOperation)
	m.applyChanges(ctx, m.scheduler.Remove(r.Config.Uid, id))
	m.store.UpdateState(id, types.StateRemoved, types.ReasonUserOperation)

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

func (m *Manager) cancelRun(id types.TaskId) {
	m.mu.Lock()
	cancel, ok := m.running[id]
	if ok {
		delete(m.running, id)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) show(ev events.Event) {
	r := m.get(ev.TaskId)
	if r == nil {
		reply(ev, types.ErrTaskNotFound, ev.TaskId, nil)
		return
	}
	reply(ev, types.ErrOk, ev.TaskId, nil)
}

func (m *Manager) touch(ev events.Event) {
	r := m.get(ev.TaskId)
	if r == nil || r.Config.TokenId != ev.TokenId {
		reply(ev, types.ErrPermission, ev.TaskId, nil)
		return
	}
	reply(ev, types.ErrOk, ev.TaskId, nil)
}

func (m *Manager) search(ev events.Event) {
	filter := persistence.Filter{Uid: &ev.Uid}
	rows := m.store.Search(filter)
	_ = rows
	reply(ev, types.ErrOk, 0, nil)
}

// queryMimeType answers spec.md §6's QueryMimeType command from the
// Content-Type the download response carried (captured alongside etag/
// last_modified in the Record's Progress Extras, runTask's same
// crash-recoverable-metadata channel).
func (m *Manager) queryMimeType(ev events.Event) {
	r := m.get(ev.TaskId)
	if r == nil {
		reply(ev, types.ErrTaskNotFound, ev.TaskId, nil)
		return
	}
	mime := r.Progress().Extras["mime_type"]
	if mime == "" {
		reply(ev, types.ErrMimeTypeNotFound, ev.TaskId, nil)
		return
	}
	data, _ := json.Marshal(mime)
	reply(ev, types.ErrOk, ev.TaskId, data)
}

// dumpAll serializes every persisted row for requestctl's diagnostic dump
// command (spec.md §6); Rows is caller-defined, so plain JSON of the
// Persistence Gateway's own Row shape is the simplest faithful payload.
func (m *Manager) dumpAll(ev events.Event) {
	rows := m.store.Search(persistence.Filter{})
	data, err := json.Marshal(rows)
	if err != nil {
		reply(ev, types.ErrOther, 0, nil)
		return
	}
	reply(ev, types.ErrOk, 0, data)
}

// dumpOne serializes a single persisted row by task id.
func (m *Manager) dumpOne(ev events.Event) {
	row, ok := m.store.GetInfo(ev.TaskId)
	if !ok {
		reply(ev, types.ErrTaskNotFound, ev.TaskId, nil)
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		reply(ev, types.ErrOther, ev.TaskId, nil)
		return
	}
	reply(ev, types.ErrOk, ev.TaskId, data)
}

func (m *Manager) handleTaskFinished(ev events.Event) {
	m.cancelRun(ev.FinishedUid)
}

// handleState applies a network-change or app foreground/background
// transition, re-running the Scheduler's change_state and re-evaluating
// which High-tier tasks should now actually be running.
func (m *Manager) handleState(ctx context.Context, ev events.Event) {
	if ev.NetworkChanged {
		m.pauseTasksOnOfflineNetwork()
		return
	}
	changes := m.scheduler.ChangeState(ev.AppUid, ev.AppState)
	m.applyChanges(ctx, changes)

	m.mu.RLock()
	for _, r := range m.records {
		if r.Config.Uid == ev.AppUid {
			r.SetAppState(ev.AppState)
		}
	}
	m.mu.RUnlock()
}

func (m *Manager) pauseTasksOnOfflineNetwork() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, cancel := range m.running {
		r := m.records[id]
		if r == nil {
			continue
		}
		cancel()
		r.SetStatus(types.StateWaiting, types.ReasonNetworkOffline)
	}
}

// handleSchedule runs a maintenance command; returns true for SchedUnload.
func (m *Manager) handleSchedule(ctx context.Context, ev events.Event) bool {
	switch ev.Sched {
	case events.SchedClearTimeoutTasks:
		m.sweepTimeouts(ctx)
	case events.SchedRestoreAllTasks:
		m.restoreFromStore()
	case events.SchedUnload:
		return true
	}
	return false
}

func (m *Manager) handleDevice(ctx context.Context, ev events.Event) {
	changes := m.scheduler.SetHighQosMax(ev.RssLevel)
	m.applyChanges(ctx, changes)
}

// applyChanges drives the Executor worker pool to match the Scheduler's
// diff: a new QosHigh assignment starts the Executor for any task not
// already running (fillVacancy/contestInsert can promote a Waiting,
// Low-tier task straight to High, and that task has no running Executor
// goroutine to promote — it must be started), and otherwise clears the
// self-throttle on the task's already-running attempt; a new QosLow
// assignment sets the self-throttle flag and lets the current attempt
// finish out under it (spec.md §4.5 apply-diff policy).
func (m *Manager) applyChanges(ctx context.Context, changes []scheduler.QosChange) {
	for _, c := range changes {
		r := m.get(c.TaskId)
		if r == nil {
			continue
		}
		switch c.NewQos {
		case types.QosHigh:
			r.SetRateLimited(false)
			m.exec.Promote(c.TaskId)
			if r.Status().State == types.StateWaiting {
				m.maybeRun(ctx, r)
			}
		case types.QosLow:
			r.SetRateLimited(true)
			m.exec.Demote(c.TaskId, 64*1024)
		}
	}
}

// sweepTimeouts enforces spec.md §4.1's Waiting-state ceilings: a task
// idle in Waiting for more than a day is stopped with
// ReasonWaittingNetworkOneDay, or with ReasonTaskSurvivalOneMonth once it
// has been Waiting for more than a month. Only Waiting tasks are examined,
// and both limits are measured from WaitingSince, not from task creation.
func (m *Manager) sweepTimeouts(ctx context.Context) {
	now := time.Now()
	m.mu.RLock()
	stale := make([]*taskrecord.Record, 0)
	for _, r := range m.records {
		status := r.Status()
		if status.State != types.StateWaiting {
			continue
		}
		if now.Sub(r.WaitingSince) > taskSurvivalLimit {
			stale = append(stale, r)
		} else if now.Sub(r.WaitingSince) > waitingStaleAfter {
			stale = append(stale, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range stale {
		reason := types.ReasonWaittingNetworkOneDay
		if now.Sub(r.WaitingSince) > taskSurvivalLimit {
			reason = types.ReasonTaskSurvivalOneMonth
		}
		r.SetStatus(types.StateStopped, reason)
		m.applyChanges(ctx, m.scheduler.Remove(r.Config.Uid, r.ID))
		m.store.UpdateState(r.ID, types.StateStopped, reason)
	}
}

func (m *Manager) restoreFromStore() {
	m.store.ClearInvalid()
	rows := m.store.Search(persistence.Filter{})
	for _, row := range rows {
		if row.State.IsTerminal() {
			continue
		}
		cfg := cfgFromRow(row)
		m.mu.Lock()
		if row.TaskId > m.nextID {
			m.nextID = row.TaskId
		}
		r := taskrecord.New(row.TaskId, cfg, m.onRecordChange)
		m.records[row.TaskId] = r
		m.mu.Unlock()
		m.scheduler.Insert(row.Uid, row.TaskId, cfg.Mode, cfg.Priority, types.AppForeground)
	}
}

// maybeUnload requests the daemon exit once idle for UnloadAfterIdle with
// no running tasks (spec.md §9 unload policy); zero UnloadAfterIdle
// disables the behavior.
func (m *Manager) maybeUnload() {
	if m.unloadAfterIdle <= 0 {
		return
	}
	m.mu.RLock()
	running := len(m.running)
	idle := time.Since(m.lastActivity)
	m.mu.RUnlock()
	if running == 0 && idle > m.unloadAfterIdle {
		m.queue.Send(events.Event{Kind: events.KindSchedule, Sched: events.SchedUnload})
	}
}

func (m *Manager) get(id types.TaskId) *taskrecord.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

func (m *Manager) runningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// onRecordChange is the Record.StateChangeFunc hook: persist the new
// status and fan it out on the bus. Passed by value into taskrecord.New
// so Record never holds a back-pointer to Manager (spec.md §9).
func (m *Manager) onRecordChange(id types.TaskId, status types.TaskStatus) {
	m.store.UpdateState(id, status.State, status.Reason)
	if m.bus != nil {
		m.bus.Publish(events.BusEvent{Type: events.EvStateChange, TaskId: id, Status: status})
	}
}

func resourceSizeHint(r *taskrecord.Record) int64 {
	p := r.Progress()
	if len(p.Sizes) > 0 && p.Sizes[0] > 0 {
		return p.Sizes[0]
	}
	return 0
}

func rowFromRecord(r *taskrecord.Record) persistence.Row {
	cfg := r.Config
	status := r.Status()
	progress := r.Progress()
	return persistence.Row{
		TaskId:      r.ID,
		Uid:         cfg.Uid,
		TokenId:     cfg.TokenId,
		Action:      cfg.Action,
		Mode:        cfg.Mode,
		Cover:       cfg.Cover,
		Network:     cfg.Network,
		Metered:     cfg.MeteredAllowed,
		Roaming:     cfg.RoamingAllowed,
		Ctime:       time.Now().Unix(),
		Mtime:       status.Mtime.Unix(),
		Reason:      status.Reason,
		Gauge:       cfg.Gauge,
		Retry:       cfg.Retry,
		Redirect:    cfg.FollowRedirect,
		Version:     cfg.Version,
		Begins:      cfg.Range.Begins,
		Ends:        cfg.Range.Ends,
		Precise:     cfg.Precise,
		Priority:    cfg.Priority,
		Background:  cfg.Background,
		Bundle:      cfg.BundleName,
		URL:         cfg.URL,
		Title:       cfg.Title,
		Description: cfg.Description,
		Method:      cfg.Method,
		MimeType:    progress.Extras["mime_type"],
		State:       status.State,
	}
}

func cfgFromRow(row persistence.Row) types.TaskConfig {
	return types.TaskConfig{
		Uid:            row.Uid,
		TokenId:        row.TokenId,
		BundleName:     row.Bundle,
		URL:            row.URL,
		Method:         row.Method,
		Action:         row.Action,
		Mode:           row.Mode,
		Network:        row.Network,
		MeteredAllowed: row.Metered,
		RoamingAllowed: row.Roaming,
		Retry:          row.Retry,
		FollowRedirect: row.Redirect,
		Gauge:          row.Gauge,
		Precise:        row.Precise,
		Priority:       row.Priority,
		Range:          types.Range{Begins: row.Begins, Ends: row.Ends},
		Cover:          row.Cover,
		Background:     row.Background,
		Version:        row.Version,
		Title:          row.Title,
		Description:    row.Description,
	}
}

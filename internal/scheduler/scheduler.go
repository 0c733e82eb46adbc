// Package scheduler implements the QoS Scheduler (C4): per-app
// foreground/background High/Low queues, a global High-QoS cap, and the
// contest-insert / change-state / rss-recompute operations of spec.md
// §4.4.
//
// The package is pure bookkeeping — no I/O, no goroutines — mirroring the
// teacher's internal/ratelimit/registry.go (sorted rule resolution) and
// internal/resources/manager.go (per-owner allocation accounting), both of
// which keep their core decision logic free of concurrency concerns and
// let the caller (here, the Task Manager) own the mutex.
package scheduler

import (
	"sort"

	"github.com/eclipse-oniro-mirrors/request-request-sub000/internal/types"
)

// QosChange is the diff record returned by every mutating operation.
type QosChange struct {
	TaskId types.TaskId
	NewQos types.QosTier
}

// Scheduler holds the four collections plus the two indexes of spec.md
// §4.4. It is not safe for concurrent use; the Task Manager serializes
// access from its single event-loop goroutine.
type Scheduler struct {
	highQosMax int

	foregroundHigh []*types.QosCase
	backgroundHigh []*types.QosCase
	foregroundLow  map[uint64][]*types.QosCase
	backgroundLow  map[uint64][]*types.QosCase

	appState        map[uint64]types.AppState
	appHighQosCount map[uint64]int

	byTask map[types.TaskId]*types.QosCase
	seq    uint64
}

// New creates a Scheduler with the given initial High-QoS cap.
func New(highQosMax int) *Scheduler {
	return &Scheduler{
		highQosMax:      highQosMax,
		foregroundLow:   map[uint64][]*types.QosCase{},
		backgroundLow:   map[uint64][]*types.QosCase{},
		appState:        map[uint64]types.AppState{},
		appHighQosCount: map[uint64]int{},
		byTask:          map[types.TaskId]*types.QosCase{},
	}
}

func less(a, b *types.QosCase) bool {
	if a.Mode != b.Mode {
		return a.Mode < b.Mode
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	// ties broken by insertion order (spec.md §9 Open Question decision)
	return a.Seq < b.Seq
}

func sortPool(pool []*types.QosCase) {
	sort.SliceStable(pool, func(i, j int) bool { return less(pool[i], pool[j]) })
}

func (s *Scheduler) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// Insert registers a new task with the scheduler (spec.md §4.4 insert).
func (s *Scheduler) Insert(uid uint64, taskId types.TaskId, mode types.Mode, priority int32, state types.AppState) []QosChange {
	var changes []QosChange
	if cur, ok := s.appState[uid]; ok && cur != state {
		changes = append(changes, s.changeState(uid, state)...)
	}
	s.appState[uid] = state

	c := &types.QosCase{Uid: uid, TaskId: taskId, Mode: mode, Priority: priority, Seq: s.nextSeq()}
	s.byTask[taskId] = c

	if state == types.AppForeground {
		changes = append(changes, s.insertForeground(c)...)
	} else {
		changes = append(changes, s.insertBackground(c)...)
	}
	return changes
}

func (s *Scheduler) insertForeground(c *types.QosCase) []QosChange {
	var changes []QosChange
	if len(s.foregroundHigh)+len(s.backgroundHigh) < s.highQosMax {
		s.foregroundHigh = append(s.foregroundHigh, c)
		sortPool(s.foregroundHigh)
		c.Assigned = types.QosHigh
		s.appHighQosCount[c.Uid]++
		changes = append(changes, QosChange{c.TaskId, types.QosHigh})
		return changes
	}
	// global cap full: demote the worst background-high item to make room,
	// if any exists, else contest.
	if len(s.backgroundHigh) > 0 {
		worst := s.backgroundHigh[len(s.backgroundHigh)-1]
		s.backgroundHigh = s.backgroundHigh[:len(s.backgroundHigh)-1]
		s.appHighQosCount[worst.Uid]--
		s.demoteToLow(worst, types.AppBackground)
		changes = append(changes, QosChange{worst.TaskId, types.QosLow})

		s.foregroundHigh = append(s.foregroundHigh, c)
		sortPool(s.foregroundHigh)
		c.Assigned = types.QosHigh
		s.appHighQosCount[c.Uid]++
		changes = append(changes, QosChange{c.TaskId, types.QosHigh})
		return changes
	}
	return append(changes, s.contestInsert(c, types.AppForeground)...)
}

func (s *Scheduler) insertBackground(c *types.QosCase) []QosChange {
	if len(s.foregroundHigh)+len(s.backgroundHigh) < s.highQosMax {
		s.backgroundHigh = append(s.backgroundHigh, c)
		sortPool(s.backgroundHigh)
		c.Assigned = types.QosHigh
		s.appHighQosCount[c.Uid]++
		return []QosChange{{c.TaskId, types.QosHigh}}
	}
	return s.contestInsert(c, types.AppBackground)
}

// contestInsert implements spec.md §4.4 contest-insert: a uid with zero
// High gets preference; otherwise find a same-uid case with strictly
// lower (mode,priority) in the same-state high pool to swap with.
func (s *Scheduler) contestInsert(c *types.QosCase, state types.AppState) []QosChange {
	pool := s.highPool(state)
	if s.appHighQosCount[c.Uid] == 0 {
		// preference: evict the globally worst entry from the combined
		// high set to make room, preferring the same-state pool's tail.
		if len(pool) > 0 {
			worst := pool[len(pool)-1]
			s.removeFromPool(&pool, worst)
			s.setHighPool(state, pool)
			s.appHighQosCount[worst.Uid]--
			s.demoteToLow(worst, state)
			pool = s.highPool(state)
			pool = append(pool, c)
			sortPool(pool)
			s.setHighPool(state, pool)
			c.Assigned = types.QosHigh
			s.appHighQosCount[c.Uid]++
			return []QosChange{{worst.TaskId, types.QosLow}, {c.TaskId, types.QosHigh}}
		}
	}
	// walk the same-state high vector for a same-uid case with strictly
	// lower (mode,priority) than c; if found, swap.
	for i, existing := range pool {
		if existing.Uid == c.Uid && less(c, existing) {
			pool[i] = c
			sortPool(pool)
			s.setHighPool(state, pool)
			c.Assigned = types.QosHigh
			s.demoteToLow(existing, state)
			return []QosChange{{existing.TaskId, types.QosLow}, {c.TaskId, types.QosHigh}}
		}
	}
	// else goes to low-qos.
	s.demoteToLow(c, state)
	return []QosChange{{c.TaskId, types.QosLow}}
}

func (s *Scheduler) highPool(state types.AppState) []*types.QosCase {
	if state == types.AppForeground {
		return s.foregroundHigh
	}
	return s.backgroundHigh
}

func (s *Scheduler) setHighPool(state types.AppState, pool []*types.QosCase) {
	if state == types.AppForeground {
		s.foregroundHigh = pool
	} else {
		s.backgroundHigh = pool
	}
}

func (s *Scheduler) lowPool(state types.AppState, uid uint64) map[uint64][]*types.QosCase {
	if state == types.AppForeground {
		return s.foregroundLow
	}
	return s.backgroundLow
}

func (s *Scheduler) demoteToLow(c *types.QosCase, state types.AppState) {
	c.Assigned = types.QosLow
	pool := s.lowPool(state, c.Uid)
	pool[c.Uid] = append(pool[c.Uid], c)
	sortPool(pool[c.Uid])
}

func (s *Scheduler) removeFromPool(pool *[]*types.QosCase, c *types.QosCase) {
	p := *pool
	for i, v := range p {
		if v == c {
			*pool = append(p[:i], p[i+1:]...)
			return
		}
	}
}

// Remove drops a task from the scheduler and promotes the best low-qos
// candidate if the removed entry vacated a High slot (spec.md §4.4 remove).
func (s *Scheduler) Remove(uid uint64, taskId types.TaskId) []QosChange {
	c, ok := s.byTask[taskId]
	if !ok {
		return nil
	}
	delete(s.byTask, taskId)
	wasHigh := c.Assigned == types.QosHigh
	state := s.appState[uid]

	if wasHigh {
		if state == types.AppForeground {
			s.removeFromPool(&s.foregroundHigh, c)
		} else {
			s.removeFromPool(&s.backgroundHigh, c)
		}
		s.appHighQosCount[uid]--
	} else {
		pool := s.lowPool(state, uid)
		list := pool[uid]
		for i, v := range list {
			if v == c {
				pool[uid] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	if !wasHigh {
		return nil
	}
	return s.fillVacancy(state)
}

// fillVacancy promotes the best low-qos candidate into a freed High slot,
// preferring the same state's pool first, then the other state's, with
// ties decided by smaller app_high_qos_count then larger pool size
// (spec.md §4.4 eviction/promotion fairness).
func (s *Scheduler) fillVacancy(preferred types.AppState) []QosChange {
	if len(s.foregroundHigh)+len(s.backgroundHigh) >= s.highQosMax {
		return nil
	}
	states := []types.AppState{preferred}
	other := types.AppBackground
	if preferred == types.AppBackground {
		other = types.AppForeground
	}
	states = append(states, other)

	for _, st := range states {
		pool := s.lowPool(st, 0)
		winner := s.bestLowCandidate(pool)
		if winner == nil {
			continue
		}
		list := pool[winner.Uid]
		for i, v := range list {
			if v == winner {
				pool[winner.Uid] = append(list[:i], list[i+1:]...)
				break
			}
		}
		winner.Assigned = types.QosHigh
		if st == types.AppForeground {
			s.foregroundHigh = append(s.foregroundHigh, winner)
			sortPool(s.foregroundHigh)
		} else {
			s.backgroundHigh = append(s.backgroundHigh, winner)
			sortPool(s.backgroundHigh)
		}
		s.appHighQosCount[winner.Uid]++
		return []QosChange{{winner.TaskId, types.QosHigh}}
	}
	return nil
}

// bestLowCandidate picks across all uids in pool: the uid with the
// smallest app_high_qos_count wins, ties broken by larger pool size, then
// by the uid's best (mode,priority,seq) case.
func (s *Scheduler) bestLowCandidate(pool map[uint64][]*types.QosCase) *types.QosCase {
	var bestUid uint64
	found := false
	for uid, list := range pool {
		if len(list) == 0 {
			continue
		}
		if !found {
			bestUid, found = uid, true
			continue
		}
		bc, bl := s.appHighQosCount[bestUid], len(pool[bestUid])
		cc, cl := s.appHighQosCount[uid], len(list)
		if cc < bc || (cc == bc && cl > bl) {
			bestUid = uid
		}
	}
	if !found {
		return nil
	}
	list := pool[bestUid]
	sortPool(list)
	return list[0]
}

// ChangeState is the exported form of spec.md §4.4 change_state.
func (s *Scheduler) ChangeState(uid uint64, newState types.AppState) []QosChange {
	return s.changeState(uid, newState)
}

func (s *Scheduler) changeState(uid uint64, newState types.AppState) []QosChange {
	old, existed := s.appState[uid]
	s.appState[uid] = newState
	if !existed {
		return nil
	}
	if old == newState {
		return nil
	}

	var changes []QosChange
	switch {
	case old == types.AppForeground && newState == types.AppBackground:
		changes = append(changes, s.moveUidHigh(uid, &s.foregroundHigh, &s.backgroundHigh, types.AppBackground)...)
		s.backgroundLow[uid] = append(s.backgroundLow[uid], s.foregroundLow[uid]...)
		sortPool(s.backgroundLow[uid])
		delete(s.foregroundLow, uid)
		changes = append(changes, s.fillVacancy(types.AppForeground)...)

	case old == types.AppBackground && newState == types.AppForeground:
		changes = append(changes, s.moveUidHigh(uid, &s.backgroundHigh, &s.foregroundHigh, types.AppForeground)...)
		for s.appHighQosCount[uid] == 0 && len(s.backgroundLow[uid]) > 0 &&
			len(s.foregroundHigh)+len(s.backgroundHigh) < s.highQosMax {
			sortPool(s.backgroundLow[uid])
			c := s.backgroundLow[uid][0]
			s.backgroundLow[uid] = s.backgroundLow[uid][1:]
			c.Assigned = types.QosHigh
			s.foregroundHigh = append(s.foregroundHigh, c)
			sortPool(s.foregroundHigh)
			s.appHighQosCount[uid]++
			changes = append(changes, QosChange{c.TaskId, types.QosHigh})
		}

	case newState == types.AppTerminated:
		changes = append(changes, s.dropUid(uid, old)...)
	}
	return changes
}

// moveUidHigh moves all of uid's entries from src to dst, room permitting;
// surplus goes to the destination state's low pool for uid.
func (s *Scheduler) moveUidHigh(uid uint64, src, dst *[]*types.QosCase, dstState types.AppState) []QosChange {
	var changes []QosChange
	var keep []*types.QosCase
	var mine []*types.QosCase
	for _, c := range *src {
		if c.Uid == uid {
			mine = append(mine, c)
		} else {
			keep = append(keep, c)
		}
	}
	*src = keep
	s.appHighQosCount[uid] -= len(mine)

	for _, c := range mine {
		room := s.highQosMax - (len(s.foregroundHigh) + len(s.backgroundHigh))
		if room > 0 {
			*dst = append(*dst, c)
			s.appHighQosCount[uid]++
			changes = append(changes, QosChange{c.TaskId, types.QosHigh})
		} else {
			s.demoteToLow(c, dstState)
			changes = append(changes, QosChange{c.TaskId, types.QosLow})
		}
	}
	sortPool(*dst)
	return changes
}

// dropUid removes all of uid's entries from every pool (Any→Terminated),
// then fills vacancies foreground-first.
func (s *Scheduler) dropUid(uid uint64, state types.AppState) []QosChange {
	before := len(s.foregroundHigh) + len(s.backgroundHigh)

	var keep []*types.QosCase
	for _, c := range s.foregroundHigh {
		if c.Uid != uid {
			keep = append(keep, c)
		} else {
			delete(s.byTask, c.TaskId)
		}
	}
	s.foregroundHigh = keep

	keep = nil
	for _, c := range s.backgroundHigh {
		if c.Uid != uid {
			keep = append(keep, c)
		} else {
			delete(s.byTask, c.TaskId)
		}
	}
	s.backgroundHigh = keep

	for _, c := range s.foregroundLow[uid] {
		delete(s.byTask, c.TaskId)
	}
	for _, c := range s.backgroundLow[uid] {
		delete(s.byTask, c.TaskId)
	}
	delete(s.foregroundLow, uid)
	delete(s.backgroundLow, uid)
	delete(s.appHighQosCount, uid)
	delete(s.appState, uid)

	vacated := before - (len(s.foregroundHigh) + len(s.backgroundHigh))
	var changes []QosChange
	for i := 0; i < vacated; i++ {
		c := s.fillVacancy(types.AppForeground)
		if c == nil {
			break
		}
		changes = append(changes, c...)
	}
	return changes
}

// SetHighQosMax updates the global High-QoS cap in response to an rss
// level change and recomputes the entire ranking, emitting diffs for every
// task whose tier changed (spec.md §4.4 "rss change").
func (s *Scheduler) SetHighQosMax(newMax int) []QosChange {
	s.highQosMax = newMax
	var changes []QosChange

	for len(s.foregroundHigh)+len(s.backgroundHigh) > s.highQosMax {
		if len(s.backgroundHigh) > 0 {
			worst := s.backgroundHigh[len(s.backgroundHigh)-1]
			s.backgroundHigh = s.backgroundHigh[:len(s.backgroundHigh)-1]
			s.appHighQosCount[worst.Uid]--
			s.demoteToLow(worst, types.AppBackground)
			changes = append(changes, QosChange{worst.TaskId, types.QosLow})
			continue
		}
		worst := s.foregroundHigh[len(s.foregroundHigh)-1]
		s.foregroundHigh = s.foregroundHigh[:len(s.foregroundHigh)-1]
		s.appHighQosCount[worst.Uid]--
		s.demoteToLow(worst, types.AppForeground)
		changes = append(changes, QosChange{worst.TaskId, types.QosLow})
	}

	for len(s.foregroundHigh)+len(s.backgroundHigh) < s.highQosMax {
		c := s.fillVacancy(types.AppForeground)
		if c == nil {
			break
		}
		changes = append(changes, c...)
	}
	return changes
}

// Stats exposes read-only counters, mainly for tests and CLI status output.
type Stats struct {
	ForegroundHigh int
	BackgroundHigh int
	HighQosMax     int
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		ForegroundHigh: len(s.foregroundHigh),
		BackgroundHigh: len(s.backgroundHigh),
		HighQosMax:     s.highQosMax,
	}
}

// Tier returns the current assigned tier for a task, or QosNone if unknown.
func (s *Scheduler) Tier(taskId types.TaskId) types.QosTier {
	c, ok := s.byTask[taskId]
	if !ok {
		return types.QosNone
	}
	return c.Assigned
}

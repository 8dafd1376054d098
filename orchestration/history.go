package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/reactive-review/rrc/core"
)

// HistoryStoreConfig configures HistoryStore (C3).
type HistoryStoreConfig struct {
	KeyPrefix     string
	MaxVersions   int // V_max, per-plan retention cap, default 20
	MaxPlansCache int // H_max, in-memory LRU cap, default 50
}

// DefaultHistoryStoreConfig returns the default HistoryStore configuration.
func DefaultHistoryStoreConfig() HistoryStoreConfig {
	return HistoryStoreConfig{
		KeyPrefix:     core.HistoryKeyPrefix,
		MaxVersions:   20,
		MaxPlansCache: 50,
	}
}

// historyLRU bounds the in-memory History cache the same way PlanStore bounds
// its metadata index, evicting the least-recently-used plan's history first.
type historyLRU struct {
	capacity int
	items    map[string]*historyLRUEntry
	head     *historyLRUEntry
	tail     *historyLRUEntry
}

type historyLRUEntry struct {
	key     string
	history *History
	prev    *historyLRUEntry
	next    *historyLRUEntry
}

func newHistoryLRU(capacity int) *historyLRU {
	return &historyLRU{capacity: capacity, items: make(map[string]*historyLRUEntry)}
}

func (l *historyLRU) get(key string) (*History, bool) {
	e, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.moveToFront(e)
	return e.history, true
}

func (l *historyLRU) put(key string, h *History) {
	if e, ok := l.items[key]; ok {
		e.history = h
		l.moveToFront(e)
		return
	}
	if len(l.items) >= l.capacity {
		if l.tail != nil {
			l.remove(l.tail.key)
		}
	}
	e := &historyLRUEntry{key: key, history: h}
	l.items[key] = e
	l.addToFront(e)
}

func (l *historyLRU) remove(key string) {
	e, ok := l.items[key]
	if !ok {
		return
	}
	l.removeFromList(e)
	delete(l.items, key)
}

func (l *historyLRU) addToFront(e *historyLRUEntry) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *historyLRU) removeFromList(e *historyLRUEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
}

func (l *historyLRU) moveToFront(e *historyLRUEntry) {
	if e == l.head {
		return
	}
	l.removeFromList(e)
	l.addToFront(e)
}

// HistoryStore (C3) keeps an append-only, version-capped log of every saved
// revision of a plan, and can diff or roll back to any retained version.
type HistoryStore struct {
	provider StorageProvider
	config   HistoryStoreConfig
	logger   core.Logger

	mu       sync.Mutex
	cache    *historyLRU
	keyLocks map[string]*sync.Mutex
}

// NewHistoryStore creates a HistoryStore backed by provider.
func NewHistoryStore(provider StorageProvider, config HistoryStoreConfig, logger core.Logger) *HistoryStore {
	if config.KeyPrefix == "" {
		config.KeyPrefix = core.HistoryKeyPrefix
	}
	if config.MaxVersions <= 0 {
		config.MaxVersions = 20
	}
	if config.MaxPlansCache <= 0 {
		config.MaxPlansCache = 50
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rrc/history")
	}
	return &HistoryStore{
		provider: provider,
		config:   config,
		logger:   logger,
		cache:    newHistoryLRU(config.MaxPlansCache),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *HistoryStore) blobKey(planID string) string {
	return s.config.KeyPrefix + planID
}

// lockFor serializes RecordVersion's load-modify-persist sequence for a
// single plan_id, the same pattern PlanStore uses to keep concurrent Save
// calls on one plan from racing.
func (s *HistoryStore) lockFor(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[planID]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[planID] = l
	}
	return l
}

func (s *HistoryStore) load(ctx context.Context, planID string) (*History, error) {
	s.mu.Lock()
	if h, ok := s.cache.get(planID); ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	data, err := s.provider.Get(ctx, s.blobKey(planID))
	if err != nil {
		return nil, core.NewFrameworkErrorWithID("HistoryStore.load", "backend_unavailable", planID, core.ErrBackendUnavailable)
	}
	if data == "" {
		return &History{PlanID: planID, Versions: []VersionRecord{}}, nil
	}

	var h History
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, core.NewFrameworkErrorWithID("HistoryStore.load", "state_corrupted", planID, core.ErrStateCorrupted)
	}
	return &h, nil
}

func (s *HistoryStore) persist(ctx context.Context, h *History) error {
	data, err := json.Marshal(h)
	if err != nil {
		return core.NewFrameworkErrorWithID("HistoryStore.persist", "invalid_input", h.PlanID, core.ErrInvalidInput)
	}
	if err := s.provider.Set(ctx, s.blobKey(h.PlanID), string(data), 0); err != nil {
		return core.NewFrameworkErrorWithID("HistoryStore.persist", "backend_unavailable", h.PlanID, core.ErrBackendUnavailable)
	}

	s.mu.Lock()
	s.cache.put(h.PlanID, h)
	s.mu.Unlock()
	return nil
}

// RecordVersion appends a new VersionRecord for plan, trimming the oldest
// entry once the per-plan cap is exceeded.
func (s *HistoryStore) RecordVersion(ctx context.Context, plan *Plan, changeType ChangeType, summary string) (*VersionRecord, error) {
	if plan == nil || plan.ID == "" {
		return nil, core.NewFrameworkError("HistoryStore.RecordVersion", "invalid_input", core.ErrInvalidInput)
	}

	lock := s.lockFor(plan.ID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.load(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	record := VersionRecord{
		PlanID:     plan.ID,
		Version:    plan.Version,
		ChangeType: changeType,
		Summary:    summary,
		RecordedAt: time.Now(),
		Plan:       plan,
	}

	h.Versions = append(h.Versions, record)
	if len(h.Versions) > s.config.MaxVersions {
		h.Versions = h.Versions[len(h.Versions)-s.config.MaxVersions:]
	}

	if err := s.persist(ctx, h); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetHistoryOptions bounds HistoryStore.GetHistory's result.
type GetHistoryOptions struct {
	Limit        int
	IncludePlans bool
}

// GetHistory returns a plan's version list, most recent Limit entries
// (0 means all retained), oldest-first.
func (s *HistoryStore) GetHistory(ctx context.Context, planID string, opts GetHistoryOptions) (*History, error) {
	h, err := s.load(ctx, planID)
	if err != nil {
		return nil, err
	}

	versions := h.Versions
	if opts.Limit > 0 && len(versions) > opts.Limit {
		versions = versions[len(versions)-opts.Limit:]
	}

	out := &History{PlanID: planID, Versions: make([]VersionRecord, len(versions))}
	for i, v := range versions {
		if !opts.IncludePlans {
			v.Plan = nil
		}
		out.Versions[i] = v
	}
	return out, nil
}

// GetVersion returns one specific version record.
func (s *HistoryStore) GetVersion(ctx context.Context, planID string, version int) (*VersionRecord, error) {
	h, err := s.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	for i := range h.Versions {
		if h.Versions[i].Version == version {
			return &h.Versions[i], nil
		}
	}
	return nil, core.NewFrameworkErrorWithID("HistoryStore.GetVersion", "not_found", fmt.Sprintf("%s@%d", planID, version), core.ErrVersionNotFound)
}

// GenerateDiff compares two retained versions of a plan, summarizing added,
// removed, and modified step numbers plus whether the goal text changed.
func (s *HistoryStore) GenerateDiff(ctx context.Context, planID string, from, to int) (*Diff, error) {
	fromVer, err := s.GetVersion(ctx, planID, from)
	if err != nil {
		return nil, err
	}
	toVer, err := s.GetVersion(ctx, planID, to)
	if err != nil {
		return nil, err
	}

	fromSteps := make(map[int]PlanStep, len(fromVer.Plan.Steps))
	for _, st := range fromVer.Plan.Steps {
		fromSteps[st.StepNumber] = st
	}
	toSteps := make(map[int]PlanStep, len(toVer.Plan.Steps))
	for _, st := range toVer.Plan.Steps {
		toSteps[st.StepNumber] = st
	}

	diff := &Diff{PlanID: planID, FromVersion: from, ToVersion: to}
	for n, st := range toSteps {
		if old, ok := fromSteps[n]; !ok {
			diff.StepsAdded = append(diff.StepsAdded, n)
		} else if !stepsEqual(old, st) {
			diff.StepsModified = append(diff.StepsModified, n)
		}
	}
	for n := range fromSteps {
		if _, ok := toSteps[n]; !ok {
			diff.StepsRemoved = append(diff.StepsRemoved, n)
		}
	}

	diff.GoalChanged = fromVer.Plan.Goal != toVer.Plan.Goal
	diff.Summary = fmt.Sprintf("%d added, %d removed, %d modified", len(diff.StepsAdded), len(diff.StepsRemoved), len(diff.StepsModified))

	return diff, nil
}

func stepsEqual(a, b PlanStep) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Priority != b.Priority {
		return false
	}
	if len(a.DependsOn) != len(b.DependsOn) {
		return false
	}
	for i := range a.DependsOn {
		if a.DependsOn[i] != b.DependsOn[i] {
			return false
		}
	}
	if !fileChangesEqual(a.FilesToModify, b.FilesToModify) {
		return false
	}
	if !fileChangesEqual(a.FilesToCreate, b.FilesToCreate) {
		return false
	}
	if !fileChangesEqual(a.FilesToDelete, b.FilesToDelete) {
		return false
	}
	return true
}

func fileChangesEqual(a, b []FileChange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RollbackOptions controls HistoryStore.Rollback.
type RollbackOptions struct {
	TargetVersion int
	Reason        string
}

// Rollback restores target_version's plan content as a brand new
// append-only version (never rewrites or deletes history).
func (s *HistoryStore) Rollback(ctx context.Context, planID string, opts RollbackOptions) (*Plan, *VersionRecord, error) {
	target, err := s.GetVersion(ctx, planID, opts.TargetVersion)
	if err != nil {
		return nil, nil, err
	}

	h, err := s.load(ctx, planID)
	if err != nil {
		return nil, nil, err
	}

	restored := *target.Plan
	restored.Version = h.Versions[len(h.Versions)-1].Version + 1
	restored.UpdatedAt = time.Now()

	summary := opts.Reason
	if summary == "" {
		summary = fmt.Sprintf("rolled back to version %d", opts.TargetVersion)
	}

	record, err := s.RecordVersion(ctx, &restored, ChangeRolledBack, summary)
	if err != nil {
		return nil, nil, err
	}
	return &restored, record, nil
}

// DeleteHistory removes a plan's entire version log.
func (s *HistoryStore) DeleteHistory(ctx context.Context, planID string) error {
	if err := s.provider.Del(ctx, s.blobKey(planID)); err != nil {
		return core.NewFrameworkErrorWithID("HistoryStore.DeleteHistory", "backend_unavailable", planID, core.ErrBackendUnavailable)
	}
	s.mu.Lock()
	s.cache.remove(planID)
	s.mu.Unlock()
	return nil
}

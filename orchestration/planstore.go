package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/reactive-review/rrc/core"
)

// PlanStoreConfig configures PlanStore (C2).
type PlanStoreConfig struct {
	KeyPrefix     string
	IndexKey      string
	IndexCapacity int // bounded in-memory metadata index (LRU), default 50
}

// DefaultPlanStoreConfig returns the default PlanStore configuration.
func DefaultPlanStoreConfig() PlanStoreConfig {
	return PlanStoreConfig{
		KeyPrefix:     core.PlanKeyPrefix,
		IndexKey:      core.PlanKeyPrefix + "index",
		IndexCapacity: 50,
	}
}

// PlanStore (C2) persists Plans durably and maintains a bounded in-memory
// index of PlanMetadata for fast listing without loading full plan blobs.
type PlanStore struct {
	provider StorageProvider
	config   PlanStoreConfig
	logger   core.Logger

	mu        sync.Mutex
	keyLocks  map[string]*sync.Mutex
	byName    map[string]string // lowercased name -> plan_id
	metaIndex *metaLRU
	nextID    uint64
}

// NewPlanStore creates a PlanStore backed by provider.
func NewPlanStore(provider StorageProvider, config PlanStoreConfig, logger core.Logger) *PlanStore {
	if config.KeyPrefix == "" {
		config.KeyPrefix = core.PlanKeyPrefix
	}
	if config.IndexKey == "" {
		config.IndexKey = config.KeyPrefix + "index"
	}
	if config.IndexCapacity <= 0 {
		config.IndexCapacity = 50
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("rrc/planstore")
	}
	return &PlanStore{
		provider:  provider,
		config:    config,
		logger:    logger,
		keyLocks:  make(map[string]*sync.Mutex),
		byName:    make(map[string]string),
		metaIndex: newMetaLRU(config.IndexCapacity),
	}
}

func (s *PlanStore) blobKey(planID string) string {
	return s.config.KeyPrefix + planID
}

// nextPlanID allocates the next id in the store's monotonic sequence, used to
// defensively fill in a missing plan_id on Save.
func (s *PlanStore) nextPlanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("plan_%d", s.nextID)
}

func hasAlphanumeric(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// lockFor serializes operations on a single plan_id, mirroring the teacher's
// transactional read-modify-write pattern without requiring a distributed lock.
func (s *PlanStore) lockFor(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[planID]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[planID] = l
	}
	return l
}

// SaveOptions control PlanStore.Save's overwrite and metadata semantics.
type SaveOptions struct {
	Name      string
	Tags      []string
	Overwrite bool
}

// Save persists plan under a stable plan_id, bumping its version with every
// persisted mutation. Malformed input is defensively normalized: a missing ID
// is filled from the store's monotonic counter, a name with no alphanumeric
// characters falls back to "Plan " plus today's date, and step_count is
// recomputed from len(Steps) rather than trusted. The stored blob otherwise
// records the plan's fields exactly as provided.
func (s *PlanStore) Save(ctx context.Context, plan *Plan, opts SaveOptions) (*PlanMetadata, error) {
	if plan == nil {
		return nil, core.NewFrameworkError("PlanStore.Save", "invalid_input", core.ErrInvalidInput)
	}
	if plan.ID == "" {
		plan.ID = s.nextPlanID()
	}

	lock := s.lockFor(plan.ID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := s.provider.Exists(ctx, s.blobKey(plan.ID))
	if err != nil {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Save", "backend_unavailable", plan.ID, core.ErrBackendUnavailable)
	}
	if exists && !opts.Overwrite {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Save", "already_exists", plan.ID, core.ErrAlreadyExists)
	}

	now := time.Now()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	plan.Version++

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Save", "invalid_input", plan.ID, core.ErrInvalidInput)
	}

	if err := s.provider.Set(ctx, s.blobKey(plan.ID), string(data), 0); err != nil {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Save", "backend_unavailable", plan.ID, core.ErrBackendUnavailable)
	}

	name := opts.Name
	if name == "" {
		name = plan.Goal
	}
	if !hasAlphanumeric(name) {
		name = "Plan " + now.Format("2006-01-02")
	}

	meta := &PlanMetadata{
		PlanID:    plan.ID,
		Name:      name,
		Goal:      plan.Goal,
		Tags:      opts.Tags,
		CreatedAt: plan.CreatedAt,
		UpdatedAt: plan.UpdatedAt,
		StepCount: len(plan.Steps),
		FilePath:  s.blobKey(plan.ID),
	}

	if err := s.provider.AddToIndex(ctx, s.config.IndexKey, float64(meta.UpdatedAt.UnixNano()), plan.ID); err != nil {
		s.logger.Warn("failed to index plan", map[string]interface{}{"plan_id": plan.ID, "error": err.Error()})
	}

	s.mu.Lock()
	s.byName[strings.ToLower(name)] = plan.ID
	s.metaIndex.put(plan.ID, meta)
	s.mu.Unlock()

	return meta, nil
}

// Load retrieves a plan by id.
func (s *PlanStore) Load(ctx context.Context, planID string) (*Plan, error) {
	if planID == "" {
		return nil, core.NewFrameworkError("PlanStore.Load", "invalid_input", core.ErrInvalidInput)
	}
	data, err := s.provider.Get(ctx, s.blobKey(planID))
	if err != nil {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Load", "backend_unavailable", planID, core.ErrBackendUnavailable)
	}
	if data == "" {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Load", "not_found", planID, core.ErrPlanNotFound)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, core.NewFrameworkErrorWithID("PlanStore.Load", "state_corrupted", planID, core.ErrStateCorrupted)
	}
	return &plan, nil
}

// LoadByName resolves a case-insensitive name to a plan, consulting the
// in-memory name index built up by Save.
func (s *PlanStore) LoadByName(ctx context.Context, name string) (*Plan, error) {
	s.mu.Lock()
	planID, ok := s.byName[strings.ToLower(name)]
	s.mu.Unlock()
	if !ok {
		return nil, core.NewFrameworkError("PlanStore.LoadByName", "not_found", core.ErrPlanNotFound)
	}
	return s.Load(ctx, planID)
}

// ListOptions filter and order PlanStore.List results.
type ListOptions struct {
	Tags  []string
	Limit int
	// SortBy is "updated_at" (default) or "created_at".
	SortBy string
}

// List returns plan metadata, most-recently-updated first, filtered to any
// of the requested tags.
func (s *PlanStore) List(ctx context.Context, opts ListOptions) ([]PlanMetadata, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.provider.ListByScoreDesc(ctx, s.config.IndexKey, 0, int64(limit))
	if err != nil {
		return nil, core.NewFrameworkError("PlanStore.List", "backend_unavailable", core.ErrBackendUnavailable)
	}

	results := make([]PlanMetadata, 0, len(ids))
	for _, id := range ids {
		meta, ok := s.metaIndex.get(id)
		if !ok {
			plan, err := s.Load(ctx, id)
			if err != nil {
				continue
			}
			meta = &PlanMetadata{
				PlanID:    plan.ID,
				Name:      plan.Goal,
				Goal:      plan.Goal,
				CreatedAt: plan.CreatedAt,
				UpdatedAt: plan.UpdatedAt,
				StepCount: len(plan.Steps),
				FilePath:  s.blobKey(plan.ID),
			}
			s.metaIndex.put(id, meta)
		}

		if len(opts.Tags) > 0 && !hasAnyTag(meta.Tags, opts.Tags) {
			continue
		}
		results = append(results, *meta)
	}

	if opts.SortBy == "created_at" {
		sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.After(results[j].CreatedAt) })
	}

	return results, nil
}

func hasAnyTag(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

// Delete removes a plan's blob and index entries.
func (s *PlanStore) Delete(ctx context.Context, planID string) error {
	if err := s.provider.Del(ctx, s.blobKey(planID)); err != nil {
		return core.NewFrameworkErrorWithID("PlanStore.Delete", "backend_unavailable", planID, core.ErrBackendUnavailable)
	}
	if err := s.provider.RemoveFromIndex(ctx, s.config.IndexKey, planID); err != nil {
		s.logger.Warn("failed to remove plan from index", map[string]interface{}{"plan_id": planID, "error": err.Error()})
	}

	s.mu.Lock()
	s.metaIndex.remove(planID)
	for name, id := range s.byName {
		if id == planID {
			delete(s.byName, name)
		}
	}
	s.mu.Unlock()

	return nil
}

// GetMetadata returns a plan's lightweight metadata without loading its blob,
// falling back to a full Load only on an index miss.
func (s *PlanStore) GetMetadata(ctx context.Context, planID string) (*PlanMetadata, error) {
	s.mu.Lock()
	meta, ok := s.metaIndex.get(planID)
	s.mu.Unlock()
	if ok {
		return meta, nil
	}

	plan, err := s.Load(ctx, planID)
	if err != nil {
		return nil, err
	}
	meta = &PlanMetadata{
		PlanID:    plan.ID,
		Name:      plan.Goal,
		Goal:      plan.Goal,
		CreatedAt: plan.CreatedAt,
		UpdatedAt: plan.UpdatedAt,
		StepCount: len(plan.Steps),
		FilePath:  s.blobKey(plan.ID),
	}
	s.mu.Lock()
	s.metaIndex.put(planID, meta)
	s.mu.Unlock()
	return meta, nil
}

// metaLRU is a bounded doubly-linked-list LRU cache of PlanMetadata, the same
// structure as the ResponseCache memory tier, sized for PlanStore's index.
type metaLRU struct {
	capacity int
	items    map[string]*metaLRUEntry
	head     *metaLRUEntry
	tail     *metaLRUEntry
}

type metaLRUEntry struct {
	key  string
	meta *PlanMetadata
	prev *metaLRUEntry
	next *metaLRUEntry
}

func newMetaLRU(capacity int) *metaLRU {
	return &metaLRU{capacity: capacity, items: make(map[string]*metaLRUEntry)}
}

func (l *metaLRU) get(key string) (*PlanMetadata, bool) {
	e, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.moveToFront(e)
	return e.meta, true
}

func (l *metaLRU) put(key string, meta *PlanMetadata) {
	if e, ok := l.items[key]; ok {
		e.meta = meta
		l.moveToFront(e)
		return
	}
	if len(l.items) >= l.capacity {
		l.evict()
	}
	e := &metaLRUEntry{key: key, meta: meta}
	l.items[key] = e
	l.addToFront(e)
}

func (l *metaLRU) remove(key string) {
	e, ok := l.items[key]
	if !ok {
		return
	}
	l.removeFromList(e)
	delete(l.items, key)
}

func (l *metaLRU) evict() {
	if l.tail != nil {
		l.remove(l.tail.key)
	}
}

func (l *metaLRU) addToFront(e *metaLRUEntry) {
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

func (l *metaLRU) removeFromList(e *metaLRUEntry) {
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

func (l *metaLRU) moveToFront(e *metaLRUEntry) {
	if e == l.head {
		return
	}
	l.removeFromList(e)
	l.addToFront(e)
}

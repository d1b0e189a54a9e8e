package grading

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BatchState is the aggregate lifecycle of a batch.
type BatchState string

const (
	BatchCreated   BatchState = "created"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchCancelled BatchState = "cancelled"
)

// ItemState is the per-item lifecycle. Items only move forward:
// pending, processing, then completed or failed.
type ItemState string

const (
	ItemPending    ItemState = "pending"
	ItemProcessing ItemState = "processing"
	ItemCompleted  ItemState = "completed"
	ItemFailed     ItemState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ItemState) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// CanTransition reports whether from -> to is a legal forward step.
func CanTransition(from, to ItemState) bool {
	switch from {
	case ItemPending:
		return to == ItemProcessing
	case ItemProcessing:
		return to == ItemCompleted || to == ItemFailed
	default:
		return false
	}
}

// ErrTransitionRejected is returned when an item is not in the expected state.
var ErrTransitionRejected = errors.New("item state transition rejected")

// BatchSpec is everything shared by the items of one batch.
type BatchSpec struct {
	ReferenceAnswer string      `json:"reference_answer"`
	Criteria        []Criterion `json:"criteria"`
	Language        string      `json:"language,omitempty"`
	MaxRetries      int         `json:"max_retries"`
}

// AnswerItem is one submission in a batch.
type AnswerItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// FailureRecord explains why an item ended in the failed state. Cause is the
// kind of the error that ended the final attempt.
type FailureRecord struct {
	ItemID   string    `json:"item_id"`
	Kind     ErrorKind `json:"kind"`
	Cause    ErrorKind `json:"cause,omitempty"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
}

// ItemOutcome is the terminal record of one item.
type ItemOutcome struct {
	ItemID    string         `json:"item_id"`
	State     ItemState      `json:"state"`
	Result    *Result        `json:"result,omitempty"`
	Failure   *FailureRecord `json:"failure,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BatchStatus is a point-in-time snapshot of a batch.
type BatchStatus struct {
	BatchID    string     `json:"batch_id"`
	State      BatchState `json:"state"`
	Total      int        `json:"total"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Done reports whether every item has reached a terminal state.
func (s BatchStatus) Done() bool {
	return s.Pending == 0 && s.Processing == 0
}

// BatchSnapshot is a batch as recorded outside the coordinator. Outcomes
// holds the terminal items; every other item is pending.
type BatchSnapshot struct {
	BatchID   string
	Spec      BatchSpec
	State     BatchState
	Items     []AnswerItem
	Outcomes  []ItemOutcome
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchStore is the single synchronized access point for batch state.
// Implementations must apply each call atomically.
type BatchStore interface {
	CreateBatch(batchID string, spec BatchSpec, at time.Time) error
	Spec(batchID string) (BatchSpec, error)
	AddItems(batchID string, items []AnswerItem, at time.Time) error
	PendingItems(batchID string) ([]AnswerItem, error)
	// TransitionItem moves an item from -> to only if it is currently in from.
	TransitionItem(batchID, itemID string, from, to ItemState, outcome ItemOutcome) error
	SetState(batchID string, state BatchState, at time.Time) error
	Status(batchID string) (BatchStatus, error)
	// Results returns terminal outcomes in insertion order.
	Results(batchID string) ([]ItemOutcome, error)
	DeleteBatch(batchID string) error
}

type batchEntry struct {
	spec      BatchSpec
	state     BatchState
	order     []string
	items     map[string]AnswerItem
	status    map[string]ItemState
	outcomes  map[string]ItemOutcome
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore keeps batches in process memory behind a single mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*batchEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]*batchEntry)}
}

func (s *MemoryStore) CreateBatch(batchID string, spec BatchSpec, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batchID]; exists {
		return fmt.Errorf("batch %q already exists", batchID)
	}
	spec.Criteria = append([]Criterion(nil), spec.Criteria...)
	s.batches[batchID] = &batchEntry{
		spec:      spec,
		state:     BatchCreated,
		items:     make(map[string]AnswerItem),
		status:    make(map[string]ItemState),
		outcomes:  make(map[string]ItemOutcome),
		createdAt: at,
		updatedAt: at,
	}
	return nil
}

func (s *MemoryStore) Spec(batchID string) (BatchSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return BatchSpec{}, &UnknownBatchError{BatchID: batchID}
	}
	spec := entry.spec
	spec.Criteria = append([]Criterion(nil), entry.spec.Criteria...)
	return spec, nil
}

// AddItems appends all items or none of them.
func (s *MemoryStore) AddItems(batchID string, items []AnswerItem, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return &UnknownBatchError{BatchID: batchID}
	}

	incoming := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, exists := entry.items[item.ID]; exists {
			return &DuplicateItemError{BatchID: batchID, ItemID: item.ID}
		}
		if _, exists := incoming[item.ID]; exists {
			return &DuplicateItemError{BatchID: batchID, ItemID: item.ID}
		}
		incoming[item.ID] = struct{}{}
	}

	for _, item := range items {
		entry.order = append(entry.order, item.ID)
		entry.items[item.ID] = item
		entry.status[item.ID] = ItemPending
	}
	entry.updatedAt = at
	return nil
}

func (s *MemoryStore) PendingItems(batchID string) ([]AnswerItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return nil, &UnknownBatchError{BatchID: batchID}
	}
	pending := make([]AnswerItem, 0)
	for _, id := range entry.order {
		if entry.status[id] == ItemPending {
			pending = append(pending, entry.items[id])
		}
	}
	return pending, nil
}

func (s *MemoryStore) TransitionItem(batchID, itemID string, from, to ItemState, outcome ItemOutcome) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return &UnknownBatchError{BatchID: batchID}
	}
	current, ok := entry.status[itemID]
	if !ok {
		return fmt.Errorf("item %q not found in batch %q", itemID, batchID)
	}
	if current != from {
		return fmt.Errorf("%w: item %q is %s, not %s", ErrTransitionRejected, itemID, current, from)
	}

	entry.status[itemID] = to
	if to.Terminal() {
		outcome.ItemID = itemID
		outcome.State = to
		entry.outcomes[itemID] = outcome
	}
	if !outcome.UpdatedAt.IsZero() {
		entry.updatedAt = outcome.UpdatedAt
	}
	return nil
}

func (s *MemoryStore) SetState(batchID string, state BatchState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return &UnknownBatchError{BatchID: batchID}
	}
	entry.state = state
	entry.updatedAt = at
	return nil
}

func (s *MemoryStore) Status(batchID string) (BatchStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return BatchStatus{}, &UnknownBatchError{BatchID: batchID}
	}

	status := BatchStatus{
		BatchID:   batchID,
		State:     entry.state,
		Total:     len(entry.order),
		CreatedAt: entry.createdAt,
		UpdatedAt: entry.updatedAt,
	}
	for _, state := range entry.status {
		switch state {
		case ItemPending:
			status.Pending++
		case ItemProcessing:
			status.Processing++
		case ItemCompleted:
			status.Completed++
		case ItemFailed:
			status.Failed++
		}
	}
	return status, nil
}

func (s *MemoryStore) Results(batchID string) ([]ItemOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.batches[batchID]
	if !ok {
		return nil, &UnknownBatchError{BatchID: batchID}
	}
	results := make([]ItemOutcome, 0, len(entry.outcomes))
	for _, id := range entry.order {
		if outcome, ok := entry.outcomes[id]; ok {
			results = append(results, outcome)
		}
	}
	return results, nil
}

func (s *MemoryStore) DeleteBatch(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return &UnknownBatchError{BatchID: batchID}
	}
	delete(s.batches, batchID)
	return nil
}

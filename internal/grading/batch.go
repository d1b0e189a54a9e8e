package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/HumNoi1/Projects/internal/observability"
)

// DefaultWorkers bounds concurrent inference calls per batch run.
const DefaultWorkers = 4

// EventType names a batch lifecycle notification.
type EventType string

const (
	EventBatchCreated   EventType = "batch.created"
	EventItemsAdded     EventType = "batch.items_added"
	EventItemTransition EventType = "batch.item_transition"
	EventBatchState     EventType = "batch.state_changed"
	EventBatchDiscarded EventType = "batch.discarded"
)

// Event describes one state change inside the coordinator.
type Event struct {
	Type    EventType    `json:"type"`
	BatchID string       `json:"batch_id"`
	ItemID  string       `json:"item_id,omitempty"`
	From    ItemState    `json:"from,omitempty"`
	To      ItemState    `json:"to,omitempty"`
	State   BatchState   `json:"state,omitempty"`
	Spec    *BatchSpec   `json:"spec,omitempty"`
	Items   []AnswerItem `json:"items,omitempty"`
	Outcome *ItemOutcome `json:"outcome,omitempty"`
	At      time.Time    `json:"at"`
}

// TransitionObserver is notified of every batch and item state change.
// Observe is called from worker goroutines and must be safe for concurrent use.
type TransitionObserver interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, event Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, event Event) { f(ctx, event) }

// ItemGrader grades one request. *Grader satisfies it.
type ItemGrader interface {
	Grade(ctx context.Context, req Request) (Result, error)
}

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	Workers int
}

// Coordinator fans a batch of answers out to an ItemGrader through a bounded
// worker pool. Each item is graded in isolation: a failure is recorded on that
// item and never stops its siblings.
type Coordinator struct {
	grader    ItemGrader
	store     BatchStore
	observers []TransitionObserver
	workers   int
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	runs    map[string]map[uint64]context.CancelFunc
	nextRun uint64
	wg      sync.WaitGroup
}

// NewCoordinator wires a coordinator to its grader and store.
func NewCoordinator(grader ItemGrader, store BatchStore, cfg CoordinatorConfig, logger zerolog.Logger, observers ...TransitionObserver) *Coordinator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Coordinator{
		grader:    grader,
		store:     store,
		observers: observers,
		workers:   workers,
		logger:    logger.With().Str("component", "batch_coordinator").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
		runs:      make(map[string]map[uint64]context.CancelFunc),
	}
}

// CreateBatch allocates an empty batch and returns its id.
func (c *Coordinator) CreateBatch(ctx context.Context, spec BatchSpec) (string, error) {
	batchID := c.newID()
	now := c.now().UTC()
	if err := c.store.CreateBatch(batchID, spec, now); err != nil {
		return "", err
	}

	c.logger.Info().Str("batch_id", batchID).Int("criteria", len(spec.Criteria)).Msg("batch created")
	c.notify(ctx, Event{Type: EventBatchCreated, BatchID: batchID, State: BatchCreated, Spec: &spec, At: now})
	return batchID, nil
}

// AddItems appends items in the pending state and returns them with their
// final ids. Items without an id get a generated one. A duplicate id rejects
// the whole call.
func (c *Coordinator) AddItems(ctx context.Context, batchID string, items []AnswerItem) ([]AnswerItem, error) {
	accepted := make([]AnswerItem, len(items))
	for i, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			item.ID = c.newID()
		}
		accepted[i] = item
	}

	now := c.now().UTC()
	if err := c.store.AddItems(batchID, accepted, now); err != nil {
		return nil, err
	}

	c.logger.Info().Str("batch_id", batchID).Int("items", len(accepted)).Msg("batch items added")
	c.notify(ctx, Event{Type: EventItemsAdded, BatchID: batchID, Items: accepted, At: now})
	return accepted, nil
}

// RunBatch grades every pending item and blocks until the run ends. Rubric
// and reference problems are returned before any item starts. Per-item
// failures are recorded, never returned. Cancelling ctx, or calling Cancel,
// stops new dispatches; items already processing finish and are recorded.
func (c *Coordinator) RunBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	spec, err := c.prepare(batchID)
	if err != nil {
		return BatchStatus{}, err
	}

	runCtx, release := c.register(ctx, batchID)
	defer release()

	return c.execute(runCtx, batchID, spec)
}

// Start validates the batch and runs it in the background. The run is not
// tied to ctx; use Cancel to stop it.
func (c *Coordinator) Start(ctx context.Context, batchID string) error {
	spec, err := c.prepare(batchID)
	if err != nil {
		return err
	}

	runCtx, release := c.register(context.WithoutCancel(ctx), batchID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		if _, err := c.execute(runCtx, batchID, spec); err != nil {
			c.logger.Error().Err(err).Str("batch_id", batchID).Msg("background batch run failed")
		}
	}()
	return nil
}

// Cancel stops new dispatches for every active run of the batch. With no
// active run an unfinished batch is simply marked cancelled.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) error {
	status, err := c.store.Status(batchID)
	if err != nil {
		return err
	}

	if c.cancelRuns(batchID) > 0 {
		c.logger.Info().Str("batch_id", batchID).Msg("batch cancellation requested")
		return nil
	}
	if !status.Done() && status.State != BatchCancelled {
		c.setState(ctx, batchID, BatchCancelled)
	}
	return nil
}

// Running reports whether the batch has an active run.
func (c *Coordinator) Running(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs[batchID]) > 0
}

// Status returns a point-in-time snapshot.
func (c *Coordinator) Status(batchID string) (BatchStatus, error) {
	return c.store.Status(batchID)
}

// Results returns every terminal outcome recorded so far, including partial
// results of a batch still in progress.
func (c *Coordinator) Results(batchID string) ([]ItemOutcome, error) {
	return c.store.Results(batchID)
}

// Discard cancels any active run and forgets the batch.
func (c *Coordinator) Discard(ctx context.Context, batchID string) error {
	c.cancelRuns(batchID)
	if err := c.store.DeleteBatch(batchID); err != nil {
		return err
	}

	c.logger.Info().Str("batch_id", batchID).Msg("batch discarded")
	c.notify(ctx, Event{Type: EventBatchDiscarded, BatchID: batchID, At: c.now().UTC()})
	return nil
}

// Restore loads a batch recorded by an earlier process. Terminal outcomes are
// replayed through the normal transitions and no observer is notified. A batch
// restored as running is marked cancelled since no run of it exists here.
func (c *Coordinator) Restore(snapshot BatchSnapshot) error {
	if err := c.store.CreateBatch(snapshot.BatchID, snapshot.Spec, snapshot.CreatedAt); err != nil {
		return err
	}

	if err := c.replay(snapshot); err != nil {
		_ = c.store.DeleteBatch(snapshot.BatchID)
		return err
	}

	c.logger.Info().
		Str("batch_id", snapshot.BatchID).
		Int("items", len(snapshot.Items)).
		Int("outcomes", len(snapshot.Outcomes)).
		Msg("batch restored")
	return nil
}

func (c *Coordinator) replay(snapshot BatchSnapshot) error {
	batchID := snapshot.BatchID
	if err := c.store.AddItems(batchID, snapshot.Items, snapshot.CreatedAt); err != nil {
		return err
	}

	for _, outcome := range snapshot.Outcomes {
		if !outcome.State.Terminal() {
			continue
		}
		if err := c.store.TransitionItem(batchID, outcome.ItemID, ItemPending, ItemProcessing, ItemOutcome{}); err != nil {
			return err
		}
		if err := c.store.TransitionItem(batchID, outcome.ItemID, ItemProcessing, outcome.State, outcome); err != nil {
			return err
		}
	}

	state := snapshot.State
	if state == BatchRunning {
		state = BatchCancelled
	}
	if state == "" || state == BatchCreated {
		return nil
	}
	return c.store.SetState(batchID, state, snapshot.UpdatedAt)
}

// Shutdown cancels all runs and waits for background runs to record their
// in-flight items, or for ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, runs := range c.runs {
		for _, cancel := range runs {
			cancel()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) prepare(batchID string) (BatchSpec, error) {
	spec, err := c.store.Spec(batchID)
	if err != nil {
		return BatchSpec{}, err
	}
	if err := ValidateCriteria(spec.Criteria); err != nil {
		return BatchSpec{}, err
	}
	if strings.TrimSpace(spec.ReferenceAnswer) == "" {
		return BatchSpec{}, &InvalidRequestError{Reason: "reference answer is empty"}
	}
	if spec.MaxRetries < 0 {
		return BatchSpec{}, &InvalidRequestError{Reason: "max retries must not be negative"}
	}
	return spec, nil
}

func (c *Coordinator) execute(ctx context.Context, batchID string, spec BatchSpec) (BatchStatus, error) {
	observability.BatchRunsActive().Inc()
	defer observability.BatchRunsActive().Dec()

	c.setState(ctx, batchID, BatchRunning)
	c.logger.Info().Str("batch_id", batchID).Int("workers", c.workers).Msg("batch run started")

	for ctx.Err() == nil {
		pending, err := c.store.PendingItems(batchID)
		if err != nil {
			return BatchStatus{}, err
		}
		if len(pending) == 0 {
			break
		}
		// Items added while a round is in flight are picked up by the next one.
		if claimed := c.dispatch(ctx, batchID, spec, pending); claimed == 0 {
			break
		}
	}

	status, err := c.store.Status(batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	switch {
	case status.Done():
		c.setState(ctx, batchID, BatchCompleted)
	case ctx.Err() != nil:
		c.setState(ctx, batchID, BatchCancelled)
	}

	status, err = c.store.Status(batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	c.logger.Info().
		Str("batch_id", batchID).
		Str("state", string(status.State)).
		Int("completed", status.Completed).
		Int("failed", status.Failed).
		Int("pending", status.Pending).
		Msg("batch run finished")
	return status, nil
}

func (c *Coordinator) dispatch(ctx context.Context, batchID string, spec BatchSpec, items []AnswerItem) int {
	var (
		group   errgroup.Group
		claimed atomic.Int64
	)
	group.SetLimit(c.workers)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			if c.processItem(ctx, batchID, spec, item) {
				claimed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()
	return int(claimed.Load())
}

// processItem reports whether this run claimed the item.
func (c *Coordinator) processItem(ctx context.Context, batchID string, spec BatchSpec, item AnswerItem) bool {
	if ctx.Err() != nil {
		return false
	}

	startedAt := c.now().UTC()
	if err := c.store.TransitionItem(batchID, item.ID, ItemPending, ItemProcessing, ItemOutcome{UpdatedAt: startedAt}); err != nil {
		c.logger.Debug().Err(err).Str("batch_id", batchID).Str("item_id", item.ID).Msg("item not claimed")
		return false
	}
	c.notify(ctx, Event{Type: EventItemTransition, BatchID: batchID, ItemID: item.ID, From: ItemPending, To: ItemProcessing, At: startedAt})

	outcome := c.gradeItem(ctx, spec, item)
	if err := c.store.TransitionItem(batchID, item.ID, ItemProcessing, outcome.State, outcome); err != nil {
		c.logger.Error().Err(err).Str("batch_id", batchID).Str("item_id", item.ID).Msg("record item outcome")
		return true
	}

	observability.BatchItems().WithLabelValues(string(outcome.State)).Inc()
	c.notify(ctx, Event{
		Type:    EventItemTransition,
		BatchID: batchID,
		ItemID:  item.ID,
		From:    ItemProcessing,
		To:      outcome.State,
		Outcome: &outcome,
		At:      outcome.UpdatedAt,
	})
	return true
}

func (c *Coordinator) gradeItem(ctx context.Context, spec BatchSpec, item AnswerItem) (outcome ItemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("item_id", item.ID).Msg("grader panicked")
			outcome = c.failedOutcome(item.ID, fmt.Errorf("grader panic: %v", r))
		}
	}()

	result, err := c.grader.Grade(ctx, Request{
		ReferenceAnswer: spec.ReferenceAnswer,
		StudentAnswer:   item.Content,
		Criteria:        spec.Criteria,
		Language:        spec.Language,
		MaxRetries:      spec.MaxRetries,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("item_id", item.ID).Msg("item grading failed")
		return c.failedOutcome(item.ID, err)
	}
	return ItemOutcome{
		ItemID:    item.ID,
		State:     ItemCompleted,
		Result:    &result,
		UpdatedAt: c.now().UTC(),
	}
}

func (c *Coordinator) failedOutcome(itemID string, err error) ItemOutcome {
	failure := &FailureRecord{
		ItemID:  itemID,
		Kind:    KindOf(err),
		Cause:   KindOf(err),
		Message: err.Error(),
	}
	var failed *GradingFailedError
	if errors.As(err, &failed) {
		failure.Cause = failed.LastKind()
		failure.Attempts = failed.Attempts
	}
	return ItemOutcome{
		ItemID:    itemID,
		State:     ItemFailed,
		Failure:   failure,
		UpdatedAt: c.now().UTC(),
	}
}

func (c *Coordinator) setState(ctx context.Context, batchID string, state BatchState) {
	now := c.now().UTC()
	if err := c.store.SetState(batchID, state, now); err != nil {
		c.logger.Error().Err(err).Str("batch_id", batchID).Str("state", string(state)).Msg("update batch state")
		return
	}
	c.notify(ctx, Event{Type: EventBatchState, BatchID: batchID, State: state, At: now})
}

func (c *Coordinator) notify(ctx context.Context, event Event) {
	ctx = context.WithoutCancel(ctx)
	for _, observer := range c.observers {
		observer.Observe(ctx, event)
	}
}

func (c *Coordinator) register(ctx context.Context, batchID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextRun++
	id := c.nextRun
	if c.runs[batchID] == nil {
		c.runs[batchID] = make(map[uint64]context.CancelFunc)
	}
	c.runs[batchID][id] = cancel
	c.mu.Unlock()

	return runCtx, func() {
		c.mu.Lock()
		delete(c.runs[batchID], id)
		if len(c.runs[batchID]) == 0 {
			delete(c.runs, batchID)
		}
		c.mu.Unlock()
		cancel()
	}
}

func (c *Coordinator) cancelRuns(batchID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	runs := c.runs[batchID]
	for _, cancel := range runs {
		cancel()
	}
	return len(runs)
}

package grading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/HumNoi1/Projects/pkg/ai"
)

type funcGrader func(ctx context.Context, req Request) (Result, error)

func (f funcGrader) Grade(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func okGrader() funcGrader {
	return func(context.Context, Request) (Result, error) {
		return Result{TotalScore: 5, CriteriaScores: map[string]float64{"Content": 5, "Clarity": 5}, Feedback: "Reasonable answer.", ConfidenceScore: 0.8}, nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func batchSpec() BatchSpec {
	return BatchSpec{
		ReferenceAnswer: "Photosynthesis converts light energy into chemical energy.",
		Criteria:        testCriteria(),
		MaxRetries:      2,
	}
}

func createBatch(t *testing.T, coordinator *Coordinator, spec BatchSpec, n int) string {
	t.Helper()
	batchID, err := coordinator.CreateBatch(context.Background(), spec)
	require.NoError(t, err)

	items := make([]AnswerItem, n)
	for i := range items {
		items[i] = AnswerItem{ID: fmt.Sprintf("item-%d", i), Content: fmt.Sprintf("student answer %d", i)}
	}
	_, err = coordinator.AddItems(context.Background(), batchID, items)
	require.NoError(t, err)
	return batchID
}

func TestCoordinatorIsolatesFailingItem(t *testing.T) {
	inferer := newMockInferer(t)
	var failingCalls atomic.Int32
	inferer.EXPECT().Infer(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req ai.InferRequest) (string, error) {
		if strings.Contains(req.Prompt, "student answer 7") {
			failingCalls.Add(1)
			return `{"criteria_scores":{"Content":80,"Clarity":9},"total_score":8.4,"feedback":"Scores are off scale.","confidence_score":0.9}`, nil
		}
		return cleanPayload, nil
	}).AnyTimes()

	grader := NewGrader(inferer, GraderConfig{CallTimeout: time.Second}, zerolog.Nop())
	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{Workers: 3}, zerolog.Nop())
	batchID := createBatch(t, coordinator, batchSpec(), 10)

	status, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, status.State)
	require.Equal(t, 10, status.Total)
	require.Equal(t, 9, status.Completed)
	require.Equal(t, 1, status.Failed)
	require.Equal(t, 0, status.Pending)
	require.Equal(t, 0, status.Processing)
	require.Equal(t, int32(3), failingCalls.Load())

	results, err := coordinator.Results(batchID)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for _, outcome := range results {
		if outcome.ItemID == "item-7" {
			require.Equal(t, ItemFailed, outcome.State)
			require.Nil(t, outcome.Result)
			require.NotNil(t, outcome.Failure)
			require.Equal(t, "item-7", outcome.Failure.ItemID)
			require.Equal(t, KindGradingFailed, outcome.Failure.Kind)
			require.Equal(t, KindScoreOutOfRange, outcome.Failure.Cause)
			require.Equal(t, 3, outcome.Failure.Attempts)
			continue
		}
		require.Equal(t, ItemCompleted, outcome.State)
		require.NotNil(t, outcome.Result)
		require.Equal(t, 8.4, outcome.Result.TotalScore)
	}
}

func TestCoordinatorBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	grader := funcGrader(func(ctx context.Context, req Request) (Result, error) {
		current := inFlight.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return okGrader()(ctx, req)
	})

	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{Workers: 3}, zerolog.Nop())
	batchID := createBatch(t, coordinator, batchSpec(), 12)

	status, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 12, status.Completed)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestCoordinatorRecoversFromGraderPanic(t *testing.T) {
	grader := funcGrader(func(ctx context.Context, req Request) (Result, error) {
		if req.StudentAnswer == "student answer 1" {
			panic("unexpected nil rubric")
		}
		return okGrader()(ctx, req)
	})

	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{Workers: 2}, zerolog.Nop())
	batchID := createBatch(t, coordinator, batchSpec(), 3)

	status, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 2, status.Completed)
	require.Equal(t, 1, status.Failed)

	results, err := coordinator.Results(batchID)
	require.NoError(t, err)
	require.Equal(t, KindInternal, results[1].Failure.Kind)
}

func TestCoordinatorUnknownBatch(t *testing.T) {
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop())

	_, err := coordinator.AddItems(context.Background(), "missing", []AnswerItem{{ID: "a", Content: "x"}})
	require.Equal(t, KindUnknownBatch, KindOf(err))

	_, err = coordinator.RunBatch(context.Background(), "missing")
	require.Equal(t, KindUnknownBatch, KindOf(err))

	_, err = coordinator.Status("missing")
	require.Equal(t, KindUnknownBatch, KindOf(err))

	require.Equal(t, KindUnknownBatch, KindOf(coordinator.Cancel(context.Background(), "missing")))
}

func TestCoordinatorInvalidRubricIsFatalBeforeDispatch(t *testing.T) {
	var calls atomic.Int32
	grader := funcGrader(func(ctx context.Context, req Request) (Result, error) {
		calls.Add(1)
		return okGrader()(ctx, req)
	})
	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop())

	spec := batchSpec()
	spec.Criteria[1].Weight = 0.1
	batchID := createBatch(t, coordinator, spec, 4)

	_, err := coordinator.RunBatch(context.Background(), batchID)
	require.Equal(t, KindInvalidRubric, KindOf(err))
	require.Equal(t, int32(0), calls.Load())

	status, err := coordinator.Status(batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCreated, status.State)
	require.Equal(t, 4, status.Pending)

	blank := batchSpec()
	blank.ReferenceAnswer = "  "
	blankID := createBatch(t, coordinator, blank, 1)
	_, err = coordinator.RunBatch(context.Background(), blankID)
	require.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestCoordinatorCancelStopsNewDispatches(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	grader := funcGrader(func(ctx context.Context, req Request) (Result, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return okGrader()(ctx, req)
	})

	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{Workers: 1}, zerolog.Nop())
	batchID := createBatch(t, coordinator, batchSpec(), 5)

	type runResult struct {
		status BatchStatus
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		status, err := coordinator.RunBatch(context.Background(), batchID)
		done <- runResult{status, err}
	}()

	<-started
	require.True(t, coordinator.Running(batchID))

	inProgress, err := coordinator.Status(batchID)
	require.NoError(t, err)
	require.Equal(t, BatchRunning, inProgress.State)
	require.Equal(t, 1, inProgress.Processing)
	partial, err := coordinator.Results(batchID)
	require.NoError(t, err)
	require.Empty(t, partial)

	require.NoError(t, coordinator.Cancel(context.Background(), batchID))
	close(release)

	result := <-done
	require.NoError(t, result.err)
	require.Equal(t, BatchCancelled, result.status.State)
	require.Equal(t, 1, result.status.Completed)
	require.Equal(t, 0, result.status.Processing)
	require.Equal(t, 4, result.status.Pending)
	require.False(t, coordinator.Running(batchID))

	resumed, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, resumed.State)
	require.Equal(t, 5, resumed.Completed)
}

func TestCoordinatorNotifiesEveryTransition(t *testing.T) {
	recorder := &eventRecorder{}
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{Workers: 2}, zerolog.Nop(), recorder)
	batchID := createBatch(t, coordinator, batchSpec(), 2)

	_, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)

	events := recorder.snapshot()
	require.Equal(t, EventBatchCreated, events[0].Type)
	require.Equal(t, EventItemsAdded, events[1].Type)
	require.Len(t, events[1].Items, 2)
	require.Equal(t, EventBatchState, events[2].Type)
	require.Equal(t, BatchRunning, events[2].State)
	last := events[len(events)-1]
	require.Equal(t, EventBatchState, last.Type)
	require.Equal(t, BatchCompleted, last.State)

	perItem := map[string][]ItemState{}
	for _, event := range events {
		if event.Type == EventItemTransition {
			perItem[event.ItemID] = append(perItem[event.ItemID], event.To)
		}
	}
	require.Equal(t, map[string][]ItemState{
		"item-0": {ItemProcessing, ItemCompleted},
		"item-1": {ItemProcessing, ItemCompleted},
	}, perItem)
}

func TestCoordinatorAssignsIDsAndRejectsDuplicates(t *testing.T) {
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop())
	batchID, err := coordinator.CreateBatch(context.Background(), batchSpec())
	require.NoError(t, err)

	accepted, err := coordinator.AddItems(context.Background(), batchID, []AnswerItem{{Content: "a"}, {ID: " s-1 ", Content: "b"}})
	require.NoError(t, err)
	require.Len(t, accepted, 2)
	require.NotEmpty(t, accepted[0].ID)
	require.Equal(t, "s-1", accepted[1].ID)

	_, err = coordinator.AddItems(context.Background(), batchID, []AnswerItem{{ID: "s-1", Content: "again"}})
	require.Equal(t, KindDuplicateItem, KindOf(err))
}

func TestCoordinatorEmptyBatchCompletes(t *testing.T) {
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop())
	batchID, err := coordinator.CreateBatch(context.Background(), batchSpec())
	require.NoError(t, err)

	status, err := coordinator.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, status.State)
	require.Zero(t, status.Total)
}

func TestCoordinatorStartRunsInBackground(t *testing.T) {
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{Workers: 2}, zerolog.Nop())
	batchID := createBatch(t, coordinator, batchSpec(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coordinator.Start(ctx, batchID))
	cancel()

	require.Eventually(t, func() bool {
		status, err := coordinator.Status(batchID)
		return err == nil && status.State == BatchCompleted
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, coordinator.Shutdown(shutdownCtx))
}

func TestCoordinatorDiscard(t *testing.T) {
	recorder := &eventRecorder{}
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop(), recorder)
	batchID := createBatch(t, coordinator, batchSpec(), 1)

	require.NoError(t, coordinator.Discard(context.Background(), batchID))
	_, err := coordinator.Status(batchID)
	require.Equal(t, KindUnknownBatch, KindOf(err))

	events := recorder.snapshot()
	require.Equal(t, EventBatchDiscarded, events[len(events)-1].Type)
}

func TestCoordinatorRestoreResumesPendingItems(t *testing.T) {
	recorder := &eventRecorder{}
	var calls atomic.Int32
	grader := funcGrader(func(ctx context.Context, req Request) (Result, error) {
		calls.Add(1)
		return okGrader()(ctx, req)
	})
	coordinator := NewCoordinator(grader, NewMemoryStore(), CoordinatorConfig{Workers: 2}, zerolog.Nop(), recorder)

	createdAt := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	snapshot := BatchSnapshot{
		BatchID: "restored",
		Spec:    batchSpec(),
		State:   BatchRunning,
		Items: []AnswerItem{
			{ID: "done", Content: "first answer"},
			{ID: "lost", Content: "second answer"},
			{ID: "todo", Content: "third answer"},
		},
		Outcomes: []ItemOutcome{
			{ItemID: "done", State: ItemCompleted, Result: &Result{TotalScore: 7, Feedback: "Fine."}, UpdatedAt: createdAt},
			{ItemID: "lost", State: ItemFailed, Failure: &FailureRecord{ItemID: "lost", Kind: KindCancelled, Message: "interrupted"}, UpdatedAt: createdAt},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt.Add(time.Minute),
	}
	require.NoError(t, coordinator.Restore(snapshot))
	require.Empty(t, recorder.snapshot())

	status, err := coordinator.Status("restored")
	require.NoError(t, err)
	require.Equal(t, BatchCancelled, status.State)
	require.Equal(t, 3, status.Total)
	require.Equal(t, 1, status.Pending)
	require.Equal(t, 1, status.Completed)
	require.Equal(t, 1, status.Failed)
	require.Equal(t, createdAt, status.CreatedAt)

	require.Error(t, coordinator.Restore(snapshot))

	status, err = coordinator.RunBatch(context.Background(), "restored")
	require.NoError(t, err)
	require.Equal(t, BatchCompleted, status.State)
	require.Equal(t, 2, status.Completed)
	require.Equal(t, int32(1), calls.Load())

	results, err := coordinator.Results("restored")
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "done", results[0].ItemID)
	require.Equal(t, 7.0, results[0].Result.TotalScore)
	require.Equal(t, KindCancelled, results[1].Failure.Kind)
}

func TestCoordinatorRestoreRejectsUnknownOutcome(t *testing.T) {
	coordinator := NewCoordinator(okGrader(), NewMemoryStore(), CoordinatorConfig{}, zerolog.Nop())

	err := coordinator.Restore(BatchSnapshot{
		BatchID:  "broken",
		Spec:     batchSpec(),
		Items:    []AnswerItem{{ID: "a", Content: "answer"}},
		Outcomes: []ItemOutcome{{ItemID: "ghost", State: ItemCompleted}},
	})
	require.Error(t, err)

	_, err = coordinator.Status("broken")
	require.Equal(t, KindUnknownBatch, KindOf(err))
}

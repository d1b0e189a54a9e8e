package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/models"
	"github.com/HumNoi1/Projects/internal/repository"
)

const recorderTimeout = 5 * time.Second

type requesterKey struct{}

// ContextWithRequester tags ctx with the user that triggered a batch operation.
func ContextWithRequester(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, requesterKey{}, userID)
}

func requesterFromContext(ctx context.Context) string {
	if value, ok := ctx.Value(requesterKey{}).(string); ok {
		return value
	}
	return ""
}

// BatchRecorder mirrors coordinator transitions into the grading tables so
// batch status and results survive a restart. Write failures are logged and
// never interrupt grading.
type BatchRecorder struct {
	repo   repository.GradingBatchRepository
	logger zerolog.Logger
}

// NewBatchRecorder constructs the persistence observer.
func NewBatchRecorder(repo repository.GradingBatchRepository, logger zerolog.Logger) *BatchRecorder {
	return &BatchRecorder{
		repo:   repo,
		logger: logger.With().Str("component", "batch_recorder").Logger(),
	}
}

// Observe implements grading.TransitionObserver.
func (r *BatchRecorder) Observe(ctx context.Context, event grading.Event) {
	ctx, cancel := context.WithTimeout(ctx, recorderTimeout)
	defer cancel()

	var err error
	switch event.Type {
	case grading.EventBatchCreated:
		err = r.created(ctx, event)
	case grading.EventItemsAdded:
		err = r.itemsAdded(ctx, event)
	case grading.EventItemTransition:
		err = r.repo.UpdateItem(ctx, itemModel(event))
	case grading.EventBatchState:
		err = r.repo.UpdateState(ctx, event.BatchID, string(event.State), event.At)
	case grading.EventBatchDiscarded:
		err = r.repo.Delete(ctx, event.BatchID)
	}

	if err != nil {
		r.logger.Error().
			Err(err).
			Str("batch_id", event.BatchID).
			Str("item_id", event.ItemID).
			Str("event", string(event.Type)).
			Msg("failed to persist batch event")
	}
}

func (r *BatchRecorder) created(ctx context.Context, event grading.Event) error {
	batch := models.GradingBatch{
		ID:        event.BatchID,
		State:     string(event.State),
		CreatedBy: requesterFromContext(ctx),
		CreatedAt: event.At,
		UpdatedAt: event.At,
	}
	if event.Spec != nil {
		batch.ReferenceAnswer = event.Spec.ReferenceAnswer
		batch.Criteria = dto.EncodeCriteria(event.Spec.Criteria)
		batch.Language = event.Spec.Language
		batch.MaxRetries = event.Spec.MaxRetries
	}
	return r.repo.Create(ctx, &batch)
}

func (r *BatchRecorder) itemsAdded(ctx context.Context, event grading.Event) error {
	items := make([]models.GradingBatchItem, 0, len(event.Items))
	for _, item := range event.Items {
		items = append(items, models.GradingBatchItem{
			ItemID:    item.ID,
			Content:   item.Content,
			State:     string(grading.ItemPending),
			CreatedAt: event.At,
			UpdatedAt: event.At,
		})
	}
	return r.repo.AddItems(ctx, event.BatchID, items)
}

func itemModel(event grading.Event) models.GradingBatchItem {
	item := models.GradingBatchItem{
		BatchID:   event.BatchID,
		ItemID:    event.ItemID,
		State:     string(event.To),
		UpdatedAt: event.At,
	}

	outcome := event.Outcome
	if outcome == nil {
		return item
	}
	if outcome.Result != nil {
		total := outcome.Result.TotalScore
		confidence := outcome.Result.ConfidenceScore
		item.TotalScore = &total
		item.ConfidenceScore = &confidence
		item.CriteriaScores = dto.ScoresToJSONMap(outcome.Result.CriteriaScores)
		item.Feedback = outcome.Result.Feedback
		item.EvaluatorID = outcome.Result.EvaluatorID
	}
	if outcome.Failure != nil {
		item.ErrorKind = string(outcome.Failure.Kind)
		item.ErrorCause = string(outcome.Failure.Cause)
		item.ErrorMessage = outcome.Failure.Message
		item.Attempts = outcome.Failure.Attempts
	}
	return item
}

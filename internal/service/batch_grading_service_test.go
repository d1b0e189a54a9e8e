package service

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/models"
	"github.com/HumNoi1/Projects/internal/repository"
)

type batchFixture struct {
	db          *gorm.DB
	repo        repository.GradingBatchRepository
	events      BatchEventService
	coordinator *grading.Coordinator
	service     BatchGradingService
}

func newBatchFixture(t *testing.T, grader grading.ItemGrader) batchFixture {
	t.Helper()
	db := setupGradingDB(t)
	repo := repository.NewGradingBatchRepository(db)
	return newBatchFixtureWithRepo(t, db, repo, grader)
}

func newBatchFixtureWithRepo(t *testing.T, db *gorm.DB, repo repository.GradingBatchRepository, grader grading.ItemGrader) batchFixture {
	t.Helper()
	events := NewBatchEventService(nil, nil, "", 0.7, zerolog.Nop())
	coordinator := grading.NewCoordinator(grader, grading.NewMemoryStore(), grading.CoordinatorConfig{Workers: 2}, zerolog.Nop(),
		NewBatchRecorder(repo, zerolog.Nop()), events)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
	})

	svc := NewBatchGradingService(coordinator, repo, BatchGradingConfig{
		ConfidenceThreshold: 0.7,
		DefaultMaxRetries:   1,
	}, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())

	return batchFixture{db: db, repo: repo, events: events, coordinator: coordinator, service: svc}
}

func createBatchPayload(items ...dto.AnswerItemRequest) dto.CreateBatchRequest {
	return dto.CreateBatchRequest{
		ReferenceAnswer: "Photosynthesis converts light energy into chemical energy.",
		Criteria:        rubricRequest(),
		Language:        "en",
		Items:           items,
	}
}

func TestBatchGradingServiceRunsAndMirrorsBatch(t *testing.T) {
	grader := &stubGrader{grade: func(req grading.Request) (grading.Result, error) {
		if req.StudentAnswer == "broken" {
			return grading.Result{}, &grading.GradingFailedError{Attempts: 2, LastError: grading.ErrNoPayloadFound}
		}
		return stubResult("<i>Well argued</i> and accurate."), nil
	}}
	fx := newBatchFixture(t, grader)
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(
		dto.AnswerItemRequest{ID: "s-1", Content: "Plants turn sunlight into sugar."},
		dto.AnswerItemRequest{ID: "s-2", Content: "broken"},
		dto.AnswerItemRequest{Content: "Light becomes glucose."},
	), "teacher-1")
	require.NoError(t, err)
	require.Len(t, created.ItemIDs, 3)
	require.Equal(t, "s-1", created.ItemIDs[0])
	require.NotEmpty(t, created.ItemIDs[2])

	status, err := fx.service.Run(ctx, created.BatchID, true)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), status.State)
	require.Equal(t, 3, status.Total)
	require.Equal(t, 2, status.Completed)
	require.Equal(t, 1, status.Failed)
	require.False(t, status.Running)

	results, err := fx.service.Results(ctx, created.BatchID)
	require.NoError(t, err)
	require.Len(t, results.Items, 3)
	require.Equal(t, "s-1", results.Items[0].ItemID)
	require.Equal(t, "Well argued and accurate.", results.Items[0].Feedback)
	require.True(t, *results.Items[0].MeetsThreshold)
	require.Equal(t, string(grading.ItemFailed), results.Items[1].State)
	require.Equal(t, string(grading.KindGradingFailed), results.Items[1].Error.Kind)
	require.Equal(t, string(grading.KindNoPayloadFound), results.Items[1].Error.Cause)
	require.Equal(t, 2, results.Items[1].Error.Attempts)

	mirrored, err := fx.repo.Get(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), mirrored.State)
	require.Equal(t, "teacher-1", mirrored.CreatedBy)
	require.Equal(t, 1, mirrored.MaxRetries)
	require.Len(t, mirrored.Items, 3)
	require.Equal(t, "s-1", mirrored.Items[0].ItemID)
	require.Equal(t, string(grading.ItemCompleted), mirrored.Items[0].State)
	require.NotNil(t, mirrored.Items[0].TotalScore)
	require.Equal(t, 8.4, *mirrored.Items[0].TotalScore)
	require.Equal(t, string(grading.KindGradingFailed), mirrored.Items[1].ErrorKind)
	require.Len(t, dto.DecodeCriteria(mirrored.Criteria), 2)
}

func TestBatchGradingServiceServesPersistedBatchAfterRestart(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(
		dto.AnswerItemRequest{ID: "a", Content: "Plants turn sunlight into sugar."},
		dto.AnswerItemRequest{ID: "b", Content: "Light becomes glucose."},
	), "teacher-1")
	require.NoError(t, err)
	_, err = fx.service.Run(ctx, created.BatchID, true)
	require.NoError(t, err)

	restarted := newBatchFixtureWithRepo(t, fx.db, fx.repo, &stubGrader{})

	status, err := restarted.service.Status(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), status.State)
	require.Equal(t, 2, status.Completed)
	require.False(t, status.Running)

	results, err := restarted.service.Results(ctx, created.BatchID)
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	require.Equal(t, "a", results.Items[0].ItemID)
	require.Equal(t, map[string]float64{"Content": 8, "Clarity": 9}, results.Items[0].CriteriaScores)

	_, err = restarted.service.Status(ctx, "does-not-exist")
	require.Equal(t, grading.KindUnknownBatch, grading.KindOf(err))

	require.NoError(t, restarted.service.Discard(ctx, created.BatchID))
	_, err = fx.repo.Get(ctx, created.BatchID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

type gateGrader struct {
	started atomic.Int32
	release chan struct{}
}

func (g *gateGrader) Grade(ctx context.Context, _ grading.Request) (grading.Result, error) {
	g.started.Add(1)
	select {
	case <-g.release:
		return stubResult("Graded once released."), nil
	case <-ctx.Done():
		return grading.Result{}, &grading.CancelledError{Err: ctx.Err()}
	}
}

func TestBatchGradingServiceRecoversInterruptedBatchAfterRestart(t *testing.T) {
	gate := &gateGrader{release: make(chan struct{})}
	fx := newBatchFixture(t, gate)
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(
		dto.AnswerItemRequest{ID: "a", Content: "Plants turn sunlight into sugar."},
		dto.AnswerItemRequest{ID: "b", Content: "Light becomes glucose."},
		dto.AnswerItemRequest{ID: "c", Content: "Chlorophyll absorbs light."},
	), "teacher-1")
	require.NoError(t, err)

	_, err = fx.service.Run(ctx, created.BatchID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		batch, err := fx.repo.Get(ctx, created.BatchID)
		if err != nil || batch.State != string(grading.BatchRunning) {
			return false
		}
		processing := 0
		for _, item := range batch.Items {
			if item.State == string(grading.ItemProcessing) {
				processing++
			}
		}
		return processing == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), gate.started.Load())

	restarted := newBatchFixtureWithRepo(t, fx.db, fx.repo, &stubGrader{})

	_, err = restarted.service.Run(ctx, created.BatchID, true)
	require.Equal(t, grading.KindUnknownBatch, grading.KindOf(err))

	restored, err := restarted.service.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	status, err := restarted.service.Status(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCancelled), status.State)
	require.Equal(t, 3, status.Total)
	require.Equal(t, 1, status.Pending)
	require.Zero(t, status.Processing)
	require.Equal(t, 2, status.Failed)
	require.False(t, status.Running)

	results, err := restarted.service.Results(ctx, created.BatchID)
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	for i, id := range []string{"a", "b"} {
		require.Equal(t, id, results.Items[i].ItemID)
		require.Equal(t, string(grading.ItemFailed), results.Items[i].State)
		require.Equal(t, string(grading.KindCancelled), results.Items[i].Error.Kind)
		require.Equal(t, interruptedMessage, results.Items[i].Error.Message)
	}

	mirrored, err := fx.repo.Get(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCancelled), mirrored.State)
	require.Equal(t, string(grading.ItemFailed), mirrored.Items[0].State)
	require.Equal(t, string(grading.ItemPending), mirrored.Items[2].State)

	cancelled, err := restarted.service.Cancel(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCancelled), cancelled.State)

	status, err = restarted.service.Run(ctx, created.BatchID, true)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), status.State)
	require.Equal(t, 1, status.Completed)
	require.Equal(t, 2, status.Failed)

	mirrored, err = fx.repo.Get(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), mirrored.State)
	require.Equal(t, string(grading.ItemCompleted), mirrored.Items[2].State)

	restored, err = restarted.service.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, restored)
}

func TestBatchGradingServiceRecoverWithoutRepository(t *testing.T) {
	coordinator := grading.NewCoordinator(&stubGrader{}, grading.NewMemoryStore(), grading.CoordinatorConfig{}, zerolog.Nop())
	svc := NewBatchGradingService(coordinator, nil, BatchGradingConfig{}, validator.New(), zerolog.Nop())

	restored, err := svc.Recover(context.Background())
	require.NoError(t, err)
	require.Zero(t, restored)
}

func TestBatchGradingServiceRejectsDuplicateItemsOnCreate(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})
	ctx := context.Background()

	_, err := fx.service.Create(ctx, createBatchPayload(
		dto.AnswerItemRequest{ID: "dup", Content: "first"},
		dto.AnswerItemRequest{ID: "dup", Content: "second"},
	), "")
	require.Equal(t, grading.KindDuplicateItem, grading.KindOf(err))

	var count int64
	require.NoError(t, fx.db.Model(&models.GradingBatch{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestBatchGradingServiceValidatesCreate(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})

	payload := createBatchPayload()
	payload.Criteria[0].Weight = 0.2
	_, err := fx.service.Create(context.Background(), payload, "")
	require.Equal(t, grading.KindInvalidRubric, grading.KindOf(err))

	payload = createBatchPayload()
	payload.ReferenceAnswer = "  "
	_, err = fx.service.Create(context.Background(), payload, "")
	require.Equal(t, grading.KindInvalidRequest, grading.KindOf(err))

	payload = createBatchPayload()
	tooMany := 9
	payload.MaxRetries = &tooMany
	_, err = fx.service.Create(context.Background(), payload, "")
	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))
}

func TestBatchGradingServiceUpload(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(), "")
	require.NoError(t, err)

	added, err := fx.service.Upload(ctx, created.BatchID, "", buildTextFile(t, "student-17.txt", []byte("Plants turn sunlight into sugar.\n")))
	require.NoError(t, err)
	require.Equal(t, []string{"student-17"}, added.ItemIDs)

	added, err = fx.service.Upload(ctx, created.BatchID, "custom", buildTextFile(t, "answer.txt", []byte("Light becomes glucose.")))
	require.NoError(t, err)
	require.Equal(t, []string{"custom"}, added.ItemIDs)

	_, err = fx.service.Upload(ctx, created.BatchID, "", buildTextFile(t, "student-17.txt", []byte("again")))
	require.Equal(t, grading.KindDuplicateItem, grading.KindOf(err))

	pngHeader := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}
	_, err = fx.service.Upload(ctx, created.BatchID, "", buildTextFile(t, "image.png", pngHeader))
	require.ErrorIs(t, err, ErrUploadNotText)

	_, err = fx.service.Upload(ctx, created.BatchID, "", buildTextFile(t, "blank.txt", []byte("  \n")))
	require.ErrorIs(t, err, ErrUploadEmpty)

	longStem := strings.Repeat("s", maxItemIDLength+1)
	_, err = fx.service.Upload(ctx, created.BatchID, "", buildTextFile(t, longStem+".txt", []byte("Light becomes glucose.")))
	require.ErrorIs(t, err, ErrUploadItemIDTooLong)

	_, err = fx.service.Upload(ctx, created.BatchID, longStem, buildTextFile(t, "answer-2.txt", []byte("Light becomes glucose.")))
	require.ErrorIs(t, err, ErrUploadItemIDTooLong)

	added, err = fx.service.Upload(ctx, created.BatchID, strings.Repeat("s", maxItemIDLength), buildTextFile(t, "answer-3.txt", []byte("Light becomes glucose.")))
	require.NoError(t, err)
	require.Len(t, added.ItemIDs[0], maxItemIDLength)

	status, err := fx.service.Status(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, 3, status.Pending)
}

func TestBatchGradingServiceBackgroundRunAndEvents(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(
		dto.AnswerItemRequest{ID: "a", Content: "Plants turn sunlight into sugar."},
		dto.AnswerItemRequest{ID: "b", Content: "Light becomes glucose."},
	), "")
	require.NoError(t, err)

	stream, cleanup := fx.events.Subscribe(created.BatchID)
	defer cleanup()

	_, err = fx.service.Run(ctx, created.BatchID, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := fx.service.Status(ctx, created.BatchID)
		return err == nil && status.State == string(grading.BatchCompleted) && !status.Running
	}, 2*time.Second, 10*time.Millisecond)

	var completed []dto.BatchEventResponse
	timeout := time.After(time.Second)
	for len(completed) < 2 {
		select {
		case event := <-stream:
			if event.Type == string(grading.EventItemTransition) && event.To == string(grading.ItemCompleted) {
				completed = append(completed, event)
			}
		case <-timeout:
			t.Fatalf("expected two completion events, got %d", len(completed))
		}
	}
	for _, event := range completed {
		require.NotNil(t, event.Result)
		require.Equal(t, 8.4, *event.Result.TotalScore)
	}
}

func TestBatchGradingServiceCancelWithoutRun(t *testing.T) {
	fx := newBatchFixture(t, &stubGrader{})
	ctx := context.Background()

	created, err := fx.service.Create(ctx, createBatchPayload(dto.AnswerItemRequest{ID: "a", Content: "answer"}), "")
	require.NoError(t, err)

	status, err := fx.service.Cancel(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCancelled), status.State)
	require.Equal(t, 1, status.Pending)

	_, err = fx.service.AddItems(ctx, created.BatchID, dto.AddItemsRequest{})
	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))

	_, err = fx.service.Cancel(ctx, "missing")
	require.Equal(t, grading.KindUnknownBatch, grading.KindOf(err))
}

func buildTextFile(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content)) + 1024)
	require.NoError(t, err)
	return form.File["file"][0]
}

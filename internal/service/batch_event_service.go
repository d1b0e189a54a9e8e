package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/HumNoi1/Projects/internal/dto"
	"github.com/HumNoi1/Projects/internal/grading"
	"github.com/HumNoi1/Projects/internal/observability"
)

const batchEventBufferSize = 32

// BatchEventService fans batch transitions out to local stream subscribers and
// to other API nodes through Redis pub/sub and NATS.
type BatchEventService interface {
	grading.TransitionObserver
	Subscribe(batchID string) (<-chan dto.BatchEventResponse, func())
	Start(ctx context.Context)
}

type batchEventService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	threshold    float64
	logger       zerolog.Logger
	broker       *batchEventBroker
	nodeID       string
}

type batchEventEnvelope struct {
	Source string                 `json:"source"`
	Event  dto.BatchEventResponse `json:"event"`
	SentAt time.Time              `json:"sent_at"`
}

type batchEventBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.BatchEventResponse]struct{}
}

// NewBatchEventService constructs the event hub. channelBase names the Redis
// channel; the NATS subject is derived from it.
func NewBatchEventService(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, threshold float64, logger zerolog.Logger) BatchEventService {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &batchEventService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		threshold:    threshold,
		logger:       logger.With().Str("component", "batch_event_service").Logger(),
		broker: &batchEventBroker{
			subscribers: make(map[string]map[chan dto.BatchEventResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *batchEventService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *batchEventService) Observe(ctx context.Context, event grading.Event) {
	response := dto.NewBatchEventResponse(event, s.threshold)
	s.broker.broadcast(response)
	observability.EventsPublished().WithLabelValues("local", response.Type).Inc()

	if err := s.publish(ctx, response); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", event.BatchID).Msg("failed to publish batch event")
	}
}

func (s *batchEventService) Subscribe(batchID string) (<-chan dto.BatchEventResponse, func()) {
	channel := make(chan dto.BatchEventResponse, batchEventBufferSize)

	s.broker.subscribe(batchID, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(batchID, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *batchEventService) publish(ctx context.Context, event dto.BatchEventResponse) error {
	if (s.redis == nil || s.redisChannel == "") && (s.nats == nil || s.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(batchEventEnvelope{
		Source: s.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			return err
		}
		observability.EventsPublished().WithLabelValues("redis", event.Type).Inc()
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
		observability.EventsPublished().WithLabelValues("nats", event.Type).Inc()
	}

	return nil
}

func (s *batchEventService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("batch event redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload))
	}
}

func (s *batchEventService) consumeNATS(ctx context.Context) {
	// Every node needs every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats batch events subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain batch events nats subscription")
		}
	}()
}

func (s *batchEventService) handleEnvelope(payload []byte) {
	var envelope batchEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid batch event payload")
		return
	}

	if envelope.Source == s.nodeID || envelope.Event.BatchID == "" {
		return
	}

	s.broker.broadcast(envelope.Event)
}

func (b *batchEventBroker) subscribe(batchID string, ch chan dto.BatchEventResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[batchID]; !exists {
		b.subscribers[batchID] = make(map[chan dto.BatchEventResponse]struct{})
	}
	b.subscribers[batchID][ch] = struct{}{}
}

func (b *batchEventBroker) unsubscribe(batchID string, ch chan dto.BatchEventResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[batchID]; ok {
		if _, present := subscribers[ch]; !present {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, batchID)
		}
	}
}

// broadcast never blocks; slow subscribers miss events.
func (b *batchEventBroker) broadcast(event dto.BatchEventResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.BatchID] {
		select {
		case ch <- event:
		default:
		}
	}
}

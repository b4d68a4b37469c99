package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/mapsync-redis/internal/config"
)

// Invalidation kinds published by gameplay collaborators
const (
	KindCommand         = "command"
	KindVillageChange   = "village_change"
	KindDiplomacyChange = "diplomacy_change"
)

// InvalidationEvent is the message collaborators publish after committing a
// map-visible mutation
type InvalidationEvent struct {
	EventID   string `json:"event_id"`
	WorldID   int64  `json:"world_id"`
	Kind      string `json:"kind"`
	VillageID int64  `json:"village_id,omitempty"`
}

// Invalidator receives the dispatched version bumps
type Invalidator interface {
	InvalidateOnCommand(ctx context.Context, worldID int64) error
	InvalidateOnVillageChange(ctx context.Context, worldID, villageID int64) error
	InvalidateOnDiplomacyChange(ctx context.Context, worldID int64) error
}

// Consumer consumes invalidation events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	invalidator   Invalidator
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, invalidator Invalidator, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		invalidator:   invalidator,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if err == sarama.ErrClosedConsumerGroup {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Events are
// coalesced per (world, kind) inside the batch window: version bumps are
// idempotent wall-clock writes, so one dispatch per pair covers any number
// of duplicates.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config

	type dispatchKey struct {
		worldID int64
		kind    string
	}
	pending := make(map[dispatchKey]InvalidationEvent, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	dispatch := func() {
		if len(pending) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for key, event := range pending {
			var err error
			switch key.kind {
			case KindCommand:
				err = h.consumer.invalidator.InvalidateOnCommand(ctx, key.worldID)
			case KindVillageChange:
				err = h.consumer.invalidator.InvalidateOnVillageChange(ctx, key.worldID, event.VillageID)
			case KindDiplomacyChange:
				err = h.consumer.invalidator.InvalidateOnDiplomacyChange(ctx, key.worldID)
			}
			if err != nil {
				h.consumer.logger.Error("failed to dispatch invalidation",
					"world_id", key.worldID, "kind", key.kind, "error", err)
			}
		}
		h.consumer.logger.Debug("dispatched invalidation batch", "batch_size", len(pending))

		clear(pending)
	}

	for {
		select {
		case <-session.Context().Done():
			// Dispatch remaining batch before exit
			dispatch()
			return nil

		case <-batchTimer.C:
			dispatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				dispatch()
				return nil
			}

			var event InvalidationEvent
			if err := json.Unmarshal(message.Value, &event); err != nil {
				h.consumer.logger.Warn("failed to unmarshal message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			// Validate event
			if event.WorldID <= 0 || event.Kind == "" {
				h.consumer.logger.Warn("invalid invalidation event",
					"world_id", event.WorldID,
					"kind", event.Kind,
				)
				session.MarkMessage(message, "")
				continue
			}

			pending[dispatchKey{worldID: event.WorldID, kind: event.Kind}] = event
			session.MarkMessage(message, "")

			if len(pending) >= cfg.BatchSize {
				dispatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

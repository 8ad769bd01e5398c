package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/config"
)

var relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outbox_published_total",
	Help: "Outbox messages published to Kafka, partitioned by event type.",
}, []string{"event_type"})

// Relay polls the outbox table and publishes unprocessed rows to Kafka.
// Marking rows processed happens after a successful write, so delivery is
// at-least-once; consumers dedup on message id.
type Relay struct {
	db       *gorm.DB
	log      *zap.SugaredLogger
	writer   *kafka.Writer
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Relay {
	r := &Relay{
		db:       db,
		log:      log,
		interval: cfg.Kafka.PollInterval,
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if len(cfg.Kafka.Brokers) > 0 {
		r.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return r
}

func (r *Relay) Start() {
	if r.writer == nil {
		r.log.Warnw("outbox relay disabled: no kafka brokers configured")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	if err := r.writer.Close(); err != nil {
		r.log.Warnw("failed to close kafka writer", "err", err)
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishBatch(ctx); err != nil {
				r.log.Errorw("outbox publish batch failed", "err", err)
			}
		}
	}
}

func (r *Relay) publishBatch(ctx context.Context) error {
	var pending []*models.OutboxMessage
	if err := r.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at").
		Limit(100).
		Find(&pending).Error; err != nil {
		return err
	}

	for _, msg := range pending {
		err := r.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(msg.EntityID),
			Value: msg.Payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "message_id", Value: []byte(msg.ID)},
			},
		})
		if err != nil {
			return err
		}
		relayPublished.WithLabelValues(msg.EventType).Inc()
		if err := r.db.WithContext(ctx).
			Model(&models.OutboxMessage{}).
			Where("id = ?", msg.ID).
			Update("processed_at", time.Now()).Error; err != nil {
			return err
		}
	}
	return nil
}

func registerRelay(lc fx.Lifecycle, r *Relay) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			r.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.Stop()
			return nil
		},
	})
}

// Module exposes the outbox relay via Fx.
var Module = fx.Options(
	fx.Provide(NewRelay),
	fx.Invoke(registerRelay),
)

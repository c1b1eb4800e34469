package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantcap/lending/pkg/metrics"
	"github.com/merchantcap/lending/pkg/mq"
	"github.com/merchantcap/lending/pkg/utils"
	"gorm.io/gorm"
)

// Outbox 消息状态
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// maxOutboxAttempts 投递重试上限，超过后标记失败待人工介入
const maxOutboxAttempts = 10

// OutboxMessage 事务性发件箱记录。业务事务内落库，
// 由中继异步投递到 Kafka，保证事件与状态变更原子提交
type OutboxMessage struct {
	gorm.Model
	// 事件类型，即 Kafka 消息的逻辑主题
	EventType string `gorm:"column:event_type;type:varchar(50);not null"`
	// 分区键，同一贷款的事件保序
	EventKey string `gorm:"column:event_key;type:varchar(64);not null"`
	// JSON 载荷
	Payload string `gorm:"column:payload;type:text;not null"`
	// 投递状态
	Status string `gorm:"column:status;type:varchar(20);not null;default:PENDING;index"`
	// 已尝试投递次数
	Attempts int `gorm:"column:attempts;not null;default:0"`
	// 最近一次投递错误
	LastError string `gorm:"column:last_error;type:varchar(500)"`
	// 投递成功时间
	SentAt *time.Time `gorm:"column:sent_at"`
}

// TableName 指定表名
func (OutboxMessage) TableName() string { return "lending_outbox_messages" }

// OutboxPublisher 在业务事务内写入发件箱的事件发布器
type OutboxPublisher struct{}

// NewOutboxPublisher 创建发件箱发布器
func NewOutboxPublisher() *OutboxPublisher {
	return &OutboxPublisher{}
}

// PublishInTx 将事件作为发件箱记录写入调用方事务
func (p *OutboxPublisher) PublishInTx(ctx context.Context, tx *gorm.DB, eventType string, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	msg := &OutboxMessage{
		EventType: eventType,
		EventKey:  key,
		Payload:   string(data),
		Status:    OutboxStatusPending,
	}
	if err := tx.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to write outbox message: %w", err)
	}
	return nil
}

// OutboxRelay 发件箱中继，轮询待投递消息并发往 Kafka
type OutboxRelay struct {
	db           *gorm.DB
	producer     *mq.KafkaProducer
	topic        string
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewOutboxRelay 创建发件箱中继
func NewOutboxRelay(
	db *gorm.DB,
	producer *mq.KafkaProducer,
	topic string,
	pollInterval time.Duration,
	batchSize int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *OutboxRelay {
	return &OutboxRelay{
		db:           db,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
		metrics:      m,
	}
}

// Run 循环投递直到 ctx 取消。投递失败只影响单条消息，下一轮重试
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "topic", r.topic, "poll_interval", r.pollInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.logger.Error("outbox batch failed", "error", err)
			}
		}
	}
}

// processBatch 取一批待投递消息逐条发送。按 ID 升序处理，
// 配合 Kafka 分区键保证同一贷款的事件顺序
func (r *OutboxRelay) processBatch(ctx context.Context) error {
	var messages []*OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", OutboxStatusPending, maxOutboxAttempts).
		Order("id ASC").
		Limit(r.batchSize).
		Find(&messages).Error
	if err != nil {
		return fmt.Errorf("failed to load outbox messages: %w", err)
	}

	var pending int64
	if err := r.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("status = ?", OutboxStatusPending).
		Count(&pending).Error; err == nil {
		r.metrics.OutboxPendingMessages.Set(float64(pending))
	}

	for _, msg := range messages {
		if err := r.deliver(ctx, msg); err != nil {
			r.logger.Warn("outbox delivery failed",
				"message_id", msg.ID,
				"event_type", msg.EventType,
				"attempts", msg.Attempts+1,
				"error", err,
			)
		}
	}
	return nil
}

func (r *OutboxRelay) deliver(ctx context.Context, msg *OutboxMessage) error {
	envelope := map[string]any{
		"event_type": msg.EventType,
		"payload":    json.RawMessage(msg.Payload),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// 瞬时抖动在本轮内快速重试，重试仍失败才记一次 attempt 等下一轮
	sendErr := utils.RetryWithBackoff(3, 100*time.Millisecond, time.Second, func() error {
		return r.producer.SendRaw(ctx, r.topic, msg.EventKey, data)
	})

	updates := map[string]any{"attempts": msg.Attempts + 1}
	if sendErr != nil {
		updates["last_error"] = truncate(sendErr.Error(), 500)
		if msg.Attempts+1 >= maxOutboxAttempts {
			updates["status"] = OutboxStatusFailed
		}
	} else {
		now := time.Now()
		updates["status"] = OutboxStatusSent
		updates["sent_at"] = &now
		updates["last_error"] = ""
	}

	if err := r.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	return sendErr
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxRecord struct {
	msg       domain.OutboxMessage
	status    domain.OutboxStatus
	seq       int64
	createdAt time.Time
}

// OutboxRepository — in-memory outbox для локального запуска и тестов.
// seq задаёт порядок постановки, поэтому события одного заказа не
// переставляются даже при одинаковом времени создания.
type OutboxRepository struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	seq     int64
	now     func() time.Time
}

// NewOutboxRepository создаёт in-memory outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]*outboxRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит событие в очередь; повтор с тем же ID ничего не меняет.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := r.records[msg.ID]; ok {
		return msg, nil
	}
	r.seq++
	msg.Payload = slices.Clone(msg.Payload)
	r.records[msg.ID] = &outboxRecord{
		msg:       msg,
		status:    domain.OutboxStatusPending,
		seq:       r.seq,
		createdAt: r.now(),
	}
	return msg, nil
}

// PullPending возвращает до limit ожидающих событий в порядке постановки.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	pending := r.byStatus(domain.OutboxStatusPending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return messages(pending), nil
}

// Stats считает backlog по типам событий и число failed-записей.
func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		switch rec.status {
		case domain.OutboxStatusPending:
			stats.AddPending(rec.msg.EventType, 1, rec.createdAt)
		case domain.OutboxStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

// MarkSent отмечает событие доставленным.
func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.finish(id, domain.OutboxStatusSent)
}

// MarkFailed переводит событие в failed.
func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.finish(id, domain.OutboxStatusFailed)
}

func (r *OutboxRepository) finish(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.status != domain.OutboxStatusPending {
		return fmt.Errorf("%w: message %s is not pending", domain.ErrOutboxPublish, id)
	}
	rec.status = status
	return nil
}

// AllPending возвращает ожидающие события в порядке постановки.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return messages(r.byStatus(domain.OutboxStatusPending))
}

// Failed возвращает события, доставка которых не удалась.
func (r *OutboxRepository) Failed() []domain.OutboxMessage {
	return messages(r.byStatus(domain.OutboxStatusFailed))
}

func (r *OutboxRepository) byStatus(status domain.OutboxStatus) []*outboxRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*outboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.status == status {
			result = append(result, rec)
		}
	}
	slices.SortFunc(result, func(a, b *outboxRecord) int { return cmp.Compare(a.seq, b.seq) })
	return result
}

func messages(records []*outboxRecord) []domain.OutboxMessage {
	out := make([]domain.OutboxMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.msg)
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)

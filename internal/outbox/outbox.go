// Package outbox implements a transactional outbox for settlement events.
//
// Settlement writes its domain events into the outbox_events table inside
// the same database transaction as the balance mutation, so an event
// exists iff its settlement committed. A relay then publishes unpublished
// rows to the message broker and marks them; downstream consumers (email,
// notifications, analytics) never observe a settlement that rolled back.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ndthuan/coursepay/internal/idgen"
)

// Event topics emitted by the settlement engine.
const (
	TopicPurchaseSettled = "purchase_settled"
	TopicTeacherPaid     = "teacher_paid"
	TopicGradingFeePaid  = "grading_fee_paid"
)

// Event is one domain event awaiting (or past) publication.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
}

// NewEvent builds an event with a fresh id and the payload marshalled to JSON.
func NewEvent(topic string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Topic:     topic,
		Payload:   body,
		CreatedAt: time.Now(),
	}, nil
}

// Execer is the subset of *sql.Tx the append path needs, so events can be
// written on whatever transaction the settlement is running.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx inserts the event on the caller's open transaction.
func AppendTx(ctx context.Context, tx Execer, e *Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.Topic, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// Store reads and updates outbox rows for the relay.
type Store interface {
	ListUnpublished(ctx context.Context, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, id string) error
}

// PostgresStore implements Store against the outbox_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ListUnpublished(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, topic, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET published_at = NOW() WHERE id = $1
	`, id)
	return err
}

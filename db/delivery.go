package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
)

const (
	deliveryColumns = `q.id, q.activity_id, q.inbox_url, q.target_actor, q.sender_actor, COALESCE(a.raw_json, ''),
		q.status, q.attempts, q.last_error, q.next_retry_at, q.created_at, q.last_attempt_at`

	sqlInsertDelivery = `INSERT INTO delivery_queue(id, activity_id, inbox_url, target_actor, sender_actor, status,
		attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(activity_id, inbox_url) DO NOTHING`
	sqlSelectDeliveries = `SELECT ` + deliveryColumns + ` FROM delivery_queue q
		LEFT JOIN activities a ON a.activity_uri = q.activity_id`
	sqlMarkDelivered = `UPDATE delivery_queue SET status = ?, attempts = attempts + 1, last_attempt_at = ?, last_error = NULL
		WHERE id = ?`
	sqlRecordDeliveryFailure = `UPDATE delivery_queue SET status = ?, attempts = ?, last_error = ?, last_attempt_at = ?,
		next_retry_at = ? WHERE id = ? AND status = ?`
)

// EnqueueDelivery adds a pending item. A second enqueue of the same activity
// to the same inbox leaves the existing item untouched and reports false.
func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) (bool, error) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.Status == "" {
		item.Status = domain.DeliveryPending
	}
	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertDelivery,
			item.Id.String(),
			item.ActivityID,
			item.TargetInboxURL,
			item.TargetActor,
			item.SenderActor,
			string(item.Status),
			toUnix(item.NextRetryAt),
			toUnix(item.CreatedAt),
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

// ReadDelivery returns the item for an (activity, inbox) pair.
func (db *DB) ReadDelivery(ctx context.Context, activityId, inboxURL string) (*domain.DeliveryQueueItem, error) {
	item, err := scanDelivery(db.db.QueryRowContext(ctx,
		sqlSelectDeliveries+` WHERE q.activity_id = ? AND q.inbox_url = ?`, activityId, inboxURL))
	return item, notFound(err)
}

// ReadPendingDeliveries returns pending items due at now in creation order.
func (db *DB) ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	return db.readDeliveries(ctx,
		sqlSelectDeliveries+` WHERE q.status = ? AND q.next_retry_at <= ? ORDER BY q.created_at, q.rowid LIMIT ?`,
		string(domain.DeliveryPending), toUnix(now), limit)
}

func (db *DB) ReadDeliveriesByActivity(ctx context.Context, activityId string) ([]domain.DeliveryQueueItem, error) {
	return db.readDeliveries(ctx, sqlSelectDeliveries+` WHERE q.activity_id = ? ORDER BY q.created_at, q.rowid`, activityId)
}

// CountDeliveries reports queue depth per status.
func (db *DB) CountDeliveries(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts[domain.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (db *DB) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDelivered, string(domain.DeliveryDelivered), toUnix(at), id.String())
		return err
	})
}

// RecordDeliveryFailure stores the outcome of a failed attempt. Items already
// retired are left alone so a late immediate attempt cannot revive them.
func (db *DB) RecordDeliveryFailure(ctx context.Context, item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRecordDeliveryFailure,
			string(item.Status),
			item.Attempts,
			item.LastError,
			toNullUnix(item.LastAttemptAt),
			toUnix(item.NextRetryAt),
			item.Id.String(),
			string(domain.DeliveryPending),
		)
		return err
	})
}

// DeleteFinishedDeliveries purges delivered and failed items older than before.
func (db *DB) DeleteFinishedDeliveries(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM delivery_queue WHERE status != ? AND created_at < ?`,
			string(domain.DeliveryPending), toUnix(before))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (db *DB) readDeliveries(ctx context.Context, query string, args ...any) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		item, err := scanDelivery(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanDelivery(row rowScanner) (*domain.DeliveryQueueItem, error) {
	var (
		item                 domain.DeliveryQueueItem
		id, status           string
		targetActor, lastErr sql.NullString
		nextRetry, createdAt int64
		lastAttempt          sql.NullInt64
	)
	if err := row.Scan(&id, &item.ActivityID, &item.TargetInboxURL, &targetActor, &item.SenderActor, &item.ActivityJSON,
		&status, &item.Attempts, &lastErr, &nextRetry, &createdAt, &lastAttempt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	item.Id = parsed
	item.TargetActor = targetActor.String
	item.Status = domain.DeliveryStatus(status)
	item.LastError = lastErr.String
	item.NextRetryAt = fromUnix(nextRetry)
	item.CreatedAt = fromUnix(createdAt)
	item.LastAttemptAt = fromNullUnix(lastAttempt)
	return &item, nil
}

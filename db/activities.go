package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
)

const (
	activityColumns = `id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local`

	sqlInsertActivity = `INSERT INTO activities(` + activityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivityByURI = `SELECT ` + activityColumns + ` FROM activities WHERE activity_uri = ?`
)

// CreateActivity logs an activity. Replays of a known activity_uri are
// ignored and reported with created == false.
func (db *DB) CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error) {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			toUnix(activity.CreatedAt),
			activity.Local,
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

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	activity, err := scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri))
	return activity, notFound(err)
}

func (db *DB) MarkActivityProcessed(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE activities SET processed = 1 WHERE activity_uri = ?`, uri)
		return err
	})
}

// outboxWhere selects the publicly addressed activities of a local actor.
const outboxWhere = ` WHERE actor_uri = ? AND local = 1 AND raw_json LIKE '%' || ? || '%'`

// ReadOutboxActivities pages through the public activities an actor emitted, newest first.
func (db *DB) ReadOutboxActivities(ctx context.Context, actorURI string, limit, offset int) ([]domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activities`+outboxWhere+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		actorURI, domain.PublicCollection, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return activities, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

func (db *DB) CountOutboxActivities(ctx context.Context, actorURI string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`+outboxWhere, actorURI, domain.PublicCollection).Scan(&n)
	return n, err
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var (
		a         domain.Activity
		id        string
		objectURI sql.NullString
		createdAt int64
	)
	if err := row.Scan(&id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &objectURI, &a.RawJSON, &a.Processed,
		&createdAt, &a.Local); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	a.Id = parsed
	a.ObjectURI = objectURI.String
	a.CreatedAt = fromUnix(createdAt)
	return &a, nil
}

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
)

const (
	relationshipColumns = `id, direction, subject_actor, object_actor, activity_id, status, created_at, accepted_at`

	sqlInsertRelationship = `INSERT INTO relationships(` + relationshipColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(direction, subject_actor, object_actor) DO NOTHING`
	sqlReplaceRelationship = `UPDATE relationships SET id = ?, activity_id = ?, status = ?, created_at = ?, accepted_at = ?
		WHERE direction = ? AND subject_actor = ? AND object_actor = ?`
	sqlSelectRelationship = `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE direction = ? AND subject_actor = ? AND object_actor = ?`
	sqlUpdateRelationshipStatus = `UPDATE relationships SET status = ?, accepted_at = ?
		WHERE direction = ? AND subject_actor = ? AND object_actor = ?`
	sqlDeleteRelationship = `DELETE FROM relationships WHERE direction = ? AND subject_actor = ? AND object_actor = ?`
)

// CreateRelationship inserts the edge unless one already exists for the same
// direction and pair. It reports whether a row was written.
func (db *DB) CreateRelationship(ctx context.Context, rel *domain.Relationship) (bool, error) {
	if rel.Id == uuid.Nil {
		rel.Id = uuid.New()
	}
	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertRelationship,
			rel.Id.String(),
			string(rel.Direction),
			rel.SubjectActor,
			rel.ObjectActor,
			rel.ActivityID,
			string(rel.Status),
			toUnix(rel.CreatedAt),
			toNullUnix(rel.AcceptedAt),
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

// ReplaceRelationship overwrites an existing edge with a fresh request, the
// only way out of the rejected state.
func (db *DB) ReplaceRelationship(ctx context.Context, rel *domain.Relationship) error {
	if rel.Id == uuid.Nil {
		rel.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlReplaceRelationship,
			rel.Id.String(),
			rel.ActivityID,
			string(rel.Status),
			toUnix(rel.CreatedAt),
			toNullUnix(rel.AcceptedAt),
			string(rel.Direction),
			rel.SubjectActor,
			rel.ObjectActor,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadRelationship(ctx context.Context, dir domain.Direction, subject, object string) (*domain.Relationship, error) {
	rel, err := scanRelationship(db.db.QueryRowContext(ctx, sqlSelectRelationship, string(dir), subject, object))
	return rel, notFound(err)
}

// ReadRelationshipByActivity finds the edge created by a Follow activity id.
func (db *DB) ReadRelationshipByActivity(ctx context.Context, dir domain.Direction, activityId string) (*domain.Relationship, error) {
	rel, err := scanRelationship(db.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE direction = ? AND activity_id = ?`, string(dir), activityId))
	return rel, notFound(err)
}

// UpdateRelationshipStatus moves an edge to status; acceptedAt is stamped only for accepted.
func (db *DB) UpdateRelationshipStatus(ctx context.Context, dir domain.Direction, subject, object string, status domain.FollowStatus, at time.Time) error {
	var acceptedAt *time.Time
	if status == domain.FollowAccepted {
		acceptedAt = &at
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateRelationshipStatus, string(status), toNullUnix(acceptedAt), string(dir), subject, object)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// DeleteRelationship removes the edge; it reports whether one existed.
func (db *DB) DeleteRelationship(ctx context.Context, dir domain.Direction, subject, object string) (bool, error) {
	deleted := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteRelationship, string(dir), subject, object)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ReadRelationshipsByObject lists edges pointing at object, e.g. an account's followers.
func (db *DB) ReadRelationshipsByObject(ctx context.Context, dir domain.Direction, object string, status domain.FollowStatus) ([]domain.Relationship, error) {
	return db.readRelationships(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE direction = ? AND object_actor = ? AND status = ? ORDER BY created_at`,
		string(dir), object, string(status))
}

// ReadRelationshipsBySubject lists edges starting at subject, e.g. who an account follows.
func (db *DB) ReadRelationshipsBySubject(ctx context.Context, dir domain.Direction, subject string, status domain.FollowStatus) ([]domain.Relationship, error) {
	return db.readRelationships(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE direction = ? AND subject_actor = ? AND status = ? ORDER BY created_at`,
		string(dir), subject, string(status))
}

// CountRelationships counts edges of a direction and status touching actor
// as subject or object.
func (db *DB) CountRelationships(ctx context.Context, dir domain.Direction, column string, actor string, status domain.FollowStatus) (int, error) {
	if column != "subject_actor" && column != "object_actor" {
		return 0, domain.ErrInvalidInput
	}
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE direction = ? AND `+column+` = ? AND status = ?`,
		string(dir), actor, string(status)).Scan(&n)
	return n, err
}

func (db *DB) readRelationships(ctx context.Context, query string, args ...any) ([]domain.Relationship, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return rels, err
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}

func scanRelationship(row rowScanner) (*domain.Relationship, error) {
	var (
		rel                   domain.Relationship
		id, direction, status string
		createdAt             int64
		acceptedAt            sql.NullInt64
	)
	if err := row.Scan(&id, &direction, &rel.SubjectActor, &rel.ObjectActor, &rel.ActivityID, &status,
		&createdAt, &acceptedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	rel.Id = parsed
	rel.Direction = domain.Direction(direction)
	rel.Status = domain.FollowStatus(status)
	rel.CreatedAt = fromUnix(createdAt)
	rel.AcceptedAt = fromNullUnix(acceptedAt)
	return &rel, nil
}

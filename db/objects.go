package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedicore/domain"
)

const (
	objectColumns = `id, local_id, type, actor, to_json, cc_json, visibility, context, in_reply_to, content, summary,
		attachments_json, tags_json, poll_json, story_json, published, updated, deleted_at, is_local, raw`

	sqlInsertObject = `INSERT INTO objects(id, local_id, type, actor, to_json, cc_json, bto_json, bcc_json, visibility,
		context, in_reply_to, content, summary, attachments_json, tags_json, poll_json, story_json, expires_at,
		published, updated, deleted_at, is_local, raw) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateObject = `UPDATE objects SET type = ?, to_json = ?, cc_json = ?, visibility = ?, context = ?, in_reply_to = ?,
		content = ?, summary = ?, attachments_json = ?, tags_json = ?, poll_json = ?, story_json = ?, expires_at = ?,
		updated = ?, deleted_at = ?, raw = ? WHERE id = ?`
	sqlSoftDeleteObject     = `UPDATE objects SET deleted_at = ?, updated = ? WHERE id = ? AND deleted_at IS NULL`
	sqlSelectObjectById     = `SELECT ` + objectColumns + ` FROM objects WHERE id = ?`
	sqlSelectObjectByLocal  = `SELECT ` + objectColumns + ` FROM objects WHERE local_id = ?`
	sqlDeleteRecipients     = `DELETE FROM object_recipients WHERE object_id = ?`
	sqlInsertRecipient      = `INSERT OR IGNORE INTO object_recipients(object_id, recipient) VALUES (?, ?)`
	sqlSelectExpiredStories = `SELECT ` + objectColumns + ` FROM objects o WHERE o.expires_at IS NOT NULL AND o.expires_at <= ?
		AND NOT EXISTS (SELECT 1 FROM objects r WHERE r.in_reply_to = o.id AND r.deleted_at IS NULL) LIMIT ?`
	sqlDeleteObject = `DELETE FROM objects WHERE id = ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// storyExpiry is the instant a story stops being readable, nil for everything else.
func storyExpiry(obj *domain.Object) *time.Time {
	if obj.Story == nil {
		return nil
	}
	if obj.Story.ExpiresAt != nil {
		return obj.Story.ExpiresAt
	}
	t := obj.Published.Add(domain.StoryLifetime)
	return &t
}

func (db *DB) InsertObject(ctx context.Context, obj *domain.Object) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertObject,
			obj.ID,
			obj.LocalID,
			string(obj.Type),
			obj.Actor,
			toJSON(obj.To),
			toJSON(obj.Cc),
			toJSON(obj.Bto),
			toJSON(obj.Bcc),
			string(obj.Visibility),
			obj.Context,
			obj.InReplyTo,
			obj.Content,
			obj.Summary,
			toJSON(obj.Attachments),
			toJSON(obj.Tags),
			toJSON(obj.Poll),
			toJSON(obj.Story),
			toNullUnix(storyExpiry(obj)),
			toUnix(obj.Published),
			toUnix(obj.Updated),
			toNullUnix(obj.DeletedAt),
			obj.IsLocal,
			obj.Raw,
		)
		if err != nil {
			return err
		}
		return writeRecipients(tx, obj)
	})
}

// UpdateObject rewrites the mutable columns of an existing object. Blind
// recipients are left as they were persisted.
func (db *DB) UpdateObject(ctx context.Context, obj *domain.Object) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateObject,
			string(obj.Type),
			toJSON(obj.To),
			toJSON(obj.Cc),
			string(obj.Visibility),
			obj.Context,
			obj.InReplyTo,
			obj.Content,
			obj.Summary,
			toJSON(obj.Attachments),
			toJSON(obj.Tags),
			toJSON(obj.Poll),
			toJSON(obj.Story),
			toNullUnix(storyExpiry(obj)),
			toUnix(obj.Updated),
			toNullUnix(obj.DeletedAt),
			obj.Raw,
			obj.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		if _, err := tx.Exec(sqlDeleteRecipients, obj.ID); err != nil {
			return err
		}
		var bto, bcc sql.NullString
		if err := tx.QueryRow(`SELECT bto_json, bcc_json FROM objects WHERE id = ?`, obj.ID).Scan(&bto, &bcc); err != nil {
			return err
		}
		blind := *obj
		fromJSON(bto, &blind.Bto)
		fromJSON(bcc, &blind.Bcc)
		return writeRecipients(tx, &blind)
	})
}

func writeRecipients(tx *sql.Tx, obj *domain.Object) error {
	for _, r := range obj.Recipients() {
		if _, err := tx.Exec(sqlInsertRecipient, obj.ID, r); err != nil {
			return err
		}
	}
	return nil
}

// SoftDeleteObject tombstones an object. Deleting a tombstone reports ErrNotFound.
func (db *DB) SoftDeleteObject(ctx context.Context, id string, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlSoftDeleteObject, toUnix(at), toUnix(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ReadObjectById returns the row as stored, tombstones and expired stories included.
func (db *DB) ReadObjectById(ctx context.Context, id string) (*domain.Object, error) {
	obj, err := scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectById, id))
	return obj, notFound(err)
}

func (db *DB) ReadObjectByLocalId(ctx context.Context, localId string) (*domain.Object, error) {
	obj, err := scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectByLocal, localId))
	return obj, notFound(err)
}

func scanObject(row rowScanner) (*domain.Object, error) {
	var (
		obj                                    domain.Object
		typ, visibility                        string
		to, cc, attachments, tags, poll, story sql.NullString
		threadCtx, inReplyTo, content, summary sql.NullString
		raw                                    sql.NullString
		published, updated                     int64
		deletedAt                              sql.NullInt64
	)
	err := row.Scan(&obj.ID, &obj.LocalID, &typ, &obj.Actor, &to, &cc, &visibility, &threadCtx, &inReplyTo,
		&content, &summary, &attachments, &tags, &poll, &story, &published, &updated, &deletedAt, &obj.IsLocal, &raw)
	if err != nil {
		return nil, err
	}
	obj.Type = domain.ObjectType(typ)
	obj.Visibility = domain.Visibility(visibility)
	obj.Context = threadCtx.String
	obj.InReplyTo = inReplyTo.String
	obj.Content = content.String
	obj.Summary = summary.String
	obj.Raw = raw.String
	obj.Published = fromUnix(published)
	obj.Updated = fromUnix(updated)
	obj.DeletedAt = fromNullUnix(deletedAt)
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{{to, &obj.To}, {cc, &obj.Cc}, {attachments, &obj.Attachments}, {tags, &obj.Tags}, {poll, &obj.Poll}, {story, &obj.Story}} {
		if err := fromJSON(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("corrupt object %s: %w", obj.ID, err)
		}
	}
	return &obj, nil
}

// buildObjectWhere turns a filter into a WHERE clause over readable objects.
func buildObjectWhere(f domain.ObjectFilter, now time.Time) (string, []any) {
	where := []string{"deleted_at IS NULL", "(expires_at IS NULL OR expires_at > ?)"}
	args := []any{toUnix(now)}

	if len(f.Types) > 0 {
		where = append(where, fmt.Sprintf("type IN (%s)", placeholders(len(f.Types))))
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.Context != "" {
		where = append(where, "context = ?")
		args = append(args, f.Context)
	}
	if f.InReplyTo != nil {
		where = append(where, "COALESCE(in_reply_to, '') = ?")
		args = append(args, *f.InReplyTo)
	}
	if f.IsLocal != nil {
		where = append(where, "is_local = ?")
		args = append(args, *f.IsLocal)
	}

	var audience []string
	var audienceArgs []any
	if len(f.Actors) > 0 {
		audience = append(audience, fmt.Sprintf("actor IN (%s)", placeholders(len(f.Actors))))
		for _, a := range f.Actors {
			audienceArgs = append(audienceArgs, a)
		}
	}
	if len(f.Visibilities) > 0 {
		audience = append(audience, fmt.Sprintf("visibility IN (%s)", placeholders(len(f.Visibilities))))
		for _, v := range f.Visibilities {
			audienceArgs = append(audienceArgs, string(v))
		}
	}
	group := strings.Join(audience, " AND ")
	if f.AddressedTo != "" {
		addressed := "id IN (SELECT object_id FROM object_recipients WHERE recipient = ?)"
		audienceArgs = append(audienceArgs, f.AddressedTo)
		if group == "" {
			group = addressed
		} else {
			group = fmt.Sprintf("(%s) OR %s", group, addressed)
		}
	}
	if group != "" {
		where = append(where, "("+group+")")
		args = append(args, audienceArgs...)
	}
	return strings.Join(where, " AND "), args
}

// ReadObjects returns readable objects matching f at now.
func (db *DB) ReadObjects(ctx context.Context, f domain.ObjectFilter, now time.Time) ([]domain.Object, error) {
	where, args := buildObjectWhere(f, now)
	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM objects WHERE %s ORDER BY published %s, local_id %s", objectColumns, where, order, order)
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return objects, err
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

func (db *DB) CountObjects(ctx context.Context, f domain.ObjectFilter, now time.Time) (int, error) {
	where, args := buildObjectWhere(f, now)
	var n int
	err := db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects WHERE "+where, args...).Scan(&n)
	return n, err
}

// DeleteExpiredStories physically removes expired stories nobody replied to
// and returns what it removed.
func (db *DB) DeleteExpiredStories(ctx context.Context, now time.Time, limit int) ([]domain.Object, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectExpiredStories, toUnix(now), limit)
	if err != nil {
		return nil, err
	}
	var expired []domain.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, *obj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	removed := make([]domain.Object, 0, len(expired))
	for _, obj := range expired {
		err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.Exec(sqlDeleteRecipients, obj.ID); err != nil {
				return err
			}
			_, err := tx.Exec(sqlDeleteObject, obj.ID)
			return err
		})
		if err != nil {
			return removed, err
		}
		removed = append(removed, obj)
	}
	return removed, nil
}

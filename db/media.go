package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	sqlIncrementMedia = `INSERT INTO media(url, ref_count) VALUES (?, 1)
		ON CONFLICT(url) DO UPDATE SET ref_count = ref_count + 1`
	sqlDecrementMedia = `UPDATE media SET ref_count = MAX(ref_count - 1, 0) WHERE url = ?`

	sqlInsertPollVote = `INSERT INTO poll_votes(object_id, voter, choice, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(object_id, voter, choice) DO NOTHING`
)

// IncrementMediaRefs adds one reference to every url.
func (db *DB) IncrementMediaRefs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, u := range urls {
			if _, err := tx.Exec(sqlIncrementMedia, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecrementMediaRefs removes one reference from every url, never going below zero.
func (db *DB) DecrementMediaRefs(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, u := range urls {
			if _, err := tx.Exec(sqlDecrementMedia, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadMediaRefCount returns 0 for urls that were never referenced.
func (db *DB) ReadMediaRefCount(ctx context.Context, url string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT ref_count FROM media WHERE url = ?`, url).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// InsertPollVotes records the voter's choices. Single-choice polls accept one
// vote per voter, enforced inside the same transaction; it reports false when
// nothing new was recorded.
func (db *DB) InsertPollVotes(ctx context.Context, objectId, voter string, choices []string, multiple bool, at time.Time) (bool, error) {
	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = false
		if !multiple {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM poll_votes WHERE object_id = ? AND voter = ?`, objectId, voter).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}
		for _, c := range choices {
			res, err := tx.Exec(sqlInsertPollVote, objectId, voter, c, toUnix(at))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created = true
			}
		}
		return nil
	})
	return created, err
}

// CountPollVotes tallies votes per choice.
func (db *DB) CountPollVotes(ctx context.Context, objectId string) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT choice, COUNT(*) FROM poll_votes WHERE object_id = ? GROUP BY choice`, objectId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tally := make(map[string]int)
	for rows.Next() {
		var choice string
		var n int
		if err := rows.Scan(&choice, &n); err != nil {
			return tally, err
		}
		tally[choice] = n
	}
	return tally, rows.Err()
}

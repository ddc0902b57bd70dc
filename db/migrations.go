package db

import (
	"context"
	"database/sql"
	"encoding/json"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		web_public_key TEXT,
		web_private_key TEXT,
		manually_approves INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	// Remote accounts cache table
	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		followers_uri TEXT,
		public_key_pem TEXT,
		avatar_url TEXT,
		last_fetched_at INTEGER NOT NULL
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_handle ON remote_accounts(username, domain);
	`

	// One table for every content kind
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		local_id TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		actor TEXT NOT NULL,
		to_json TEXT,
		cc_json TEXT,
		bto_json TEXT,
		bcc_json TEXT,
		visibility TEXT NOT NULL,
		context TEXT,
		in_reply_to TEXT,
		content TEXT,
		summary TEXT,
		attachments_json TEXT,
		tags_json TEXT,
		poll_json TEXT,
		story_json TEXT,
		expires_at INTEGER,
		published INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		deleted_at INTEGER,
		is_local INTEGER DEFAULT 0,
		raw TEXT
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_actor ON objects(actor);
		CREATE INDEX IF NOT EXISTS idx_objects_context ON objects(context);
		CREATE INDEX IF NOT EXISTS idx_objects_in_reply_to ON objects(in_reply_to);
		CREATE INDEX IF NOT EXISTS idx_objects_published ON objects(published DESC);
		CREATE INDEX IF NOT EXISTS idx_objects_visibility ON objects(visibility);
	`

	sqlCreateObjectRecipientsTable = `CREATE TABLE IF NOT EXISTS object_recipients (
		object_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		PRIMARY KEY(object_id, recipient)
	)`

	sqlCreateObjectRecipientsIndices = `
		CREATE INDEX IF NOT EXISTS idx_object_recipients_recipient ON object_recipients(recipient);
	`

	sqlCreateMediaTable = `CREATE TABLE IF NOT EXISTS media (
		url TEXT NOT NULL PRIMARY KEY,
		ref_count INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreatePollVotesTable = `CREATE TABLE IF NOT EXISTS poll_votes (
		object_id TEXT NOT NULL,
		voter TEXT NOT NULL,
		choice TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY(object_id, voter, choice)
	)`

	// Follow edges, one row per side
	sqlCreateRelationshipsTable = `CREATE TABLE IF NOT EXISTS relationships (
		id TEXT NOT NULL PRIMARY KEY,
		direction TEXT NOT NULL,
		subject_actor TEXT NOT NULL,
		object_actor TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		accepted_at INTEGER,
		UNIQUE(direction, subject_actor, object_actor)
	)`

	sqlCreateRelationshipsIndices = `
		CREATE INDEX IF NOT EXISTS idx_relationships_object ON relationships(direction, object_actor, status);
		CREATE INDEX IF NOT EXISTS idx_relationships_activity ON relationships(activity_id);
	`

	// Activities log table (for deduplication & outbox)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		local INTEGER DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor ON activities(actor_uri, local);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Delivery queue table
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		target_actor TEXT,
		sender_actor TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		next_retry_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_attempt_at INTEGER,
		UNIQUE(activity_id, inbox_url)
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_pending ON delivery_queue(status, next_retry_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"objects", sqlCreateObjectsTable},
			{"object_recipients", sqlCreateObjectRecipientsTable},
			{"media", sqlCreateMediaTable},
			{"poll_votes", sqlCreatePollVotesTable},
			{"relationships", sqlCreateRelationshipsTable},
			{"activities", sqlCreateActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		indices := map[string]string{
			"remote_accounts":   sqlCreateRemoteAccountsIndices,
			"objects":           sqlCreateObjectsIndices,
			"object_recipients": sqlCreateObjectRecipientsIndices,
			"relationships":     sqlCreateRelationshipsIndices,
			"activities":        sqlCreateActivitiesIndices,
			"delivery_queue":    sqlCreateDeliveryQueueIndices,
		}
		for name, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				db.log.Warnf("Migrations: failed to create %s indices: %v", name, err)
			}
		}

		if err := db.backfillActivityObjectURIs(tx); err != nil {
			db.log.Warnf("Migrations: failed to backfill activity object_uri: %v", err)
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.log.Errorf("Migrations: error creating table %s: %v", tableName, err)
		return err
	}
	db.log.Debugf("Migrations: table %s created or already exists", tableName)
	return nil
}

// backfillActivityObjectURIs extracts object_uri from raw_json for activities that are missing it
func (db *DB) backfillActivityObjectURIs(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT id, raw_json FROM activities WHERE object_uri IS NULL OR object_uri = ''`)
	if err != nil {
		return err
	}

	type pending struct{ id, objectURI string }
	var updates []pending
	for rows.Next() {
		var id, rawJSON string
		if err := rows.Scan(&id, &rawJSON); err != nil {
			continue
		}
		var activity struct {
			Object any `json:"object"`
		}
		if err := json.Unmarshal([]byte(rawJSON), &activity); err != nil {
			continue
		}
		var objectURI string
		switch obj := activity.Object.(type) {
		case string:
			objectURI = obj
		case map[string]any:
			objectURI, _ = obj["id"].(string)
		}
		if objectURI != "" {
			updates = append(updates, pending{id, objectURI})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE activities SET object_uri = ? WHERE id = ?`, u.objectURI, u.id); err != nil {
			db.log.Warnf("Migrations: failed to update activity %s: %v", u.id, err)
		}
	}
	if len(updates) > 0 {
		db.log.Infof("Migrations: backfilled object_uri for %d activities", len(updates))
	}
	return nil
}

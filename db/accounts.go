package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedicore/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, web_public_key, web_private_key,
		manually_approves, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key,
		manually_approves, created_at FROM accounts`
	sqlUpdateAccountProfile = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ?, manually_approves = ? WHERE id = ?`

	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri,
		shared_inbox_uri, outbox_uri, followers_uri, public_key_pem, avatar_url, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET username = excluded.username, domain = excluded.domain,
		display_name = excluded.display_name, summary = excluded.summary, inbox_uri = excluded.inbox_uri,
		shared_inbox_uri = excluded.shared_inbox_uri, outbox_uri = excluded.outbox_uri,
		followers_uri = excluded.followers_uri, public_key_pem = excluded.public_key_pem,
		avatar_url = excluded.avatar_url, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountColumns = `SELECT actor_uri, username, domain, display_name, summary, inbox_uri, shared_inbox_uri,
		outbox_uri, followers_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts`
)

func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.WebPublicKey,
			acc.WebPrivateKey,
			acc.ManuallyApprovesFollowers,
			toUnix(acc.CreatedAt),
		)
		return err
	})
}

func (db *DB) UpdateAccountProfile(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateAccountProfile, acc.DisplayName, acc.Summary, acc.AvatarURL,
			acc.ManuallyApprovesFollowers, acc.Id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountColumns+` WHERE username = ?`, username))
	return acc, notFound(err)
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acc, err := scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountColumns+` WHERE id = ?`, id.String()))
	return acc, notFound(err)
}

// ReadAllAccounts lists local accounts by username.
func (db *DB) ReadAllAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccountColumns+` ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acc                                  domain.Account
		id                                   string
		displayName, summary, avatar, pubKey sql.NullString
		privKey                              sql.NullString
		createdAt                            int64
	)
	if err := row.Scan(&id, &acc.Username, &displayName, &summary, &avatar, &pubKey, &privKey,
		&acc.ManuallyApprovesFollowers, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	acc.Id = parsed
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.AvatarURL = avatar.String
	acc.WebPublicKey = pubKey.String
	acc.WebPrivateKey = privKey.String
	acc.CreatedAt = fromUnix(createdAt)
	return &acc, nil
}

// UpsertRemoteAccount stores the latest fetched copy of a remote actor.
// Concurrent refreshes race and the last write wins.
func (db *DB) UpsertRemoteAccount(ctx context.Context, actor *domain.Actor) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			uuid.New().String(),
			actor.Username,
			actor.Domain,
			actor.URI,
			actor.DisplayName,
			actor.Summary,
			actor.InboxURI,
			actor.SharedInbox,
			actor.OutboxURI,
			actor.FollowersURI,
			actor.PublicKeyPem,
			actor.AvatarURL,
			toUnix(actor.LastFetchedAt),
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	actor, err := scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccountColumns+` WHERE actor_uri = ?`, uri))
	return actor, notFound(err)
}

func (db *DB) ReadRemoteAccountByHandle(ctx context.Context, username, domainName string) (*domain.Actor, error) {
	actor, err := scanRemoteAccount(db.db.QueryRowContext(ctx,
		sqlSelectRemoteAccountColumns+` WHERE username = ? AND domain = ? ORDER BY last_fetched_at DESC LIMIT 1`,
		username, domainName))
	return actor, notFound(err)
}

// DeleteStaleRemoteAccounts drops cached actors not fetched since before.
func (db *DB) DeleteStaleRemoteAccounts(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM remote_accounts WHERE last_fetched_at < ?`, toUnix(before))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func scanRemoteAccount(row rowScanner) (*domain.Actor, error) {
	var (
		actor                                domain.Actor
		displayName, summary, shared, outbox sql.NullString
		followers, pubKey, avatar            sql.NullString
		fetchedAt                            int64
	)
	if err := row.Scan(&actor.URI, &actor.Username, &actor.Domain, &displayName, &summary, &actor.InboxURI,
		&shared, &outbox, &followers, &pubKey, &avatar, &fetchedAt); err != nil {
		return nil, err
	}
	actor.DisplayName = displayName.String
	actor.Summary = summary.String
	actor.SharedInbox = shared.String
	actor.OutboxURI = outbox.String
	actor.FollowersURI = followers.String
	actor.PublicKeyPem = pubKey.String
	actor.AvatarURL = avatar.String
	actor.LastFetchedAt = fromUnix(fetchedAt)
	return &actor, nil
}

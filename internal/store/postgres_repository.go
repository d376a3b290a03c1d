/**
 * @description
 * This file provides the PostgreSQL implementation of the ProfileStore. Each
 * identity owns one JSONB document in `user_profiles`; patches are merged in a
 * single statement so concurrent writers never lose each other's keys. PIN
 * attempt counting runs as one locked UPDATE ... RETURNING for the same reason.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/transfa/session-service/internal/domain"
)

const profileSchemaDDL = `
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id    TEXT PRIMARY KEY,
		fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// recordFailedPinAttemptSQL locks the row, derives the next count, and writes it
// back in one statement. $2 is the attempt limit, $3 the current time and $4 the
// lockout expiry as a JSON value.
const recordFailedPinAttemptSQL = `
	WITH prior_attempts AS (
		SELECT user_id,
			COALESCE((fields->>'pin.attempts')::int, 0) AS attempts,
			(fields->>'pin.lockoutExpiry')::timestamptz AS lockout_expiry
		FROM user_profiles
		WHERE user_id = $1
		FOR UPDATE
	), next_attempts AS (
		SELECT user_id,
			COALESCE(lockout_expiry > $3, false) AS locked,
			CASE
				WHEN lockout_expiry > $3 THEN attempts
				WHEN lockout_expiry IS NOT NULL THEN 1
				WHEN attempts >= $2 THEN 1
				ELSE attempts + 1
			END AS attempts
		FROM prior_attempts
	)
	UPDATE user_profiles p
	SET fields = CASE
			WHEN n.locked THEN p.fields
			ELSE jsonb_strip_nulls(p.fields || jsonb_build_object(
				'pin.attempts', n.attempts,
				'pin.lockoutExpiry', CASE WHEN n.attempts >= $2 THEN $4::jsonb ELSE NULL END
			))
		END,
		updated_at = NOW()
	FROM next_attempts n
	WHERE p.user_id = n.user_id
	RETURNING n.locked,
		COALESCE((p.fields->>'pin.attempts')::int, 0),
		(p.fields->>'pin.lockoutExpiry')::timestamptz
`

// clearPinAttemptsSQL drops the attempt keys unless a lockout is active at $2.
const clearPinAttemptsSQL = `
	UPDATE user_profiles
	SET fields = fields - 'pin.attempts' - 'pin.lockoutExpiry',
		updated_at = NOW()
	WHERE user_id = $1
		AND fields ?| ARRAY['pin.attempts', 'pin.lockoutExpiry']
		AND NOT COALESCE((fields->>'pin.lockoutExpiry')::timestamptz > $2, false)
`

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProfileStore is the remote ProfileStore.
type PostgresProfileStore struct {
	db       DBTX
	notifier *changeNotifier
}

// NewPostgresProfileStore creates a new PostgresProfileStore.
func NewPostgresProfileStore(db DBTX) *PostgresProfileStore {
	return &PostgresProfileStore{db: db, notifier: newChangeNotifier()}
}

// EnsureSchema creates the profile table when it does not exist yet.
func (r *PostgresProfileStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, profileSchemaDDL); err != nil {
		return fmt.Errorf("ensure user_profiles schema: %w", err)
	}
	return nil
}

// Get returns the stored profile. A missing row yields empty fields.
func (r *PostgresProfileStore) Get(ctx context.Context, identityID string) (domain.ProfileFields, error) {
	var raw []byte
	query := `SELECT fields FROM user_profiles WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, identityID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProfileFields{}, nil
		}
		return domain.ProfileFields{}, err
	}

	doc := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return domain.ProfileFields{}, fmt.Errorf("decode user_profiles.fields: %w", err)
		}
	}
	return domain.DecodeProfile(doc)
}

// Set merges the patch into the stored document. Removed keys are written as JSON
// null and then stripped, which deletes them.
func (r *PostgresProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	if len(patch) == 0 {
		return nil
	}
	encoded, err := patch.Encode()
	if err != nil {
		return err
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal profile patch: %w", err)
	}

	query := `
		INSERT INTO user_profiles (user_id, fields, updated_at)
		VALUES ($1, jsonb_strip_nulls($2::jsonb), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET fields = jsonb_strip_nulls(user_profiles.fields || $2::jsonb),
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, identityID, string(body)); err != nil {
		return err
	}

	r.notifier.publish(identityID, patch)
	return nil
}

func (r *PostgresProfileStore) Subscribe(identityID string, onChange func(domain.ProfilePatch)) func() {
	return r.notifier.subscribe(identityID, onChange)
}

// RecordFailedPinAttempt counts one failed entry with a single UPDATE ... RETURNING,
// so instances sharing the table serialize on the row lock.
func (r *PostgresProfileStore) RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error) {
	expiry, err := json.Marshal(now.Add(policy.LockoutDuration))
	if err != nil {
		return domain.AttemptOutcome{}, fmt.Errorf("marshal lockout expiry: %w", err)
	}

	var (
		locked   bool
		attempts int
		lockout  *time.Time
	)
	err = r.db.QueryRow(ctx, recordFailedPinAttemptSQL, identityID, policy.MaxAttempts, now, string(expiry)).
		Scan(&locked, &attempts, &lockout)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AttemptOutcome{}, ErrProfileNotFound
		}
		return domain.AttemptOutcome{}, err
	}

	record := domain.AttemptRecord{Attempts: attempts, LockoutExpiry: lockout}
	if !locked {
		r.notifier.publish(identityID, record.Patch())
	}
	return domain.AttemptOutcome{Record: record, Counted: !locked}, nil
}

// ClearPinAttempts removes the attempt keys unless a lockout is active at now.
// When nothing was cleared the stored record is read back.
func (r *PostgresProfileStore) ClearPinAttempts(ctx context.Context, identityID string, now time.Time) (domain.AttemptRecord, error) {
	tag, err := r.db.Exec(ctx, clearPinAttemptsSQL, identityID, now)
	if err != nil {
		return domain.AttemptRecord{}, err
	}
	if tag.RowsAffected() > 0 {
		r.notifier.publish(identityID, domain.AttemptRecord{}.Patch())
		return domain.AttemptRecord{}, nil
	}
	fields, err := r.Get(ctx, identityID)
	if err != nil {
		return domain.AttemptRecord{}, err
	}
	return fields.Attempts(), nil
}

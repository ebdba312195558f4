package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG keeps attempt counters in the auth_limiter table. Failures inside the
// window accumulate; once they reach maxFails the pair is locked out for
// blockFor. A failure after the window has lapsed restarts the count at 1.
type PG struct {
	db       querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewPG builds a limiter on a live pgx pool.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: pool, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewPGWithQuerier builds a limiter on any querier, mocks included.
func NewPGWithQuerier(q querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashIP hashes a client address so raw IPs never reach the table.
func HashIP(ip string) []byte {
	sum := sha256.Sum256([]byte(ip))
	return sum[:]
}

// Allow checks whether the pair is currently locked out.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=$1 AND ip_hash=$2`

	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, username, ipHash).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if remaining := time.Until(blockedUntil); remaining > 0 {
		return false, remaining, nil
	}
	return true, 0, nil
}

// Success zeroes the counter and lifts any lockout.
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (username, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`

	_, err := l.db.Exec(ctx, q, username, ipHash)
	return err
}

// Failure bumps the counter, restarting it when the window has lapsed, and
// installs a lockout at the threshold.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const bump = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (username, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - auth_limiter.updated_at > $3::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`

	var fails int
	if err := l.db.QueryRow(ctx, bump, username, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}

	const lock = `UPDATE auth_limiter SET blocked_until=$3 WHERE username=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, lock, username, ipHash, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}

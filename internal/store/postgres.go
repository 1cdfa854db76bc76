package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/stakeops/internal/domain"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const stakeColumns = `id, account_id, amount, status, started_at, ended_at, COALESCE(ledger_ref, ''), COALESCE(ended_ref, '')`

const pendingColumns = `idempotency_key, account_id, kind, amount, status, ledger_ref, payload, reason, attempts, created_at, updated_at, resolved_at`

type Postgres struct {
	Db *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// EnsureSchema creates the mirror tables when they are missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CopyAccounts bulk-loads accounts for the given principals.
func (s *Postgres) CopyAccounts(ctx context.Context, principals []string) (int64, error) {
	rows := make([][]interface{}, len(principals))
	for i, p := range principals {
		rows[i] = []interface{}{p}
	}
	return s.Db.CopyFrom(ctx, pgx.Identifier{"accounts"}, []string{"principal_key"}, pgx.CopyFromRows(rows))
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (s *Postgres) EnsureAccount(ctx context.Context, principal string) (*domain.Account, error) {
	var a domain.Account
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.Db.QueryRow(ctx, `
		INSERT INTO accounts (principal_key) VALUES ($1)
		ON CONFLICT (principal_key) DO UPDATE SET principal_key = EXCLUDED.principal_key
		RETURNING id, principal_key, name, email, created_at`,
		principal,
	).Scan(&a.ID, &a.PrincipalKey, &a.Name, &a.Email, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return &a, nil
}

func (s *Postgres) getAccount(ctx context.Context, where string, arg interface{}) (*domain.Account, error) {
	var a domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, principal_key, name, email, created_at FROM accounts WHERE "+where+" = $1", arg,
	).Scan(&a.ID, &a.PrincipalKey, &a.Name, &a.Email, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return s.getAccount(ctx, "id", id)
}

func (s *Postgres) AccountByPrincipal(ctx context.Context, principal string) (*domain.Account, error) {
	return s.getAccount(ctx, "principal_key", principal)
}

func (s *Postgres) UpdateProfile(ctx context.Context, id int64, name, email string) (*domain.Account, error) {
	var a domain.Account
	err := s.Db.QueryRow(ctx,
		"UPDATE accounts SET name = $2, email = $3 WHERE id = $1 RETURNING id, principal_key, name, email, created_at",
		id, name, email,
	).Scan(&a.ID, &a.PrincipalKey, &a.Name, &a.Email, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) CreatePending(ctx context.Context, op *domain.PendingOperation) (*domain.PendingOperation, bool, error) {
	created := op.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx, `
		INSERT INTO pending_operations
			(idempotency_key, account_id, kind, amount, status, ledger_ref, payload, reason, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		op.IdempotencyKey, op.AccountID, string(op.Kind), op.Amount, string(op.Status),
		op.LedgerRef, op.Payload, op.Reason, op.Attempts, created,
	)
	if err != nil {
		if !isPgCode(err, codeUniqueViolation) {
			return nil, false, fmt.Errorf("pending insert failed: %w", err)
		}
		existing, err := s.GetPending(ctx, op.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	stored := *op
	stored.CreatedAt, stored.UpdatedAt = created, created
	return &stored, true, nil
}

func (s *Postgres) GetPending(ctx context.Context, key string) (*domain.PendingOperation, error) {
	return scanPending(s.Db.QueryRow(ctx, "SELECT "+pendingColumns+" FROM pending_operations WHERE idempotency_key = $1", key))
}

func (s *Postgres) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]domain.PendingOperation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.Db.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_operations
		WHERE status IN ('submitted', 'unknown') AND created_at < $1
		ORDER BY created_at, idempotency_key
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectPending(rows)
}

func (s *Postgres) ListUnresolvedForAccount(ctx context.Context, accountID int64) ([]domain.PendingOperation, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_operations
		WHERE status IN ('submitted', 'unknown') AND account_id = $1
		ORDER BY created_at, idempotency_key`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPending(rows)
}

func (s *Postgres) ActiveStakes(ctx context.Context, accountID int64) ([]domain.Stake, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+stakeColumns+" FROM stakes WHERE account_id = $1 AND status = 'active' ORDER BY started_at, id",
		accountID)
	if err != nil {
		return nil, err
	}
	return collectStakes(rows)
}

func (s *Postgres) Stakes(ctx context.Context, accountID int64) ([]domain.Stake, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+stakeColumns+" FROM stakes WHERE account_id = $1 ORDER BY started_at, id",
		accountID)
	if err != nil {
		return nil, err
	}
	return collectStakes(rows)
}

func (s *Postgres) AccountTotals(ctx context.Context, accountID int64) (domain.AccountTotals, error) {
	var t domain.AccountTotals
	err := s.Db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'active'), 0),
			COALESCE(SUM(amount), 0),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*)
		FROM stakes WHERE account_id = $1`, accountID,
	).Scan(&t.ActiveStaked, &t.LifetimeStaked, &t.ActiveStakes, &t.TotalStakes)
	if err != nil {
		return t, fmt.Errorf("stake totals: %w", err)
	}
	err = s.Db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM rewards WHERE account_id = $1", accountID,
	).Scan(&t.Claimed, &t.RewardCount)
	if err != nil {
		return t, fmt.Errorf("reward totals: %w", err)
	}
	return t, nil
}

func (s *Postgres) PlatformTotals(ctx context.Context) (domain.PlatformTotals, error) {
	var t domain.PlatformTotals
	err := s.Db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM stakes),
			(SELECT COUNT(*) FROM stakes WHERE status = 'active'),
			(SELECT COUNT(*) FROM rewards),
			(SELECT COALESCE(SUM(amount), 0) FROM stakes WHERE status = 'active'),
			(SELECT COALESCE(SUM(amount), 0) FROM rewards)`,
	).Scan(&t.Users, &t.Stakes, &t.ActiveStakes, &t.Rewards, &t.ActiveStaked, &t.RewardsDistributed)
	if err != nil {
		return t, fmt.Errorf("platform totals: %w", err)
	}
	return t, nil
}

// WithinTx runs fn under repeatable-read isolation, retrying serialization
// failures and deadlocks with exponential backoff.
func (s *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := s.runTx(ctx, fn)
		if err == nil || isPgCode(err, codeSerializationFailure) || isPgCode(err, codeDeadlockDetected) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func (s *Postgres) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockPending(ctx context.Context, key string) (*domain.PendingOperation, error) {
	return scanPending(t.tx.QueryRow(ctx,
		"SELECT "+pendingColumns+" FROM pending_operations WHERE idempotency_key = $1 FOR UPDATE", key))
}

func (t *pgTx) UpdatePending(ctx context.Context, op *domain.PendingOperation, from domain.OperationStatus) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE pending_operations
		SET status = $2, ledger_ref = $3, reason = $4, attempts = $5, updated_at = $6, resolved_at = $7
		WHERE idempotency_key = $1 AND status = $8`,
		op.IdempotencyKey, string(op.Status), op.LedgerRef, op.Reason, op.Attempts, now, op.ResolvedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("pending update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	op.UpdatedAt = now
	return nil
}

func (t *pgTx) StakeByRef(ctx context.Context, ref string) (*domain.Stake, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+stakeColumns+" FROM stakes WHERE ledger_ref = $1", ref)
	if err != nil {
		return nil, err
	}
	stakes, err := collectStakes(rows)
	if err != nil || len(stakes) == 0 {
		return nil, err
	}
	return &stakes[0], nil
}

func (t *pgTx) InsertStake(ctx context.Context, s *domain.Stake) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stakes (account_id, amount, status, started_at, ended_at, ledger_ref, ended_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		RETURNING id`,
		s.AccountID, s.Amount, string(s.Status), s.StartedAt, s.EndedAt, s.LedgerRef, s.EndedRef,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, codeUniqueViolation) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("stake insert failed: %w", err)
	}
	return id, nil
}

func (t *pgTx) LockActiveStakes(ctx context.Context, accountID int64) ([]domain.Stake, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+stakeColumns+" FROM stakes WHERE account_id = $1 AND status = 'active' ORDER BY started_at, id FOR UPDATE",
		accountID)
	if err != nil {
		return nil, err
	}
	return collectStakes(rows)
}

func (t *pgTx) StakesEndedBy(ctx context.Context, ref string) ([]int64, error) {
	rows, err := t.tx.Query(ctx, "SELECT id FROM stakes WHERE ended_ref = $1 ORDER BY id", ref)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *pgTx) CompleteStakes(ctx context.Context, ids []int64, endedRef string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stakes SET status = 'completed', ended_at = $2, ended_ref = $3
		WHERE id = ANY($1) AND status = 'active'`,
		ids, at, endedRef,
	)
	if err != nil {
		return fmt.Errorf("stake completion failed: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) RewardByRef(ctx context.Context, ref string) (*domain.Reward, error) {
	var r domain.Reward
	err := t.tx.QueryRow(ctx,
		"SELECT id, account_id, amount, claimed_at, ledger_ref FROM rewards WHERE ledger_ref = $1", ref,
	).Scan(&r.ID, &r.AccountID, &r.Amount, &r.ClaimedAt, &r.LedgerRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) InsertReward(ctx context.Context, r *domain.Reward) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		"INSERT INTO rewards (account_id, amount, claimed_at, ledger_ref) VALUES ($1, $2, $3, $4) RETURNING id",
		r.AccountID, r.Amount, r.ClaimedAt, r.LedgerRef,
	).Scan(&id)
	if err != nil {
		if isPgCode(err, codeUniqueViolation) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("reward insert failed: %w", err)
	}
	return id, nil
}

func scanPending(row pgx.Row) (*domain.PendingOperation, error) {
	var (
		op           domain.PendingOperation
		kind, status string
	)
	err := row.Scan(&op.IdempotencyKey, &op.AccountID, &kind, &op.Amount, &status, &op.LedgerRef,
		&op.Payload, &op.Reason, &op.Attempts, &op.CreatedAt, &op.UpdatedAt, &op.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, err
	}
	op.Kind, op.Status = domain.Action(kind), domain.OperationStatus(status)
	return &op, nil
}

func collectPending(rows pgx.Rows) ([]domain.PendingOperation, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PendingOperation, error) {
		op, err := scanPending(row)
		if err != nil {
			return domain.PendingOperation{}, err
		}
		return *op, nil
	})
}

func collectStakes(rows pgx.Rows) ([]domain.Stake, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Stake, error) {
		var (
			s      domain.Stake
			status string
		)
		err := row.Scan(&s.ID, &s.AccountID, &s.Amount, &status, &s.StartedAt, &s.EndedAt, &s.LedgerRef, &s.EndedRef)
		s.Status = domain.StakeStatus(status)
		return s, err
	})
}

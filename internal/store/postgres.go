package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Multi-row writes run in one transaction and lock the rows they
// compare-and-set with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, referred_by_id, balance, created_at) VALUES ($1, $2, 0, $3)`,
		u.ID, nullString(u.ReferredByID), createdAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already exists: %w", u.ID, model.ErrConflict)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("referrer %s: %w", u.ReferredByID, model.ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var referredBy *string
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, referred_by_id, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &referredBy, &balance, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	if referredBy != nil {
		u.ReferredByID = *referredBy
	}
	u.Balance = dec(balance)
	return &u, nil
}

// --- Catalog ---

func (s *PostgresStore) UpsertPlan(ctx context.Context, p *model.Plan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plans (id, name, daily_roi, total_roi, duration_days, min_amount, max_amount, active)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name, daily_roi = EXCLUDED.daily_roi, total_roi = EXCLUDED.total_roi,
		     duration_days = EXCLUDED.duration_days, min_amount = EXCLUDED.min_amount,
		     max_amount = EXCLUDED.max_amount, active = EXCLUDED.active`,
		p.ID, p.Name, p.DailyROI.String(), p.TotalROI.String(), p.DurationDays,
		p.MinAmount.String(), p.MaxAmount.String(), p.Active,
	)
	return err
}

const planColumns = `id, name, daily_roi::TEXT, total_roi::TEXT, duration_days, min_amount::TEXT, max_amount::TEXT, active`

func scanPlan(row scanner) (*model.Plan, error) {
	var p model.Plan
	var daily, total, minA, maxA string
	if err := row.Scan(&p.ID, &p.Name, &daily, &total, &p.DurationDays, &minA, &maxA, &p.Active); err != nil {
		return nil, err
	}
	p.DailyROI = dec(daily)
	p.TotalROI = dec(total)
	p.MinAmount = dec(minA)
	p.MaxAmount = dec(maxA)
	return &p, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "plan", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) UpsertCurrency(ctx context.Context, c *model.Currency) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO currencies (id, symbol, network, gateway_code, min_deposit_usd, active)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     symbol = EXCLUDED.symbol, network = EXCLUDED.network, gateway_code = EXCLUDED.gateway_code,
		     min_deposit_usd = EXCLUDED.min_deposit_usd, active = EXCLUDED.active`,
		c.ID, c.Symbol, c.Network, c.GatewayCode, c.MinDepositUSD.String(), c.Active,
	)
	return err
}

const currencyColumns = `id, symbol, network, gateway_code, min_deposit_usd::TEXT, active`

func scanCurrency(row scanner) (*model.Currency, error) {
	var c model.Currency
	var minDep string
	if err := row.Scan(&c.ID, &c.Symbol, &c.Network, &c.GatewayCode, &minDep, &c.Active); err != nil {
		return nil, err
	}
	c.MinDepositUSD = dec(minDep)
	return &c, nil
}

func (s *PostgresStore) GetCurrency(ctx context.Context, id string) (*model.Currency, error) {
	c, err := scanCurrency(s.pool.QueryRow(ctx, `SELECT `+currencyColumns+` FROM currencies WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "currency", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+currencyColumns+` FROM currencies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Currency
	for rows.Next() {
		c, err := scanCurrency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- Immutable ledger ---

func (s *PostgresStore) PostEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return postEntry(ctx, tx, e)
	})
}

// postEntry locks the user row, rejects debits the ledger sum cannot cover,
// appends the entry and moves the materialized balance by the same amount.
func postEntry(ctx context.Context, q querier, e *model.LedgerEntry) error {
	if err := lockUser(ctx, q, e.UserID); err != nil {
		return err
	}
	if e.Amount.IsNegative() {
		var sumS string
		if err := q.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0)::TEXT FROM ledger_entries WHERE user_id = $1`, e.UserID,
		).Scan(&sumS); err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}
		if sum := dec(sumS); sum.Add(e.Amount).IsNegative() {
			return fmt.Errorf("balance %s cannot cover %s: %w", sum, e.Amount.Neg(), model.ErrInsufficientBalance)
		}
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, kind, amount, related_id, memo, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		e.ID, e.UserID, string(e.Kind), e.Amount.String(), e.RelatedID, e.Memo, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if _, err := q.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		e.UserID, e.Amount.String(),
	); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, related_id, memo, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amount string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &e.RelatedID, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		e.Amount = dec(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumLedger(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(sum), nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, notFound(err, "user", userID)
	}
	return dec(balance), nil
}

func lockUser(ctx context.Context, q querier, userID string) error {
	var id string
	if err := q.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id); err != nil {
		return notFound(err, "user", userID)
	}
	return nil
}

// RepairBalance holds the user row lock across the sum and the write so a
// concurrent posting cannot land between them.
func (s *PostgresStore) RepairBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`UPDATE users SET balance = (
			     SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
			 ) WHERE id = $1
			 RETURNING balance::TEXT`, userID).Scan(&balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return dec(balance), nil
}

// --- Stakes ---

const stakeColumns = `id, user_id, plan_id, amount::TEXT, currency, daily_roi::TEXT, total_roi::TEXT,
	duration_days, expected_return::TEXT, total_earned::TEXT, payments_count,
	start_date, end_date, next_process_at, status, hold_reason, created_at, updated_at`

func scanStake(row scanner) (*model.Stake, error) {
	var st model.Stake
	var amount, daily, total, expected, earned, status string
	if err := row.Scan(&st.ID, &st.UserID, &st.PlanID, &amount, &st.Currency, &daily, &total,
		&st.DurationDays, &expected, &earned, &st.PaymentsCount,
		&st.StartDate, &st.EndDate, &st.NextProcessAt, &status, &st.HoldReason,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Amount = dec(amount)
	st.DailyROI = dec(daily)
	st.TotalROI = dec(total)
	st.ExpectedReturn = dec(expected)
	st.TotalEarned = dec(earned)
	st.Status = model.StakeStatus(status)
	return &st, nil
}

func scanStakes(rows pgx.Rows) ([]model.Stake, error) {
	defer rows.Close()
	var out []model.Stake
	for rows.Next() {
		st, err := scanStake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateStake(ctx context.Context, st *model.Stake, debit *model.LedgerEntry, admit AdmitFunc) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, st.UserID); err != nil {
			return err
		}
		if admit != nil {
			rows, err := tx.Query(ctx,
				`SELECT `+stakeColumns+` FROM stakes WHERE user_id = $1 ORDER BY created_at DESC`, st.UserID)
			if err != nil {
				return err
			}
			existing, err := scanStakes(rows)
			if err != nil {
				return err
			}
			if err := admit(existing); err != nil {
				return err
			}
		}
		if err := postEntry(ctx, tx, debit); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO stakes (id, user_id, plan_id, amount, currency, daily_roi, total_roi, duration_days,
			     expected_return, total_earned, payments_count, start_date, end_date, next_process_at,
			     status, hold_reason, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8,
			     $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15, $16, $17, $18)`,
			st.ID, st.UserID, st.PlanID, st.Amount.String(), st.Currency, st.DailyROI.String(),
			st.TotalROI.String(), st.DurationDays, st.ExpectedReturn.String(), st.TotalEarned.String(),
			st.PaymentsCount, st.StartDate, st.EndDate, st.NextProcessAt,
			string(st.Status), st.HoldReason, st.CreatedAt, st.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("stake %s already exists: %w", st.ID, model.ErrConflict)
		}
		return err
	})
}

func (s *PostgresStore) GetStake(ctx context.Context, id string) (*model.Stake, error) {
	st, err := scanStake(s.pool.QueryRow(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "stake", id)
	}
	return st, nil
}

func (s *PostgresStore) ListStakesByUser(ctx context.Context, userID string) ([]model.Stake, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanStakes(rows)
}

func (s *PostgresStore) ListDueStakes(ctx context.Context, now time.Time, limit int) ([]model.Stake, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes
		 WHERE status = 'ACTIVE' AND hold_reason = '' AND payments_count < duration_days
		   AND next_process_at <= $1
		 ORDER BY next_process_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanStakes(rows)
}

func (s *PostgresStore) ListPendingStakes(ctx context.Context, limit int) ([]model.Stake, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stakeColumns+` FROM stakes
		 WHERE status = 'PENDING' AND hold_reason = ''
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanStakes(rows)
}

func (s *PostgresStore) ApplyAccrual(ctx context.Context, a *model.Accrual) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := scanStake(tx.QueryRow(ctx,
			`SELECT `+stakeColumns+` FROM stakes WHERE id = $1 FOR UPDATE`, a.StakeID))
		if err != nil {
			return notFound(err, "stake", a.StakeID)
		}
		if st.Status.Terminal() {
			return fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
		}
		if st.Status != model.StakeActive || st.HoldReason != "" {
			return fmt.Errorf("stake %s not accruing: %w", st.ID, model.ErrConflict)
		}

		var paid int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE stake_id = $1`, st.ID).Scan(&paid); err != nil {
			return err
		}
		if !st.NextProcessAt.Equal(a.ExpectedNextProcessAt) ||
			st.PaymentsCount != a.ExpectedPaymentsCount || paid != a.ExpectedPaymentsCount {
			return fmt.Errorf("stake %s advanced by another worker: %w", st.ID, model.ErrConflict)
		}
		if a.NewTotalEarned.GreaterThan(st.ExpectedReturn) {
			return fmt.Errorf("stake %s would exceed expected return: %w", st.ID, model.ErrInconsistent)
		}

		p := a.Payment
		if _, err := tx.Exec(ctx,
			`INSERT INTO payments (id, stake_id, user_id, day_index, amount, date, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			p.ID, p.StakeID, p.UserID, p.DayIndex, p.Amount.String(), p.Date, p.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("payment day %d for stake %s exists: %w", p.DayIndex, st.ID, model.ErrConflict)
			}
			return err
		}

		status := st.Status
		if a.Complete {
			status = model.StakeCompleted
		}
		if _, err := tx.Exec(ctx,
			`UPDATE stakes SET total_earned = $2::NUMERIC, payments_count = payments_count + 1,
			     next_process_at = $3, status = $4, updated_at = $5
			 WHERE id = $1`,
			st.ID, a.NewTotalEarned.String(), a.NewNextProcessAt, string(status), a.At,
		); err != nil {
			return err
		}

		if a.Credit != nil {
			if err := postEntry(ctx, tx, a.Credit); err != nil {
				return err
			}
		}
		if r := a.Referral; r != nil {
			e := r.Earning
			if _, err := tx.Exec(ctx,
				`INSERT INTO referral_earnings (id, user_id, from_user_id, stake_id, payment_date,
				     amount, percentage, type, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
				e.ID, e.UserID, e.FromUserID, e.StakeID, e.PaymentDate,
				e.Amount.String(), e.Percentage.String(), e.Type, e.CreatedAt,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("referral earning for %s on %s exists: %w",
						st.ID, e.PaymentDate.Format(time.DateOnly), model.ErrConflict)
				}
				return err
			}
			if err := postEntry(ctx, tx, &r.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) TransitionStake(ctx context.Context, t *StakeTransition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		st, err := scanStake(tx.QueryRow(ctx,
			`SELECT `+stakeColumns+` FROM stakes WHERE id = $1 FOR UPDATE`, t.StakeID))
		if err != nil {
			return notFound(err, "stake", t.StakeID)
		}
		if st.Status.Terminal() {
			return fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
		}
		if st.Status != t.From {
			return fmt.Errorf("stake %s is %s, expected %s: %w", st.ID, st.Status, t.From, model.ErrConflict)
		}
		if t.Refund != nil {
			t.Refund.Amount = st.RefundOnCancel()
		}

		if t.Rebase != nil {
			ApplyRebase(st, *t.Rebase)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE stakes SET status = $2, start_date = $3, end_date = $4, next_process_at = $5, updated_at = $6
			 WHERE id = $1`,
			st.ID, string(t.To), st.StartDate, st.EndDate, st.NextProcessAt, t.At,
		); err != nil {
			return err
		}
		if t.Refund != nil && t.Refund.Amount.IsPositive() {
			return postEntry(ctx, tx, t.Refund)
		}
		return nil
	})
}

func (s *PostgresStore) HoldStake(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE stakes SET hold_reason = $2, updated_at = now() WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stake %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, stakeID string) ([]model.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stake_id, user_id, day_index, amount::TEXT, date, created_at
		 FROM payments WHERE stake_id = $1 ORDER BY day_index`, stakeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		var p model.Payment
		var amount string
		if err := rows.Scan(&p.ID, &p.StakeID, &p.UserID, &p.DayIndex, &amount, &p.Date, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Amount = dec(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Deposits ---

const depositColumns = `id, user_id, currency_id, amount_usd::TEXT, pay_amount::TEXT, pay_currency, address,
	gateway_payment_id, gateway_status, expires_at, status, cancel_requested_at, created_at, updated_at`

func scanDeposit(row scanner) (*model.DepositRequest, error) {
	var d model.DepositRequest
	var amountUSD, payAmount, status string
	if err := row.Scan(&d.ID, &d.UserID, &d.CurrencyID, &amountUSD, &payAmount, &d.PayCurrency, &d.Address,
		&d.GatewayPaymentID, &d.GatewayStatus, &d.ExpiresAt, &status, &d.CancelRequestedAt,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.AmountUSD = dec(amountUSD)
	d.PayAmount = dec(payAmount)
	d.Status = model.DepositStatus(status)
	return &d, nil
}

func scanDeposits(rows pgx.Rows) ([]model.DepositRequest, error) {
	defer rows.Close()
	var out []model.DepositRequest
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *model.DepositRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deposit_requests (id, user_id, currency_id, amount_usd, pay_amount, pay_currency, address,
		     gateway_payment_id, gateway_status, expires_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.UserID, d.CurrencyID, d.AmountUSD.String(), d.PayAmount.String(), d.PayCurrency, d.Address,
		d.GatewayPaymentID, d.GatewayStatus, d.ExpiresAt, string(d.Status), d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("deposit %s already tracked: %w", d.GatewayPaymentID, model.ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetDeposit(ctx context.Context, id string) (*model.DepositRequest, error) {
	d, err := scanDeposit(s.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposit_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "deposit", id)
	}
	return d, nil
}

func (s *PostgresStore) GetDepositByGatewayID(ctx context.Context, gatewayPaymentID string) (*model.DepositRequest, error) {
	d, err := scanDeposit(s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposit_requests WHERE gateway_payment_id = $1`, gatewayPaymentID))
	if err != nil {
		return nil, notFound(err, "deposit for gateway payment", gatewayPaymentID)
	}
	return d, nil
}

func (s *PostgresStore) ListDepositsByUser(ctx context.Context, userID string) ([]model.DepositRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposit_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanDeposits(rows)
}

func (s *PostgresStore) ListOpenDeposits(ctx context.Context, limit int) ([]model.DepositRequest, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposit_requests
		 WHERE status IN ('PENDING', 'PARTIALLY_PAID')
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanDeposits(rows)
}

func (s *PostgresStore) TransitionDeposit(ctx context.Context, t *model.DepositTransition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM deposit_requests WHERE id = $1 FOR UPDATE`, t.DepositID).Scan(&current)
		if err != nil {
			return notFound(err, "deposit", t.DepositID)
		}
		if !statusIn(model.DepositStatus(current), t.From) {
			return fmt.Errorf("deposit %s is %s: %w", t.DepositID, current, model.ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE deposit_requests
			 SET status = $2, gateway_status = COALESCE(NULLIF($3, ''), gateway_status), updated_at = $4
			 WHERE id = $1`,
			t.DepositID, string(t.To), t.GatewayStatus, t.At,
		); err != nil {
			return err
		}
		if t.Credit != nil {
			return postEntry(ctx, tx, t.Credit)
		}
		return nil
	})
}

func (s *PostgresStore) MarkDepositCancelRequested(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deposit_requests SET cancel_requested_at = COALESCE(cancel_requested_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deposit %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Referral earnings ---

func (s *PostgresStore) ListReferralEarnings(ctx context.Context, userID string) ([]model.ReferralEarning, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, from_user_id, stake_id, payment_date, amount::TEXT, percentage::TEXT, type, created_at
		 FROM referral_earnings WHERE user_id = $1 ORDER BY payment_date, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReferralEarning
	for rows.Next() {
		var e model.ReferralEarning
		var amount, pct string
		if err := rows.Scan(&e.ID, &e.UserID, &e.FromUserID, &e.StakeID, &e.PaymentDate,
			&amount, &pct, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.Percentage = dec(pct)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/moonbet/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Atomic units run as SERIALIZABLE transactions with account, market,
// and rate-window rows locked via SELECT ... FOR UPDATE; serialization
// conflicts (SQLSTATE 40001) are retried with backoff.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is the DDL for the engine's tables, applied idempotently at boot.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	balance      NUMERIC NOT NULL CHECK (balance >= 0),
	is_admin     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS markets (
	id           TEXT PRIMARY KEY,
	creator_id   TEXT NOT NULL REFERENCES accounts(id),
	question     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	outcome      TEXT NOT NULL DEFAULT '',
	yes_price    NUMERIC NOT NULL,
	no_price     NUMERIC NOT NULL,
	total_volume NUMERIC NOT NULL DEFAULT 0,
	shares_yes   NUMERIC NOT NULL DEFAULT 0,
	shares_no    NUMERIC NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	market_id  TEXT NOT NULL REFERENCES markets(id),
	side       TEXT NOT NULL,
	direction  TEXT NOT NULL,
	shares     NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	cost       NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_account_idx ON trades (account_id, created_at);
CREATE TABLE IF NOT EXISTS positions (
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	market_id     TEXT NOT NULL REFERENCES markets(id),
	side          TEXT NOT NULL,
	shares        NUMERIC NOT NULL CHECK (shares >= 0),
	average_price NUMERIC NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, market_id, side)
);
CREATE TABLE IF NOT EXISTS rate_limit_windows (
	account_id   TEXT NOT NULL,
	operation    TEXT NOT NULL,
	call_count   INTEGER NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, operation)
);
CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	details       TEXT NOT NULL DEFAULT '',
	success       BOOLEAN NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema applies the engine DDL. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Read-only queries ---

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, display_name, balance::TEXT, is_admin, created_at
		 FROM accounts WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx, marketSelect+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, marketSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows, "")
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id, side, shares::TEXT, average_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, market_id, side, direction,
		        shares::TEXT, price::TEXT, cost::TEXT, created_at
		 FROM trades WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var sharesS, priceS, costS string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.MarketID, &t.Side, &t.Direction,
			&sharesS, &priceS, &costS, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(sharesS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Cost, _ = decimal.NewFromString(costS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Atomic units ---

const (
	maxTxAttempts  = 8
	initialBackoff = 75 * time.Millisecond
	maxBackoff     = 1200 * time.Millisecond
)

// ErrTxConflict is returned when an atomic unit keeps losing
// serialization conflicts after all retries. Callers may retry.
var ErrTxConflict = errors.New("store: transaction conflict, retry")

// Atomic runs fn in a SERIALIZABLE transaction, retrying on
// serialization failures with exponential backoff.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	backoff := initialBackoff
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(&postgresTx{tx: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxTxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// postgresTx implements Tx over one open pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT id, display_name, balance::TEXT, is_admin, created_at
		 FROM accounts WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *postgresTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, display_name, balance, is_admin, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		a.ID, a.DisplayName, a.Balance.String(), a.IsAdmin, a.CreatedAt)
	return err
}

func (t *postgresTx) SetAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		id, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx, marketSelect+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *postgresTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO markets (id, creator_id, question, status, outcome,
		                      yes_price, no_price, total_volume, shares_yes, shares_no, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		m.ID, m.CreatorID, m.Question, m.Status, string(m.Outcome),
		m.YesPrice.String(), m.NoPrice.String(),
		m.TotalVolume.String(), m.SharesYes.String(), m.SharesNo.String(),
		m.CreatedAt)
	return err
}

func (t *postgresTx) UpdateMarketAggregates(ctx context.Context, id string, yesPrice, noPrice, totalVolume, sharesYes, sharesNo decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET yes_price = $2::NUMERIC, no_price = $3::NUMERIC,
		     total_volume = $4::NUMERIC, shares_yes = $5::NUMERIC, shares_no = $6::NUMERIC
		 WHERE id = $1`,
		id, yesPrice.String(), noPrice.String(),
		totalVolume.String(), sharesYes.String(), sharesNo.String())
	return err
}

func (t *postgresTx) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus, outcome model.Side) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = $2, outcome = $3 WHERE id = $1`,
		id, status, string(outcome))
	return err
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, market_id, side, direction, shares, price, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		tr.ID, tr.AccountID, tr.MarketID, tr.Side, tr.Direction,
		tr.Shares.String(), tr.Price.String(), tr.Cost.String(), tr.CreatedAt)
	return err
}

func (t *postgresTx) GetPosition(ctx context.Context, accountID, marketID string, side model.Side) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS string
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, market_id, side, shares::TEXT, average_price::TEXT, updated_at
		 FROM positions
		 WHERE account_id = $1 AND market_id = $2 AND side = $3
		 FOR UPDATE`,
		accountID, marketID, side).
		Scan(&p.AccountID, &p.MarketID, &p.Side, &sharesS, &avgS, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", accountID, marketID, side, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Shares, _ = decimal.NewFromString(sharesS)
	p.AveragePrice, _ = decimal.NewFromString(avgS)
	return &p, nil
}

func (t *postgresTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, market_id, side, shares, average_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (account_id, market_id, side)
		 DO UPDATE SET shares = EXCLUDED.shares,
		               average_price = EXCLUDED.average_price,
		               updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.MarketID, p.Side,
		p.Shares.String(), p.AveragePrice.String(), p.UpdatedAt)
	return err
}

func (t *postgresTx) DeletePosition(ctx context.Context, accountID, marketID string, side model.Side) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND market_id = $2 AND side = $3`,
		accountID, marketID, side)
	return err
}

func (t *postgresTx) ListPositionsByMarket(ctx context.Context, marketID string, side model.Side) ([]model.Position, error) {
	query := `SELECT account_id, market_id, side, shares::TEXT, average_price::TEXT, updated_at
	          FROM positions WHERE market_id = $1`
	args := []any{marketID}
	if side != "" {
		query += ` AND side = $2`
		args = append(args, side)
	}
	// Lock payout targets so settlement cannot interleave with trades.
	query += ` FOR UPDATE`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (t *postgresTx) GetRateWindowForUpdate(ctx context.Context, accountID, operation string) (*model.RateLimitWindow, error) {
	var w model.RateLimitWindow
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, operation, call_count, window_start
		 FROM rate_limit_windows
		 WHERE account_id = $1 AND operation = $2
		 FOR UPDATE`,
		accountID, operation).
		Scan(&w.AccountID, &w.Operation, &w.CallCount, &w.WindowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rate window %s/%s: %w", accountID, operation, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *postgresTx) PutRateWindow(ctx context.Context, w *model.RateLimitWindow) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO rate_limit_windows (account_id, operation, call_count, window_start)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, operation)
		 DO UPDATE SET call_count = EXCLUDED.call_count,
		               window_start = EXCLUDED.window_start`,
		w.AccountID, w.Operation, w.CallCount, w.WindowStart)
	return err
}

func (t *postgresTx) PurgeRateWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_events (id, account_id, action, resource_type, resource_id, details, success, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AccountID, e.Action, e.ResourceType, e.ResourceID,
		e.Details, e.Success, e.CreatedAt)
	return err
}

// --- Scan helpers ---

const marketSelect = `SELECT id, creator_id, question, status, outcome,
       yes_price::TEXT, no_price::TEXT,
       total_volume::TEXT, shares_yes::TEXT, shares_no::TEXT,
       created_at
 FROM markets`

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAccount(row pgxRow, id string) (*model.Account, error) {
	var a model.Account
	var balanceS string
	err := row.Scan(&a.ID, &a.DisplayName, &balanceS, &a.IsAdmin, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Balance, _ = decimal.NewFromString(balanceS)
	return &a, nil
}

func scanMarket(row pgxRow, id string) (*model.Market, error) {
	var m model.Market
	var outcome string
	var yesS, noS, volS, sharesYesS, sharesNoS string
	err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.Status, &outcome,
		&yesS, &noS, &volS, &sharesYesS, &sharesNoS, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.Outcome = model.Side(outcome)
	m.YesPrice, _ = decimal.NewFromString(yesS)
	m.NoPrice, _ = decimal.NewFromString(noS)
	m.TotalVolume, _ = decimal.NewFromString(volS)
	m.SharesYes, _ = decimal.NewFromString(sharesYesS)
	m.SharesNo, _ = decimal.NewFromString(sharesNoS)
	return &m, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sharesS, avgS string
		if err := rows.Scan(&p.AccountID, &p.MarketID, &p.Side, &sharesS, &avgS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Shares, _ = decimal.NewFromString(sharesS)
		p.AveragePrice, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

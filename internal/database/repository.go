package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a new trade
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusPending
	}
	query := `
		INSERT INTO trades (order_id, client_order_id, symbol, side, order_type,
		                    requested_qty, filled_qty, price, expected_price,
		                    vpa_pattern, confluence, ema_deviation, macro_context, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.OrderID, trade.ClientOrderID, trade.Symbol, trade.Side, trade.OrderType,
		trade.RequestedQty, trade.FilledQty, trade.Price, trade.ExpectedPrice,
		trade.VPAPattern, trade.Confluence, trade.EMADeviation, trade.MacroContext, trade.Status,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

// UpdateTradeFill persists the order monitor's view of a trade: fill progress,
// execution price, slippage and status.
func (r *Repository) UpdateTradeFill(ctx context.Context, trade *Trade) error {
	query := `
		UPDATE trades
		SET filled_qty = $2, avg_price = $3, slippage = $4, slippage_pct = $5,
		    status = $6, filled_at = $7, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		trade.ID, trade.FilledQty, trade.AvgPrice, trade.Slippage, trade.SlippagePct,
		trade.Status, trade.FilledAt,
	)
	return err
}

// UpdateTradeRealizedPnL stamps the realized PnL on a completed exit trade.
func (r *Repository) UpdateTradeRealizedPnL(ctx context.Context, tradeID int64, pnl float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET realized_pnl = $2, updated_at = NOW() WHERE id = $1`,
		tradeID, pnl)
	return err
}

const tradeColumns = `id, order_id, client_order_id, symbol, side, order_type,
	requested_qty, filled_qty, price, avg_price, expected_price,
	slippage, slippage_pct, realized_pnl,
	vpa_pattern, confluence, ema_deviation, macro_context,
	status, created_at, updated_at, filled_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(
		&t.ID, &t.OrderID, &t.ClientOrderID, &t.Symbol, &t.Side, &t.OrderType,
		&t.RequestedQty, &t.FilledQty, &t.Price, &t.AvgPrice, &t.ExpectedPrice,
		&t.Slippage, &t.SlippagePct, &t.RealizedPnL,
		&t.VPAPattern, &t.Confluence, &t.EMADeviation, &t.MacroContext,
		&t.Status, &t.CreatedAt, &t.UpdatedAt, &t.FilledAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTradeByID retrieves a trade by ID
func (r *Repository) GetTradeByID(ctx context.Context, id int64) (*Trade, error) {
	query := fmt.Sprintf(`SELECT %s FROM trades WHERE id = $1`, tradeColumns)
	return scanTrade(r.db.Pool.QueryRow(ctx, query, id))
}

// GetRecentTrades returns the newest trades first.
func (r *Repository) GetRecentTrades(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM trades ORDER BY created_at DESC LIMIT $1`, tradeColumns)

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// CreatePosition inserts a new open position
func (r *Repository) CreatePosition(ctx context.Context, pos *Position) error {
	if pos.Status == "" {
		pos.Status = PositionStatusOpen
	}
	query := `
		INSERT INTO positions (entry_trade_id, symbol, side, quantity, entry_price,
		                       current_price, initial_stop, current_stop, take_profit, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, opened_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		pos.EntryTradeID, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice,
		pos.CurrentPrice, pos.InitialStop, pos.CurrentStop, pos.TakeProfit, pos.Status,
	).Scan(&pos.ID, &pos.OpenedAt)
}

const positionColumns = `id, entry_trade_id, exit_trade_id, symbol, side, quantity,
	entry_price, current_price, unrealized_pnl, unrealized_pnl_pct,
	initial_stop, current_stop, trailing_activated, trailing_distance,
	highest_price, lowest_price, take_profit, status, close_reason,
	opened_at, closed_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	err := row.Scan(
		&p.ID, &p.EntryTradeID, &p.ExitTradeID, &p.Symbol, &p.Side, &p.Quantity,
		&p.EntryPrice, &p.CurrentPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
		&p.InitialStop, &p.CurrentStop, &p.TrailingActivated, &p.TrailingDistance,
		&p.HighestPrice, &p.LowestPrice, &p.TakeProfit, &p.Status, &p.CloseReason,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPositionByID retrieves one position.
func (r *Repository) GetPositionByID(ctx context.Context, id int64) (*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1`, positionColumns)
	return scanPosition(r.db.Pool.QueryRow(ctx, query, id))
}

// GetOpenPositionBySymbol returns the open position on a symbol, or nil.
func (r *Repository) GetOpenPositionBySymbol(ctx context.Context, symbol string) (*Position, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM positions WHERE symbol = $1 AND status = 'OPEN' ORDER BY opened_at DESC LIMIT 1`,
		positionColumns)

	pos, err := scanPosition(r.db.Pool.QueryRow(ctx, query, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return pos, err
}

// GetOpenPositions lists every open position.
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE status = 'OPEN' ORDER BY opened_at`, positionColumns)

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetRecentPositions returns the newest positions first, any status.
func (r *Repository) GetRecentPositions(ctx context.Context, limit int) ([]*Position, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM positions ORDER BY opened_at DESC LIMIT $1`, positionColumns)

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionMark persists mark-price and trailing-stop state after a
// monitor cycle.
func (r *Repository) UpdatePositionMark(ctx context.Context, pos *Position) error {
	query := `
		UPDATE positions
		SET current_price = $2, unrealized_pnl = $3, unrealized_pnl_pct = $4,
		    current_stop = $5, trailing_activated = $6, trailing_distance = $7,
		    highest_price = $8, lowest_price = $9
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		pos.ID, pos.CurrentPrice, pos.UnrealizedPnL, pos.UnrealizedPnLPct,
		pos.CurrentStop, pos.TrailingActivated, pos.TrailingDistance,
		pos.HighestPrice, pos.LowestPrice,
	)
	return err
}

// ClosePositionIfOpen flips OPEN to CLOSED exactly once. The conditional
// WHERE clause is the double-close guard: the first caller wins, later
// callers see closed=false and stop. The exit trade is linked separately
// once its order exists.
func (r *Repository) ClosePositionIfOpen(ctx context.Context, positionID int64, reason string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET status = 'CLOSED', close_reason = $2, closed_at = NOW()
		WHERE id = $1 AND status = 'OPEN'
	`, positionID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetPositionExitTrade links the exit trade to an already-closed position.
func (r *Repository) SetPositionExitTrade(ctx context.Context, positionID, exitTradeID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET exit_trade_id = $2 WHERE id = $1`,
		positionID, exitTradeID)
	return err
}

// ============================================================================
// RISK STATES
// ============================================================================

const riskStateColumns = `id, date, starting_balance, current_balance, highest_balance,
	daily_pnl, drawdown, drawdown_pct, max_drawdown_pct,
	total_trades, winning_trades, losing_trades,
	system_status, pause_reason, paused_at, updated_at`

func scanRiskState(row pgx.Row) (*RiskState, error) {
	rs := &RiskState{}
	err := row.Scan(
		&rs.ID, &rs.Date, &rs.StartingBalance, &rs.CurrentBalance, &rs.HighestBalance,
		&rs.DailyPnL, &rs.Drawdown, &rs.DrawdownPct, &rs.MaxDrawdownPct,
		&rs.TotalTrades, &rs.WinningTrades, &rs.LosingTrades,
		&rs.SystemStatus, &rs.PauseReason, &rs.PausedAt, &rs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// GetOrCreateRiskState returns the risk row for the given UTC date, creating
// it lazily from the given starting balance on first access.
func (r *Repository) GetOrCreateRiskState(ctx context.Context, date time.Time, startingBalance float64) (*RiskState, error) {
	day := date.UTC().Truncate(24 * time.Hour)

	query := fmt.Sprintf(`SELECT %s FROM risk_states WHERE date = $1`, riskStateColumns)
	rs, err := scanRiskState(r.db.Pool.QueryRow(ctx, query, day))
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	insert := fmt.Sprintf(`
		INSERT INTO risk_states (date, starting_balance, current_balance, highest_balance, system_status)
		VALUES ($1, $2, $2, $2, 'ACTIVE')
		ON CONFLICT (date) DO UPDATE SET updated_at = NOW()
		RETURNING %s
	`, riskStateColumns)
	return scanRiskState(r.db.Pool.QueryRow(ctx, insert, day, startingBalance))
}

// UpdateRiskState persists the derived balance fields.
func (r *Repository) UpdateRiskState(ctx context.Context, rs *RiskState) error {
	query := `
		UPDATE risk_states
		SET current_balance = $2, highest_balance = $3, daily_pnl = $4,
		    drawdown = $5, drawdown_pct = $6, max_drawdown_pct = $7, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		rs.ID, rs.CurrentBalance, rs.HighestBalance, rs.DailyPnL,
		rs.Drawdown, rs.DrawdownPct, rs.MaxDrawdownPct,
	)
	return err
}

// PauseRiskState marks the day paused with a reason.
func (r *Repository) PauseRiskState(ctx context.Context, id int64, status, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE risk_states
		SET system_status = $2, pause_reason = $3, paused_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, status, reason)
	return err
}

// ResumeRiskState manually returns the day to ACTIVE.
func (r *Repository) ResumeRiskState(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE risk_states
		SET system_status = 'ACTIVE', pause_reason = NULL, paused_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// IncrementTradeCount bumps the day's total trade counter.
func (r *Repository) IncrementTradeCount(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE risk_states SET total_trades = total_trades + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// RecordTradeOutcome bumps the win or loss counter on position close.
func (r *Repository) RecordTradeOutcome(ctx context.Context, id int64, won bool) error {
	column := "losing_trades"
	if won {
		column = "winning_trades"
	}
	query := fmt.Sprintf(
		`UPDATE risk_states SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, column, column)
	_, err := r.db.Pool.Exec(ctx, query, id)
	return err
}

// ============================================================================
// ECONOMIC EVENTS
// ============================================================================

// UpsertEconomicEvent inserts or refreshes a calendar row on its natural key.
func (r *Repository) UpsertEconomicEvent(ctx context.Context, e *EconomicEvent) error {
	e.ComputeDeviation()
	query := `
		INSERT INTO economic_events (event_type, country, release_time, forecast, actual,
		                             previous, impact, deviation_from_forecast)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_type, country, release_time) DO UPDATE
		SET forecast = EXCLUDED.forecast, actual = EXCLUDED.actual,
		    previous = EXCLUDED.previous, impact = EXCLUDED.impact,
		    deviation_from_forecast = EXCLUDED.deviation_from_forecast
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		e.EventType, e.Country, e.ReleaseTime, e.Forecast, e.Actual,
		e.Previous, e.Impact, e.DeviationFromForecast,
	).Scan(&e.ID)
}

const eventColumns = `id, event_type, country, release_time, forecast, actual,
	previous, impact, deviation_from_forecast, created_at`

func (r *Repository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*EconomicEvent, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EconomicEvent
	for rows.Next() {
		e := &EconomicEvent{}
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.Country, &e.ReleaseTime, &e.Forecast, &e.Actual,
			&e.Previous, &e.Impact, &e.DeviationFromForecast, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetUpcomingEvents returns HIGH/MEDIUM impact events in (now, now+24h],
// soonest first, at most 5.
func (r *Repository) GetUpcomingEvents(ctx context.Context, now time.Time) ([]*EconomicEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM economic_events
		WHERE release_time > $1 AND release_time <= $2 AND impact IN ('HIGH', 'MEDIUM')
		ORDER BY release_time ASC
		LIMIT 5
	`, eventColumns)
	return r.queryEvents(ctx, query, now, now.Add(24*time.Hour))
}

// GetRecentEvents returns HIGH/MEDIUM impact events in [now-2h, now),
// newest first, at most 5.
func (r *Repository) GetRecentEvents(ctx context.Context, now time.Time) ([]*EconomicEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM economic_events
		WHERE release_time >= $1 AND release_time < $2 AND impact IN ('HIGH', 'MEDIUM')
		ORDER BY release_time DESC
		LIMIT 5
	`, eventColumns)
	return r.queryEvents(ctx, query, now.Add(-2*time.Hour), now)
}

// ============================================================================
// USERS
// ============================================================================

// GetUserPasswordHash returns the stored bcrypt hash for an ops user.
func (r *Repository) GetUserPasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT password_hash FROM users WHERE username = $1`, username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("unknown user")
	}
	return hash, err
}

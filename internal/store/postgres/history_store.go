package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awickham/exitbot/internal/domain"
)

// HistoryStore implements domain.HistoryStore on PostgreSQL. Rows are
// immutable once written; re-archiving the same position is a no-op.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given Client.
func NewHistoryStore(c *Client) *HistoryStore {
	return &HistoryStore{pool: c.Pool()}
}

const archiveQuery = `
	INSERT INTO position_history (
		id, symbol, side, entry_price, quantity, size_usd, leverage,
		stop_loss_price, take_profit_price, trailing_activation,
		trailing_distance, trailing_stop, close_reason, exit_price,
		realized_pnl, opened_at, closed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id) DO NOTHING`

// Archive writes one closed position to the history table.
func (s *HistoryStore) Archive(ctx context.Context, p domain.Position) error {
	if p.Status != domain.PositionClosed || p.ClosedAt == nil || p.ExitPrice == nil || p.RealizedPnL == nil {
		return fmt.Errorf("postgres: archive %s: position is not closed", p.ID)
	}
	_, err := s.pool.Exec(ctx, archiveQuery,
		p.ID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.SizeUSD, p.Leverage,
		p.StopLossPrice, p.TakeProfitPrice, p.TrailingActivation,
		p.TrailingDistance, p.TrailingStop, p.CloseReason, *p.ExitPrice,
		*p.RealizedPnL, p.OpenedAt, *p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: archive %s: %w", p.ID, err)
	}
	return nil
}

const listRecentQuery = `
	SELECT id, symbol, side, entry_price, quantity, size_usd, leverage,
		stop_loss_price, take_profit_price, trailing_activation,
		trailing_distance, trailing_stop, close_reason, exit_price,
		realized_pnl, opened_at, closed_at
	FROM position_history
	ORDER BY closed_at DESC
	LIMIT $1`

// ListRecent returns the most recently closed positions, newest first.
func (s *HistoryStore) ListRecent(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, listRecentQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p          domain.Position
			exit, pnl  float64
			closedTime time.Time
		)
		p.Status = domain.PositionClosed
		err := rows.Scan(
			&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.SizeUSD, &p.Leverage,
			&p.StopLossPrice, &p.TakeProfitPrice, &p.TrailingActivation,
			&p.TrailingDistance, &p.TrailingStop, &p.CloseReason, &exit,
			&pnl, &p.OpenedAt, &closedTime,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history row: %w", err)
		}
		p.ExitPrice = &exit
		p.RealizedPnL = &pnl
		p.ClosedAt = &closedTime
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)

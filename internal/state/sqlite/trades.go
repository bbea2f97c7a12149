package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/state"
)

type TradeLog struct {
	db *sql.DB
}

func (l *TradeLog) Append(ctx context.Context, rec state.TradeRecord) error {
	const op = "trade.append"
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.PersistenceFailure, op, fmt.Errorf("encode trade: %w", err)).WithInstrument(rec.Instrument)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO trades (trade_id, instrument, created_at_ms, payload) VALUES (?, ?, ?, ?)`,
		rec.TradeID, rec.Instrument, rec.CreatedAt.UnixMilli(), string(payload),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return errs.Wrap(errs.PersistenceFailure, op, fmt.Errorf("%w: %s", state.ErrDuplicateTrade, rec.TradeID)).WithInstrument(rec.Instrument)
		}
		return errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(rec.Instrument)
	}
	return nil
}

func (l *TradeLog) List(ctx context.Context, limit int) ([]state.TradeRecord, error) {
	const op = "trade.list"
	query := `SELECT payload FROM trades ORDER BY created_at_ms DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, op, err)
	}
	defer rows.Close()
	var out []state.TradeRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, op, err)
		}
		var rec state.TradeRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, op, fmt.Errorf("decode trade: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, op, err)
	}
	return out, nil
}

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/tally/internal/errors"
	"github.com/xtxerr/tally/internal/storage/types"
)

const aggregateColumns = "account, app, device_id, pin_type, pin, ts, value_sum, value_count"

const aggregateKeyColumns = "account, app, device_id, pin_type, pin, ts"

// BatchInsertAggregates writes rows in one transaction using chunked
// multi-row upserts. Either every row is applied or none is. Rows with a
// zero count are skipped. Writes to the same granularity are serialized.
func (g *Gateway) BatchInsertAggregates(ctx context.Context, gran types.Granularity, rows []types.Aggregate) error {
	if !gran.Valid() {
		return errors.NewInvalidInput("granularity", gran, "unknown")
	}

	rows = nonEmpty(rows)
	if len(rows) == 0 {
		return nil
	}

	mu := &g.aggMu[gran]
	mu.Lock()
	defer mu.Unlock()

	chunk := g.cfg.InsertChunkSize
	err := g.Transaction(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(rows); start += chunk {
			end := min(start+chunk, len(rows))
			query, args := buildMultiRowUpsert(gran.Table(), rows[start:end], g.cfg.UpsertPolicy)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert %d %s aggregates: %w", len(rows), gran, classify(err))
	}
	return nil
}

func nonEmpty(rows []types.Aggregate) []types.Aggregate {
	for i := range rows {
		if rows[i].Count == 0 {
			out := make([]types.Aggregate, 0, len(rows))
			for _, r := range rows {
				if r.Count != 0 {
					out = append(out, r)
				}
			}
			return out
		}
	}
	return rows
}

// buildMultiRowUpsert builds one INSERT ... ON CONFLICT statement for rows.
// Keys within rows must be unique.
func buildMultiRowUpsert(table string, rows []types.Aggregate, policy UpsertPolicy) (string, []any) {
	const columnsPerRow = 8

	args := make([]any, 0, len(rows)*columnsPerRow)

	var query strings.Builder
	query.Grow(256 + len(rows)*18)

	query.WriteString("INSERT INTO ")
	query.WriteString(table)
	query.WriteString(" (" + aggregateColumns + ") VALUES ")

	for i, r := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?,?)")

		args = append(args,
			r.Key.Account,
			r.Key.App,
			r.Key.DeviceID,
			r.Key.PinType.String(),
			r.Key.Pin,
			r.Key.Ts,
			r.Sum,
			r.Count,
		)
	}

	query.WriteString(" ON CONFLICT (" + aggregateKeyColumns + ") DO UPDATE SET ")
	if policy == UpsertReplace {
		query.WriteString("value_sum = EXCLUDED.value_sum, value_count = EXCLUDED.value_count")
	} else {
		query.WriteString("value_sum = value_sum + EXCLUDED.value_sum, value_count = value_count + EXCLUDED.value_count")
	}

	return query.String(), args
}

// SelectAggregates returns the stored buckets of one series with
// from <= ts < to, ordered by ts ascending.
func (g *Gateway) SelectAggregates(ctx context.Context, gran types.Granularity, series types.SeriesKey, from, to int64) ([]types.Point, error) {
	if !gran.Valid() {
		return nil, errors.NewInvalidInput("granularity", gran, "unknown")
	}

	query := "SELECT ts, value_sum, value_count FROM " + gran.Table() + `
		WHERE account = ? AND app = ? AND device_id = ? AND pin_type = ? AND pin = ?
		  AND ts >= ? AND ts < ?
		ORDER BY ts ASC`

	rows, err := g.db.QueryContext(ctx, query,
		series.Account, series.App, series.DeviceID, series.PinType.String(), series.Pin, from, to)
	if err != nil {
		return nil, fmt.Errorf("select %s aggregates: %w", gran, classify(err))
	}
	defer rows.Close()

	points := make([]types.Point, 0)
	for rows.Next() {
		var p types.Point
		if err := rows.Scan(&p.TimestampMs, &p.Sum, &p.Count); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", classify(err))
		}
		if p.Count > 0 {
			p.Average = p.Sum / float64(p.Count)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", classify(err))
	}
	return points, nil
}

// SelectAggregatesBefore returns every row with ts < cutoff, in key order.
func (g *Gateway) SelectAggregatesBefore(ctx context.Context, gran types.Granularity, cutoff int64) ([]types.Aggregate, error) {
	if !gran.Valid() {
		return nil, errors.NewInvalidInput("granularity", gran, "unknown")
	}

	query := "SELECT " + aggregateColumns + " FROM " + gran.Table() +
		" WHERE ts < ? ORDER BY " + aggregateKeyColumns

	rows, err := g.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expired %s aggregates: %w", gran, classify(err))
	}
	defer rows.Close()

	var out []types.Aggregate
	for rows.Next() {
		var (
			a       types.Aggregate
			pinType string
		)
		if err := rows.Scan(&a.Key.Account, &a.Key.App, &a.Key.DeviceID, &pinType,
			&a.Key.Pin, &a.Key.Ts, &a.Sum, &a.Count); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", classify(err))
		}
		pt, err := types.ParsePinType(pinType)
		if err != nil {
			return nil, fmt.Errorf("stored row: %w", err)
		}
		a.Key.PinType = pt
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregates: %w", classify(err))
	}
	return out, nil
}

// CountOlderThan returns the number of rows with ts < cutoff.
func (g *Gateway) CountOlderThan(ctx context.Context, gran types.Granularity, cutoff int64) (int64, error) {
	if !gran.Valid() {
		return 0, errors.NewInvalidInput("granularity", gran, "unknown")
	}

	var n int64
	err := g.db.QueryRowContext(ctx, "SELECT count(*) FROM "+gran.Table()+" WHERE ts < ?", cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired %s aggregates: %w", gran, classify(err))
	}
	return n, nil
}

// DeleteOlderThan removes rows with ts < cutoff and returns how many were
// removed. Repeating the call with the same cutoff removes nothing.
func (g *Gateway) DeleteOlderThan(ctx context.Context, gran types.Granularity, cutoff int64) (int64, error) {
	if !gran.Valid() {
		return 0, errors.NewInvalidInput("granularity", gran, "unknown")
	}

	mu := &g.aggMu[gran]
	mu.Lock()
	defer mu.Unlock()

	res, err := g.db.ExecContext(ctx, "DELETE FROM "+gran.Table()+" WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s aggregates: %w", gran, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

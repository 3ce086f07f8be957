package gateway

import (
	"context"
	"fmt"

	"github.com/xtxerr/tally/internal/storage/types"
)

const aggregateTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	account     VARCHAR  NOT NULL,
	app         VARCHAR  NOT NULL,
	device_id   INTEGER  NOT NULL,
	pin_type    VARCHAR  NOT NULL,
	pin         UTINYINT NOT NULL,
	ts          BIGINT   NOT NULL,
	value_sum   DOUBLE   NOT NULL,
	value_count BIGINT   NOT NULL,
	PRIMARY KEY (account, app, device_id, pin_type, pin, ts)
)`

const redeemTableDDL = `
CREATE TABLE IF NOT EXISTS redeem (
	token    VARCHAR PRIMARY KEY,
	account  VARCHAR,
	redeemed BOOLEAN NOT NULL DEFAULT false,
	ts       BIGINT,
	version  INTEGER NOT NULL DEFAULT 1
)`

const purchaseTableDDL = `
CREATE TABLE IF NOT EXISTS purchase (
	account        VARCHAR NOT NULL,
	reward         INTEGER NOT NULL,
	transaction_id VARCHAR NOT NULL,
	price          DOUBLE  NOT NULL,
	ts             BIGINT  NOT NULL
)`

// EnsureSchema creates the aggregate, redeem and purchase tables if absent.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	stmts := make([]string, 0, 5)
	for _, gran := range types.AllGranularities() {
		stmts = append(stmts, fmt.Sprintf(aggregateTableDDL, gran.Table()))
	}
	stmts = append(stmts, redeemTableDDL, purchaseTableDDL)

	for _, stmt := range stmts {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", classify(err))
		}
	}
	return nil
}

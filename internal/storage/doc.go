// Package storage implements the tally pin-telemetry aggregation engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│ ReportValue │────▶│ Aggregators │────▶│  Executor   │
//	│             │     │ (min/h/day) │     │ (bounded)   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │                   │
//	                           ▼                   ▼
//	                    ┌─────────────┐     ┌─────────────┐
//	                    │    Spool    │────▶│   Gateway   │
//	                    │ (failures)  │     │  (DuckDB)   │
//	                    └─────────────┘     └─────────────┘
//	                                               ▲
//	                                        ┌─────────────┐
//	                                        │  Retention  │──▶ Parquet archive
//	                                        └─────────────┘
//
// The storage system provides:
//   - Lock-free bucketing of readings per granularity
//   - Wall-clock aligned flushes with additive upserts
//   - A bounded executor shared by flushes, sweeps and spool replay
//   - One-time redeem tokens and an append-only purchase log
//   - Per-granularity retention with optional Parquet archiving
package storage

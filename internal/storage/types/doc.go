// Package types defines the core data types used throughout the storage engine.
//
// Key types:
//   - Granularity: aggregation resolution (Minute, Hourly, Daily)
//   - BucketKey: identity of one time bucket of one device pin
//   - BucketValue: lock-free running sum and count for a bucket
//   - Aggregate: a flushed (key, sum, count) row
//   - RedeemToken, PurchaseRecord: ledger records
package types

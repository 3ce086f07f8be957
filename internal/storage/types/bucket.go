package types

import (
	"cmp"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tally/internal/validation"
)

// PinType identifies the kind of device pin a reading came from.
// The value is the single character persisted in the pin_type column.
type PinType byte

const (
	PinDigital PinType = 'd'
	PinAnalog  PinType = 'a'
	PinVirtual PinType = 'v'
)

// String returns the persisted form of the pin type.
func (p PinType) String() string {
	return string(rune(p))
}

// Valid reports whether p is a known pin type.
func (p PinType) Valid() bool {
	return p == PinDigital || p == PinAnalog || p == PinVirtual
}

// ParsePinType accepts the persisted single character or the long name.
func ParsePinType(s string) (PinType, error) {
	switch strings.ToLower(s) {
	case "d", "digital":
		return PinDigital, nil
	case "a", "analog":
		return PinAnalog, nil
	case "v", "virtual":
		return PinVirtual, nil
	default:
		return 0, fmt.Errorf("unknown pin type: %q", s)
	}
}

// SeriesKey identifies one device pin independent of time.
type SeriesKey struct {
	Account  string
	App      string
	DeviceID int32
	PinType  PinType
	Pin      uint8
}

// String returns "account/app/device/pintype+pin".
func (s SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s%d", s.Account, s.App, s.DeviceID, s.PinType, s.Pin)
}

// Bucket returns the bucket key for tsMillis at granularity g.
func (s SeriesKey) Bucket(g Granularity, tsMillis int64) BucketKey {
	return BucketKey{
		Account:  s.Account,
		App:      s.App,
		DeviceID: s.DeviceID,
		PinType:  s.PinType,
		Pin:      s.Pin,
		Ts:       g.Truncate(tsMillis),
	}
}

// Reading is a single pin value reported by a device.
type Reading struct {
	SeriesKey
	Value       float64
	TimestampMs int64 // Unix milliseconds
}

// Validate rejects readings that cannot be aggregated.
func (r Reading) Validate() error {
	if err := validation.ValidateAccount(r.Account); err != nil {
		return err
	}
	if err := validation.ValidateApp(r.App); err != nil {
		return err
	}

	switch {
	case !r.PinType.Valid():
		return fmt.Errorf("unknown pin type %q", r.PinType)
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return fmt.Errorf("non-finite value %v", r.Value)
	case r.TimestampMs < 0:
		return fmt.Errorf("negative timestamp %d", r.TimestampMs)
	}
	return nil
}

// Time returns the reading timestamp.
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// BucketKey identifies one time bucket of one device pin.
// It is comparable and used directly as a map key.
type BucketKey struct {
	Account  string
	App      string
	DeviceID int32
	PinType  PinType
	Pin      uint8
	Ts       int64 // bucket start, Unix milliseconds
}

// Series returns the key without its timestamp.
func (k BucketKey) Series() SeriesKey {
	return SeriesKey{
		Account:  k.Account,
		App:      k.App,
		DeviceID: k.DeviceID,
		PinType:  k.PinType,
		Pin:      k.Pin,
	}
}

// Compare orders keys by account, app, device, pin type, pin and timestamp.
func (k BucketKey) Compare(o BucketKey) int {
	if c := strings.Compare(k.Account, o.Account); c != 0 {
		return c
	}
	if c := strings.Compare(k.App, o.App); c != 0 {
		return c
	}
	if c := cmp.Compare(k.DeviceID, o.DeviceID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.PinType, o.PinType); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Pin, o.Pin); c != 0 {
		return c
	}
	return cmp.Compare(k.Ts, o.Ts)
}

// BucketValue is a running sum and count updated without locks.
//
// Sum and count are updated by separate atomic operations, so a reader
// racing with Merge may see one without the other. Snapshots are only read
// after all writers of their generation have finished.
type BucketValue struct {
	sumBits atomic.Uint64
	count   atomic.Int64
}

// Merge folds one reading into the value.
func (v *BucketValue) Merge(x float64) {
	for {
		old := v.sumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + x)
		if v.sumBits.CompareAndSwap(old, next) {
			break
		}
	}
	v.count.Add(1)
}

// Sum returns the running sum.
func (v *BucketValue) Sum() float64 {
	return math.Float64frombits(v.sumBits.Load())
}

// Count returns the number of merged readings.
func (v *BucketValue) Count() int64 {
	return v.count.Load()
}

// Average returns sum/count. ok is false when nothing was merged.
func (v *BucketValue) Average() (avg float64, ok bool) {
	n := v.Count()
	if n == 0 {
		return 0, false
	}
	return v.Sum() / float64(n), true
}

// Aggregate is a flushed bucket: the unit written to storage.
type Aggregate struct {
	Key   BucketKey
	Sum   float64
	Count int64
}

// Average returns Sum/Count, or zero for an empty aggregate.
func (a Aggregate) Average() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// IsEmpty returns true if no readings were aggregated.
func (a Aggregate) IsEmpty() bool {
	return a.Count == 0
}

// Point is one stored bucket of a series, as returned by queries.
type Point struct {
	TimestampMs int64
	Sum         float64
	Count       int64
	Average     float64
}

// Time returns the bucket start.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.TimestampMs)
}

package types

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestGranularityTruncate(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 47, 22, 500*int(time.Millisecond), time.UTC).UnixMilli()

	tests := []struct {
		g    Granularity
		want time.Time
	}{
		{Minute, time.Date(2024, 3, 15, 13, 47, 0, 0, time.UTC)},
		{Hourly, time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)},
		{Daily, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.g.String(), func(t *testing.T) {
			got := tt.g.Truncate(ts)
			if got != tt.want.UnixMilli() {
				t.Errorf("expected %v, got %v", tt.want, time.UnixMilli(got).UTC())
			}
			if tt.g.Truncate(got) != got {
				t.Errorf("expected truncate to be idempotent")
			}
		})
	}
}

func TestGranularityTruncateBeforeEpoch(t *testing.T) {
	if got := Minute.Truncate(-1); got != -60000 {
		t.Errorf("expected -60000, got %d", got)
	}
}

func TestGranularityNextBoundary(t *testing.T) {
	now := time.Date(2024, 3, 15, 13, 47, 22, 0, time.UTC)

	if got := Minute.NextBoundary(now); !got.Equal(time.Date(2024, 3, 15, 13, 48, 0, 0, time.UTC)) {
		t.Errorf("unexpected minute boundary %v", got)
	}
	if got := Daily.NextBoundary(now); !got.Equal(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected daily boundary %v", got)
	}

	onBoundary := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	if got := Hourly.NextBoundary(onBoundary); !got.Equal(onBoundary.Add(time.Hour)) {
		t.Errorf("expected boundary strictly after %v, got %v", onBoundary, got)
	}
}

func TestGranularityDefaults(t *testing.T) {
	if Minute.DefaultRetention() != 6*time.Hour {
		t.Errorf("expected 6h minute retention, got %v", Minute.DefaultRetention())
	}
	if Hourly.DefaultRetention() != 7*24*time.Hour {
		t.Errorf("expected 7d hourly retention, got %v", Hourly.DefaultRetention())
	}
	if Daily.DefaultSweepInterval() != 0 {
		t.Errorf("expected daily sweep to be disabled")
	}
	if Hourly.Table() != "reporting_average_hourly" {
		t.Errorf("unexpected table %s", Hourly.Table())
	}
}

func TestParseGranularity(t *testing.T) {
	for _, g := range AllGranularities() {
		got, err := ParseGranularity(g.String())
		if err != nil || got != g {
			t.Errorf("expected %v, got %v (err=%v)", g, got, err)
		}
	}
	if _, err := ParseGranularity("weekly"); err == nil {
		t.Error("expected error for unknown granularity")
	}
}

func TestParsePinType(t *testing.T) {
	tests := []struct {
		in      string
		want    PinType
		wantErr bool
	}{
		{"d", PinDigital, false},
		{"analog", PinAnalog, false},
		{"V", PinVirtual, false},
		{"x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePinType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestReadingValidate(t *testing.T) {
	base := Reading{
		SeriesKey:   SeriesKey{Account: "a@b.c", App: "app", DeviceID: 1, PinType: PinVirtual, Pin: 4},
		Value:       1.5,
		TimestampMs: 1000,
	}

	tests := []struct {
		name    string
		mutate  func(r *Reading)
		wantErr bool
	}{
		{"valid", func(r *Reading) {}, false},
		{"empty account", func(r *Reading) { r.Account = "" }, true},
		{"bad account", func(r *Reading) { r.Account = "a/b" }, true},
		{"empty app", func(r *Reading) { r.App = "" }, false},
		{"bad app", func(r *Reading) { r.App = "x\ty" }, true},
		{"bad pin type", func(r *Reading) { r.PinType = 'x' }, true},
		{"nan", func(r *Reading) { r.Value = math.NaN() }, true},
		{"inf", func(r *Reading) { r.Value = math.Inf(-1) }, true},
		{"negative ts", func(r *Reading) { r.TimestampMs = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			if err := r.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBucketKeyCompare(t *testing.T) {
	a := BucketKey{Account: "a", App: "x", DeviceID: 1, PinType: PinAnalog, Pin: 1, Ts: 100}

	if a.Compare(a) != 0 {
		t.Error("expected key to equal itself")
	}

	later := a
	later.Ts = 200
	if a.Compare(later) >= 0 || later.Compare(a) <= 0 {
		t.Error("expected ordering by timestamp")
	}

	otherAccount := a
	otherAccount.Account = "b"
	otherAccount.Ts = 0
	if a.Compare(otherAccount) >= 0 {
		t.Error("expected account to dominate timestamp")
	}

	m := map[BucketKey]int{a: 1}
	if m[a.Series().Bucket(Minute, 100)] != 0 {
		t.Error("expected truncated key to differ from raw key")
	}
}

func TestBucketValueAverage(t *testing.T) {
	var v BucketValue
	if _, ok := v.Average(); ok {
		t.Error("expected no average for empty value")
	}

	for _, x := range []float64{1, 3, 5} {
		v.Merge(x)
	}

	avg, ok := v.Average()
	if !ok || avg != 3 {
		t.Errorf("expected average 3, got %v (ok=%v)", avg, ok)
	}
	if v.Count() != 3 || v.Sum() != 9 {
		t.Errorf("expected count=3 sum=9, got count=%d sum=%v", v.Count(), v.Sum())
	}
}

func TestBucketValueConcurrentMerge(t *testing.T) {
	var v BucketValue
	var wg sync.WaitGroup

	const goroutines, perG = 16, 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				v.Merge(2)
			}
		}()
	}
	wg.Wait()

	if v.Count() != goroutines*perG {
		t.Errorf("expected count %d, got %d", goroutines*perG, v.Count())
	}
	if v.Sum() != 2*goroutines*perG {
		t.Errorf("expected sum %d, got %v", 2*goroutines*perG, v.Sum())
	}
}

func TestRedeemResultString(t *testing.T) {
	if RedeemAlreadyRedeemed.String() != "already_redeemed" {
		t.Errorf("unexpected %s", RedeemAlreadyRedeemed)
	}
}

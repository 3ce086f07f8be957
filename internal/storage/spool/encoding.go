package spool

import (
	"fmt"
	"math"

	"github.com/xtxerr/tally/internal/storage/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record payload, protobuf wire format:
//
//	message Record {
//	  uint32    granularity = 1;
//	  repeated  Row rows    = 2;
//	  int64     spooled_at  = 3; // unix millis
//	}
//	message Row {
//	  string  account   = 1;
//	  string  app       = 2;
//	  sint32  device_id = 3;
//	  uint32  pin_type  = 4;
//	  uint32  pin       = 5;
//	  sint64  ts        = 6;
//	  fixed64 sum       = 7; // float64 bits
//	  int64   count     = 8;
//	}

const (
	fieldGranularity protowire.Number = 1
	fieldRows        protowire.Number = 2
	fieldSpooledAt   protowire.Number = 3

	fieldAccount  protowire.Number = 1
	fieldApp      protowire.Number = 2
	fieldDeviceID protowire.Number = 3
	fieldPinType  protowire.Number = 4
	fieldPin      protowire.Number = 5
	fieldTs       protowire.Number = 6
	fieldSum      protowire.Number = 7
	fieldCount    protowire.Number = 8
)

// Entry is one decoded spool record.
type Entry struct {
	Granularity types.Granularity
	Rows        []types.Aggregate
	SpooledAtMs int64
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 16+len(e.Rows)*48)

	buf = protowire.AppendTag(buf, fieldGranularity, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Granularity))

	var row []byte
	for _, r := range e.Rows {
		row = encodeRow(row[:0], r)
		buf = protowire.AppendTag(buf, fieldRows, protowire.BytesType)
		buf = protowire.AppendBytes(buf, row)
	}

	buf = protowire.AppendTag(buf, fieldSpooledAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.SpooledAtMs))
	return buf
}

func encodeRow(buf []byte, r types.Aggregate) []byte {
	buf = protowire.AppendTag(buf, fieldAccount, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Key.Account)
	buf = protowire.AppendTag(buf, fieldApp, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Key.App)
	buf = protowire.AppendTag(buf, fieldDeviceID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(r.Key.DeviceID)))
	buf = protowire.AppendTag(buf, fieldPinType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Key.PinType))
	buf = protowire.AppendTag(buf, fieldPin, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Key.Pin))
	buf = protowire.AppendTag(buf, fieldTs, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(r.Key.Ts))
	buf = protowire.AppendTag(buf, fieldSum, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(r.Sum))
	buf = protowire.AppendTag(buf, fieldCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Count))
	return buf
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldGranularity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("granularity: %w", protowire.ParseError(n))
			}
			e.Granularity = types.Granularity(v)
			data = data[n:]

		case num == fieldRows && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("row %d: %w", len(e.Rows), protowire.ParseError(n))
			}
			r, err := decodeRow(b)
			if err != nil {
				return e, fmt.Errorf("row %d: %w", len(e.Rows), err)
			}
			e.Rows = append(e.Rows, r)
			data = data[n:]

		case num == fieldSpooledAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("spooled_at: %w", protowire.ParseError(n))
			}
			e.SpooledAtMs = int64(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !e.Granularity.Valid() {
		return e, fmt.Errorf("unknown granularity %d", e.Granularity)
	}
	return e, nil
}

func decodeRow(data []byte) (types.Aggregate, error) {
	var r types.Aggregate
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			switch num {
			case fieldAccount:
				r.Key.Account = s
			case fieldApp:
				r.Key.App = s
			}
			data = data[n:]

		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			switch num {
			case fieldDeviceID:
				r.Key.DeviceID = int32(protowire.DecodeZigZag(v))
			case fieldPinType:
				r.Key.PinType = types.PinType(v)
			case fieldPin:
				r.Key.Pin = uint8(v)
			case fieldTs:
				r.Key.Ts = protowire.DecodeZigZag(v)
			case fieldCount:
				r.Count = int64(v)
			}
			data = data[n:]

		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			if num == fieldSum {
				r.Sum = math.Float64frombits(v)
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	if !r.Key.PinType.Valid() {
		return r, fmt.Errorf("invalid pin type %d", r.Key.PinType)
	}
	return r, nil
}

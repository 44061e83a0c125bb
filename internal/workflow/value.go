package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"parcela.org/internal/errs"
)

// Kind enumerates the shapes a proposed field value may take.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return "null"
	}
}

// Value is a closed variant: string, number, bool, timestamp or null.
// The zero Value is null.
//
// JSON form: null, "text", 12.5, true, or {"timestamp": "<RFC3339>"}.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	ts   time.Time
}

func Null() Value                 { return Value{} }
func String(s string) Value       { return Value{kind: KindString, str: s} }
func Number(n float64) Value      { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t.UTC()} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text is the deterministic string form stored in change history.
// ok is false for null.
func (v Value) Text() (s string, ok bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindTimestamp:
		return v.ts.Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}

// TextPtr is Text with null mapped to nil.
func (v Value) TextPtr() *string {
	s, ok := v.Text()
	if !ok {
		return nil
	}
	return &s
}

// Native returns nil, string, float64, bool or time.Time.
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindTimestamp:
		return v.ts
	default:
		return nil
	}
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindTimestamp {
		return v.ts.Equal(o.ts)
	}
	return v == o
}

func (v Value) String() string {
	if s, ok := v.Text(); ok {
		return s
	}
	return "null"
}

type timestampWire struct {
	Timestamp string `json:"timestamp"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindTimestamp:
		return json.Marshal(timestampWire{Timestamp: v.ts.Format(time.RFC3339Nano)})
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", errs.ErrInvalidInput)
	}
	switch c := data[0]; {
	case c == 'n':
		if string(data) != "null" {
			return fmt.Errorf("%w: malformed null", errs.ErrInvalidInput)
		}
		*v = Null()
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
		*v = String(s)
	case c == 't' || c == 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
		*v = Bool(b)
	case c == '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
		}
		tsRaw, ok := raw["timestamp"]
		if !ok || len(raw) != 1 {
			return fmt.Errorf("%w: objects other than {\"timestamp\": ...} are not allowed", errs.ErrInvalidInput)
		}
		var s string
		if err := json.Unmarshal(tsRaw, &s); err != nil {
			return fmt.Errorf("%w: timestamp must be a string", errs.ErrInvalidInput)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("%w: timestamp: %v", errs.ErrInvalidInput, err)
		}
		*v = Timestamp(t)
	case c == '-' || (c >= '0' && c <= '9'):
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
			return fmt.Errorf("%w: invalid number %s", errs.ErrInvalidInput, data)
		}
		*v = Number(n)
	default:
		return fmt.Errorf("%w: arrays and nested documents are not allowed", errs.ErrInvalidInput)
	}
	return nil
}

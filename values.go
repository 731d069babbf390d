package mssql

import (
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Row is one decoded result-set row: a positional slice of Values
// aligned with the preceding Metadata event's column vector. The sum
// type is Go's native interface{}; these accessors undo the payload
// decoding and provide checked conversions in place of reflection.
type Row struct {
	Columns []columnStruct
	Values []interface{}
}

func (r Row) raw(i int) interface{} {
	if i < 0 || i >= len(r.Values) {
		return nil
	}
	return r.Values[i]
}

// Int returns the column as an int. The decoder widens every integer
// column (TINYINT through BIGINT) to int64 and BIT to bool; both are
// accepted here regardless of the column's declared SQL width.
func (r Row) Int(i int) (int, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return 0, false
	case int64:
		return int(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Int64 is Int widened to int64, the natural width for BIGINT/rowcounts.
func (r Row) Int64(i int) (int64, bool) {
	n, ok := r.Int(i)
	return int64(n), ok
}

func (r Row) Bool(i int) (bool, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return false, false
	case bool:
		return v, true
	case int64:
		return v != 0, true
	}
	return false, false
}

func (r Row) Float64(i int) (float64, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}

// Decimal returns a DECIMAL/NUMERIC column without the float round-off
// a naive float64 conversion would introduce. MONEY/SMALLMONEY columns
// are decoded as float64, so their Decimal carries float64 precision.
func (r Row) Decimal(i int) (decimal.Decimal, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case int64:
		return decimal.NewFromInt(v), true
	}
	return decimal.Zero, false
}

// String returns the column as a string. A []byte value is converted
// with collationDecode (byte-for-byte Latin-1; the collation is not
// applied). The caller is responsible for any trailing-space CHAR
// normalisation it wants.
func (r Row) String(i int) (string, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []byte:
		col := r.colAt(i)
		if col != nil {
			return collationDecode(col.ti.Collation, v), true
		}
		return string(v), true
	}
	return "", false
}

func (r Row) Bytes(i int) ([]byte, bool) {
	switch v := r.raw(i).(type) {
	case nil:
		return nil, false
	case []byte:
		return v, true
	}
	return nil, false
}

// UniqueIdentifier decodes a GUID column into google/uuid's canonical
// type. The decoder already renders GUID payloads to their canonical
// string form (readGUID), so this only needs to parse that string.
func (r Row) UniqueIdentifier(i int) (uuid.UUID, bool) {
	s, ok := r.raw(i).(string)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// Date returns a DATE (or the date part of SMALLDATETIME/DATETIME/
// DATETIME2) column as a civil.Date, the date-only type
// golang-sql/civil exists for.
func (r Row) Date(i int) (civil.Date, bool) {
	t, ok := r.raw(i).(time.Time)
	if !ok {
		return civil.Date{}, false
	}
	return civil.DateOf(t), true
}

// Time returns a TIME column as a civil.Time. DATETIME2/DATETIMEOFFSET
// columns carry a full time.Time instead and report their time-of-day
// the same way.
func (r Row) Time(i int) (civil.Time, bool) {
	switch v := r.raw(i).(type) {
	case time.Duration:
		base := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Add(v)
		return civil.TimeOf(base), true
	case time.Time:
		return civil.TimeOf(v), true
	}
	return civil.Time{}, false
}

// DateTimeOffset returns a DATETIMEOFFSET (or DATETIME2) column's
// absolute instant, carrying the wire's zone offset on the time.Time's
// Location.
func (r Row) DateTimeOffset(i int) (time.Time, bool) {
	t, ok := r.raw(i).(time.Time)
	return t, ok
}

func (r Row) colAt(i int) *columnStruct {
	if i < 0 || i >= len(r.Columns) {
		return nil
	}
	return &r.Columns[i]
}

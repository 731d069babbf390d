package mssql

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRowIntAcceptsInt64AndBool(t *testing.T) {
	row := Row{Values: []interface{}{int64(42), true, false, nil}}
	v, ok := row.Int(0)
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	v, ok = row.Int(1)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = row.Int(2)
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	_, ok = row.Int(3)
	assert.False(t, ok)
}

func TestRowInt64OutOfRangeIndex(t *testing.T) {
	row := Row{Values: []interface{}{int64(7)}}
	_, ok := row.Int64(5)
	assert.False(t, ok)
}

func TestRowBool(t *testing.T) {
	row := Row{Values: []interface{}{true, int64(0), int64(3), "x"}}
	v, ok := row.Bool(0)
	assert.True(t, ok)
	assert.True(t, v)

	v, ok = row.Bool(1)
	assert.True(t, ok)
	assert.False(t, v)

	v, ok = row.Bool(2)
	assert.True(t, ok)
	assert.True(t, v)

	_, ok = row.Bool(3)
	assert.False(t, ok)
}

func TestRowFloat64FromDecimal(t *testing.T) {
	row := Row{Values: []interface{}{decimal.NewFromFloat(1.5), 2.5}}
	v, ok := row.Float64(0)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = row.Float64(1)
	assert.True(t, ok)
	assert.Equal(t, 2.5, v)
}

func TestRowDecimalConversions(t *testing.T) {
	row := Row{Values: []interface{}{decimal.NewFromInt(5), 1.25, int64(9)}}
	d, ok := row.Decimal(0)
	assert.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(5)))

	d, ok = row.Decimal(1)
	assert.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromFloat(1.25)))

	d, ok = row.Decimal(2)
	assert.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(9)))
}

func TestRowStringPlainAndCollated(t *testing.T) {
	row := Row{
		Columns: []columnStruct{{}, {}},
		Values:  []interface{}{"hello", []byte{'c', 'a', 'f', 0xe9}},
	}
	s, ok := row.String(0)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	s, ok = row.String(1)
	assert.True(t, ok)
	assert.Equal(t, "café", s)
}

func TestRowBytes(t *testing.T) {
	row := Row{Values: []interface{}{[]byte{1, 2, 3}, "nope"}}
	b, ok := row.Bytes(0)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, b)

	_, ok = row.Bytes(1)
	assert.False(t, ok)
}

func TestRowUniqueIdentifier(t *testing.T) {
	id := uuid.New()
	row := Row{Values: []interface{}{id.String(), "not-a-guid", 123}}

	got, ok := row.UniqueIdentifier(0)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = row.UniqueIdentifier(1)
	assert.False(t, ok)

	_, ok = row.UniqueIdentifier(2)
	assert.False(t, ok)
}

func TestRowDateAndTime(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC)
	row := Row{Values: []interface{}{ts, time.Duration(13*time.Hour + 45*time.Minute + 30*time.Second)}}

	d, ok := row.Date(0)
	assert.True(t, ok)
	assert.Equal(t, 2024, d.Year)
	assert.Equal(t, time.Month(3), d.Month)
	assert.Equal(t, 15, d.Day)

	tm, ok := row.Time(1)
	assert.True(t, ok)
	assert.Equal(t, 13, tm.Hour)
	assert.Equal(t, 45, tm.Minute)
}

func TestRowDateTimeOffset(t *testing.T) {
	loc := time.FixedZone("UTC-05:00", -5*60*60)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	row := Row{Values: []interface{}{ts}}

	got, ok := row.DateTimeOffset(0)
	assert.True(t, ok)
	assert.True(t, ts.Equal(got))
}

func TestRowRawOutOfBoundsReturnsNil(t *testing.T) {
	row := Row{Values: []interface{}{1}}
	assert.Nil(t, row.raw(-1))
	assert.Nil(t, row.raw(10))
}

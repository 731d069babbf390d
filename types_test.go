package mssql

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFixedIntegerWidths(t *testing.T) {
	assert.Equal(t, int64(7), decodeFixed(typeInt1, []byte{7}))
	assert.Equal(t, true, decodeFixed(typeBit, []byte{1}))
	assert.Equal(t, int64(-1), decodeFixed(typeInt2, []byte{0xff, 0xff}))
	assert.Equal(t, int64(1000), decodeFixed(typeInt4, []byte{0xe8, 0x03, 0, 0}))
	assert.Equal(t, int64(1), decodeFixed(typeInt8, []byte{1, 0, 0, 0, 0, 0, 0, 0}))
}

func TestDecodeFixedMoney(t *testing.T) {
	// 12.3456 stored as 123456 ten-thousandths.
	buf := []byte{0x40, 0xE2, 0x01, 0x00}
	got := decodeFixed(typeMoney4, buf)
	assert.InDelta(t, 12.3456, got.(float64), 0.0001)
}

func TestReadIntNWidths(t *testing.T) {
	for _, tc := range []struct {
		payload []byte
		want    int64
	}{
		{[]byte{1, 5}, 5},
		{[]byte{2, 0xff, 0xff}, -1},
		{[]byte{4, 0xe8, 0x03, 0, 0}, 1000},
		{[]byte{8, 1, 0, 0, 0, 0, 0, 0, 0}, 1},
	} {
		buf := newBufferOverMessage(PacketTabularResult, tc.payload)
		_, err := buf.BeginRead()
		require.NoError(t, err)
		assert.Equal(t, tc.want, readIntN(nil, buf, nil))
	}
}

func TestReadIntNNullWidth(t *testing.T) {
	buf := newBufferOverMessage(PacketTabularResult, []byte{0})
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Nil(t, readIntN(nil, buf, nil))
}

func TestReadGUIDPrefixedForm(t *testing.T) {
	guidBytes := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	payload := append([]byte{0x10}, guidBytes...)
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)

	got := readGUID(nil, buf, nil)
	want := guidBytesToString(guidBytes)
	assert.Equal(t, want, got)
}

func TestReadGUIDNull(t *testing.T) {
	buf := newBufferOverMessage(PacketTabularResult, []byte{0})
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Nil(t, readGUID(nil, buf, nil))
}

func TestReadDecimalNPositiveAndNegative(t *testing.T) {
	ti := &typeInfo{Scale: 2}
	// length byte(5) = sign(1) + 4-byte magnitude word; magnitude 12345 -> 123.45
	payload := []byte{5, 1, 0x39, 0x30, 0, 0}
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	d := readDecimalN(ti, buf, nil)
	assert.Equal(t, "123.45", d.(interface{ String() string }).String())

	negPayload := []byte{5, 0, 0x39, 0x30, 0, 0}
	buf2 := newBufferOverMessage(PacketTabularResult, negPayload)
	_, err = buf2.BeginRead()
	require.NoError(t, err)
	d2 := readDecimalN(ti, buf2, nil)
	assert.Equal(t, "-123.45", d2.(interface{ String() string }).String())
}

func TestDecodeDateTimeConversions(t *testing.T) {
	got := decodeDate(0)
	assert.Equal(t, time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), got)

	sdt := decodeSmallDateTime(0, 0)
	assert.Equal(t, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), sdt)

	dt := decodeDateTime(0, 0)
	assert.Equal(t, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), dt)
}

func TestDecodeTimeScaled(t *testing.T) {
	// scale 7 (100ns ticks): 1 second past midnight = 10,000,000 ticks,
	// little-endian encoded.
	dur := decodeTime([]byte{0x80, 0x96, 0x98, 0x00}, 7)
	assert.Equal(t, time.Second, dur)
}

func TestCombineDateTimeOffset(t *testing.T) {
	date := decodeDate(0)
	got := combineDateTimeOffset(date, 0, -300) // -5:00
	name, offset := got.Zone()
	assert.Equal(t, -300*60, offset)
	assert.Contains(t, name, "UTC-05")
}

func TestGuidBytesToStringRejectsWrongLength(t *testing.T) {
	assert.Equal(t, "", guidBytesToString([]byte{1, 2, 3}))
}

// buildVariantPayload assembles the 4-byte total length, base-type tag,
// properties, and value bytes of a SQL_VARIANT wire payload.
func buildVariantPayload(baseType byte, props []byte, value []byte) []byte {
	total := 2 + len(props) + len(value)
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(total))
	out = append(out, baseType, byte(len(props)))
	out = append(out, props...)
	out = append(out, value...)
	return out
}

func TestReadSQLVariantFixedTypeConsumesExactValueLength(t *testing.T) {
	payload := buildVariantPayload(typeInt4, nil, []byte{0xe8, 0x03, 0, 0})
	// trailing sentinel byte: a wrong value-length calculation would eat
	// into (or leave behind part of) this byte instead of stopping
	// exactly at the variant's boundary.
	payload = append(payload, 0x7f)

	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)

	got := readSQLVariant(nil, buf, nil)
	assert.Equal(t, int64(1000), got)
	assert.Equal(t, byte(0x7f), buf.byte())
}

func TestReadSQLVariantStringType(t *testing.T) {
	value := str2ucs2("hi")
	payload := buildVariantPayload(typeNVarChar, []byte{0, 0, 0, 0, 0}, value)

	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)

	got := readSQLVariant(nil, buf, nil)
	assert.Equal(t, "hi", got)
}

func TestReadSQLVariantNullSentinel(t *testing.T) {
	payload := make([]byte, 4)
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)

	assert.Nil(t, readSQLVariant(nil, buf, nil))
}

package mssql

import (
	"fmt"
	"time"
)

// decodeDate converts a day-count-since-0001-01-01 into a time.Time at
// midnight UTC (DATE / DATETIME2 / DATETIMEOFFSET date component).
func decodeDate(days uint32) time.Time {
	return time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, int(days))
}

// decodeTime converts a scale-dependent TIME payload (3/4/5 bytes, a
// little-endian count of 10^-scale-second units since midnight) into a
// time.Duration since midnight.
func decodeTime(buf []byte, scale uint8) time.Duration {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	// v is in units of 10^-scale seconds; normalize to 100ns ticks then to ns.
	divisor := uint64(1)
	for i := uint8(0); i < 7-scale; i++ {
		divisor *= 10
	}
	ticks100ns := v
	if divisor > 1 {
		ticks100ns = v * divisor
	}
	return time.Duration(ticks100ns*100) * time.Nanosecond
}

// combineDateTime2 merges a DATE and TIME component into one time.Time.
func combineDateTime2(date time.Time, clock time.Duration) time.Time {
	return date.Add(clock)
}

// combineDateTimeOffset merges DATE + TIME + a signed minute offset
// into a time.Time carrying that fixed zone.
func combineDateTimeOffset(date time.Time, clock time.Duration, offsetMin int16) time.Time {
	t := date.Add(clock)
	loc := time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", offsetMin/60, abs16(offsetMin%60)), int(offsetMin)*60)
	return t.In(loc)
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

// decodeSmallDateTime decodes the 4-byte DATETIME4: days since
// 1900-01-01 and minutes since midnight.
func decodeSmallDateTime(days, minutes uint16) time.Time {
	base := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
}

// decodeDateTime decodes the 8-byte DATETIME: days since 1900-01-01
// (signed, may be negative) and 1/300s ticks since midnight.
func decodeDateTime(days, ticks int32) time.Time {
	base := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	secs := float64(ticks) / 300.0
	return base.AddDate(0, 0, int(days)).Add(time.Duration(secs * float64(time.Second)))
}

// guidBytesToString formats a 16-byte GUID per the wire's mixed-endian
// layout into the canonical string form.
func guidBytesToString(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		uint32(b[3])<<24|uint32(b[2])<<16|uint32(b[1])<<8|uint32(b[0]),
		uint16(b[5])<<8|uint16(b[4]),
		uint16(b[7])<<8|uint16(b[6]),
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15])
}

// collationDecode converts a non-Unicode column's bytes to a string.
// The collation is not consulted: every byte becomes the Latin-1 code
// point of the same value, so multi-byte and other code pages are not
// converted.
func collationDecode(c collation, buf []byte) string {
	out := make([]rune, len(buf))
	for i, b := range buf {
		out[i] = rune(b)
	}
	return string(out)
}

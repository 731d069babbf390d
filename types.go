package mssql

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// TDS type-id tags (MS-TDS 2.2.5.4).
const (
	typeNull byte = 0x1F
	typeInt1 byte = 0x30
	typeBit byte = 0x32
	typeInt2 byte = 0x34
	typeInt4 byte = 0x38
	typeDateTim4 byte = 0x3A
	typeFlt4 byte = 0x3B
	typeMoney byte = 0x3C
	typeDateTime byte = 0x3D
	typeFlt8 byte = 0x3E
	typeMoney4 byte = 0x7A
	typeInt8 byte = 0x7F

	typeGuid byte = 0x24
	typeIntN byte = 0x26
	typeDecimal byte = 0x37
	typeNumeric byte = 0x3F

	typeBitN byte = 0x68
	typeDecimalN byte = 0x6A
	typeNumericN byte = 0x6C
	typeFltN byte = 0x6D
	typeMoneyN byte = 0x6E
	typeDateN byte = 0x28
	typeTimeN byte = 0x29
	typeDateTime2N byte = 0x2A
	typeDateTimeOffsetN byte = 0x2B

	typeChar byte = 0x2F
	typeVarChar byte = 0x27
	typeBinary byte = 0x2D
	typeVarBin byte = 0x25

	typeBigVarBin byte = 0xA5
	typeBigVarChar byte = 0xA7
	typeBigBinary byte = 0xAD
	typeBigChar byte = 0xAF
	typeNVarChar byte = 0xE7
	typeNChar byte = 0xEF

	typeXml byte = 0xF1
	typeUdt byte = 0xF0
	typeText byte = 0x23
	typeImage byte = 0x22
	typeNText byte = 0x63
	typeJSON byte = 0xF4
	typeVector byte = 0xF3

	typeSSVariant byte = 0x62
)

// plpMaxLen marks a USHORTLEN-declared column as actually MAX/PLP
// ("when the declared column max-length == 0xFFFF").
const plpMaxLen = 0xffff

// collation is the 5-byte SQL collation carried by collatable TypeInfo.
type collation struct {
	LcidAndFlags uint32
	SortID uint8
}

func readCollation(r *tdsBuffer) collation {
	var c collation
	c.LcidAndFlags = r.uint32()
	c.SortID = r.byte()
	return c
}

// typeReader decodes one column value from the wire given its TypeInfo.
type typeReader func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{}

// typeInfo is the discriminated union over SQL Server wire types: a
// type tag plus whatever length/precision/scale/collation metadata
// that tag requires to decode a value.
type typeInfo struct {
	TypeId byte
	UserType uint32
	Flags uint16
	Size int // declared max length; -1 when not meaningful
	Precision uint8
	Scale uint8
	Collation collation
	Buffer []byte // raw decrypted bytes, used by Always Encrypted passthrough
	Reader typeReader
}

const (
	colFlagNullable uint16 = 0x0001
	colFlagEncrypted uint16 = 0x0800
)

// columnStruct is one ColumnDescription, valid for the
// lifetime of the result set that follows its COLMETADATA.
type columnStruct struct {
	UserType uint32
	Flags uint16
	ti typeInfo
	ColName string
	cryptoMeta *cryptoMetadata
}

func (c columnStruct) isEncrypted() bool { return c.Flags&colFlagEncrypted != 0 }
func (c columnStruct) Nullable() bool { return c.Flags&colFlagNullable != 0 }

// getBaseTypeInfo reads the {UserType, Flags, TypeId} prefix shared by
// COLMETADATA columns and RETURNVALUE parameters.
func getBaseTypeInfo(r *tdsBuffer, parseFlags bool) typeInfo {
	userType := r.uint32()
	flags := uint16(0)
	if parseFlags {
		flags = r.uint16()
	}
	tid := r.byte()
	return typeInfo{UserType: userType, Flags: flags, TypeId: tid}
}

// readTypeInfo reads the per-type header following the type tag and
// returns a fully-populated typeInfo with its Reader bound.
func readTypeInfo(r *tdsBuffer, typeId byte, cm *cryptoMetadata) typeInfo {
	ti := typeInfo{TypeId: typeId, Size: -1}

	switch typeId {
	// fixed-length, no header
	case typeNull:
		ti.Size = 0
		ti.Reader = readFixedLen(0)
	case typeInt1, typeBit:
		ti.Size = 1
		ti.Reader = readFixedLen(1)
	case typeInt2:
		ti.Size = 2
		ti.Reader = readFixedLen(2)
	case typeInt4, typeFlt4, typeMoney4, typeDateTim4:
		ti.Size = 4
		ti.Reader = readFixedLen(4)
	case typeInt8, typeFlt8, typeMoney, typeDateTime:
		ti.Size = 8
		ti.Reader = readFixedLen(8)

	// GUID: BYTELEN-prefixed; servers send both 0x10-prefixed and bare 16 bytes
	case typeGuid:
		ti.Reader = readGUID

	// BYTELEN-prefixed numerics/temporals
	case typeIntN:
		ti.Size = int(r.byte())
		ti.Reader = readIntN
	case typeFltN:
		ti.Size = int(r.byte())
		ti.Reader = readFltN
	case typeBitN:
		ti.Size = int(r.byte())
		ti.Reader = readBitN
	case typeMoneyN:
		ti.Size = int(r.byte())
		ti.Reader = readMoneyN
	case typeDateTime2N:
		ti.Scale = r.byte()
		ti.Reader = readDateTime2N
	case typeDateN:
		ti.Reader = readDateN
	case typeTimeN:
		ti.Scale = r.byte()
		ti.Reader = readTimeN
	case typeDateTimeOffsetN:
		ti.Scale = r.byte()
		ti.Reader = readDateTimeOffsetN
	case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
		ti.Size = int(r.byte())
		ti.Precision = r.byte()
		ti.Scale = r.byte()
		if ti.Precision > 38 {
			badStreamPanicf("invalid decimal precision %d", ti.Precision)
		}
		if ti.Scale > ti.Precision {
			badStreamPanicf("invalid decimal scale %d > precision %d", ti.Scale, ti.Precision)
		}
		ti.Reader = readDecimalN

	// legacy BYTELEN-prefixed char/binary
	case typeChar, typeVarChar:
		ti.Size = int(r.byte())
		ti.Collation = readCollation(r)
		ti.Reader = readLegacyChar
	case typeBinary, typeVarBin:
		ti.Size = int(r.byte())
		ti.Reader = readLegacyBinary

	// USHORTLEN-prefixed character/binary, PLP when Size == 0xffff
	case typeBigVarChar, typeBigChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		if ti.Size == plpMaxLen {
			ti.Reader = readPLPString
		} else {
			ti.Reader = readUShortLenString
		}
	case typeNVarChar, typeNChar:
		ti.Size = int(r.uint16())
		ti.Collation = readCollation(r)
		if ti.Size == plpMaxLen {
			ti.Reader = readPLPNString
		} else {
			ti.Reader = readUShortLenNString
		}
	case typeBigVarBin, typeBigBinary:
		ti.Size = int(r.uint16())
		if ti.Size == plpMaxLen {
			ti.Reader = readPLPBytes
		} else {
			ti.Reader = readUShortLenBytes
		}

	// LONGLEN legacy large-object types
	case typeText, typeNText, typeImage:
		ti.Size = int(r.uint32())
		if typeId == typeText || typeId == typeNText {
			ti.Collation = readCollation(r)
		}
		// table name read separately by the COLMETADATA caller
		if typeId == typeNText {
			ti.Reader = readLongLenNText
		} else {
			ti.Reader = readLongLenBytes
		}

	// PLP MAX-types
	case typeXml:
		// XML schema-collection header: a presence byte, then, when
		// present, dbname and owning schema (B_VARCHAR) and the
		// collection name (US_VARCHAR).
		hasSchema := r.byte()
		if hasSchema != 0 {
			_ = r.BVarChar() // dbname
			_ = r.BVarChar() // owning schema
			_ = r.UsVarChar() // collection name
		}
		ti.Reader = readPLPString
	case typeUdt:
		ti.Size = int(r.uint16())
		_ = r.BVarChar() // database name
		_ = r.BVarChar() // schema name
		_ = r.BVarChar() // type name
		_ = r.UsVarChar() // assembly-qualified name
		ti.Reader = readPLPBytes
	case typeJSON:
		size := r.uint16()
		ti.Size = int(size)
		ti.Reader = readPLPString
	case typeVector:
		ti.Size = int(r.uint16())
		_ = r.byte() // element type id
		ti.Reader = readPLPBytes

	case typeSSVariant:
		ti.Size = int(r.uint32())
		ti.Reader = readSQLVariant

	default:
		badStreamPanicf("unsupported TDS type id 0x%02x", typeId)
	}

	return ti
}

// --- value readers ---

func readFixedLen(size int) typeReader {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		buf := make([]byte, size)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		return decodeFixed(ti.TypeId, buf)
	}
}

func decodeFixed(typeId byte, buf []byte) interface{} {
	switch typeId {
	case typeNull:
		return nil
	case typeInt1:
		return int64(buf[0])
	case typeBit:
		return buf[0] != 0
	case typeInt2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case typeInt4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case typeInt8:
		return int64(binary.LittleEndian.Uint64(buf))
	case typeFlt4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case typeFlt8:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case typeMoney4:
		return float64(int32(binary.LittleEndian.Uint32(buf))) / 10000
	case typeMoney:
		hi := int32(binary.LittleEndian.Uint32(buf[0:4]))
		lo := binary.LittleEndian.Uint32(buf[4:8])
		v := int64(hi)<<32 | int64(lo)
		return float64(v) / 10000
	case typeDateTim4:
		days := binary.LittleEndian.Uint16(buf[0:2])
		mins := binary.LittleEndian.Uint16(buf[2:4])
		return decodeSmallDateTime(days, mins)
	case typeDateTime:
		days := int32(binary.LittleEndian.Uint32(buf[0:4]))
		ticks := int32(binary.LittleEndian.Uint32(buf[4:8]))
		return decodeDateTime(days, ticks)
	default:
		return buf
	}
}

func readGUID(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := r.byte()
	switch n {
	case 0, 0xff:
		return nil
	case 0x10:
		buf := make([]byte, 16)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		return guidBytesToString(buf)
	default:
		// Some servers send a bare 16-byte payload with no length-prefix
		// byte; the byte just read is actually the GUID's first byte in
		// that case.
		buf := make([]byte, 16)
		buf[0] = n
		if err := r.ReadFull(buf[1:]); err != nil {
			badStreamPanic(err)
		}
		return guidBytesToString(buf)
	}
}

func readIntN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	switch n {
	case 1:
		return int64(buf[0])
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf)))
	case 8:
		return int64(binary.LittleEndian.Uint64(buf))
	default:
		badStreamPanicf("invalid intN length %d", n)
		return nil
	}
}

func readFltN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	switch n {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	default:
		badStreamPanicf("invalid fltN length %d", n)
		return nil
	}
}

func readBitN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	return r.byte() != 0
}

func readMoneyN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	switch n {
	case 4:
		return float64(int32(binary.LittleEndian.Uint32(buf))) / 10000
	case 8:
		hi := int32(binary.LittleEndian.Uint32(buf[0:4]))
		lo := binary.LittleEndian.Uint32(buf[4:8])
		v := int64(hi)<<32 | int64(lo)
		return float64(v) / 10000
	default:
		badStreamPanicf("invalid moneyN length %d", n)
		return nil
	}
}

func readDecimalN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	sign := r.byte() // 0 = negative, 1 = positive
	rest := make([]byte, n-1)
	if err := r.ReadFull(rest); err != nil {
		badStreamPanic(err)
	}
	// rest is little-endian unsigned integer magnitude made of up to
	// four uint32 words.
	mag := new(big.Int)
	words := len(rest) / 4
	for i := words - 1; i >= 0; i-- {
		word := binary.LittleEndian.Uint32(rest[i*4 : i*4+4])
		mag.Lsh(mag, 32).Or(mag, new(big.Int).SetUint64(uint64(word)))
	}
	d := decimal.NewFromBigInt(mag, -int32(ti.Scale))
	if sign == 0 {
		d = d.Neg()
	}
	return d
}

func readLegacyChar(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0xff {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return collationDecode(ti.Collation, buf)
}

func readLegacyBinary(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0xff {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

func readUShortLenString(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.uint16())
	if n == plpMaxLen {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return collationDecode(ti.Collation, buf)
}

func readUShortLenNString(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.uint16())
	if n == plpMaxLen {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readUShortLenBytes(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.uint16())
	if n == plpMaxLen {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

func readLongLenBytes(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	textPtrLen := int(r.byte())
	if textPtrLen == 0 {
		return nil
	}
	ptr := make([]byte, textPtrLen)
	if err := r.ReadFull(ptr); err != nil {
		badStreamPanic(err)
	}
	var ts [8]byte
	if err := r.ReadFull(ts[:]); err != nil {
		badStreamPanic(err)
	}
	n := int32(r.uint32())
	if n == -1 {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

func readLongLenNText(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	v := readLongLenBytes(ti, r, cm)
	if v == nil {
		return nil
	}
	s, err := ucs22str(v.([]byte))
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readPLPBytes(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	return r.readPLP()
}

func readPLPString(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	b := r.readPLP()
	if b == nil {
		return nil
	}
	return string(b)
}

func readPLPNString(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	b := r.readPLP()
	if b == nil {
		return nil
	}
	s, err := ucs22str(b)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readDateN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	var buf [3]byte
	if err := r.ReadFull(buf[:]); err != nil {
		badStreamPanic(err)
	}
	days := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	return decodeDate(days)
}

// temporalPayloadLen returns the scale-dependent payload length for
// TIME/DATETIME2/DATETIMEOFFSET.
func temporalPayloadLen(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func readTimeN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return decodeTime(buf, ti.Scale)
}

func readDateTime2N(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	timeLen := temporalPayloadLen(ti.Scale)
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	if len(buf) != timeLen+3 {
		badStreamPanicf("datetime2 length mismatch: got %d, want %d", len(buf), timeLen+3)
	}
	t := decodeTime(buf[:timeLen], ti.Scale)
	days := uint32(buf[timeLen]) | uint32(buf[timeLen+1])<<8 | uint32(buf[timeLen+2])<<16
	return combineDateTime2(decodeDate(days), t)
}

func readDateTimeOffsetN(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	timeLen := temporalPayloadLen(ti.Scale)
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	if len(buf) != timeLen+5 {
		badStreamPanicf("datetimeoffset length mismatch: got %d, want %d", len(buf), timeLen+5)
	}
	t := decodeTime(buf[:timeLen], ti.Scale)
	days := uint32(buf[timeLen]) | uint32(buf[timeLen+1])<<8 | uint32(buf[timeLen+2])<<16
	offsetMin := int16(binary.LittleEndian.Uint16(buf[timeLen+3 : timeLen+5]))
	return combineDateTimeOffset(decodeDate(days), t, offsetMin)
}

// readSQLVariant decodes a SQL_VARIANT value: a 4-byte total length
// (0 or 0xFFFFFFFF both accepted as the NULL sentinel), base-type tag,
// properties, then the value per that type.
func readSQLVariant(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	total := r.uint32()
	if total == 0 || total == 0xffffffff {
		return nil
	}
	baseType := r.byte()
	propLen := int(r.byte())
	props := make([]byte, propLen)
	if err := r.ReadFull(props); err != nil {
		badStreamPanic(err)
	}
	inner := typeInfo{TypeId: baseType}
	switch baseType {
	case typeDecimal, typeNumeric:
		if len(props) >= 2 {
			inner.Precision = props[0]
			inner.Scale = props[1]
		}
		valLen := int(total) - 2 - propLen
		buf := make([]byte, valLen)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		return decodeVariantDecimal(buf, inner.Scale)
	case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
		valLen := int(total) - 2 - propLen
		buf := make([]byte, valLen)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		if baseType == typeNVarChar || baseType == typeNChar {
			s, err := ucs22str(buf)
			if err != nil {
				badStreamPanic(err)
			}
			return s
		}
		return string(buf)
	default:
		valLen := int(total) - 2 - propLen
		buf := make([]byte, valLen)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		return decodeFixed(baseType, buf)
	}
}

func decodeVariantDecimal(buf []byte, scale uint8) interface{} {
	if len(buf) == 0 {
		return nil
	}
	sign := buf[0]
	mag := new(big.Int)
	rest := buf[1:]
	words := len(rest) / 4
	for i := words - 1; i >= 0; i-- {
		word := binary.LittleEndian.Uint32(rest[i*4 : i*4+4])
		mag.Lsh(mag, 32).Or(mag, new(big.Int).SetUint64(uint64(word)))
	}
	d := decimal.NewFromBigInt(mag, -int32(scale))
	if sign == 0 {
		d = d.Neg()
	}
	return d
}

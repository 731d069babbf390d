package mssql

import (
	"encoding/binary"
	"math"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RPC parameter status bits (MS-TDS 2.2.6.6).
const (
	rpcParamByRef byte = 0x01
	rpcParamDefault byte = 0x02
)

// well-known RPC procedure IDs sent with PacketRPC.
const (
	rpcSpExecuteSQL uint16 = 10
	rpcSpPrepare uint16 = 11
	rpcSpExecute uint16 = 12
	rpcSpUnprepare uint16 = 15
	rpcSpPrepExec uint16 = 13
)

// Param is one RPC parameter: a name (empty for positional/@p1-style
// anonymous binding), direction, and a Go value whose TDS wire type is
// chosen from its Go type; every integer type is sent as an 8-byte INTN.
type Param struct {
	Name string
	Value interface{}
	Output bool
	MaxLen int // hint for VARCHAR/VARBINARY width; 0 picks a PLP/MAX type
}

// encodeRPCParam serializes one parameter: B_VARCHAR name, status byte,
// TYPE_INFO, then the value payload in the same wire shape the token
// decoder expects on the way back.
func encodeRPCParam(p Param) []byte {
	var out []byte
	name := str2ucs2(p.Name)
	out = append(out, byte(len(name)/2))
	out = append(out, name...)

	status := byte(0)
	if p.Output {
		status |= rpcParamByRef
	}
	out = append(out, status)

	return append(out, encodeTypedValue(p.Value, p.MaxLen)...)
}

// encodeTypedValue appends a TYPE_INFO + value pair chosen from the Go
// runtime type of v, covering the scalar set exposed to callers as
// parameter values.
func encodeTypedValue(v interface{}, maxLen int) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{typeNVarChar, 0xff, 0xff, 0, 0, 0, 0, 0, 0, 0xff, 0xff}
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return append([]byte{typeBitN, 1, 1}, b)
	case int:
		return encodeInt8(int64(val))
	case int32:
		return encodeInt8(int64(val))
	case int64:
		return encodeInt8(val)
	case float64:
		buf := make([]byte, 11)
		buf[0] = typeFltN
		buf[1] = 8
		buf[2] = 8
		bits := math.Float64bits(val)
		binary.LittleEndian.PutUint64(buf[3:], bits)
		return buf
	case string:
		return encodeNVarCharValue(val, maxLen)
	case []byte:
		return encodeVarBinaryValue(val, maxLen)
	case decimal.Decimal:
		return encodeDecimalValue(val)
	case uuid.UUID:
		out := []byte{typeGuid, 16, 16}
		le := val[:]
		swapped := []byte{le[3], le[2], le[1], le[0], le[5], le[4], le[7], le[6], le[8], le[9], le[10], le[11], le[12], le[13], le[14], le[15]}
		return append(out, swapped...)
	default:
		s, _ := v.(string)
		return encodeNVarCharValue(s, maxLen)
	}
}

func encodeInt8(v int64) []byte {
	buf := make([]byte, 11)
	buf[0] = typeIntN
	buf[1] = 8
	buf[2] = 8
	binary.LittleEndian.PutUint64(buf[3:], uint64(v))
	return buf
}

func encodeNVarCharValue(s string, maxLen int) []byte {
	data := str2ucs2(s)
	declared := maxLen * 2
	if declared == 0 || declared > 8000 {
		declared = plpMaxLen
	}
	out := []byte{typeNVarChar}
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(declared))
	out = append(out, lenBuf...)
	out = append(out, 0, 0, 0, 0, 0) // collation, unused for parameter binding

	if declared == plpMaxLen {
		sizeBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(sizeBuf, uint64(len(data)))
		out = append(out, sizeBuf...)
		if len(data) > 0 {
			chunkLen := make([]byte, 4)
			binary.LittleEndian.PutUint32(chunkLen, uint32(len(data)))
			out = append(out, chunkLen...)
			out = append(out, data...)
		}
		out = append(out, 0, 0, 0, 0) // terminator
		return out
	}

	vlen := make([]byte, 2)
	binary.LittleEndian.PutUint16(vlen, uint16(len(data)))
	out = append(out, vlen...)
	return append(out, data...)
}

func encodeVarBinaryValue(data []byte, maxLen int) []byte {
	declared := maxLen
	if declared == 0 || declared > 8000 {
		declared = plpMaxLen
	}
	out := []byte{typeBigVarBin}
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(declared))
	out = append(out, lenBuf...)

	if declared == plpMaxLen {
		sizeBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(sizeBuf, uint64(len(data)))
		out = append(out, sizeBuf...)
		if len(data) > 0 {
			chunkLen := make([]byte, 4)
			binary.LittleEndian.PutUint32(chunkLen, uint32(len(data)))
			out = append(out, chunkLen...)
			out = append(out, data...)
		}
		out = append(out, 0, 0, 0, 0)
		return out
	}

	vlen := make([]byte, 2)
	binary.LittleEndian.PutUint16(vlen, uint16(len(data)))
	out = append(out, vlen...)
	return append(out, data...)
}

func encodeDecimalValue(d decimal.Decimal) []byte {
	const precision, scale = 38, 10
	scaled := d.Mul(decimal.New(1, int32(scale))).Round(0).BigInt()

	out := []byte{typeDecimalN, 17, precision, scale}
	sign := byte(1)
	abs := scaled
	if scaled.Sign() < 0 {
		sign = 0
		abs = new(big.Int).Neg(scaled)
	}
	out = append(out, sign)

	raw := abs.Bytes()
	le := make([]byte, 16)
	for i, b := range raw {
		le[len(raw)-1-i] = b
	}
	return append(out, le...)
}

// encodeSQLBatch wraps a batch's UCS-2 text for a PacketSQLBatch request,
// prefixed by ALL_HEADERS (transaction descriptor + outstanding
// request count, MS-TDS 2.2.6.3).
func encodeSQLBatch(allHeaders []byte, sql string) []byte {
	out := append([]byte{}, allHeaders...)
	return append(out, str2ucs2(sql)...)
}

// activity ID header type: not part of MS-TDS's documented header set,
// but carried the same way as the transaction descriptor header so
// FEDAUTHINFO-driven AAD flows and server-side tracing have a
// correlation ID to key off.
const allHeaderTypeActivityID uint16 = 4
const allHeaderTypeTransactionDescriptor uint16 = 2

// allHeaders builds the ALL_HEADERS block every SQLBatch/RPC request
// carries: total length, the transaction-descriptor header (type 2)
// with the session's current transaction descriptor and outstanding
// request count, and an activity-ID header synthesized per request.
func allHeaders(transactionDescriptor uint64, outstandingRequestCount uint32, activityID uuid.UUID, activitySeq uint32) []byte {
	const txnHeaderBodyLen = 8 + 4
	const txnHeaderLen = 4 + 2 + txnHeaderBodyLen

	const actHeaderBodyLen = 16 + 4
	const actHeaderLen = 4 + 2 + actHeaderBodyLen

	totalLen := uint32(4 + txnHeaderLen + actHeaderLen)

	out := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(out[0:4], totalLen)

	pos := 4
	binary.LittleEndian.PutUint32(out[pos:pos+4], uint32(txnHeaderLen))
	binary.LittleEndian.PutUint16(out[pos+4:pos+6], allHeaderTypeTransactionDescriptor)
	binary.LittleEndian.PutUint64(out[pos+6:pos+14], transactionDescriptor)
	binary.LittleEndian.PutUint32(out[pos+14:pos+18], outstandingRequestCount)
	pos += txnHeaderLen

	binary.LittleEndian.PutUint32(out[pos:pos+4], uint32(actHeaderLen))
	binary.LittleEndian.PutUint16(out[pos+4:pos+6], allHeaderTypeActivityID)
	copy(out[pos+6:pos+22], activityID[:])
	binary.LittleEndian.PutUint32(out[pos+22:pos+26], activitySeq)

	return out
}

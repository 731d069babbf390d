package mssql

import (
	"context"
)

// token tags (MS-TDS 2.2.7).
type token byte

const (
	tokenReturnStatus token = 0x79
	tokenColMetadata token = 0x81
	tokenOrder token = 0xA9
	tokenError token = 0xAA
	tokenInfo token = 0xAB
	tokenReturnValue token = 0xAC
	tokenLoginAck token = 0xAD
	tokenFeatureExtAck token = 0xAE
	tokenRow token = 0xD1
	tokenNbcRow token = 0xD2
	tokenTvpRow token = 0x01
	tokenEnvChange token = 0xE3
	tokenSessionState token = 0xE4
	tokenSSPI token = 0xED
	tokenFedAuthInfo token = 0xEE
	tokenDone token = 0xFD
	tokenDoneProc token = 0xFE
	tokenDoneInProc token = 0xFF
	tokenTabName token = 0xA4
	tokenColInfo token = 0xA5
	tokenOffset token = 0x78
	tokenDataClassfication token = 0xA3
)

// unknownAllowList are tags the decoder tolerates as length-prefixed
// skippable, pending verification of their true semantics.
var unknownAllowList = map[byte]bool{0x04: true, 0x61: true, 0x74: true, 0xC1: true}

// done status bits (MS-TDS 2.2.7.6).
const (
	doneFinal uint16 = 0
	doneMore uint16 = 0x0001
	doneError uint16 = 0x0002
	doneInxact uint16 = 0x0004
	doneCount uint16 = 0x0010
	doneAttn uint16 = 0x0020
	doneSrvError uint16 = 0x0100
)

// ENVCHANGE types (MS-TDS 2.2.7.9).
const (
	envTypDatabase byte = 1
	envTypLanguage byte = 2
	envTypCharset byte = 3
	envTypPacketSize byte = 4
	envSortID byte = 5
	envSortFlags byte = 6
	envSQLCollation byte = 7
	envTypBeginTran byte = 8
	envTypCommitTran byte = 9
	envTypRollbackTran byte = 10
	envEnlistDTC byte = 11
	envDefectTran byte = 12
	envDatabaseMirrorPartner byte = 13
	envPromoteTran byte = 15
	envTranMgrAddr byte = 16
	envTranEnded byte = 17
	envResetConnAck byte = 18
	envStartedInstanceName byte = 19
	envRouting byte = 20
)

const (
	fedAuthInfoSTSURL byte = 0x01
	fedAuthInfoSPN byte = 0x02
)

// --- Event types ---

// Event is the sum type emitted by the decoder.
type Event interface{ isEvent() }

type eventBase struct{}

func (eventBase) isEvent() {}

type MetadataEvent struct {
	eventBase
	Columns []columnStruct
}

type RowEvent struct {
	eventBase
	Row []interface{}
}

type DoneEvent struct {
	eventBase
	Status uint16
	CurCmd uint16
	RowCount uint64
}

func (d DoneEvent) MoreResults() bool { return d.Status&doneMore != 0 }
func (d DoneEvent) HasRowCount() bool { return d.Status&doneCount != 0 }
func (d DoneEvent) AttentionAck() bool { return d.Status&doneAttn != 0 }
func (d DoneEvent) ServerErrorOccurred() bool { return d.Status&doneSrvError != 0 }

type ServerMessageEvent struct {
	eventBase
	Message Error
}

type RoutingInfo struct {
	Host string
	Port uint16
}

type EnvChangeEvent struct {
	eventBase
	Type byte
	NewValue string
	OldValue string
	NewBytes []byte
	OldBytes []byte
	RoutingInfo *RoutingInfo
}

type ReturnValueEvent struct {
	eventBase
	Ordinal uint16
	Name string
	Status byte
	Value interface{}
}

type OrderEvent struct {
	eventBase
	ColIds []uint16
}

type LoginAckEvent struct {
	eventBase
	Interface uint8
	TDSVersion uint32
	ProgName string
	ProgVer uint32
}

type FeatureExtAckEvent struct {
	eventBase
	Features map[byte][]byte
}

type SessionStateEvent struct {
	eventBase
	Data []byte
}

type DataClassificationEvent struct {
	eventBase
	Data []byte
}

type TabNameEvent struct {
	eventBase
	Data []byte
}

type ColInfoEvent struct {
	eventBase
	Data []byte
}

type OffsetEvent struct {
	eventBase
	Data []byte
}

type SSPIEvent struct {
	eventBase
	Data []byte
}

type FedAuthInfoEvent struct {
	eventBase
	STSURL string
	ServerSPN string
}

type ReturnStatusEvent struct {
	eventBase
	Value int32
}

type UnknownEvent struct {
	eventBase
	Tag byte
	Data []byte
}

// --- parsing ---

func parseReturnStatus(r *tdsBuffer) ReturnStatusEvent {
	return ReturnStatusEvent{Value: r.int32()}
}

func parseOrder(r *tdsBuffer) OrderEvent {
	length := int(r.uint16())
	if length%2 != 0 {
		badStreamPanicf("ORDER token length %d is not even", length)
	}
	ids := make([]uint16, length/2)
	for i := range ids {
		ids[i] = r.uint16()
	}
	return OrderEvent{ColIds: ids}
}

func parseDone(r *tdsBuffer) DoneEvent {
	return DoneEvent{Status: r.uint16(), CurCmd: r.uint16(), RowCount: r.uint64()}
}

func parseSSPIMsg(r *tdsBuffer) SSPIEvent {
	size := r.uint16()
	buf := make([]byte, size)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return SSPIEvent{Data: buf}
}

func parseFedAuthInfo(r *tdsBuffer) FedAuthInfoEvent {
	size := r.uint32()
	count := r.uint32()
	offset := uint32(4)

	type opt struct {
		id byte
		length, off uint32
	}
	opts := make([]opt, count)
	for i := range opts {
		opts[i] = opt{id: r.byte(), length: r.uint32(), off: r.uint32()}
		offset += 1 + 4 + 4
	}

	data := make([]byte, int(size)-int(offset))
	if err := r.ReadFull(data); err != nil {
		badStreamPanic(err)
	}

	var ev FedAuthInfoEvent
	for _, o := range opts {
		if o.off < offset || o.off+o.length > size {
			badStreamPanicf("fedauthinfo opt out of bounds")
		}
		chunk := data[o.off-offset : o.off-offset+o.length]
		s, err := ucs22str(chunk)
		if err != nil {
			badStreamPanic(err)
		}
		switch o.id {
		case fedAuthInfoSTSURL:
			ev.STSURL = s
		case fedAuthInfoSPN:
			ev.ServerSPN = s
		}
	}
	return ev
}

func parseLoginAck(r *tdsBuffer) LoginAckEvent {
	size := r.uint16()
	buf := make([]byte, size)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	var ev LoginAckEvent
	ev.Interface = buf[0]
	ev.TDSVersion = beUint32(buf[1:5])
	nameLen := int(buf[5])
	name, err := ucs22str(buf[6 : 6+nameLen*2])
	if err != nil {
		badStreamPanic(err)
	}
	ev.ProgName = name
	ev.ProgVer = beUint32(buf[size-4:])
	return ev
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

const (
	featExtSESSIONRECOVERY byte = 0x01
	featExtFEDAUTH byte = 0x02
	featExtCOLUMNENCRYPTION byte = 0x04
	featExtUTF8SUPPORT byte = 0x0A
	featExtTERMINATOR byte = 0xFF
)

func parseFeatureExtAck(r *tdsBuffer) FeatureExtAckEvent {
	features := map[byte][]byte{}
	for {
		id := r.byte()
		if id == featExtTERMINATOR {
			break
		}
		length := r.uint32()
		buf := make([]byte, length)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		features[id] = buf
	}
	return FeatureExtAckEvent{Features: features}
}

// parseColMetadata reads the COLMETADATA token. When
// alwaysEncrypted is enabled the CEK table and per-column crypto
// metadata are consumed too.
func parseColMetadata(r *tdsBuffer, alwaysEncrypted bool) []columnStruct {
	count := r.uint16()
	if count == 0xffff {
		return nil
	}
	columns := make([]columnStruct, count)

	var cek *cekTable
	if alwaysEncrypted {
		cek = readCEKTable(r)
	}

	for i := range columns {
		col := &columns[i]
		base := getBaseTypeInfo(r, true)
		ti := readTypeInfo(r, base.TypeId, nil)
		ti.UserType = base.UserType
		ti.Flags = base.Flags
		ti.TypeId = base.TypeId

		if base.TypeId == typeText || base.TypeId == typeNText || base.TypeId == typeImage {
			_ = r.sqlIdentifier()
		}

		col.Flags = base.Flags
		col.UserType = base.UserType
		col.ti = ti

		if col.isEncrypted() && alwaysEncrypted {
			cm := parseCryptoMetadata(r, cek)
			cm.typeInfo.Flags = base.Flags
			col.cryptoMeta = &cm
		}

		col.ColName = r.BVarChar()
	}
	return columns
}

// decryptIfNeeded unwraps an Always Encrypted column's ciphertext and
// re-decodes it using the plaintext type carried in its crypto
// metadata.
func decryptIfNeeded(col *columnStruct, settings *AlwaysEncryptedSettings, raw interface{}) interface{} {
	if raw == nil || !col.isEncrypted() || settings == nil || !settings.Enabled {
		return raw
	}
	ciphertext, ok := raw.([]byte)
	if !ok {
		return raw
	}
	plainBuf, err := decryptColumnValue(col.cryptoMeta, settings, ciphertext)
	if err != nil {
		badStreamPanic(err)
	}
	return col.cryptoMeta.typeInfo.Reader(&col.cryptoMeta.typeInfo, plainBuf, nil)
}

// parseRow decodes one ROW token's fixed column vector.
func parseRow(r *tdsBuffer, columns []columnStruct, settings *AlwaysEncryptedSettings) []interface{} {
	row := make([]interface{}, len(columns))
	for i := range columns {
		col := &columns[i]
		v := col.ti.Reader(&col.ti, r, col.cryptoMeta)
		row[i] = decryptIfNeeded(col, settings, v)
	}
	return row
}

// parseNbcRow decodes a NBCROW token: a leading null-bitmap of
// ceil(N/8) bytes, then values only for non-null columns.
func parseNbcRow(r *tdsBuffer, columns []columnStruct, settings *AlwaysEncryptedSettings) []interface{} {
	bitlen := (len(columns) + 7) / 8
	bitmap := make([]byte, bitlen)
	if err := r.ReadFull(bitmap); err != nil {
		badStreamPanic(err)
	}
	row := make([]interface{}, len(columns))
	for i := range columns {
		col := &columns[i]
		if bitmap[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = nil
			continue
		}
		v := col.ti.Reader(&col.ti, r, col.cryptoMeta)
		row[i] = decryptIfNeeded(col, settings, v)
	}
	return row
}

func parseError(r *tdsBuffer) Error {
	_ = r.uint16() // length
	var e Error
	e.Number = r.int32()
	e.State = r.byte()
	e.Class = r.byte()
	e.Message = r.UsVarChar()
	e.ServerName = r.BVarChar()
	e.ProcName = r.BVarChar()
	e.LineNo = r.int32()
	return e
}

func parseReturnValue(r *tdsBuffer) ReturnValueEvent {
	ordinal := r.uint16()
	name := r.BVarChar()
	status := r.byte()
	base := getBaseTypeInfo(r, true)
	ti := readTypeInfo(r, base.TypeId, nil)
	ti.UserType = base.UserType
	ti.Flags = base.Flags
	val := ti.Reader(&ti, r, nil)
	return ReturnValueEvent{Ordinal: ordinal, Name: name, Status: status, Value: val}
}

// processEnvChg decodes an ENVCHANGE token body into zero or more
// EnvChangeEvent values delivered on ch. Unknown sub-types stop the
// loop: the remaining bytes of an unrecognized record cannot be
// skipped reliably.
func processEnvChg(r *tdsBuffer, ch chan<- interface{}) {
	size := int(r.uint16())
	consumed := 0

	readByte := func() byte { consumed++; return r.byte() }
	readBVarChar := func() string {
		n := int(r.byte())
		consumed += 1 + n*2
		if n == 0 {
			return ""
		}
		buf := make([]byte, n*2)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		out, err := ucs22str(buf)
		if err != nil {
			badStreamPanic(err)
		}
		return out
	}
	readBVarByte := func() []byte {
		n := int(r.byte())
		consumed += 1 + n
		buf := make([]byte, n)
		if err := r.ReadFull(buf); err != nil {
			badStreamPanic(err)
		}
		return buf
	}

	for consumed < size {
		envtype := readByte()
		switch envtype {
		case envTypDatabase, envTypLanguage, envTypCharset, envTypPacketSize, envSortID,
			envSortFlags, envEnlistDTC, envDefectTran, envTranMgrAddr, envTranEnded,
			envResetConnAck, envStartedInstanceName, envDatabaseMirrorPartner:
			nv, ov := readBVarChar(), readBVarChar()
			ch <- EnvChangeEvent{Type: envtype, NewValue: nv, OldValue: ov}
		case envSQLCollation:
			nb, ob := readBVarByte(), readBVarByte()
			ch <- EnvChangeEvent{Type: envtype, NewBytes: nb, OldBytes: ob}
		case envTypBeginTran, envTypCommitTran, envTypRollbackTran, envPromoteTran:
			nb, ob := readBVarByte(), readBVarByte()
			ch <- EnvChangeEvent{Type: envtype, NewBytes: nb, OldBytes: ob}
		case envRouting:
			consumed += 2
			r.uint16() // routing data length
			protocol := readByte()
			if protocol != 0 {
				badStreamPanicf("unsupported routing protocol %d", protocol)
			}
			consumed += 2
			port := r.uint16()
			host := r.UsVarChar()
			consumed += len(host)*2 + 2
			consumed += 2
			r.uint16() // old value, always empty
			ch <- EnvChangeEvent{Type: envtype, RoutingInfo: &RoutingInfo{Host: host, Port: port}}
		default:
			// cannot safely skip an unrecognized ENVCHANGE sub-record
			return
		}
	}
}

// skipUnknownToken handles the small allow-list of tags that are
// length-prefixed and therefore safely skippable.
func skipUnknownToken(r *tdsBuffer, tag byte) UnknownEvent {
	length := r.uint16()
	buf := make([]byte, length)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return UnknownEvent{Tag: tag, Data: buf}
}

func skipU16LenOpaque(r *tdsBuffer) []byte {
	length := r.uint16()
	buf := make([]byte, length)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

func skipU32LenOpaque(r *tdsBuffer) []byte {
	length := r.uint32()
	buf := make([]byte, length)
	if err := r.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

// decodeTokenStream reads one TABULAR_RESULT message from buf and
// emits Events on ch until the message ends (a terminal DONE) or an
// error occurs (sent as the channel's final value). Unrecognised tags
// listed in unknownAllowList are skipped using a 2-byte length prefix;
// any other unrecognised tag is a protocol error.
func decodeTokenStream(buf *tdsBuffer, settings *AlwaysEncryptedSettings, ch chan<- interface{}) {
	alwaysEncrypted := settings != nil && settings.Enabled
	defer func() {
		if r := recover(); r != nil {
			if bse, ok := r.(badStreamErr); ok {
				ch <- bse.err
			} else {
				ch <- newProtocolError("panic decoding token stream: %v", r)
			}
		}
		close(ch)
	}()

	pktType, err := buf.BeginRead()
	if err != nil {
		ch <- err
		return
	}
	if pktType != PacketTabularResult {
		badStreamPanic(newProtocolError("unexpected packet type in reply: got %v, expected %v", pktType, PacketTabularResult))
	}

	var columns []columnStruct
	for {
		tag := token(buf.byte())
		switch tag {
		case tokenSSPI:
			ch <- parseSSPIMsg(buf)
			return
		case tokenFedAuthInfo:
			ch <- parseFedAuthInfo(buf)
			return
		case tokenReturnStatus:
			ch <- parseReturnStatus(buf)
		case tokenLoginAck:
			ch <- parseLoginAck(buf)
		case tokenFeatureExtAck:
			ch <- parseFeatureExtAck(buf)
		case tokenOrder:
			ch <- parseOrder(buf)
		case tokenDoneInProc:
			ch <- parseDone(buf)
		case tokenDone, tokenDoneProc:
			d := parseDone(buf)
			ch <- d
			if d.Status&doneMore == 0 {
				return
			}
		case tokenColMetadata:
			columns = parseColMetadata(buf, alwaysEncrypted)
			ch <- MetadataEvent{Columns: columns}
		case tokenRow:
			ch <- RowEvent{Row: parseRow(buf, columns, settings)}
		case tokenNbcRow:
			ch <- RowEvent{Row: parseNbcRow(buf, columns, settings)}
		case tokenTvpRow:
			ch <- RowEvent{Row: parseRow(buf, columns, settings)}
		case tokenEnvChange:
			processEnvChg(buf, ch)
		case tokenError:
			ch <- ServerMessageEvent{Message: parseError(buf)}
		case tokenInfo:
			ch <- ServerMessageEvent{Message: parseError(buf)}
		case tokenReturnValue:
			ch <- parseReturnValue(buf)
		case tokenSessionState:
			ch <- SessionStateEvent{Data: skipU32LenOpaque(buf)}
		case tokenDataClassfication:
			ch <- DataClassificationEvent{Data: skipU16LenOpaque(buf)}
		case tokenTabName:
			ch <- TabNameEvent{Data: skipU16LenOpaque(buf)}
		case tokenColInfo:
			ch <- ColInfoEvent{Data: skipU16LenOpaque(buf)}
		case tokenOffset:
			ch <- OffsetEvent{Data: skipU16LenOpaque(buf)}
		default:
			if unknownAllowList[byte(tag)] {
				ch <- skipUnknownToken(buf, byte(tag))
			} else {
				badStreamPanic(newProtocolError("unknown token type returned: 0x%02x", byte(tag)))
			}
		}
	}
}

// drainForAttentionAck consumes events from an in-flight response
// channel looking for a DONE with the attention-ack bit set, as part
// of ATTENTION-based cancellation.
func drainForAttentionAck(ctx context.Context, ch <-chan interface{}) bool {
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return false
			}
			if d, isDone := v.(DoneEvent); isDone && d.AttentionAck() {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

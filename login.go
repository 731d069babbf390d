package mssql

import (
	"encoding/binary"
)

// tdsVersion is the TDS version this client announces.
const tdsVersion uint32 = 0x74000004

// LOGIN7 OptionFlags1 bits (MS-TDS 2.2.6.4).
const (
	lf1HostNameSet byte = 0x00
	lf1UserPwdSet byte = 0x00
	lf1UseDBOn byte = 0x20
	lf1SetLang byte = 0x08
)

// LOGIN7 OptionFlags2 bits.
const (
	lf2IntegratedSecurityOff byte = 0x00
	lf2IntegratedSecurityOn byte = 0x80
	lf2ODBC byte = 0x02
)

// LOGIN7 OptionFlags3 bits.
const (
	lf3Default byte = 0x00
	lf3ChangePassword byte = 0x01
	lf3UserInstance byte = 0x02
	lf3ExtensionUsed byte = 0x10
)

// loginFields carries the client identity and session options that go
// into a LOGIN7 packet: hostname, app name, server name, client PID,
// packet size, locale, and initial database.
type loginFields struct {
	HostName string
	UserName string
	Password string
	AppName string
	ServerName string
	CtlIntName string
	Language string
	Database string
	ClientPID uint32
	PacketSize uint32
	ClientLCID uint32
	UseIntegratedSecurity bool

	// FeatureExt options.
	WantColumnEncryption bool
	FedAuthToken []byte // pre-fetched token for FEDAUTH feature ext
}

// obfuscatePassword applies the LOGIN7 password obfuscation: swap the
// nibbles of each byte, then XOR with 0xA5 (MS-TDS 2.2.6.4 rule, not real
// encryption).
func obfuscatePassword(s string) []byte {
	b := str2ucs2(s)
	out := make([]byte, len(b))
	for i, c := range b {
		c = (c<<4)&0xf0 | (c>>4)&0x0f
		out[i] = c ^ 0xa5
	}
	return out
}

// buildFeatureExt assembles the FEATUREEXT data block appended after the
// LOGIN7 variable-length section.
func buildFeatureExt(f loginFields) []byte {
	var out []byte

	if f.WantColumnEncryption {
		out = append(out, featExtCOLUMNENCRYPTION)
		data := []byte{0x01} // column encryption version 1
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		out = append(out, lenBuf[:]...)
		out = append(out, data...)
	}

	if len(f.FedAuthToken) > 0 {
		out = append(out, featExtFEDAUTH)
		// FedAuthLibrary=2 (security token), fOmitConnectionId=1, then the token.
		data := make([]byte, 0, 5+len(f.FedAuthToken))
		data = append(data, 0x02|0x80)
		var tokLen [4]byte
		binary.LittleEndian.PutUint32(tokLen[:], uint32(len(f.FedAuthToken)))
		data = append(data, tokLen[:]...)
		data = append(data, f.FedAuthToken...)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		out = append(out, lenBuf[:]...)
		out = append(out, data...)
	}

	out = append(out, featExtTERMINATOR)
	return out
}

// buildLogin7 serializes a full LOGIN7 payload: the fixed 94-byte header,
// the variable-length offset/length table's referenced fields in fixed
// order, and an optional FEATUREEXT trailer.
func buildLogin7(f loginFields) []byte {
	type field struct {
		data []byte
	}

	hostName := str2ucs2(f.HostName)
	userName := str2ucs2(f.UserName)
	password := obfuscatePassword(f.Password)
	appName := str2ucs2(f.AppName)
	serverName := str2ucs2(f.ServerName)
	ctlIntName := str2ucs2(f.CtlIntName)
	language := str2ucs2(f.Language)
	database := str2ucs2(f.Database)

	featureExt := buildFeatureExt(f)

	const fixedHeaderLen = 94
	fields := []field{
		{hostName}, {userName}, {password}, {appName}, {serverName},
		{nil}, // unused / extension offset
		{ctlIntName}, {language}, {database},
	}

	varLen := 0
	for _, fl := range fields {
		varLen += len(fl.data)
	}

	optFlags3 := lf3Default
	if len(featureExt) > 1 {
		optFlags3 |= lf3ExtensionUsed
	}

	// cbSSPILong offset placeholder: when FeatureExt is used, the
	// "unused" offset/length pair instead carries the 4-byte offset to
	// the FeatureExt block, per MS-TDS 2.2.6.4.
	totalLen := fixedHeaderLen + varLen
	if len(featureExt) > 1 {
		totalLen += len(featureExt)
	}

	buf := make([]byte, fixedHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint32(buf[4:8], tdsVersion)
	binary.LittleEndian.PutUint32(buf[8:12], f.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0x00000001) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], f.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID

	buf[24] = lf1UseDBOn | lf1SetLang
	if f.UseIntegratedSecurity {
		buf[25] = lf2IntegratedSecurityOn | lf2ODBC
	} else {
		buf[25] = lf2IntegratedSecurityOff | lf2ODBC
	}
	buf[26] = 0 // TypeFlags: ODBC driver, SQL language
	buf[27] = optFlags3
	binary.LittleEndian.PutUint32(buf[28:32], 0) // ClientTimezone
	binary.LittleEndian.PutUint32(buf[32:36], f.ClientLCID)

	offset := uint16(fixedHeaderLen)
	putField := func(pos int, data []byte) {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], offset)
		binary.LittleEndian.PutUint16(buf[pos+2:pos+4], uint16(len(data)/2))
		offset += uint16(len(data))
	}

	putField(36, hostName)
	putField(40, userName)
	putField(44, password)
	putField(48, appName)
	putField(52, serverName)

	if len(featureExt) > 1 {
		// ibExtension / cbExtension: cbExtension is always 4 (the
		// offset, little-endian, to the FeatureExt block).
		binary.LittleEndian.PutUint16(buf[56:58], offset)
		binary.LittleEndian.PutUint16(buf[58:60], 4)
	} else {
		binary.LittleEndian.PutUint16(buf[56:58], offset)
		binary.LittleEndian.PutUint16(buf[58:60], 0)
	}

	putField(60, ctlIntName)
	putField(64, language)
	putField(68, database)

	// ClientID: bytes 72-77, left zero (no MAC reported).
	binary.LittleEndian.PutUint16(buf[78:80], offset) // ibSSPI
	binary.LittleEndian.PutUint16(buf[80:82], 0) // cbSSPI
	binary.LittleEndian.PutUint16(buf[82:84], offset) // ibAtchDBFile
	binary.LittleEndian.PutUint16(buf[84:86], 0)
	binary.LittleEndian.PutUint16(buf[86:88], offset) // ibChangePassword
	binary.LittleEndian.PutUint16(buf[88:90], 0)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // cbSSPILong

	out := make([]byte, 0, totalLen)
	out = append(out, buf...)
	out = append(out, hostName...)
	out = append(out, userName...)
	out = append(out, password...)
	out = append(out, appName...)
	out = append(out, serverName...)
	out = append(out, ctlIntName...)
	out = append(out, language...)
	out = append(out, database...)

	if len(featureExt) > 1 {
		// the FeatureExt offset recorded above points here, right after
		// the fixed variable-length section.
		extOffset := uint16(fixedHeaderLen + varLen)
		binary.LittleEndian.PutUint16(out[56:58], extOffset)
		out = append(out, featureExt...)
	}

	return out
}

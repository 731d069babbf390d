package mssql

import (
	"encoding/binary"
)

// PRELOGIN option tokens (MS-TDS 2.2.6.5).
const (
	preloginVersion byte = 0x00
	preloginEncryption byte = 0x01
	preloginInstOpt byte = 0x02
	preloginThreadID byte = 0x03
	preloginMARS byte = 0x04
	preloginTraceID byte = 0x05
	preloginFedAuthReq byte = 0x06
	preloginNonceOpt byte = 0x07
	preloginTerminator byte = 0xFF
)

// encryption negotiation bytes (MS-TDS 2.2.6.5, ENCRYPTION option).
const (
	encryptOff byte = 0x00
	encryptOn byte = 0x01
	encryptNotSup byte = 0x02
	encryptReq byte = 0x03
	encryptClientCertOff byte = 0x80
)

// EncryptionMode selects the client's requested TLS posture.
type EncryptionMode byte

const (
	EncryptDefault EncryptionMode = iota // negotiate login-only TLS if server supports it
	EncryptDisabled
	EncryptRequired
	EncryptStrict // TDS 8.0 style: TLS for the whole connection from the first byte
)

type preloginOption struct {
	token byte
	data []byte
}

// buildPreloginOptions assembles the client's PRELOGIN option list:
// VERSION, ENCRYPTION, INSTOPT, THREADID and MARS. No TRACEID, FEDAUTHREQUIRED
// or NONCEOPT option is sent.
func buildPreloginOptions(mode EncryptionMode, instance string, mars bool) []preloginOption {
	var enc byte
	switch mode {
	case EncryptDisabled:
		enc = encryptOff
	case EncryptRequired, EncryptStrict:
		enc = encryptReq
	default:
		enc = encryptOn
	}

	marsByte := byte(0)
	if mars {
		marsByte = 1
	}

	opts := []preloginOption{
		{preloginVersion, []byte{0, 0, 0, 0, 0, 0}},
		{preloginEncryption, []byte{enc}},
		{preloginInstOpt, append([]byte(instance), 0)},
		{preloginThreadID, []byte{0, 0, 0, 0}},
		{preloginMARS, []byte{marsByte}},
	}
	return opts
}

// encodePrelogin serializes a PRELOGIN option list into its wire form: an
// option header block (token, 2-byte BE offset, 2-byte BE length) per
// option terminated by 0xFF, followed by the concatenated option payloads.
func encodePrelogin(opts []preloginOption) []byte {
	headerLen := len(opts)*5 + 1
	var payload []byte
	header := make([]byte, 0, headerLen)

	offset := headerLen
	for _, o := range opts {
		entry := make([]byte, 5)
		entry[0] = o.token
		binary.BigEndian.PutUint16(entry[1:3], uint16(offset))
		binary.BigEndian.PutUint16(entry[3:5], uint16(len(o.data)))
		header = append(header, entry...)
		payload = append(payload, o.data...)
		offset += len(o.data)
	}
	header = append(header, preloginTerminator)
	return append(header, payload...)
}

// parsePreloginResponse decodes the server's PRELOGIN reply into a map
// keyed by option token, the same option-header + payload framing as the
// request.
func parsePreloginResponse(buf []byte) (map[byte][]byte, error) {
	opts := map[byte][]byte{}
	pos := 0
	for {
		if pos >= len(buf) {
			return nil, newProtocolError("prelogin response truncated before terminator")
		}
		tok := buf[pos]
		if tok == preloginTerminator {
			break
		}
		if pos+5 > len(buf) {
			return nil, newProtocolError("prelogin response option header truncated")
		}
		off := binary.BigEndian.Uint16(buf[pos+1 : pos+3])
		length := binary.BigEndian.Uint16(buf[pos+3 : pos+5])
		if int(off)+int(length) > len(buf) {
			return nil, newProtocolError("prelogin response option out of bounds")
		}
		opts[tok] = buf[off : off+length]
		pos += 5
	}
	return opts, nil
}

// negotiatedEncryption interprets the server's ENCRYPTION option byte
// against the client's requested mode, failing closed when the client
// required encryption the server cannot provide.
func negotiatedEncryption(mode EncryptionMode, serverByte byte) (useTLS bool, err error) {
	switch mode {
	case EncryptDisabled:
		if serverByte == encryptReq {
			return false, newAuthenticationFailedError("server requires encryption but client disabled it", nil)
		}
		return false, nil
	case EncryptRequired, EncryptStrict:
		if serverByte == encryptNotSup {
			return false, newAuthenticationFailedError("server does not support encryption", nil)
		}
		return true, nil
	default:
		return serverByte != encryptNotSup && serverByte != encryptOff, nil
	}
}

package mssql

import (
	"encoding/binary"
	"io"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

var ucs2Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ucs22str decodes a UCS-2/UTF-16LE byte slice into a Go string,
// round-tripping surrogate pairs.
func ucs22str(b []byte) (string, error) {
	decoded, err := ucs2Encoding.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// str2ucs2 encodes a Go string as UCS-2/UTF-16LE bytes.
func str2ucs2(s string) []byte {
	encoded, err := ucs2Encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Encoding errors only occur for unpaired surrogates; fall back
		// to a best-effort manual UTF-16 encode rather than dropping data.
		return manualUTF16LE(s)
	}
	return encoded
}

// plpTerminator / plpUnknownLen / plpNull are the PLP chunk sentinels.
const (
	plpTerminator uint32 = 0
	plpUnknownLen uint64 = 0xfffffffffffffffe
	plpNullLen uint64 = 0xffffffffffffffff
)

// tdsBuffer is the connection-level byte source/sink: it composes a
// Framer with a net.Conn to present a continuous, packet-boundary
// transparent stream to the token decoder. It is read-only: outbound
// messages go through tdsWriter. It never partially advances a read on error:
// all multi-byte reads below either succeed completely or return an
// error without having returned usable data.
type tdsBuffer struct {
	transport io.ReadWriteCloser
	framer *Framer

	curMsgType PacketType
	rbuf []byte
	rpos int

	wbuf []byte
	packetSize int

	afterFirstRead func(PacketType)
}

func newTdsBuffer(transport io.ReadWriteCloser, packetSize int) *tdsBuffer {
	if packetSize < minPacketSize {
		packetSize = defaultPacketSize
	}
	return &tdsBuffer{
		transport: transport,
		framer: NewFramer(),
		packetSize: packetSize,
	}
}

func (b *tdsBuffer) ResizeBuffer(size int) {
	if size >= minPacketSize {
		b.packetSize = size
	}
}

// BeginRead blocks until the next TDS message arrives and primes the
// buffer to read its payload. It returns the message's packet type so
// callers can validate it against what they expected.
func (b *tdsBuffer) BeginRead() (PacketType, error) {
	for {
		msg, err := b.framer.Poll()
		if err != nil {
			return 0, err
		}
		if msg != nil {
			b.curMsgType = msg.Type
			b.rbuf = msg.Payload
			b.rpos = 0
			return msg.Type, nil
		}
		chunk := make([]byte, 4096)
		n, err := b.transport.Read(chunk)
		if n > 0 {
			b.framer.Push(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return 0, newConnectionClosedError(err)
			}
			return 0, err
		}
	}
}

func (b *tdsBuffer) ensure(n int) error {
	for b.rpos+n > len(b.rbuf) {
		// The current message ran out before satisfying this read. The
		// Framer has already reassembled every packet of the message, so
		// no further message is read: the short read is reported as a
		// protocol error.
		return newProtocolError("short read: need %d bytes, have %d", n, len(b.rbuf)-b.rpos)
	}
	return nil
}

// Read implements io.Reader over the current message payload.
func (b *tdsBuffer) Read(p []byte) (int, error) {
	if b.rpos >= len(b.rbuf) {
		return 0, io.EOF
	}
	n := copy(p, b.rbuf[b.rpos:])
	b.rpos += n
	return n, nil
}

func (b *tdsBuffer) ReadFull(p []byte) error {
	if err := b.ensure(len(p)); err != nil {
		return err
	}
	copy(p, b.rbuf[b.rpos:b.rpos+len(p)])
	b.rpos += len(p)
	return nil
}

func (b *tdsBuffer) byte() byte {
	if err := b.ensure(1); err != nil {
		badStreamPanic(err)
	}
	v := b.rbuf[b.rpos]
	b.rpos++
	return v
}

func (b *tdsBuffer) uint16() uint16 {
	var tmp [2]byte
	if err := b.ReadFull(tmp[:]); err != nil {
		badStreamPanic(err)
	}
	return binary.LittleEndian.Uint16(tmp[:])
}

func (b *tdsBuffer) uint32() uint32 {
	var tmp [4]byte
	if err := b.ReadFull(tmp[:]); err != nil {
		badStreamPanic(err)
	}
	return binary.LittleEndian.Uint32(tmp[:])
}

func (b *tdsBuffer) uint64() uint64 {
	var tmp [8]byte
	if err := b.ReadFull(tmp[:]); err != nil {
		badStreamPanic(err)
	}
	return binary.LittleEndian.Uint64(tmp[:])
}

func (b *tdsBuffer) int32() int32 { return int32(b.uint32()) }
func (b *tdsBuffer) int64() int64 { return int64(b.uint64()) }
func (b *tdsBuffer) uint8() uint8 { return b.byte() }

// BVarChar reads a 1-byte char-count-prefixed UCS-2 string.
func (b *tdsBuffer) BVarChar() string {
	n := int(b.byte())
	buf := make([]byte, n*2)
	if err := b.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// UsVarChar reads a 2-byte char-count-prefixed UCS-2 string.
func (b *tdsBuffer) UsVarChar() string {
	n := int(b.uint16())
	buf := make([]byte, n*2)
	if err := b.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// BVarByte reads a 1-byte length-prefixed byte string.
func (b *tdsBuffer) BVarByte() []byte {
	n := int(b.byte())
	buf := make([]byte, n)
	if err := b.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

// UsVarByte reads a 2-byte length-prefixed byte string.
func (b *tdsBuffer) UsVarByte() []byte {
	n := int(b.uint16())
	buf := make([]byte, n)
	if err := b.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

// LVarByte reads a 4-byte length-prefixed byte string.
func (b *tdsBuffer) LVarByte() []byte {
	n := int(b.uint32())
	buf := make([]byte, n)
	if err := b.ReadFull(buf); err != nil {
		badStreamPanic(err)
	}
	return buf
}

// readPLP reads a Partially-Length-Prefixed value: an 8-byte total
// length (0/plpNullLen => nil value) followed by length-prefixed
// chunks terminated by a zero-length chunk. Unknown total length
// (plpUnknownLen) is tolerated the same way.
func (b *tdsBuffer) readPLP() []byte {
	total := b.uint64()
	if total == plpNullLen {
		return nil
	}
	var out []byte
	if total != plpUnknownLen && total != 0 {
		out = make([]byte, 0, total)
	}
	for {
		chunkLen := b.uint32()
		if chunkLen == plpTerminator {
			break
		}
		chunk := make([]byte, chunkLen)
		if err := b.ReadFull(chunk); err != nil {
			badStreamPanic(err)
		}
		out = append(out, chunk...)
	}
	return out
}

// sqlIdentifier reads a multipart table name (NUMPARTS US_VARCHAR
// parts, joined with "."), as COLMETADATA carries it for TEXT/NTEXT/IMAGE
// columns.
func (b *tdsBuffer) sqlIdentifier() string {
	numParts := int(b.byte())
	parts := make([]string, numParts)
	for i := 0; i < numParts; i++ {
		parts[i] = b.UsVarChar()
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

// --- outbound side ---

type tdsWriter struct {
	framer *Framer
	packetSize int
	transport io.Writer
}

func newTdsWriter(transport io.Writer, packetSize int) *tdsWriter {
	return &tdsWriter{framer: NewFramer(), packetSize: packetSize, transport: transport}
}

// sendMessage frames payload into packets and writes them in order.
func (w *tdsWriter) sendMessage(t PacketType, payload []byte) error {
	for _, pkt := range w.framer.Encode(t, payload, w.packetSize) {
		if _, err := w.transport.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// badStreamErr / badStreamPanic implement a
// panic-then-recover-at-goroutine-boundary convention for internal
// decode invariants: a malformed token is always a protocol error, and
// every such panic is recovered at the decoding goroutine's boundary.
type badStreamErr struct{ err error }

func badStreamPanic(err error) {
	panic(badStreamErr{err: newProtocolError("%s", err.Error())})
}

func badStreamPanicf(format string, args ...interface{}) {
	panic(badStreamErr{err: newProtocolError(format, args...)})
}

func manualUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

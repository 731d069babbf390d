package mssql

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport adapts a bytes.Reader/Writer pair to io.ReadWriteCloser
// so tdsBuffer can be driven without a real socket.
type fakeTransport struct {
	r *bytes.Reader
	w bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *fakeTransport) Close() error                { return nil }

func newBufferOverMessage(t PacketType, payload []byte) *tdsBuffer {
	f := NewFramer()
	packets := f.Encode(t, payload, defaultPacketSize)
	var wire []byte
	for _, p := range packets {
		wire = append(wire, p...)
	}
	transport := &fakeTransport{r: bytes.NewReader(wire)}
	return newTdsBuffer(transport, defaultPacketSize)
}

func TestUCS2RoundTrip(t *testing.T) {
	for _, s := range []string{"hello", "", "naïve café", "日本語"} {
		enc := str2ucs2(s)
		dec, err := ucs22str(enc)
		require.NoError(t, err)
		assert.Equal(t, s, dec)
	}
}

func TestTdsBufferBVarChar(t *testing.T) {
	want := "sa"
	payload := append([]byte{byte(len(want))}, str2ucs2(want)...)
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, want, buf.BVarChar())
}

func TestTdsBufferUsVarChar(t *testing.T) {
	want := "master"
	lenBuf := []byte{byte(len(want)), 0}
	payload := append(lenBuf, str2ucs2(want)...)
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, want, buf.UsVarChar())
}

func TestTdsBufferVarByteVariants(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	var payload []byte
	payload = append(payload, byte(len(data)))
	payload = append(payload, data...)
	payload = append(payload, byte(len(data)), 0)
	payload = append(payload, data...)
	payload = append(payload, 5, 0, 0, 0)
	payload = append(payload, data...)

	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)

	assert.Equal(t, data, buf.BVarByte())
	assert.Equal(t, data, buf.UsVarByte())
	assert.Equal(t, data, buf.LVarByte())
}

func TestReadPLPChunked(t *testing.T) {
	var payload []byte
	payload = append(payload, 0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF) // unknown length marker
	chunk1 := []byte("hello ")
	chunk2 := []byte("world")
	payload = append(payload, 6, 0, 0, 0)
	payload = append(payload, chunk1...)
	payload = append(payload, 5, 0, 0, 0)
	payload = append(payload, chunk2...)
	payload = append(payload, 0, 0, 0, 0) // terminator

	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), buf.readPLP())
}

func TestReadPLPNull(t *testing.T) {
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Nil(t, buf.readPLP())
}

func TestSQLIdentifierJoinsParts(t *testing.T) {
	var payload []byte
	payload = append(payload, 2) // two parts
	for _, p := range []string{"dbo", "Orders"} {
		payload = append(payload, byte(len(p)), 0)
		payload = append(payload, str2ucs2(p)...)
	}
	buf := newBufferOverMessage(PacketTabularResult, payload)
	_, err := buf.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, "dbo.Orders", buf.sqlIdentifier())
}

func TestTdsBufferEnsureShortReadIsAnError(t *testing.T) {
	buf := newBufferOverMessage(PacketTabularResult, []byte{1, 2})
	_, err := buf.BeginRead()
	require.NoError(t, err)
	err = buf.ReadFull(make([]byte, 10))
	assert.Error(t, err)
}

func TestTdsWriterSendMessageRoundTripsThroughFramer(t *testing.T) {
	var out bytes.Buffer
	w := newTdsWriter(&out, defaultPacketSize)
	require.NoError(t, w.sendMessage(PacketSQLBatch, []byte("SELECT 1")))

	f := NewFramer()
	f.Push(out.Bytes())
	msg, err := f.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("SELECT 1"), msg.Payload)
}

func TestBadStreamPanicIsRecoverable(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		bse, ok := r.(badStreamErr)
		require.True(t, ok)
		assert.Error(t, bse.err)
	}()
	badStreamPanicf("malformed token at offset %d", 12)
}

var _ io.ReadWriteCloser = (*fakeTransport)(nil)

package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := packetHeader{Type: PacketSQLBatch, Status: statusEOM, Length: 42, SPID: 7, PacketID: 3, Window: 0}
	buf := h.marshal()
	require.Len(t, buf, packetHeaderSize)

	got, err := parsePacketHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestParsePacketHeaderRejectsShortLength(t *testing.T) {
	h := packetHeader{Type: PacketSQLBatch, Status: statusEOM, Length: 3}
	_, err := parsePacketHeader(h.marshal())
	assert.Error(t, err)
}

func TestParsePacketHeaderRejectsTooShortBuffer(t *testing.T) {
	_, err := parsePacketHeader([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestFramerEncodeSplitsOnPacketSize(t *testing.T) {
	f := NewFramer()
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	packets := f.Encode(PacketSQLBatch, payload, packetHeaderSize+30)
	require.Len(t, packets, 4) // 30+30+30+10

	for i, pkt := range packets {
		hdr, err := parsePacketHeader(pkt)
		require.NoError(t, err)
		assert.EqualValues(t, i+1, hdr.PacketID)
		if i == len(packets)-1 {
			assert.True(t, hdr.isEOM())
		} else {
			assert.False(t, hdr.isEOM())
		}
	}
}

func TestFramerEncodeEmptyPayloadStillSendsOneEOMPacket(t *testing.T) {
	f := NewFramer()
	packets := f.Encode(PacketAttention, nil, defaultPacketSize)
	require.Len(t, packets, 1)
	hdr, err := parsePacketHeader(packets[0])
	require.NoError(t, err)
	assert.True(t, hdr.isEOM())
	assert.Equal(t, PacketAttention, hdr.Type)
}

// TestFramerPollIsResumable checks that pushing header and payload
// bytes one at a time yields (nil, nil) until the full message is
// buffered, then the complete Message, with no partial consumption
// in between.
func TestFramerPollIsResumable(t *testing.T) {
	enc := NewFramer()
	packets := enc.Encode(PacketSQLBatch, []byte("SELECT 1"), defaultPacketSize)
	require.Len(t, packets, 1)
	full := packets[0]

	dec := NewFramer()
	for i := 0; i < len(full)-1; i++ {
		dec.Push(full[i : i+1])
		msg, err := dec.Poll()
		require.NoError(t, err)
		assert.Nil(t, msg, "message should not be ready before the last byte arrives")
	}
	dec.Push(full[len(full)-1:])
	msg, err := dec.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, PacketSQLBatch, msg.Type)
	assert.Equal(t, []byte("SELECT 1"), msg.Payload)
}

func TestFramerPollReassemblesMultiPacketMessage(t *testing.T) {
	enc := NewFramer()
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	packets := enc.Encode(PacketTabularResult, payload, packetHeaderSize+20)
	require.Len(t, packets, 3)

	dec := NewFramer()
	for _, pkt := range packets[:len(packets)-1] {
		dec.Push(pkt)
		msg, err := dec.Poll()
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	dec.Push(packets[len(packets)-1])
	msg, err := dec.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, payload, msg.Payload)
}

func TestFramerPollRejectsTypeChangeMidMessage(t *testing.T) {
	dec := NewFramer()
	h1 := packetHeader{Type: PacketSQLBatch, Status: statusNormal, Length: packetHeaderSize + 1, PacketID: 1}
	dec.Push(append(h1.marshal(), 'x'))
	msg, err := dec.Poll()
	require.NoError(t, err)
	assert.Nil(t, msg)

	h2 := packetHeader{Type: PacketRPC, Status: statusEOM, Length: packetHeaderSize + 1, PacketID: 2}
	dec.Push(append(h2.marshal(), 'y'))
	_, err = dec.Poll()
	assert.Error(t, err)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "SQL_BATCH", PacketSQLBatch.String())
	assert.Contains(t, PacketType(0x99).String(), "UNKNOWN")
}

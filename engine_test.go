package mssql

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnStateString(t *testing.T) {
	cases := map[connState]string{
		connIdle: "idle",
		connWriting: "writing",
		connAwaitingHeader: "awaiting_header",
		connAwaitingTokens: "awaiting_tokens",
		connCancelling: "cancelling",
		connClosed: "closed",
		connState(99): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestApplyEnvChangeDatabaseAndPacketSize(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)

	c.applyEnvChange(EnvChangeEvent{Type: envTypDatabase, NewValue: "widgets"})
	assert.Equal(t, "widgets", c.database)

	c.applyEnvChange(EnvChangeEvent{Type: envTypPacketSize, NewValue: "8192"})
	assert.Equal(t, 8192, c.packetSize)
	assert.Equal(t, 8192, c.wtr.packetSize)
}

func TestApplyEnvChangeCollation(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)

	raw := make([]byte, 5)
	binary.LittleEndian.PutUint32(raw, 0x12345678)
	raw[4] = 0x09
	c.applyEnvChange(EnvChangeEvent{Type: envSQLCollation, NewBytes: raw})
	assert.EqualValues(t, 0x12345678, c.collation.LcidAndFlags)
	assert.EqualValues(t, 0x09, c.collation.SortID)
}

func TestApplyEnvChangeTransactionLifecycle(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)

	descriptor := make([]byte, 8)
	binary.LittleEndian.PutUint64(descriptor, 0xdeadbeefcafebabe)
	c.applyEnvChange(EnvChangeEvent{Type: envTypBeginTran, NewBytes: descriptor})
	assert.EqualValues(t, 0xdeadbeefcafebabe, c.txDescriptor)

	c.applyEnvChange(EnvChangeEvent{Type: envPromoteTran, NewBytes: descriptor})
	assert.EqualValues(t, 0xdeadbeefcafebabe, c.txDescriptor)

	c.applyEnvChange(EnvChangeEvent{Type: envTypCommitTran})
	assert.EqualValues(t, 0, c.txDescriptor)

	c.applyEnvChange(EnvChangeEvent{Type: envTypBeginTran, NewBytes: descriptor})
	c.applyEnvChange(EnvChangeEvent{Type: envTypRollbackTran})
	assert.EqualValues(t, 0, c.txDescriptor)
}

func TestApplyEnvChangeResetConnAckClearsDirty(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)
	c.dirty = true

	c.applyEnvChange(EnvChangeEvent{Type: envResetConnAck})
	assert.False(t, c.dirty)
}

func TestNextActivitySeqIncrementsMonotonically(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)

	assert.EqualValues(t, 1, c.nextActivitySeq())
	assert.EqualValues(t, 2, c.nextActivitySeq())
	assert.EqualValues(t, 3, c.nextActivitySeq())
}

func TestEnsureSessionDefaultsSkipsWhenAlreadyReady(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConnForTesting(client, 4096)
	c.sessionReady = true

	err := c.ensureSessionDefaults(nil)
	assert.NoError(t, err)
}

package mssql

import "net"

// NewConnForTesting builds a Connection around an already-established
// net.Conn, skipping PRELOGIN/LOGIN7 entirely. It exists so pool and
// engine tests can exercise lease-lifecycle logic (Healthy, Close,
// MarkDirty) without a real server to dial, mirroring the pool's own
// InjectTestConn seam for bypassing dial in tests.
func NewConnForTesting(nc net.Conn, packetSize int) *Connection {
	return &Connection{
		cfg:        DefaultConfig(),
		netConn:    nc,
		buf:        newTdsBuffer(nc, packetSize),
		wtr:        newTdsWriter(nc, packetSize),
		packetSize: packetSize,
		state:      connIdle,
	}
}

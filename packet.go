package mssql

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the first byte of a TDS packet header.
type PacketType byte

const (
	PacketSQLBatch PacketType = 0x01
	PacketRPC PacketType = 0x03
	PacketTabularResult PacketType = 0x04
	PacketAttention PacketType = 0x06
	PacketBulkLoad PacketType = 0x07
	PacketFedAuth PacketType = 0x08
	PacketTransactionManager PacketType = 0x0E
	PacketLogin7 PacketType = 0x10
	PacketSSPI PacketType = 0x11
	PacketPreLogin PacketType = 0x12
)

func (t PacketType) String() string {
	switch t {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPC:
		return "RPC"
	case PacketTabularResult:
		return "TABULAR_RESULT"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuth:
		return "FEDAUTH"
	case PacketTransactionManager:
		return "TRANSACTION_MANAGER"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPI:
		return "SSPI"
	case PacketPreLogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// packet status bits, MS-TDS 2.2.3.1.2.
const (
	statusNormal byte = 0x00
	statusEOM byte = 0x01
	statusIgnore byte = 0x02
	statusResetConnection byte = 0x08
	statusResetConnectionSkipTx byte = 0x10
)

const packetHeaderSize = 8

// defaultPacketSize is offered during PRELOGIN before negotiation.
const defaultPacketSize = 4096

// minPacketSize / maxPacketSize bound what a server may negotiate.
const (
	minPacketSize = 512
	maxPacketSize = 32767
)

type packetHeader struct {
	Type PacketType
	Status byte
	Length uint16 // total packet length including the header
	SPID uint16
	PacketID byte
	Window byte
}

func (h packetHeader) isEOM() bool { return h.Status&statusEOM != 0 }

func (h packetHeader) marshal() []byte {
	buf := make([]byte, packetHeaderSize)
	buf[0] = byte(h.Type)
	buf[1] = h.Status
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	return buf
}

func parsePacketHeader(buf []byte) (packetHeader, error) {
	var h packetHeader
	if len(buf) < packetHeaderSize {
		return h, newProtocolError("tds header too short: %d bytes", len(buf))
	}
	h = packetHeader{
		Type: PacketType(buf[0]),
		Status: buf[1],
		Length: binary.BigEndian.Uint16(buf[2:4]),
		SPID: binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window: buf[7],
	}
	if h.Length < packetHeaderSize {
		return h, newProtocolError("tds packet length %d is less than header size", h.Length)
	}
	if int(h.Length) > maxPacketSize+packetHeaderSize {
		return h, newProtocolError("tds packet length %d exceeds max %d", h.Length, maxPacketSize)
	}
	return h, nil
}

// Message is a complete TDS message: the concatenated payloads of one
// or more same-typed packets.
type Message struct {
	Type PacketType
	Payload []byte
}

// Framer assembles inbound packets into Messages and splits outbound
// payloads into packets. It never blocks: Push appends bytes, Poll
// either returns a completed Message or (nil, nil) to mean "need more
// data".
type Framer struct {
	recv []byte

	haveType bool
	curType PacketType
	payload []byte
	lastPktID byte
}

// NewFramer returns a Framer with an empty receive buffer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends newly-arrived bytes to the receive buffer.
func (f *Framer) Push(b []byte) {
	f.recv = append(f.recv, b...)
}

// Poll attempts to assemble one complete Message from the buffered
// bytes. It returns (nil, nil) when more data is required, and never
// partially consumes the buffer on a "need more data" outcome.
func (f *Framer) Poll() (*Message, error) {
	for {
		if len(f.recv) < packetHeaderSize {
			return nil, nil
		}
		hdr, err := parsePacketHeader(f.recv[:packetHeaderSize])
		if err != nil {
			return nil, err
		}
		total := int(hdr.Length)
		if len(f.recv) < total {
			return nil, nil
		}

		if f.haveType && hdr.Type != f.curType {
			return nil, newProtocolError("packet type changed mid-message: got %v, expected %v", hdr.Type, f.curType)
		}
		if !f.haveType {
			f.haveType = true
			f.curType = hdr.Type
			f.payload = nil
		}

		f.payload = append(f.payload, f.recv[packetHeaderSize:total]...)
		f.recv = f.recv[total:]
		f.lastPktID = hdr.PacketID

		if hdr.isEOM() {
			msg := &Message{Type: f.curType, Payload: f.payload}
			f.haveType = false
			f.payload = nil
			return msg, nil
		}
		// not EOM: loop, trying to consume the next packet of this message
		// immediately if it is already buffered.
	}
}

// Encode splits payload into one or more packets of the negotiated
// packet size, stamping a packet-id sequence that starts at 1 and
// resets for every call: the counter resets at each new message.
func (f *Framer) Encode(t PacketType, payload []byte, negotiatedPacketSize int) [][]byte {
	if negotiatedPacketSize <= packetHeaderSize {
		negotiatedPacketSize = defaultPacketSize
	}
	maxPayload := negotiatedPacketSize - packetHeaderSize

	var packets [][]byte
	var packetID byte = 1
	remaining := payload

	for {
		chunk := remaining
		last := true
		if len(chunk) > maxPayload {
			chunk = remaining[:maxPayload]
			last = false
		}

		status := statusNormal
		if last {
			status = statusEOM
		}
		hdr := packetHeader{
			Type: t,
			Status: status,
			Length: uint16(packetHeaderSize + len(chunk)),
			PacketID: packetID,
		}
		pkt := make([]byte, packetHeaderSize+len(chunk))
		copy(pkt, hdr.marshal())
		copy(pkt[packetHeaderSize:], chunk)
		packets = append(packets, pkt)

		remaining = remaining[len(chunk):]
		packetID++

		if last {
			break
		}
	}

	if len(packets) == 0 {
		hdr := packetHeader{Type: t, Status: statusEOM, Length: packetHeaderSize, PacketID: 1}
		packets = append(packets, hdr.marshal())
	}
	return packets
}

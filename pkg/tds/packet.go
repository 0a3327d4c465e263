// Package tds implements the client side of the TDS (Tabular Data Stream)
// wire protocol spoken by Microsoft SQL Server.
//
// It covers packet framing, the PRELOGIN/LOGIN7 handshake (SQL auth and
// FEDAUTH), the tunneled-TLS upgrade, token-stream parsing, and row decoding
// including the NBC and PLP wire variants. It does not implement a SQL
// parser or query planner; callers send T-SQL batches and receive typed
// tokens back.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch is sent by client for ad-hoc SQL queries.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest is sent by client to execute stored procedures.
	PacketRPCRequest PacketType = 3

	// PacketReply is sent by server in response to client requests.
	PacketReply PacketType = 4

	// PacketAttention is sent by client to cancel a running query.
	PacketAttention PacketType = 6

	// PacketBulkLoad is sent by client for bulk insert operations.
	PacketBulkLoad PacketType = 7

	// PacketFedAuthToken is sent for federated authentication.
	PacketFedAuthToken PacketType = 8

	// PacketTransMgrReq is sent for distributed transaction management.
	PacketTransMgrReq PacketType = 14

	// PacketNormal is used for TDS 4.x login (legacy).
	PacketNormal PacketType = 15

	// PacketLogin7 is sent by client for TDS 7.x login.
	PacketLogin7 PacketType = 16

	// PacketSSPIMessage is sent for SSPI/Windows authentication.
	PacketSSPIMessage PacketType = 17

	// PacketPrelogin is sent by client to negotiate connection parameters.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketNormal:
		return "NORMAL"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", p)
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01

	// StatusIgnore indicates the packet should be ignored (used during TLS).
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests connection reset.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran requests reset but preserves transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the default TDS packet size.
const DefaultPacketSize = 4096

// MaxPacketSize is the maximum allowed TDS packet size.
const MaxPacketSize = 32767

// MinPacketSize is the minimum allowed TDS packet size.
const MinPacketSize = 512

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	SPID     uint16 // Server Process ID
	PacketID uint8  // Packet sequence number (1-255, wraps)
	Window   uint8  // Currently unused, always 0
}

// ReadHeader reads a TDS packet header from the given reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Write writes the header to the given writer.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload (excluding header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// Validate reports whether h's Length is a usable frame size: at least a
// bare header and no larger than the protocol maximum. Framers should call
// this on every header read off the wire before trusting PayloadLength to
// size a buffer.
func (h Header) Validate() error {
	if h.Length < HeaderSize {
		return fmt.Errorf("tds: packet length %d is smaller than the %d-byte header", h.Length, HeaderSize)
	}
	if int(h.Length) > MaxPacketSize {
		return fmt.Errorf("tds: packet length %d exceeds the %d-byte protocol maximum", h.Length, MaxPacketSize)
	}
	return nil
}

// PacketIDSequencer hands out the 1-255 wrapping PacketID a connection
// stamps on every outbound packet. 0 is reserved (TDS packet IDs start at
// 1), so the sequence skips it on wraparound.
type PacketIDSequencer struct {
	next uint8
}

// NewPacketIDSequencer returns a sequencer starting at 1.
func NewPacketIDSequencer() *PacketIDSequencer {
	return &PacketIDSequencer{next: 1}
}

// Next returns the next PacketID and advances the sequence.
func (s *PacketIDSequencer) Next() uint8 {
	id := s.next
	s.next++
	if s.next == 0 {
		s.next = 1
	}
	return id
}

// Package myproto implements the MySQL/MariaDB client/server protocol:
// component B (codec) and the server-message half of component D.
//
// All multi-byte integers are little-endian per the MySQL wire format,
// the opposite of Postgres; strings are length-encoded, NUL-terminated,
// or fixed-length depending on context, mirroring spec §4.B's "the
// codec never guesses" invariant.
package myproto

import (
	"encoding/binary"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Client capability flags (subset actually negotiated by this driver).
const (
	ClientLongPassword               uint32 = 0x00000001
	ClientFoundRows                  uint32 = 0x00000002
	ClientLongFlag                   uint32 = 0x00000004
	ClientConnectWithDB              uint32 = 0x00000008
	ClientProtocol41                 uint32 = 0x00000200
	ClientSSL                        uint32 = 0x00000800
	ClientTransactions                uint32 = 0x00002000
	ClientSecureConnection           uint32 = 0x00008000
	ClientMultiStatements            uint32 = 0x00010000
	ClientMultiResults                uint32 = 0x00020000
	ClientPluginAuth                 uint32 = 0x00080000
	ClientConnectAttrs                uint32 = 0x00100000
	ClientPluginAuthLenencClientData uint32 = 0x00200000
	ClientDeprecateEOF               uint32 = 0x01000000
)

// Server status flags.
const (
	StatusInTrans     uint16 = 0x0001
	StatusAutocommit  uint16 = 0x0002
	StatusMoreResults uint16 = 0x0008
)

// Command bytes (COM_*).
const (
	ComQuit         byte = 0x01
	ComInitDB       byte = 0x02
	ComQuery        byte = 0x03
	ComFieldList    byte = 0x04
	ComPing         byte = 0x0e
	ComStmtPrepare  byte = 0x16
	ComStmtExecute  byte = 0x17
	ComStmtSendLong byte = 0x18
	ComStmtClose    byte = 0x19
	ComStmtReset    byte = 0x1a
	ComSetOption    byte = 0x1b
)

// Response header bytes.
const (
	OKPacketHeader  byte = 0x00
	EOFPacketHeader byte = 0xfe
	ErrPacketHeader byte = 0xff
)

// Column NOT_NULL flag (component E reads this directly for MySQL).
const ColumnFlagNotNull uint16 = 0x0001

// Handshake is Protocol::HandshakeV10, sent by the server immediately on
// connect.
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthPluginData  []byte
	CapabilityFlags uint32
	CharacterSet    byte
	StatusFlags     uint16
	AuthPluginName  string
}

func DecodeHandshakeV10(payload []byte) (Handshake, error) {
	if len(payload) < 1 {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "empty mysql handshake packet")
	}
	h := Handshake{ProtocolVersion: payload[0]}
	off := 1

	verEnd := off
	for verEnd < len(payload) && payload[verEnd] != 0 {
		verEnd++
	}
	h.ServerVersion = string(payload[off:verEnd])
	off = verEnd + 1

	if off+4 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (connection id)")
	}
	h.ConnectionID = binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4

	if off+8 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (auth data part 1)")
	}
	authData := append([]byte(nil), payload[off:off+8]...)
	off += 8
	off++ // filler

	if off+2 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (capability flags lo)")
	}
	capLow := binary.LittleEndian.Uint16(payload[off : off+2])
	off += 2

	if off+1 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (charset)")
	}
	h.CharacterSet = payload[off]
	off++

	if off+2 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (status flags)")
	}
	h.StatusFlags = binary.LittleEndian.Uint16(payload[off : off+2])
	off += 2

	if off+2 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (capability flags hi)")
	}
	capHigh := binary.LittleEndian.Uint16(payload[off : off+2])
	off += 2
	h.CapabilityFlags = uint32(capLow) | uint32(capHigh)<<16

	if off+1 > len(payload) {
		return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (auth data len)")
	}
	authDataLen := int(payload[off])
	off++

	off += 10 // reserved

	if h.CapabilityFlags&ClientSecureConnection != 0 {
		part2Len := authDataLen - 8
		if part2Len < 13 {
			part2Len = 13
		}
		if off+part2Len > len(payload) {
			return Handshake{}, sqlerr.New(sqlerr.Protocol, "truncated mysql handshake (auth data part 2)")
		}
		part2 := payload[off : off+part2Len]
		// Strip trailing NUL.
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
		off += part2Len
	}
	h.AuthPluginData = authData

	if h.CapabilityFlags&ClientPluginAuth != 0 {
		nameEnd := off
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		h.AuthPluginName = string(payload[off:nameEnd])
	}
	return h, nil
}

// EncodeHandshakeResponse41 builds the client's HandshakeResponse41.
func EncodeHandshakeResponse41(capabilities uint32, user, database, authPlugin string, authResponse []byte) []byte {
	body := make([]byte, 0, 64+len(authResponse))
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, capabilities)
	body = append(body, capBuf...)
	body = append(body, 0, 0, 0, 0x40) // max packet size, 64MB
	body = append(body, 33)            // utf8_general_ci
	body = append(body, make([]byte, 23)...)
	body = append(body, user...)
	body = append(body, 0)

	if capabilities&ClientPluginAuthLenencClientData != 0 {
		body = append(body, encodeLenEncInt(uint64(len(authResponse)))...)
		body = append(body, authResponse...)
	} else {
		body = append(body, byte(len(authResponse)))
		body = append(body, authResponse...)
	}

	if capabilities&ClientConnectWithDB != 0 {
		body = append(body, database...)
		body = append(body, 0)
	}
	if capabilities&ClientPluginAuth != 0 {
		body = append(body, authPlugin...)
		body = append(body, 0)
	}
	return body
}

// IsErrPacket reports whether payload is an ERR_Packet.
func IsErrPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == ErrPacketHeader
}

// IsOKPacket reports whether payload is an OK_Packet (header 0x00, or
// 0xfe with a short body under the deprecate-EOF capability).
func IsOKPacket(payload []byte, deprecateEOF bool) bool {
	if len(payload) == 0 {
		return false
	}
	if payload[0] == OKPacketHeader {
		return true
	}
	return deprecateEOF && payload[0] == EOFPacketHeader && len(payload) < 9
}

func IsEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == EOFPacketHeader && len(payload) < 9
}

// ErrPacket is the decoded ERR_Packet.
type ErrPacket struct {
	Code     uint16
	SQLState string
	Message  string
}

func DecodeErrPacket(payload []byte) (ErrPacket, error) {
	if len(payload) < 3 || payload[0] != ErrPacketHeader {
		return ErrPacket{}, sqlerr.New(sqlerr.Protocol, "not an ERR_Packet")
	}
	code := binary.LittleEndian.Uint16(payload[1:3])
	off := 3
	var state string
	if off < len(payload) && payload[off] == '#' {
		if off+6 > len(payload) {
			return ErrPacket{}, sqlerr.New(sqlerr.Protocol, "truncated ERR_Packet sqlstate")
		}
		state = string(payload[off+1 : off+6])
		off += 6
	}
	return ErrPacket{Code: code, SQLState: state, Message: string(payload[off:])}, nil
}

// AsError converts an ErrPacket into the driver's structured error type.
func (e ErrPacket) AsError() *sqlerr.Error {
	return &sqlerr.Error{
		Kind:    sqlerr.Database,
		Message: e.Message,
		Code:    e.SQLState,
	}
}

// OKPacket is the decoded OK_Packet (also used for EOF-as-OK under
// CLIENT_DEPRECATE_EOF).
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
}

func DecodeOKPacket(payload []byte) (OKPacket, error) {
	if len(payload) < 1 {
		return OKPacket{}, sqlerr.New(sqlerr.Protocol, "empty OK_Packet")
	}
	off := 1
	affected, n := readLenEncInt(payload[off:])
	off += n
	lastID, n := readLenEncInt(payload[off:])
	off += n
	var status, warnings uint16
	if off+2 <= len(payload) {
		status = binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2
	}
	if off+2 <= len(payload) {
		warnings = binary.LittleEndian.Uint16(payload[off : off+2])
	}
	return OKPacket{AffectedRows: affected, LastInsertID: lastID, StatusFlags: status, Warnings: warnings}, nil
}

// ColumnDefinition41 is one column of a result set, used directly by
// component E's MySQL nullability rule (NOT_NULL flag bit).
type ColumnDefinition41 struct {
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharacterSet uint16
	ColumnLength uint32
	ColumnType   byte
	Flags        uint16
	Decimals     byte
}

func (c ColumnDefinition41) NotNull() bool { return c.Flags&ColumnFlagNotNull != 0 }

func DecodeColumnDefinition41(payload []byte) (ColumnDefinition41, error) {
	var c ColumnDefinition41
	off := 0
	var s string
	var n int

	s, n = readLenEncString(payload[off:]) // catalog
	off += n
	_ = s
	c.Schema, n = readLenEncString(payload[off:])
	off += n
	c.Table, n = readLenEncString(payload[off:])
	off += n
	c.OrgTable, n = readLenEncString(payload[off:])
	off += n
	c.Name, n = readLenEncString(payload[off:])
	off += n
	c.OrgName, n = readLenEncString(payload[off:])
	off += n

	_, n = readLenEncInt(payload[off:]) // length of fixed fields, always 0x0c
	off += n

	if off+10 > len(payload) {
		return c, sqlerr.New(sqlerr.Protocol, "truncated ColumnDefinition41")
	}
	c.CharacterSet = binary.LittleEndian.Uint16(payload[off : off+2])
	c.ColumnLength = binary.LittleEndian.Uint32(payload[off+2 : off+6])
	c.ColumnType = payload[off+6]
	c.Flags = binary.LittleEndian.Uint16(payload[off+7 : off+9])
	c.Decimals = payload[off+9]
	return c, nil
}

// ColumnCount reads the length-encoded column count that leads a
// COM_QUERY or COM_STMT_EXECUTE result set header packet.
func ColumnCount(b []byte) (count int, consumed int) {
	v, n := readLenEncInt(b)
	return int(v), n
}

// --- length-encoded primitives ---

func readLenEncInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), 1
	case b[0] == 0xfb:
		return 0, 1 // NULL marker in a length-encoded-string context
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, len(b)
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, len(b)
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4
	default: // 0xfe
		if len(b) < 9 {
			return 0, len(b)
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	}
}

func readLenEncString(b []byte) (string, int) {
	if len(b) == 0 {
		return "", 0
	}
	if b[0] == 0xfb {
		return "", 1 // NULL
	}
	length, n := readLenEncInt(b)
	start := n
	end := start + int(length)
	if end > len(b) {
		end = len(b)
	}
	return string(b[start:end]), end
}

func encodeLenEncInt(v uint64) []byte {
	switch {
	case v < 0xfb:
		return []byte{byte(v)}
	case v <= 0xffff:
		buf := make([]byte, 3)
		buf[0] = 0xfc
		binary.LittleEndian.PutUint16(buf[1:], uint16(v))
		return buf
	case v <= 0xffffff:
		buf := make([]byte, 4)
		buf[0] = 0xfd
		buf[1] = byte(v)
		buf[2] = byte(v >> 8)
		buf[3] = byte(v >> 16)
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint64(buf[1:], v)
		return buf
	}
}

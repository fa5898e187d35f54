// Package pgproto implements the PostgreSQL frontend/backend protocol
// version 3: component B (codec) and the backend-message half of
// component D (connection state machine) rely on it directly.
//
// All integers are big-endian per the Postgres wire format; strings are
// either length-prefixed or NUL-terminated depending on the message, and
// the codec never guesses which.
package pgproto

import (
	"encoding/binary"
	"fmt"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
	"github.com/sqlx-go/sqlx/internal/wire"
)

// ProtocolVersion3 is the only startup protocol version this driver
// speaks.
const ProtocolVersion3 = 3 << 16

// SSLRequestCode and CancelRequestCode are sent in place of a protocol
// version in the very first untagged frame of a connection.
const (
	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102
)

// Backend message tags.
const (
	TagAuthentication      = 'R'
	TagParameterStatus     = 'S'
	TagBackendKeyData      = 'K'
	TagReadyForQuery       = 'Z'
	TagRowDescription      = 'T'
	TagDataRow             = 'D'
	TagCommandComplete     = 'C'
	TagErrorResponse       = 'E'
	TagNoticeResponse      = 'N'
	TagNotificationResp    = 'A'
	TagParameterDesc       = 't'
	TagParseComplete       = '1'
	TagBindComplete        = '2'
	TagCloseComplete       = '3'
	TagEmptyQueryResponse  = 'I'
	TagNoData              = 'n'
	TagPortalSuspended     = 's'
	TagNegotiateProtoVer   = 'v'
	TagCopyInResponse      = 'G'
	TagCopyOutResponse     = 'H'
	TagFunctionCallResp    = 'V'
)

// Frontend message tags.
const (
	TagQuery            = 'Q'
	TagParse            = 'P'
	TagBind             = 'B'
	TagExecute          = 'E'
	TagDescribe         = 'D'
	TagSync             = 'S'
	TagClose            = 'C'
	TagPasswordMessage  = 'p'
	TagTerminate        = 'X'
	TagFlush            = 'H'
)

// Authentication sub-types carried in the body of an 'R' message.
const (
	AuthOK                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSCMCredential     = 6
	AuthGSS               = 7
	AuthGSSContinue       = 8
	AuthSSPI              = 9
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// Message is the closed sum of backend message variants this driver
// understands. Unrecognised tags decode to UnknownMessage rather than
// being silently dropped.
type Message interface{ isMessage() }

type AuthenticationOK struct{}
type AuthenticationCleartextPassword struct{}
type AuthenticationMD5Password struct{ Salt [4]byte }
type AuthenticationGSS struct{}
type AuthenticationSASL struct{ Mechanisms []string }
type AuthenticationSASLContinue struct{ Data []byte }
type AuthenticationSASLFinal struct{ Data []byte }
type ParameterStatus struct{ Name, Value string }
type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}
type ReadyForQuery struct{ Status byte } // 'I' idle, 'T' in transaction, 'E' failed transaction
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	TypeOID      uint32
	TypeLen      int16
	TypeMod      int32
	FormatCode   int16
}
type RowDescription struct{ Fields []FieldDescription }
type DataRow struct{ Values [][]byte } // a nil entry means SQL NULL
type CommandComplete struct{ Tag string }
type ErrorResponse struct{ Fields map[byte]string }
type NoticeResponse struct{ Fields map[byte]string }
type NotificationResponse struct {
	PID     int32
	Channel string
	Payload string
}
type ParameterDescription struct{ OIDs []uint32 }
type ParseComplete struct{}
type BindComplete struct{}
type CloseComplete struct{}
type EmptyQueryResponse struct{}
type NoData struct{}
type PortalSuspended struct{}
type UnknownMessage struct {
	Tag  byte
	Body []byte
}

func (AuthenticationOK) isMessage()                      {}
func (AuthenticationCleartextPassword) isMessage()        {}
func (AuthenticationMD5Password) isMessage()             {}
func (AuthenticationGSS) isMessage()                     {}
func (AuthenticationSASL) isMessage()                    {}
func (AuthenticationSASLContinue) isMessage()            {}
func (AuthenticationSASLFinal) isMessage()               {}
func (ParameterStatus) isMessage()                       {}
func (BackendKeyData) isMessage()                        {}
func (ReadyForQuery) isMessage()                         {}
func (RowDescription) isMessage()                        {}
func (DataRow) isMessage()                                {}
func (CommandComplete) isMessage()                       {}
func (ErrorResponse) isMessage()                         {}
func (NoticeResponse) isMessage()                        {}
func (NotificationResponse) isMessage()                  {}
func (ParameterDescription) isMessage()                  {}
func (ParseComplete) isMessage()                         {}
func (BindComplete) isMessage()                          {}
func (CloseComplete) isMessage()                         {}
func (EmptyQueryResponse) isMessage()                    {}
func (NoData) isMessage()                                {}
func (PortalSuspended) isMessage()                       {}
func (UnknownMessage) isMessage()                        {}

// cString reads a NUL-terminated string starting at off, returning the
// string and the offset just past its terminator.
func cString(body []byte, off int) (string, int, error) {
	end := off
	for end < len(body) && body[end] != 0 {
		end++
	}
	if end >= len(body) {
		return "", 0, sqlerr.New(sqlerr.Protocol, "unterminated string in postgres message")
	}
	return string(body[off:end]), end + 1, nil
}

// DecodeBackend decodes one backend message from a frame already read by
// a wire.PGReader.
func DecodeBackend(f wire.Frame) (Message, error) {
	body := f.Body
	switch f.Tag {
	case TagAuthentication:
		return decodeAuthentication(body)
	case TagParameterStatus:
		name, off, err := cString(body, 0)
		if err != nil {
			return nil, err
		}
		value, _, err := cString(body, off)
		if err != nil {
			return nil, err
		}
		return ParameterStatus{Name: name, Value: value}, nil
	case TagBackendKeyData:
		if len(body) < 8 {
			return nil, sqlerr.New(sqlerr.Protocol, "short BackendKeyData")
		}
		return BackendKeyData{
			ProcessID: int32(binary.BigEndian.Uint32(body[0:4])),
			SecretKey: int32(binary.BigEndian.Uint32(body[4:8])),
		}, nil
	case TagReadyForQuery:
		if len(body) < 1 {
			return nil, sqlerr.New(sqlerr.Protocol, "empty ReadyForQuery")
		}
		return ReadyForQuery{Status: body[0]}, nil
	case TagRowDescription:
		return decodeRowDescription(body)
	case TagDataRow:
		return decodeDataRow(body)
	case TagCommandComplete:
		tag, _, err := cString(body, 0)
		if err != nil {
			return nil, err
		}
		return CommandComplete{Tag: tag}, nil
	case TagErrorResponse:
		fields, err := decodeFields(body)
		if err != nil {
			return nil, err
		}
		return ErrorResponse{Fields: fields}, nil
	case TagNoticeResponse:
		fields, err := decodeFields(body)
		if err != nil {
			return nil, err
		}
		return NoticeResponse{Fields: fields}, nil
	case TagNotificationResp:
		return decodeNotification(body)
	case TagParameterDesc:
		return decodeParameterDescription(body)
	case TagParseComplete:
		return ParseComplete{}, nil
	case TagBindComplete:
		return BindComplete{}, nil
	case TagCloseComplete:
		return CloseComplete{}, nil
	case TagEmptyQueryResponse:
		return EmptyQueryResponse{}, nil
	case TagNoData:
		return NoData{}, nil
	case TagPortalSuspended:
		return PortalSuspended{}, nil
	default:
		return UnknownMessage{Tag: f.Tag, Body: body}, nil
	}
}

func decodeAuthentication(body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, sqlerr.New(sqlerr.Protocol, "short Authentication message")
	}
	sub := binary.BigEndian.Uint32(body[0:4])
	switch sub {
	case AuthOK:
		return AuthenticationOK{}, nil
	case AuthCleartextPassword:
		return AuthenticationCleartextPassword{}, nil
	case AuthMD5Password:
		if len(body) < 8 {
			return nil, sqlerr.New(sqlerr.Protocol, "short AuthenticationMD5Password")
		}
		var salt [4]byte
		copy(salt[:], body[4:8])
		return AuthenticationMD5Password{Salt: salt}, nil
	case AuthGSS, AuthSSPI:
		return AuthenticationGSS{}, nil
	case AuthSASL:
		mechs := splitCStrings(body[4:])
		return AuthenticationSASL{Mechanisms: mechs}, nil
	case AuthSASLContinue:
		return AuthenticationSASLContinue{Data: append([]byte(nil), body[4:]...)}, nil
	case AuthSASLFinal:
		return AuthenticationSASLFinal{Data: append([]byte(nil), body[4:]...)}, nil
	default:
		return nil, sqlerr.New(sqlerr.Auth, fmt.Sprintf("unsupported authentication sub-message %d", sub))
	}
}

func splitCStrings(body []byte) []string {
	var out []string
	off := 0
	for off < len(body) {
		s, next, err := cString(body, off)
		if err != nil || s == "" {
			break
		}
		out = append(out, s)
		off = next
	}
	return out
}

func decodeFields(body []byte) (map[byte]string, error) {
	fields := make(map[byte]string)
	off := 0
	for off < len(body) {
		kind := body[off]
		if kind == 0 {
			break
		}
		off++
		val, next, err := cString(body, off)
		if err != nil {
			return nil, err
		}
		fields[kind] = val
		off = next
	}
	return fields, nil
}

func decodeNotification(body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, sqlerr.New(sqlerr.Protocol, "short NotificationResponse")
	}
	pid := int32(binary.BigEndian.Uint32(body[0:4]))
	channel, off, err := cString(body, 4)
	if err != nil {
		return nil, err
	}
	payload, _, err := cString(body, off)
	if err != nil {
		return nil, err
	}
	return NotificationResponse{PID: pid, Channel: channel, Payload: payload}, nil
}

func decodeRowDescription(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, sqlerr.New(sqlerr.Protocol, "short RowDescription")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	fields := make([]FieldDescription, 0, count)
	for i := 0; i < count; i++ {
		name, next, err := cString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		if off+18 > len(body) {
			return nil, sqlerr.New(sqlerr.Protocol, "truncated RowDescription field")
		}
		fd := FieldDescription{
			Name:       name,
			TableOID:   binary.BigEndian.Uint32(body[off : off+4]),
			ColumnAttr: int16(binary.BigEndian.Uint16(body[off+4 : off+6])),
			TypeOID:    binary.BigEndian.Uint32(body[off+6 : off+10]),
			TypeLen:    int16(binary.BigEndian.Uint16(body[off+10 : off+12])),
			TypeMod:    int32(binary.BigEndian.Uint32(body[off+12 : off+16])),
			FormatCode: int16(binary.BigEndian.Uint16(body[off+16 : off+18])),
		}
		off += 18
		fields = append(fields, fd)
	}
	return RowDescription{Fields: fields}, nil
}

func decodeDataRow(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, sqlerr.New(sqlerr.Protocol, "short DataRow")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2
	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(body) {
			return nil, sqlerr.New(sqlerr.Protocol, "truncated DataRow")
		}
		length := int32(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
		if length < 0 {
			values = append(values, nil)
			continue
		}
		if off+int(length) > len(body) {
			return nil, sqlerr.New(sqlerr.Protocol, "truncated DataRow value")
		}
		v := make([]byte, length)
		copy(v, body[off:off+int(length)])
		values = append(values, v)
		off += int(length)
	}
	return DataRow{Values: values}, nil
}

func decodeParameterDescription(body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, sqlerr.New(sqlerr.Protocol, "short ParameterDescription")
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+count*4 {
		return nil, sqlerr.New(sqlerr.Protocol, "truncated ParameterDescription")
	}
	oids := make([]uint32, count)
	for i := 0; i < count; i++ {
		oids[i] = binary.BigEndian.Uint32(body[2+i*4 : 6+i*4])
	}
	return ParameterDescription{OIDs: oids}, nil
}

// AsError converts an ErrorResponse into the driver's structured error
// type, extracting code/message/constraint/table/column per spec §7.
func (e ErrorResponse) AsError() *sqlerr.Error {
	return &sqlerr.Error{
		Kind:       sqlerr.Database,
		Message:    e.Fields['M'],
		Code:       e.Fields['C'],
		Constraint: e.Fields['n'],
		Table:      e.Fields['t'],
		Column:     e.Fields['c'],
	}
}

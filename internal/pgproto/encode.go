package pgproto

import (
	"encoding/binary"
	"sort"

	"github.com/sqlx-go/sqlx/internal/wire"
)

// EncodeStartup builds the body of the untagged StartupMessage: protocol
// version followed by sorted NUL-terminated key/value pairs and a final
// NUL. Sorting keeps encoding deterministic for tests; the server does
// not care about order.
func EncodeStartup(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, ProtocolVersion3)
	for _, k := range keys {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, params[k]...)
		body = append(body, 0)
	}
	body = append(body, 0)
	return body
}

// EncodeSSLRequest builds the untagged SSLRequest body.
func EncodeSSLRequest() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, SSLRequestCode)
	return body
}

// EncodeCancelRequest builds the untagged CancelRequest body sent on a
// fresh secondary connection to interrupt a running query.
func EncodeCancelRequest(processID, secretKey int32) []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], CancelRequestCode)
	binary.BigEndian.PutUint32(body[4:8], uint32(processID))
	binary.BigEndian.PutUint32(body[8:12], uint32(secretKey))
	return body
}

func EncodePasswordMessage(password string) wire.Frame {
	body := append([]byte(password), 0)
	return wire.Frame{Tag: TagPasswordMessage, Body: body}
}

// EncodeSASLInitialResponse sends the client-first SASL message with the
// chosen mechanism name.
func EncodeSASLInitialResponse(mechanism string, data []byte) wire.Frame {
	body := append([]byte(mechanism), 0)
	lenBuf := make([]byte, 4)
	if data == nil {
		binary.BigEndian.PutUint32(lenBuf, 0xFFFFFFFF) // -1: no initial response
	} else {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	}
	body = append(body, lenBuf...)
	body = append(body, data...)
	return wire.Frame{Tag: TagPasswordMessage, Body: body}
}

// EncodeSASLResponse sends a subsequent SASL message (client-final).
func EncodeSASLResponse(data []byte) wire.Frame {
	return wire.Frame{Tag: TagPasswordMessage, Body: data}
}

func EncodeQuery(sql string) wire.Frame {
	body := append([]byte(sql), 0)
	return wire.Frame{Tag: TagQuery, Body: body}
}

func EncodeTerminate() wire.Frame { return wire.Frame{Tag: TagTerminate} }

func EncodeSync() wire.Frame { return wire.Frame{Tag: TagSync} }

func EncodeFlush() wire.Frame { return wire.Frame{Tag: TagFlush} }

// EncodeParse builds a Parse message. Empty name means the unnamed
// statement. paramOIDs may be omitted (the server will infer types).
func EncodeParse(name, sql string, paramOIDs []uint32) wire.Frame {
	body := append([]byte(name), 0)
	body = append(body, sql...)
	body = append(body, 0)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(paramOIDs)))
	body = append(body, countBuf...)
	for _, oid := range paramOIDs {
		oidBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(oidBuf, oid)
		body = append(body, oidBuf...)
	}
	return wire.Frame{Tag: TagParse, Body: body}
}

// BindParam is one encoded parameter value; Value == nil means SQL NULL.
type BindParam struct {
	Value  []byte
	Binary bool
}

// EncodeBind builds a Bind message binding portal=destPortal to the named
// (or unnamed) prepared statement. Each parameter's format code follows
// its BindParam.Binary flag; every result column is requested in text
// format.
func EncodeBind(destPortal, statement string, params []BindParam) wire.Frame {
	body := append([]byte(destPortal), 0)
	body = append(body, statement...)
	body = append(body, 0)

	paramFormats := make([]byte, 2+2*len(params))
	binary.BigEndian.PutUint16(paramFormats[0:2], uint16(len(params)))
	for i, p := range params {
		format := uint16(0)
		if p.Binary {
			format = 1
		}
		binary.BigEndian.PutUint16(paramFormats[2+2*i:4+2*i], format)
	}
	body = append(body, paramFormats...)

	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(params)))
	body = append(body, countBuf...)
	for _, p := range params {
		if p.Value == nil {
			lenBuf := make([]byte, 4)
			binary.BigEndian.PutUint32(lenBuf, 0xFFFFFFFF)
			body = append(body, lenBuf...)
			continue
		}
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(p.Value)))
		body = append(body, lenBuf...)
		body = append(body, p.Value...)
	}

	// Result format codes: a single 0 (text) applies to all columns. Per
	// spec §1, per-type decoding is out of scope, so rows stay in the
	// same human-readable text encoding the simple query protocol uses.
	body = append(body, 0, 1, 0, 0)
	return wire.Frame{Tag: TagBind, Body: body}
}

// DescribeKind selects between describing a prepared statement ('S') or
// a portal ('P').
type DescribeKind byte

const (
	DescribeStatement DescribeKind = 'S'
	DescribePortal     DescribeKind = 'P'
)

func EncodeDescribe(kind DescribeKind, name string) wire.Frame {
	body := append([]byte{byte(kind)}, name...)
	body = append(body, 0)
	return wire.Frame{Tag: TagDescribe, Body: body}
}

func EncodeClose(kind DescribeKind, name string) wire.Frame {
	body := append([]byte{byte(kind)}, name...)
	body = append(body, 0)
	return wire.Frame{Tag: TagClose, Body: body}
}

// EncodeExecute requests up to maxRows rows from the named portal; 0
// means unlimited.
func EncodeExecute(portal string, maxRows int32) wire.Frame {
	body := append([]byte(portal), 0)
	maxBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(maxBuf, uint32(maxRows))
	body = append(body, maxBuf...)
	return wire.Frame{Tag: TagExecute, Body: body}
}

package myproto

import "encoding/binary"

func EncodeComQuery(sql string) []byte {
	return append([]byte{ComQuery}, sql...)
}

func EncodeComInitDB(database string) []byte {
	return append([]byte{ComInitDB}, database...)
}

func EncodeComPing() []byte { return []byte{ComPing} }

func EncodeComQuit() []byte { return []byte{ComQuit} }

func EncodeComStmtPrepare(sql string) []byte {
	return append([]byte{ComStmtPrepare}, sql...)
}

func EncodeComStmtClose(statementID uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = ComStmtClose
	binary.LittleEndian.PutUint32(buf[1:], statementID)
	return buf
}

// StmtParam is one bound parameter for COM_STMT_EXECUTE, encoded in
// MySQL's binary protocol value format.
type StmtParam struct {
	Type    byte
	Unsigned bool
	Value   []byte // nil means SQL NULL
}

// EncodeComStmtExecute builds COM_STMT_EXECUTE with CURSOR_TYPE_NO_CURSOR
// and new-params-bound-flag always set, matching the common case used by
// the connection state machine's prepared execution path.
func EncodeComStmtExecute(statementID uint32, params []StmtParam) []byte {
	body := []byte{ComStmtExecute}
	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, statementID)
	body = append(body, idBuf...)
	body = append(body, 0x00)       // cursor type: no cursor
	body = append(body, 1, 0, 0, 0) // iteration count, always 1

	if len(params) > 0 {
		nullBitmap := make([]byte, (len(params)+7)/8)
		for i, p := range params {
			if p.Value == nil {
				nullBitmap[i/8] |= 1 << (uint(i) % 8)
			}
		}
		body = append(body, nullBitmap...)
		body = append(body, 1) // new-params-bound-flag
		for _, p := range params {
			typeByte := p.Type
			unsignedFlag := byte(0)
			if p.Unsigned {
				unsignedFlag = 0x80
			}
			body = append(body, typeByte, unsignedFlag)
		}
		for _, p := range params {
			if p.Value == nil {
				continue
			}
			body = append(body, encodeLenEncInt(uint64(len(p.Value)))...)
			body = append(body, p.Value...)
		}
	}
	return body
}

// AuthSwitchRequest is sent when the server wants a different auth
// plugin than the one offered in the initial handshake response.
type AuthSwitchRequest struct {
	PluginName string
	PluginData []byte
}

func DecodeAuthSwitchRequest(payload []byte) AuthSwitchRequest {
	// payload[0] == 0xfe marker, already stripped by the caller's dispatch.
	off := 0
	nameEnd := off
	for nameEnd < len(payload) && payload[nameEnd] != 0 {
		nameEnd++
	}
	name := string(payload[off:nameEnd])
	data := payload[nameEnd+1:]
	// Strip trailing NUL some servers include.
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return AuthSwitchRequest{PluginName: name, PluginData: data}
}

// AuthMoreData (0x01 marker) carries plugin-specific continuation data,
// used by caching_sha2_password's full-handshake RSA exchange.
func DecodeAuthMoreData(payload []byte) []byte {
	if len(payload) > 0 && payload[0] == 0x01 {
		return payload[1:]
	}
	return payload
}

package wire

import (
	"bufio"
	"io"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// maxMySQLPayload is the largest payload a single MySQL packet can carry
// in its 3-byte length header (2^24 - 1). Anything larger is split across
// successive packets, the last of which may be shorter (or empty, if the
// payload is an exact multiple).
const maxMySQLPayload = 1<<24 - 1

// MySQLReader reads MySQL client/server packets: a 3-byte little-endian
// length + 1-byte sequence number + payload, transparently reassembling
// payloads fragmented across the max-length marker.
type MySQLReader struct {
	r *bufio.Reader
}

func NewMySQLReader(r io.Reader) *MySQLReader {
	return &MySQLReader{r: bufio.NewReaderSize(r, 16*1024)}
}

// ReadPacket returns the reassembled logical payload and the sequence
// number of its first physical packet.
func (m *MySQLReader) ReadPacket() (payload []byte, seq byte, err error) {
	first := true
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(m.r, hdr[:]); err != nil {
			return nil, 0, wrapReadErr("reading mysql packet header", err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		chunkSeq := hdr[3]
		if first {
			seq = chunkSeq
			first = false
		}
		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(m.r, chunk); err != nil {
				return nil, 0, wrapReadErr("reading mysql packet payload", err)
			}
		}
		payload = append(payload, chunk...)
		if length < maxMySQLPayload {
			return payload, seq, nil
		}
		// Exactly maxMySQLPayload bytes: more packets follow, possibly a
		// zero-length terminator if the payload was an exact multiple.
	}
}

// MySQLWriter buffers outgoing MySQL packets, fragmenting payloads larger
// than maxMySQLPayload across consecutive sequence numbers.
type MySQLWriter struct {
	w *bufio.Writer
}

func NewMySQLWriter(w io.Writer) *MySQLWriter {
	return &MySQLWriter{w: bufio.NewWriterSize(w, 16*1024)}
}

// WritePacket writes payload as one or more physical packets starting at
// seq, and returns the next unused sequence number.
func (m *MySQLWriter) WritePacket(payload []byte, seq byte) (nextSeq byte, err error) {
	for {
		chunkLen := len(payload)
		if chunkLen > maxMySQLPayload {
			chunkLen = maxMySQLPayload
		}
		var hdr [4]byte
		hdr[0] = byte(chunkLen)
		hdr[1] = byte(chunkLen >> 8)
		hdr[2] = byte(chunkLen >> 16)
		hdr[3] = seq
		if _, err := m.w.Write(hdr[:]); err != nil {
			return seq, sqlerr.Wrap(sqlerr.Io, "writing mysql packet header", err)
		}
		if chunkLen > 0 {
			if _, err := m.w.Write(payload[:chunkLen]); err != nil {
				return seq, sqlerr.Wrap(sqlerr.Io, "writing mysql packet payload", err)
			}
		}
		seq++
		payload = payload[chunkLen:]
		if chunkLen < maxMySQLPayload {
			return seq, nil
		}
		if len(payload) == 0 {
			// Exact multiple: terminate with an explicit empty packet.
			var term [4]byte
			term[3] = seq
			if _, err := m.w.Write(term[:]); err != nil {
				return seq, sqlerr.Wrap(sqlerr.Io, "writing mysql terminator packet", err)
			}
			return seq + 1, nil
		}
	}
}

func (m *MySQLWriter) Flush() error {
	if err := m.w.Flush(); err != nil {
		return sqlerr.Wrap(sqlerr.Io, "flushing mysql writer", err)
	}
	return nil
}

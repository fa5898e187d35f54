package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// PGReader reads Postgres frontend/backend protocol v3 frames: a one-byte
// tag followed by a four-byte big-endian length (the length field counts
// itself but not the tag). The very first frame of a connection (the
// startup/SSLRequest message) has no leading tag; callers needing that
// shape use ReadUntaggedFrame instead.
type PGReader struct {
	r   *bufio.Reader
	buf []byte
}

func NewPGReader(r io.Reader) *PGReader {
	return &PGReader{r: bufio.NewReaderSize(r, 16*1024)}
}

// ReadFrame reads one tagged frame: tag byte + int32 length (inclusive of
// the length field) + body.
func (p *PGReader) ReadFrame() (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return Frame{}, wrapReadErr("reading postgres message header", err)
	}
	tag := hdr[0]
	length := int32(binary.BigEndian.Uint32(hdr[1:5]))
	if length < 4 {
		return Frame{}, sqlerr.New(sqlerr.Protocol, "postgres frame length smaller than header")
	}
	bodyLen := int(length) - 4
	p.buf = growBuffer(p.buf, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(p.r, p.buf); err != nil {
			return Frame{}, wrapReadErr("reading postgres message body", err)
		}
	}
	body := make([]byte, bodyLen)
	copy(body, p.buf)
	p.buf = shrinkIfOversized(p.buf)
	return Frame{Tag: tag, Body: body}, nil
}

// ReadUntaggedFrame reads a frame with no leading tag byte: a four-byte
// big-endian length (inclusive of itself) followed by the body. Used only
// for the very first message on a connection (StartupMessage/SSLRequest/
// CancelRequest), which predates the authentication exchange and so has
// no tag.
func (p *PGReader) ReadUntaggedFrame() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.r, lenBuf[:]); err != nil {
		return Frame{}, wrapReadErr("reading postgres startup length", err)
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 4 {
		return Frame{}, sqlerr.New(sqlerr.Protocol, "postgres startup frame length smaller than header")
	}
	bodyLen := int(length) - 4
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(p.r, body); err != nil {
			return Frame{}, wrapReadErr("reading postgres startup body", err)
		}
	}
	return Frame{Body: body}, nil
}

// PGWriter buffers outgoing Postgres frames and flushes them as a batch.
// A producer never flushes a half-written frame: WriteFrame only ever
// appends a complete frame to the buffer.
type PGWriter struct {
	w   *bufio.Writer
	tmp [5]byte
}

func NewPGWriter(w io.Writer) *PGWriter {
	return &PGWriter{w: bufio.NewWriterSize(w, 16*1024)}
}

func (p *PGWriter) WriteFrame(f Frame) error {
	p.tmp[0] = f.Tag
	binary.BigEndian.PutUint32(p.tmp[1:5], uint32(len(f.Body)+4))
	if _, err := p.w.Write(p.tmp[:]); err != nil {
		return sqlerr.Wrap(sqlerr.Io, "writing postgres message header", err)
	}
	if len(f.Body) > 0 {
		if _, err := p.w.Write(f.Body); err != nil {
			return sqlerr.Wrap(sqlerr.Io, "writing postgres message body", err)
		}
	}
	return nil
}

// WriteUntaggedFrame writes a frame with no leading tag, as used for
// StartupMessage/SSLRequest/CancelRequest.
func (p *PGWriter) WriteUntaggedFrame(body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+4))
	if _, err := p.w.Write(lenBuf[:]); err != nil {
		return sqlerr.Wrap(sqlerr.Io, "writing postgres startup header", err)
	}
	if _, err := p.w.Write(body); err != nil {
		return sqlerr.Wrap(sqlerr.Io, "writing postgres startup body", err)
	}
	return nil
}

func (p *PGWriter) Flush() error {
	if err := p.w.Flush(); err != nil {
		return sqlerr.Wrap(sqlerr.Io, "flushing postgres writer", err)
	}
	return nil
}

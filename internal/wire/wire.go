// Package wire implements buffered, length-prefixed framing over any
// io.Reader/io.Writer pair, shared by the Postgres and MySQL codecs.
//
// Component A of the toolkit: it only knows about bytes and declared
// lengths, never about message semantics.
package wire

import (
	"io"

	"github.com/sqlx-go/sqlx/internal/sqlerr"
)

// Frame is a length-prefixed byte buffer keyed by a tag specific to the
// owning backend. The declared length always equals len(Body) plus
// whatever header bytes the backend counts in its length field.
type Frame struct {
	Tag  byte // 0 when the backend has no leading tag byte (MySQL)
	Body []byte
}

// maxBufferedIdle bounds how large a frame buffer is allowed to grow
// before it's released back to a fresh allocation, so one oversized row
// doesn't pin megabytes of memory on an otherwise idle connection.
const maxBufferedIdle = 64 * 1024

// UnexpectedEOF wraps io.ErrUnexpectedEOF with protocol context: the
// stream closed in the middle of a frame.
func UnexpectedEOF(context string) error {
	return sqlerr.Wrap(sqlerr.Protocol, context, io.ErrUnexpectedEOF)
}

// growBuffer returns buf resized to n bytes, reusing the backing array
// when it already has enough capacity.
func growBuffer(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]byte, n)
}

// shrinkIfOversized resets buf to nil once it has grown past
// maxBufferedIdle, so a single huge row doesn't keep the allocation alive
// for the life of the connection.
func shrinkIfOversized(buf []byte) []byte {
	if cap(buf) > maxBufferedIdle {
		return nil
	}
	return buf[:0]
}

func wrapReadErr(context string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return UnexpectedEOF(context)
	}
	return sqlerr.Wrap(sqlerr.Io, context, err)
}

package myproto

import "github.com/sqlx-go/sqlx/internal/sqlerr"

// Column type codes needed to delimit fixed-width values in a binary
// resultset row. This is boundary-finding, not value decoding: spec §1
// keeps per-type decoding out of scope, but the binary protocol still
// requires the codec to know how many bytes a TINY or a DOUBLE occupies
// before it can hand the next column its own slice.
const (
	TypeDecimal   byte = 0x00
	TypeTiny      byte = 0x01
	TypeShort     byte = 0x02
	TypeLong      byte = 0x03
	TypeFloat     byte = 0x04
	TypeDouble    byte = 0x05
	TypeNull      byte = 0x06
	TypeTimestamp byte = 0x07
	TypeLongLong  byte = 0x08
	TypeInt24     byte = 0x09
	TypeDate      byte = 0x0a
	TypeTime      byte = 0x0b
	TypeDatetime  byte = 0x0c
	TypeYear      byte = 0x0d
	TypeNewDate   byte = 0x0e
	TypeVarchar   byte = 0x0f
	TypeNewDecimal byte = 0xf6
	TypeEnum      byte = 0xf7
	TypeSet       byte = 0xf8
	TypeTinyBlob  byte = 0xf9
	TypeMediumBlob byte = 0xfa
	TypeLongBlob  byte = 0xfb
	TypeBlob      byte = 0xfc
	TypeVarString byte = 0xfd
	TypeString    byte = 0xfe
	TypeGeometry  byte = 0xff
)

// fixedWidth returns the byte width of a fixed-length binary-protocol
// column type, or 0 if the type is length-encoded.
func fixedWidth(t byte) int {
	switch t {
	case TypeLongLong, TypeDouble:
		return 8
	case TypeLong, TypeInt24, TypeFloat:
		return 4
	case TypeShort, TypeYear:
		return 2
	case TypeTiny:
		return 1
	default:
		return 0
	}
}

// DecodeBinaryRow splits one COM_STMT_EXECUTE result row into its raw
// per-column byte slices (nil for SQL NULL), using columnTypes to find
// value boundaries. Variable-length columns keep their length-encoded
// string framing stripped; fixed-width columns keep their native
// little-endian byte layout, mirroring how DataRow leaves Postgres binary
// values untouched.
func DecodeBinaryRow(payload []byte, columnTypes []byte) ([][]byte, error) {
	if len(payload) < 1 || payload[0] != 0x00 {
		return nil, sqlerr.New(sqlerr.Protocol, "binary resultset row missing 0x00 header")
	}
	n := len(columnTypes)
	bitmapLen := (n + 7 + 2) / 8
	off := 1
	if off+bitmapLen > len(payload) {
		return nil, sqlerr.New(sqlerr.Protocol, "truncated binary resultset null bitmap")
	}
	bitmap := payload[off : off+bitmapLen]
	off += bitmapLen

	values := make([][]byte, n)
	for i, t := range columnTypes {
		bitIndex := i + 2
		if bitmap[bitIndex/8]&(1<<uint(bitIndex%8)) != 0 {
			values[i] = nil
			continue
		}
		if w := fixedWidth(t); w > 0 {
			if off+w > len(payload) {
				return nil, sqlerr.New(sqlerr.Protocol, "truncated binary resultset fixed column")
			}
			v := make([]byte, w)
			copy(v, payload[off:off+w])
			values[i] = v
			off += w
			continue
		}
		s, n := readLenEncString(payload[off:])
		values[i] = []byte(s)
		off += n
	}
	return values, nil
}

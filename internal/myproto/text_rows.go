package myproto

// DecodeTextRow splits one COM_QUERY text-protocol result row into its
// per-column byte slices (nil for SQL NULL). Every value, regardless of
// declared type, is carried as a length-encoded string in this protocol
// mode.
func DecodeTextRow(payload []byte, numColumns int) [][]byte {
	values := make([][]byte, numColumns)
	off := 0
	for i := 0; i < numColumns; i++ {
		if off >= len(payload) {
			break
		}
		if payload[off] == 0xfb {
			values[i] = nil
			off++
			continue
		}
		s, n := readLenEncString(payload[off:])
		values[i] = []byte(s)
		off += n
	}
	return values
}

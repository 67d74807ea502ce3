package resp

import "strconv"

// FormatSimple renders a RESP simple string: +OK\r\n
func FormatSimple(s string) []byte {
	b := make([]byte, 0, len(s)+3)
	b = append(b, '+')
	b = append(b, s...)
	return append(b, '\r', '\n')
}

// FormatError renders a RESP error: -ERR message\r\n
func FormatError(s string) []byte {
	b := make([]byte, 0, len(s)+3)
	b = append(b, '-')
	b = append(b, s...)
	return append(b, '\r', '\n')
}

// FormatInteger renders a RESP integer: :123\r\n
func FormatInteger(n int64) []byte {
	b := make([]byte, 0, 16)
	b = append(b, ':')
	b = strconv.AppendInt(b, n, 10)
	return append(b, '\r', '\n')
}

// FormatBulk renders a RESP bulk string, or $-1\r\n when data is nil.
// A non-nil, zero-length slice renders as the empty string $0\r\n\r\n
// (spec.md §4.1 — N=0 is the empty string, never null).
func FormatBulk(data []byte) []byte {
	if data == nil {
		return FormatNullBulk()
	}
	b := make([]byte, 0, len(data)+16)
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, '\r', '\n')
	b = append(b, data...)
	return append(b, '\r', '\n')
}

// FormatNullBulk renders the null bulk string.
func FormatNullBulk() []byte {
	return []byte("$-1\r\n")
}

// FormatNullArray renders the null array.
func FormatNullArray() []byte {
	return []byte("*-1\r\n")
}

// FormatArray renders a RESP array from already-encoded elements.
func FormatArray(elements [][]byte) []byte {
	b := make([]byte, 0, 16)
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(len(elements)), 10)
	b = append(b, '\r', '\n')
	for _, e := range elements {
		b = append(b, e...)
	}
	return b
}

// FormatBulkArray is a convenience for the common case of an array of
// plain strings (e.g. KEYS, SCAN's key list).
func FormatBulkArray(values []string) []byte {
	elems := make([][]byte, len(values))
	for i, v := range values {
		elems[i] = FormatBulk([]byte(v))
	}
	return FormatArray(elems)
}

// FormatValue recursively renders a Value, choosing bulk for strings,
// integer for numbers, and null-bulk for nulls (spec.md §4.1).
func FormatValue(v Value) []byte {
	switch v.Type {
	case TypeSimpleString:
		return FormatSimple(v.Str)
	case TypeError:
		return FormatError(v.Str)
	case TypeInteger:
		return FormatInteger(v.Int)
	case TypeBulkString:
		if v.IsNull {
			return FormatNullBulk()
		}
		return FormatBulk(v.Bulk)
	case TypeArray:
		if v.IsNull {
			return FormatNullArray()
		}
		elems := make([][]byte, len(v.Array))
		for i, e := range v.Array {
			elems[i] = FormatValue(e)
		}
		return FormatArray(elems)
	}
	return FormatNullBulk()
}

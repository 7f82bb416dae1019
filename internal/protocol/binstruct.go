package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// Fixed-width binary decoding for the "struct" parse type and the
// transform.struct_parse action. The format string follows the
// conventional descriptor syntax: an optional byte-order prefix
// (< little, > or ! big, = or @ native) followed by field letters with
// optional repeat counts, e.g. ">HH", "<2i4s", "!Bxxf".
//
// Supported letters: b B h H i I l L q Q f d s x. The standard
// (non-native) sizes apply throughout: h/H two bytes, i/I/l/L four,
// q/Q eight, f four, d eight. For "s" the count is a byte length rather
// than a repeat; "x" consumes a pad byte and produces nothing.

// ErrBadStructFormat is returned for an unparseable format string or a
// payload whose length does not match the format.
var ErrBadStructFormat = errors.New("protocol: bad struct format")

// nativeOrder is the byte order used for the '=' and '@' prefixes and
// for formats with no prefix. The gateway targets little-endian hosts;
// templates that care should carry an explicit prefix anyway.
var nativeOrder binary.ByteOrder = binary.LittleEndian

// structField is one decoded format element.
type structField struct {
	letter rune
	count  int
}

// structSize returns the byte width of one occurrence of a letter.
func structSize(letter rune) (int, bool) {
	switch letter {
	case 'b', 'B', 'x', 's':
		return 1, true
	case 'h', 'H':
		return 2, true
	case 'i', 'I', 'l', 'L', 'f':
		return 4, true
	case 'q', 'Q', 'd':
		return 8, true
	}
	return 0, false
}

// parseStructFormat splits a format string into byte order and fields.
func parseStructFormat(format string) (binary.ByteOrder, []structField, error) {
	if format == "" {
		return nil, nil, fmt.Errorf("%w: empty format", ErrBadStructFormat)
	}

	order := nativeOrder
	runes := []rune(format)
	switch runes[0] {
	case '<':
		order = binary.LittleEndian
		runes = runes[1:]
	case '>', '!':
		order = binary.BigEndian
		runes = runes[1:]
	case '=', '@':
		order = nativeOrder
		runes = runes[1:]
	}

	var fields []structField
	i := 0
	for i < len(runes) {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}

		count := 1
		if unicode.IsDigit(runes[i]) {
			start := i
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			parsed, err := strconv.Atoi(string(runes[start:i]))
			if err != nil || i >= len(runes) {
				return nil, nil, fmt.Errorf("%w: dangling repeat count in %q", ErrBadStructFormat, format)
			}
			count = parsed
		}

		letter := runes[i]
		if _, ok := structSize(letter); !ok {
			return nil, nil, fmt.Errorf("%w: unknown field letter %q in %q", ErrBadStructFormat, string(letter), format)
		}
		fields = append(fields, structField{letter: letter, count: count})
		i++
	}

	return order, fields, nil
}

// unpackStruct decodes a payload against a format string.
//
// Returns:
//   - []any: one value per field occurrence ("s" yields one string per
//     field, "x" yields nothing)
//   - error: ErrBadStructFormat on a malformed format or a length mismatch
func unpackStruct(format string, payload []byte) ([]any, error) {
	order, fields, err := parseStructFormat(format)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, f := range fields {
		size, _ := structSize(f.letter)
		total += size * f.count
	}
	if total != len(payload) {
		return nil, fmt.Errorf("%w: format %q needs %d bytes, payload has %d",
			ErrBadStructFormat, format, total, len(payload))
	}

	var values []any
	offset := 0
	for _, f := range fields {
		switch f.letter {
		case 's':
			values = append(values, string(payload[offset:offset+f.count]))
			offset += f.count
		case 'x':
			offset += f.count
		default:
			size, _ := structSize(f.letter)
			for i := 0; i < f.count; i++ {
				values = append(values, decodeScalar(f.letter, order, payload[offset:offset+size]))
				offset += size
			}
		}
	}
	return values, nil
}

func decodeScalar(letter rune, order binary.ByteOrder, data []byte) any {
	switch letter {
	case 'b':
		return int(int8(data[0]))
	case 'B':
		return int(data[0])
	case 'h':
		return int(int16(order.Uint16(data)))
	case 'H':
		return int(order.Uint16(data))
	case 'i', 'l':
		return int(int32(order.Uint32(data)))
	case 'I', 'L':
		return int(order.Uint32(data))
	case 'q':
		return int(int64(order.Uint64(data)))
	case 'Q':
		// May overflow int on values above 2^63-1; templates reading
		// unsigned 64-bit counters should mask in the expression.
		return int(order.Uint64(data))
	case 'f':
		return float64(math.Float32frombits(order.Uint32(data)))
	case 'd':
		return math.Float64frombits(order.Uint64(data))
	}
	return nil
}

// zipStructFields pairs unpacked values with field names, stopping at
// the shorter of the two lists.
func zipStructFields(fields []string, values []any) map[string]any {
	n := len(fields)
	if len(values) < n {
		n = len(values)
	}
	result := make(map[string]any, n)
	for i := 0; i < n; i++ {
		result[fields[i]] = values[i]
	}
	return result
}

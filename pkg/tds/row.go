package tds

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// plpNullSentinel and plpUnknownSentinel are the two reserved 8-byte PLP
// length values: an all-ones length means NULL, and the
// second-highest value means "total length not known up front" — the value
// arrives as a sequence of chunks terminated by a zero-length chunk.
const (
	plpNullSentinel    uint64 = 0xFFFFFFFFFFFFFFFF
	plpUnknownSentinel uint64 = 0xFFFFFFFFFFFFFFFE
)

// ReadRow decodes one ROW token body: every column's
// value, in schema order, with no null bitmap — NULL is signaled per-column
// via the type's own null-length convention.
func ReadRow(r *reader, schema []Column) ([]interface{}, error) {
	row := make([]interface{}, len(schema))
	for i, col := range schema {
		v, err := readColumnValue(r, col)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// readNBCRow decodes one NBCROW token body: a null bitmap (ceil(n/8) bytes)
// followed by values for only the non-null columns. The
// bitmap MUST be consulted before attempting to read each column's bytes —
// a null column contributes zero bytes to the row, unlike ROW's per-type
// null markers.
func readNBCRow(r *reader, schema []Column) ([]interface{}, error) {
	bitmapLen := (len(schema) + 7) / 8
	bitmap, err := r.bytes(bitmapLen)
	if err != nil {
		return nil, err
	}
	row := make([]interface{}, len(schema))
	for i, col := range schema {
		if IsNullInBitmap(bitmap, i) {
			row[i] = nil
			continue
		}
		v, err := readColumnValue(r, col)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// SkipRow reads and discards one ROW token body without allocating a value
// slice, used by the streaming engine while draining a cancelled query.
func SkipRow(r *reader, schema []Column) error {
	for _, col := range schema {
		if _, err := readColumnValue(r, col); err != nil {
			return err
		}
	}
	return nil
}

// SkipNBCRow reads and discards one NBCROW token body, consulting the null
// bitmap the same way readNBCRow does so non-null columns are skipped the
// right number of bytes, without allocating a value slice.
func SkipNBCRow(r *reader, schema []Column) error {
	bitmapLen := (len(schema) + 7) / 8
	bitmap, err := r.bytes(bitmapLen)
	if err != nil {
		return err
	}
	for i, col := range schema {
		if IsNullInBitmap(bitmap, i) {
			continue
		}
		if _, err := readColumnValue(r, col); err != nil {
			return err
		}
	}
	return nil
}

func readColumnValue(r *reader, col Column) (interface{}, error) {
	if col.PLP {
		return readPLPValue(r, col)
	}

	switch col.Type {
	case TypeInt1:
		b, err := r.byte()
		return b, err
	case TypeBit:
		b, err := r.byte()
		return b != 0, err
	case TypeInt2:
		v, err := r.uint16()
		return int16(v), err
	case TypeInt4:
		v, err := r.uint32()
		return int32(v), err
	case TypeInt8:
		v, err := r.uint64()
		return int64(v), err
	case TypeFloat4:
		v, err := r.uint32()
		return float32FromBits(v), err
	case TypeFloat8:
		v, err := r.uint64()
		return float64FromBits(v), err
	case TypeDateTime4:
		days, err := r.uint16()
		if err != nil {
			return nil, err
		}
		mins, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return smallDatetimeFromWire(days, mins), nil
	case TypeDateTime:
		days, err := r.int32()
		if err != nil {
			return nil, err
		}
		ticks, err := r.int32()
		if err != nil {
			return nil, err
		}
		return datetimeFromWire(days, ticks), nil
	case TypeMoney4:
		v, err := r.uint32()
		return moneyFromUnits(int64(int32(v))), err
	case TypeMoney:
		hi, err := r.uint32()
		if err != nil {
			return nil, err
		}
		lo, err := r.uint32()
		if err != nil {
			return nil, err
		}
		units := int64(int32(hi))<<32 | int64(lo)
		return moneyFromUnits(units), nil

	case TypeGUID:
		return readLengthPrefixedValue(r, col, readGUID)
	case TypeIntN:
		return readLengthPrefixedValue(r, col, readIntN)
	case TypeFloatN:
		return readLengthPrefixedValue(r, col, readFloatN)
	case TypeBitN:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			b, err := r.byte()
			return b != 0, err
		})
	case TypeMoneyN:
		return readLengthPrefixedValue(r, col, readMoneyN)
	case TypeDateTimeN:
		return readLengthPrefixedValue(r, col, readDateTimeN)
	case TypeDecimal, TypeNumeric, TypeDecimalN, TypeNumericN:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			return readDecimal(r, n, col.Scale)
		})
	case TypeDateN:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, nil
		}
		buf, err := r.bytes(3)
		if err != nil {
			return nil, err
		}
		days := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16
		return civil.DateOf(dateFromDays(days)), nil
	case TypeTimeN:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			return readTimeOfDay(r, n, col.Scale)
		})
	case TypeDateTime2N:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			return readDateTime2(r, n, col.Scale)
		})
	case TypeDateTimeOffsetN:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			return readDateTimeOffset(r, n, col.Scale)
		})

	case TypeChar, TypeVarChar, TypeBigVarChar, TypeBigChar:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			b, err := r.bytes(n)
			if err != nil {
				return nil, err
			}
			// ASCII/codepage text; treated as Latin-1 passthrough since we
			// don't carry a full codepage table (collation byte 4 names
			// it). Any byte >=0x80 round-trips as its Unicode codepoint,
			// which is exact for Latin1_General collations.
			runes := make([]rune, len(b))
			for i, c := range b {
				runes[i] = rune(c)
			}
			return string(runes), nil
		})
	case TypeNVarChar, TypeNChar:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			b, err := r.bytes(n)
			if err != nil {
				return nil, err
			}
			return decodeUTF16LE(b), nil
		})
	case TypeBinary, TypeVarBinary, TypeBigBinary, TypeBigVarBin:
		return readLengthPrefixedValue(r, col, func(r *reader, n int) (interface{}, error) {
			b, err := r.bytes(n)
			if err != nil {
				return nil, err
			}
			return append([]byte{}, b...), nil
		})
	case TypeSSVariant:
		return readSQLVariant(r)

	default:
		return nil, fmt.Errorf("tds: no row decoder for column type %s", col.Type)
	}
}

// readLengthPrefixedValue reads the per-value length prefix for an *N type
// (2 bytes, with 0xFFFF as NULL, for the BIGVARCHAR/BIGBINARY/NVARCHAR
// family; 1 byte for everything else, with 0 as NULL) and dispatches to
// decode, returning nil for a NULL value.
func readLengthPrefixedValue(r *reader, col Column, decode func(r *reader, n int) (interface{}, error)) (interface{}, error) {
	var n int
	switch col.Type {
	case TypeBigVarBin, TypeBigBinary, TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		v, err := r.uint16()
		if err != nil {
			return nil, err
		}
		n = int(v)
		if n == 0xFFFF {
			return nil, nil
		}
	default:
		v, err := r.byte()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	if n == 0 {
		return nil, nil
	}
	return decode(r, n)
}

func readIntN(r *reader, n int) (interface{}, error) {
	switch n {
	case 1:
		v, err := r.byte()
		return v, err
	case 2:
		v, err := r.uint16()
		return int16(v), err
	case 4:
		v, err := r.uint32()
		return int32(v), err
	case 8:
		v, err := r.uint64()
		return int64(v), err
	}
	return nil, fmt.Errorf("tds: invalid INTN length %d", n)
}

func readFloatN(r *reader, n int) (interface{}, error) {
	switch n {
	case 4:
		v, err := r.uint32()
		return float32FromBits(v), err
	case 8:
		v, err := r.uint64()
		return float64FromBits(v), err
	}
	return nil, fmt.Errorf("tds: invalid FLOATN length %d", n)
}

func readMoneyN(r *reader, n int) (interface{}, error) {
	switch n {
	case 4:
		v, err := r.uint32()
		return moneyFromUnits(int64(int32(v))), err
	case 8:
		hi, err := r.uint32()
		if err != nil {
			return nil, err
		}
		lo, err := r.uint32()
		if err != nil {
			return nil, err
		}
		units := int64(int32(hi))<<32 | int64(lo)
		return moneyFromUnits(units), nil
	}
	return nil, fmt.Errorf("tds: invalid MONEYN length %d", n)
}

func readDateTimeN(r *reader, n int) (interface{}, error) {
	switch n {
	case 4:
		days, err := r.uint16()
		if err != nil {
			return nil, err
		}
		mins, err := r.uint16()
		if err != nil {
			return nil, err
		}
		return smallDatetimeFromWire(days, mins), nil
	case 8:
		days, err := r.int32()
		if err != nil {
			return nil, err
		}
		ticks, err := r.int32()
		if err != nil {
			return nil, err
		}
		return datetimeFromWire(days, ticks), nil
	}
	return nil, fmt.Errorf("tds: invalid DATETIMEN length %d", n)
}

func readGUID(r *reader, n int) (interface{}, error) {
	b, err := r.bytes(16)
	if err != nil {
		return nil, err
	}
	var raw [16]byte
	copy(raw[:], b)
	return guidFromWire(raw), nil
}

// readDecimal reads a DECIMAL/NUMERIC value: a sign byte (1=positive) then
// the magnitude in little-endian bytes sized per decimalMagnitudeBytes,
// scaled by the column's declared scale. The result is a
// shopspring/decimal.Decimal so callers get exact fixed-point arithmetic
// instead of float64 rounding.
func readDecimal(r *reader, n int, scale uint8) (interface{}, error) {
	sign, err := r.byte()
	if err != nil {
		return nil, err
	}
	mag, err := r.bytes(n - 1)
	if err != nil {
		return nil, err
	}
	be := decimalMagnitudeLE(mag)
	i := new(big.Int).SetBytes(be)
	if sign == 0 {
		i.Neg(i)
	}
	return decimal.NewFromBigInt(i, -int32(scale)), nil
}

func readTimeOfDay(r *reader, n int, scale uint8) (interface{}, error) {
	ticks, err := readScaledTicks(r, n)
	if err != nil {
		return nil, err
	}
	micros := ticksToMicros(ticks, scale)
	return time.Duration(micros) * time.Microsecond, nil
}

func readDateTime2(r *reader, n int, scale uint8) (interface{}, error) {
	timeBytes := n - 3
	ticks, err := readScaledTicks(r, timeBytes)
	if err != nil {
		return nil, err
	}
	buf, err := r.bytes(3)
	if err != nil {
		return nil, err
	}
	days := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16
	micros := ticksToMicros(ticks, scale)
	return dateFromDays(days).Add(time.Duration(micros) * time.Microsecond), nil
}

func readDateTimeOffset(r *reader, n int, scale uint8) (interface{}, error) {
	timeBytes := n - 5
	ticks, err := readScaledTicks(r, timeBytes)
	if err != nil {
		return nil, err
	}
	buf, err := r.bytes(3)
	if err != nil {
		return nil, err
	}
	days := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16
	offsetMins, err := r.int16()
	if err != nil {
		return nil, err
	}
	micros := ticksToMicros(ticks, scale)
	t := dateFromDays(days).Add(time.Duration(micros) * time.Microsecond)
	loc := time.FixedZone("", int(offsetMins)*60)
	return t.In(loc), nil
}

// readScaledTicks reads the variable-width little-endian tick count used by
// TIME/DATETIME2/DATETIMEOFFSET, whose byte width (3-5) depends on scale.
func readScaledTicks(r *reader, n int) (int64, error) {
	b, err := r.bytes(n)
	if err != nil {
		return 0, err
	}
	var v int64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return v, nil
}

// moneyFromUnits converts a MONEY/SMALLMONEY value, carried on the wire as
// an integer count of ten-thousandths, into a decimal.Decimal.
func moneyFromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -4)
}

func float32FromBits(v uint32) float32 {
	return math.Float32frombits(v)
}

func float64FromBits(v uint64) float64 {
	return math.Float64frombits(v)
}

// readPLPValue reads a partially length-prefixed value: an 8-byte total
// length (or one of the two sentinels), then a sequence of
// {4-byte chunk length; chunk bytes} pairs terminated by a zero-length
// chunk. Chunked delivery lets a large NVARCHAR(MAX) value
// stream in without the server knowing the total length up front.
func readPLPValue(r *reader, col Column) (interface{}, error) {
	total, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if total == plpNullSentinel {
		return nil, nil
	}

	var out []byte
	if total != plpUnknownSentinel && total > 0 {
		out = make([]byte, 0, total)
	}
	for {
		chunkLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := r.bytes(int(chunkLen))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}

	switch col.Type {
	case TypeNVarChar, TypeNChar, TypeXML:
		return decodeUTF16LE(out), nil
	case TypeBigVarChar, TypeBigChar:
		runes := make([]rune, len(out))
		for i, c := range out {
			runes[i] = rune(c)
		}
		return string(runes), nil
	default:
		return out, nil
	}
}

// readSQLVariant reads a SQL_VARIANT value: a 4-byte total length, a 1-byte
// base type, a 1-byte type-info length, the type info bytes, then the value
// bytes sized by (total length - 2 - type-info length).
func readSQLVariant(r *reader) (interface{}, error) {
	total, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	baseType, err := r.byte()
	if err != nil {
		return nil, err
	}
	propBytesLen, err := r.byte()
	if err != nil {
		return nil, err
	}
	propBytes, err := r.bytes(int(propBytesLen))
	if err != nil {
		return nil, err
	}
	valueLen := int(total) - 2 - int(propBytesLen)
	if valueLen < 0 {
		return nil, fmt.Errorf("tds: malformed SQL_VARIANT length")
	}
	_ = propBytes // type-specific facets (precision/scale/collation); not yet surfaced

	valBytes, err := r.bytes(valueLen)
	if err != nil {
		return nil, err
	}

	switch SQLType(baseType) {
	case TypeInt1:
		return valBytes[0], nil
	case TypeInt2:
		return int16(valBytes[0]) | int16(valBytes[1])<<8, nil
	case TypeInt4:
		vr := newReader(valBytes)
		v, _ := vr.uint32()
		return int32(v), nil
	case TypeInt8:
		vr := newReader(valBytes)
		v, _ := vr.uint64()
		return int64(v), nil
	case TypeBigVarChar, TypeBigChar:
		runes := make([]rune, len(valBytes))
		for i, c := range valBytes {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case TypeNVarChar, TypeNChar:
		return decodeUTF16LE(valBytes), nil
	default:
		return append([]byte{}, valBytes...), nil
	}
}

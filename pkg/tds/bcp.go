package tds

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// BCPWriter drives an INSERT BULK stream on a connection already switched
// into bulk-load state. It is safe to call WriteRows from multiple
// goroutines: everything serializes on mu and accumulates into one packet
// buffer per batch, so only one row stream ever writes to the wire at a
// time.
type BCPWriter struct {
	mu sync.Mutex

	cols      []Column
	buf       growBuffer
	wroteMeta bool
	rowCount  int
}

// NewBCPWriter creates a writer for the given column schema. cols must
// match, in order, the column list the INSERT BULK statement named.
func NewBCPWriter(cols []Column) *BCPWriter {
	return &BCPWriter{cols: cols}
}

// WriteRows appends COLMETADATA (once per batch, lazily on the first row)
// followed by one ROW token per row. Values are positional, matching cols.
func (w *BCPWriter) WriteRows(rows [][]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.wroteMeta {
		w.writeColMetadata()
		w.wroteMeta = true
	}

	for _, row := range rows {
		if len(row) != len(w.cols) {
			return fmt.Errorf("tds: bcp row has %d values, want %d", len(row), len(w.cols))
		}
		w.buf.WriteByte(TokenRow)
		for i, v := range row {
			if err := w.writeBCPValue(w.cols[i], v); err != nil {
				return fmt.Errorf("tds: bcp column %q: %w", w.cols[i].Name, err)
			}
		}
		w.rowCount++
	}
	return nil
}

func (w *BCPWriter) writeColMetadata() {
	w.buf.WriteByte(TokenColMetadata)
	w.buf.WriteUint16(uint16(len(w.cols)))
	for _, c := range w.cols {
		w.buf.WriteUint32(c.UserType)
		w.buf.WriteUint16(c.Flags)
		w.buf.WriteByte(byte(c.Type))
		writeTypeTrailer(&w.buf, c)
		w.buf.WriteByte(byte(len(c.Name)))
		w.buf.Write(encodeUTF16LE(c.Name))
	}
}

// writeTypeTrailer writes the per-type TYPE_INFO trailer (length/precision
// /scale/collation) that follows the type byte in COLMETADATA, mirroring
// what parseColMetadata reads on the way in.
func writeTypeTrailer(buf *growBuffer, c Column) {
	switch c.Type {
	case TypeIntN, TypeBitN:
		buf.WriteByte(byte(c.MaxLength))
	case TypeFloatN:
		buf.WriteByte(byte(c.MaxLength))
	case TypeDecimalN:
		buf.WriteByte(byte(c.MaxLength))
		buf.WriteByte(c.Precision)
		buf.WriteByte(c.Scale)
	case TypeDateN:
		// no trailer
	case TypeDateTime2N:
		buf.WriteByte(c.Scale)
	case TypeBigVarChar, TypeNVarChar:
		buf.WriteUint16(uint16(c.MaxLength))
		buf.Write(DefaultCollation)
	case TypeBigVarBin:
		buf.WriteUint16(uint16(c.MaxLength))
	default:
		buf.WriteUint16(uint16(c.MaxLength))
	}
}

// writeBCPValue encodes one value according to the column's declared wire
// type, per the §3 type rules: fixed-width NULL uses the per-type null
// sentinel, PLP columns use the 8-byte length + chunked form with a
// trailing zero chunk.
func (w *BCPWriter) writeBCPValue(c Column, v interface{}) error {
	buf := &w.buf

	if c.PLP {
		if v == nil {
			buf.WriteUint64(math.MaxUint64) // PLP NULL sentinel
			return nil
		}
		body, err := plpBytes(c, v)
		if err != nil {
			return err
		}
		buf.WriteUint64(uint64(len(body)))
		if len(body) > 0 {
			buf.WriteUint32(uint32(len(body)))
			buf.Write(body)
		}
		buf.WriteUint32(0) // terminator chunk
		return nil
	}

	switch c.Type {
	case TypeIntN, TypeBitN, TypeFloatN:
		return writeFixedNValue(buf, c, v)
	case TypeDecimalN:
		return writeDecimalColumnValue(buf, c, v)
	case TypeDateN:
		return writeDateColumnValue(buf, v)
	case TypeDateTime2N:
		return writeDateTime2ColumnValue(buf, c, v)
	case TypeBigVarChar, TypeNVarChar:
		return write2ByteLenValue(buf, v, c.Type == TypeNVarChar)
	case TypeBigVarBin:
		return write2ByteLenValue(buf, v, false)
	default:
		return fmt.Errorf("unsupported bulk-load column type %#x", byte(c.Type))
	}
}

func writeFixedNValue(buf *growBuffer, c Column, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	switch c.Type {
	case TypeBitN:
		buf.WriteByte(1)
		if b, _ := v.(bool); b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeIntN:
		switch c.MaxLength {
		case 1:
			buf.WriteByte(1)
			buf.WriteByte(byte(toInt64(v)))
		case 2:
			buf.WriteByte(2)
			buf.WriteUint16(uint16(toInt64(v)))
		case 4:
			buf.WriteByte(4)
			buf.WriteUint32(uint32(toInt64(v)))
		default:
			buf.WriteByte(8)
			buf.WriteUint64(uint64(toInt64(v)))
		}
	case TypeFloatN:
		if c.MaxLength == 4 {
			buf.WriteByte(4)
			f, _ := v.(float32)
			buf.WriteUint32(math.Float32bits(f))
		} else {
			buf.WriteByte(8)
			f, _ := v.(float64)
			buf.WriteUint64(math.Float64bits(f))
		}
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func write2ByteLenValue(buf *growBuffer, v interface{}, isText bool) error {
	if v == nil {
		buf.WriteUint16(0xFFFF)
		return nil
	}
	var body []byte
	switch s := v.(type) {
	case string:
		if isText {
			body = encodeUTF16LE(s)
		} else {
			body = []byte(s)
		}
	case []byte:
		body = s
	default:
		return fmt.Errorf("unsupported value type %T for fixed-length column", v)
	}
	buf.WriteUint16(uint16(len(body)))
	buf.Write(body)
	return nil
}

func plpBytes(c Column, v interface{}) ([]byte, error) {
	switch s := v.(type) {
	case string:
		if c.Type == TypeNVarChar {
			return encodeUTF16LE(s), nil
		}
		return []byte(s), nil
	case []byte:
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported PLP value type %T", v)
	}
}

// FlushBatch appends a DONE token reporting n rows and returns the bytes
// accumulated for this batch, resetting the internal buffer.
func (w *BCPWriter) FlushBatch() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.WriteByte(TokenDone)
	w.buf.WriteUint16(0)
	w.buf.WriteUint16(0)
	w.buf.WriteUint64(uint64(w.rowCount))

	out := w.buf.Bytes()
	result := make([]byte, len(out))
	copy(result, out)

	w.buf = growBuffer{}
	w.rowCount = 0
	return result
}

// ResetForNextBatch prepares the writer to re-issue COLMETADATA after a new
// INSERT BULK statement, used when the bulk-load endpoint requires fresh
// metadata per batch.
func (w *BCPWriter) ResetForNextBatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wroteMeta = false
	w.buf = growBuffer{}
	w.rowCount = 0
}

// RowCount returns the number of rows buffered since the last FlushBatch.
func (w *BCPWriter) RowCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// writeDecimalColumnValue writes a DECIMALN ROW value: a one-byte magnitude
// length, a sign byte, then the little-endian magnitude, matching what
// readDecimal expects on the way back in.
func writeDecimalColumnValue(buf *growBuffer, c Column, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return fmt.Errorf("expected decimal.Decimal, got %T", v)
	}
	mag := new(big.Int).Abs(d.Coefficient())
	magBytes := decimalMagnitudeBytes(c.Precision)

	buf.WriteByte(byte(magBytes))
	if d.Sign() < 0 {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
	}
	le := decimalMagnitudeLE(mag.Bytes())
	padded := make([]byte, magBytes-1)
	copy(padded, le)
	buf.Write(padded)
	return nil
}

func writeDateColumnValue(buf *growBuffer, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	days := bcpDateParamDays(v)
	buf.WriteByte(3)
	buf.WriteByte(byte(days))
	buf.WriteByte(byte(days >> 8))
	buf.WriteByte(byte(days >> 16))
	return nil
}

// dateTime2ByteLen returns DATETIME2's total ROW byte length (time portion
// plus the fixed 3-byte date) for a given scale, mirroring the widths
// readDateTime2 already knows how to read.
func dateTime2ByteLen(scale uint8) byte {
	switch {
	case scale <= 2:
		return 6
	case scale <= 4:
		return 7
	default:
		return 8
	}
}

func writeDateTime2ColumnValue(buf *growBuffer, c Column, v interface{}) error {
	if v == nil {
		buf.WriteByte(0)
		return nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return fmt.Errorf("expected time.Time, got %T", v)
	}
	t = t.UTC()
	byteLen := dateTime2ByteLen(c.Scale)
	timeBytes := int(byteLen) - 3

	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	micros := t.Sub(midnight).Microseconds()
	ticks := ticksFromMicros(micros, c.Scale)
	days := daysFromDate(t)

	buf.WriteByte(byteLen)
	writeLittleEndianInt(buf, ticks, timeBytes)
	buf.WriteByte(byte(days))
	buf.WriteByte(byte(days >> 8))
	buf.WriteByte(byte(days >> 16))
	return nil
}

// ticksFromMicros is the inverse of ticksToMicros.
func ticksFromMicros(micros int64, scale uint8) int64 {
	if scale == 7 {
		return micros * 10
	}
	exp := 6 - int(scale)
	div := int64(1)
	for i := 0; i < exp; i++ {
		div *= 10
	}
	return micros / div
}

func writeLittleEndianInt(buf *growBuffer, v int64, n int) {
	for i := 0; i < n; i++ {
		buf.WriteByte(byte(v))
		v >>= 8
	}
}

// bcpDateParamDays adapts a bound Go value (civil.Date or time.Time) into
// days-since-epoch for a DATE column.
func bcpDateParamDays(v interface{}) int32 {
	switch d := v.(type) {
	case civil.Date:
		return daysFromDate(d.In(time.UTC))
	case time.Time:
		return daysFromDate(d)
	default:
		return 0
	}
}

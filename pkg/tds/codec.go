package tds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf16"

	textunicode "golang.org/x/text/encoding/unicode"
)

// ErrNeedMoreData is returned by any decode routine that read past the end
// of the buffer it was given. Callers append more bytes and retry from the
// start of the same call; no partial state is retained.
var ErrNeedMoreData = errors.New("tds: need more data")

// utf16LEDecoder accepts unpaired surrogates instead of erroring, so a
// server that emits a lone surrogate (malformed collation data, truncated
// NVARCHAR) still decodes deterministically instead of aborting the stream.
var utf16LEDecoder = textunicode.UTF16(textunicode.LittleEndian, textunicode.IgnoreBOM).NewDecoder()
var utf16LEEncoder = textunicode.UTF16(textunicode.LittleEndian, textunicode.IgnoreBOM).NewEncoder()

// decodeUTF16LE converts wire bytes (UTF-16LE, as used for all TDS character
// data) into a Go string. Falls back to a manual utf16.Decode walk — which
// passes unpaired surrogates through as the Unicode replacement character —
// if the x/text transform rejects the input outright.
func decodeUTF16LE(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, err := utf16LEDecoder.Bytes(b)
	if err == nil {
		return string(out)
	}
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

// encodeUTF16LE converts a Go string into wire bytes for LOGIN7 credentials,
// SNI hostnames, and NVARCHAR literal bodies.
func encodeUTF16LE(s string) []byte {
	if s == "" {
		return nil
	}
	if out, err := utf16LEEncoder.Bytes([]byte(s)); err == nil {
		return out
	}
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// EncodeUTF16LE exposes encodeUTF16LE for callers outside this package that
// need to build raw UTF-16LE payloads, such as the FEDAUTH_TOKEN message
// which is not itself a TDS token-stream structure.
func EncodeUTF16LE(s string) []byte { return encodeUTF16LE(s) }

// reader is a bounds-checked cursor over an input slice. Every Read* method
// returns ErrNeedMoreData — never panics — when the slice is exhausted, and
// leaves the cursor unmoved on failure so a caller can buffer more bytes and
// retry the whole parse from scratch.
type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return ErrNeedMoreData
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.pos: r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) uint16() (uint16, error) {
	v, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

func (r *reader) uint16BE() (uint16, error) {
	v, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

func (r *reader) uint32() (uint32, error) {
	v, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

func (r *reader) uint64() (uint64, error) {
	v, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) int16() (int16, error) {
	v, err := r.uint16()
	return int16(v), err
}

// bVarChar reads a B_VARCHAR: a 1-byte character count followed by that many
// UTF-16LE characters (used for column names, server names, proc names).
func (r *reader) bVarChar() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16LE(b), nil
}

// usVarChar reads a US_VARCHAR: a 2-byte character count followed by that
// many UTF-16LE characters (used for ERROR/INFO message text).
func (r *reader) usVarChar() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16LE(b), nil
}

// bVarByte reads a 1-byte length-prefixed byte string (ENVCHANGE payloads).
func (r *reader) bVarByte() ([]byte, error) {
	n, err := r.byte()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

// usVarByte reads a 2-byte length-prefixed byte string.
func (r *reader) usVarByte() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

// --- scale-aware date/time conversion ---

// ticksToMicros converts TIME/DATETIME2/DATETIMEOFFSET ticks at the column's
// declared scale into microseconds. scale=7 is special-cased: the wire value
// is in 100ns units (10^-7 s), one order finer than microseconds, so it is
// divided rather than multiplied — scale=0 (whole seconds) must NOT be
// truncated to zero microseconds.
func ticksToMicros(ticks int64, scale uint8) int64 {
	if scale == 7 {
		return ticks / 10
	}
	exp := 6 - int(scale)
	mul := int64(1)
	for i := 0; i < exp; i++ {
		mul *= 10
	}
	return ticks * mul
}

// epochOffsetDays is the number of days between the TDS DATE epoch
// (0001-01-01) and the Unix epoch (1970-01-01).
const epochOffsetDays = 719162

// dateFromDays converts a TDS DATE (days since 0001-01-01) into a civil date.
func dateFromDays(days int32) time.Time {
	return time.Unix(int64(int64(days)-epochOffsetDays)*86400, 0).UTC()
}

// daysFromDate is the inverse of dateFromDays, used when binding a DATE
// parameter outbound.
func daysFromDate(t time.Time) int32 {
	return int32(t.UTC().Unix()/86400 + epochOffsetDays)
}

// datetimeBaseDate is the epoch for the legacy DATETIME/SMALLDATETIME wire
// format.
var datetimeBaseDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// datetimeFromWire converts legacy DATETIME wire fields (days + 1/300s
// ticks) into a time.Time. ticks*10000/3 yields microseconds exactly
// because 1/300 s = 10000/3 µs.
func datetimeFromWire(days int32, ticks int32) time.Time {
	micros := int64(ticks) * 10000 / 3
	return datetimeBaseDate.AddDate(0, 0, int(days)).Add(time.Duration(micros) * time.Microsecond)
}

func smallDatetimeFromWire(days uint16, minutes uint16) time.Time {
	return datetimeBaseDate.AddDate(0, 0, int(days)).Add(time.Duration(minutes) * time.Minute)
}

// --- decimal magnitude ---

// decimalMagnitudeLE interprets b (little-endian) as an unsigned big-endian-
// ordered byte slice suitable for math/big.Int.SetBytes, by reversing it.
func decimalMagnitudeLE(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// guidFromWire decodes a 16-byte GUID with TDS's mixed endianness:
// Data1 LE(4), Data2 LE(2), Data3 LE(2), Data4 BE(8).
func guidFromWire(b [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

// guidToWire is the inverse of guidFromWire, used when emitting a
// UNIQUEIDENTIFIER literal (e.g. BCP writer, parameter binding).
func guidToWire(b [16]byte) [16]byte {
	return guidFromWire(b) // the byte-swap is its own inverse
}

// growBuffer is the shared primitive for building outbound wire payloads
// (LOGIN7, PRELOGIN, SQL_BATCH, BCP rows): a bytes.Buffer with
// little-endian and big-endian helpers layered on top.
type growBuffer struct {
	bytes.Buffer
}

func (g *growBuffer) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	g.Write(b[:])
}

func (g *growBuffer) WriteUint16BE(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	g.Write(b[:])
}

func (g *growBuffer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	g.Write(b[:])
}

func (g *growBuffer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	g.Write(b[:])
}

func (g *growBuffer) WriteInt32(v int32) { g.WriteUint32(uint32(v)) }

// WriteBVarChar writes a B_VARCHAR (1-byte character count + UTF-16LE body).
func (g *growBuffer) WriteBVarChar(s string) {
	body := encodeUTF16LE(s)
	g.WriteByte(byte(len(body) / 2))
	g.Write(body)
}

// WriteUSVarChar writes a US_VARCHAR (2-byte character count + UTF-16LE body).
func (g *growBuffer) WriteUSVarChar(s string) {
	body := encodeUTF16LE(s)
	g.WriteUint16(uint16(len(body) / 2))
	g.Write(body)
}

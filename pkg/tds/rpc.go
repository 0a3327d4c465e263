package tds

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// RPC procedure ids for RPC_REQUEST packets (conn.ExecuteRPC), whose bound
// parameters are typed on the wire instead of interpolated into the batch.
// Scans, DML and raw batches in this module run as SQL_BATCH text.
const (
	ProcIDExecuteSQL  uint16 = 10
	ProcIDPrepare     uint16 = 11
	ProcIDExecute     uint16 = 12
	ProcIDUnprepare   uint16 = 15
	ProcIDCursor      uint16 = 1
	ProcIDCursorOpen  uint16 = 2
	ProcIDCursorFetch uint16 = 7
	ProcIDCursorClose uint16 = 9
)

// ProcIDName returns the canonical name for a well-known procedure id, used
// for logging.
func ProcIDName(id uint16) string {
	switch id {
	case ProcIDExecuteSQL:
		return "sp_executesql"
	case ProcIDPrepare:
		return "sp_prepare"
	case ProcIDExecute:
		return "sp_execute"
	case ProcIDUnprepare:
		return "sp_unprepare"
	case ProcIDCursor:
		return "sp_cursor"
	case ProcIDCursorOpen:
		return "sp_cursoropen"
	case ProcIDCursorFetch:
		return "sp_cursorfetch"
	case ProcIDCursorClose:
		return "sp_cursorclose"
	default:
		return fmt.Sprintf("sp_unknown_%d", id)
	}
}

// RPC parameter status bits.
const (
	ParamByRefValue uint8 = 0x01 // OUTPUT parameter
	ParamDefault    uint8 = 0x02
)

// RPCParam is one bound parameter of an outbound RPC_REQUEST.
type RPCParam struct {
	Name     string // without the leading '@'; empty for positional params
	IsOutput bool
	Value    interface{} // nil means SQL NULL
}

// RPCRequest describes an outbound sp_executesql (or other well-known
// procedure) invocation this module builds to run a parameterized query.
type RPCRequest struct {
	ProcID     uint16 // non-zero selects a well-known procedure by id
	ProcName   string // used when ProcID == 0 (named procedure call)
	Parameters []RPCParam

	// TransactionDescriptor and OutstandingRequests populate the mandatory
	// ALL_HEADERS transaction-descriptor header: zero-value
	// descriptor with OutstandingRequests=1 outside an explicit transaction,
	// the server-issued descriptor from ENVCHANGE type 0x08 when a
	// transaction is open and this connection is pinned to it.
	TransactionDescriptor [8]byte
	OutstandingRequests   uint32
}

// writeAllHeaders writes the ALL_HEADERS block shared by SQL_BATCH and
// RPC_REQUEST payloads: a single transaction-descriptor header (type 2).
// SQL Server requires this header on every batch/RPC even when no explicit
// transaction is open — the descriptor is just all-zero in that case.
func writeAllHeaders(buf *growBuffer, txnDescriptor [8]byte, outstandingRequests uint32) {
	const headerType = 2
	const headerLen = 4 + 2 + 8 + 4 // length + type + descriptor + count
	buf.WriteUint32(4 + headerLen)  // ALL_HEADERS total length (includes itself)
	buf.WriteUint32(headerLen)
	buf.WriteUint16(headerType)
	buf.Write(txnDescriptor[:])
	if outstandingRequests == 0 {
		outstandingRequests = 1
	}
	buf.WriteUint32(outstandingRequests)
}

// BuildRPCRequest encodes an RPC_REQUEST packet body: an
// ALL_HEADERS block, the procedure reference (by id or by name), option
// flags, then each parameter's name/status/TYPE_INFO/value.
func BuildRPCRequest(req RPCRequest) ([]byte, error) {
	var buf growBuffer

	writeAllHeaders(&buf, req.TransactionDescriptor, req.OutstandingRequests)

	if req.ProcID != 0 {
		buf.WriteUint16(0xFFFF)
		buf.WriteUint16(req.ProcID)
	} else {
		buf.WriteUSVarChar(req.ProcName)
	}

	buf.WriteUint16(0) // option flags

	for _, p := range req.Parameters {
		buf.WriteByte(byte(len(p.Name)))
		if p.Name != "" {
			buf.Write(encodeUTF16LE(p.Name))
		}
		var status uint8
		if p.IsOutput {
			status |= ParamByRefValue
		}
		buf.WriteByte(status)

		if err := writeRPCParamValue(&buf, p.Value); err != nil {
			return nil, fmt.Errorf("tds: parameter %q: %w", p.Name, err)
		}
	}

	return buf.Bytes(), nil
}

// BuildSQLBatch encodes a SQL_BATCH packet body: the ALL_HEADERS
// transaction-descriptor block followed by the UTF-16LE batch text. The
// framer splits the result across packets as needed; the batch text itself
// need not fit one packet.
func BuildSQLBatch(sql string, txnDescriptor [8]byte, outstandingRequests uint32) []byte {
	var buf growBuffer
	writeAllHeaders(&buf, txnDescriptor, outstandingRequests)
	buf.Write(encodeUTF16LE(sql))
	return buf.Bytes()
}

// writeRPCParamValue picks a wire TYPE_INFO for a Go value and encodes it,
// mirroring the type choices ExecuteRawBatch's pushdown encoder and the
// DML batcher both rely on: the same Go→wire type
// mapping has to be consistent across every component that binds parameters.
func writeRPCParamValue(buf *growBuffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(byte(TypeNVarChar))
		buf.WriteUint16(8000)
		buf.Write(DefaultCollation)
		buf.WriteUint16(0xFFFF)
		return nil

	case bool:
		buf.WriteByte(byte(TypeBitN))
		buf.WriteByte(1)
		buf.WriteByte(1)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil

	case int16:
		buf.WriteByte(byte(TypeIntN))
		buf.WriteByte(2)
		buf.WriteByte(2)
		buf.WriteUint16(uint16(val))
		return nil

	case int32:
		buf.WriteByte(byte(TypeIntN))
		buf.WriteByte(4)
		buf.WriteByte(4)
		buf.WriteInt32(val)
		return nil

	case int:
		return writeRPCParamValue(buf, int64(val))

	case int64:
		buf.WriteByte(byte(TypeIntN))
		buf.WriteByte(8)
		buf.WriteByte(8)
		buf.WriteUint64(uint64(val))
		return nil

	case float32:
		buf.WriteByte(byte(TypeFloatN))
		buf.WriteByte(4)
		buf.WriteByte(4)
		buf.WriteUint32(math.Float32bits(val))
		return nil

	case float64:
		buf.WriteByte(byte(TypeFloatN))
		buf.WriteByte(8)
		buf.WriteByte(8)
		buf.WriteUint64(math.Float64bits(val))
		return nil

	case string:
		body := encodeUTF16LE(val)
		buf.WriteByte(byte(TypeNVarChar))
		buf.WriteUint16(8000)
		buf.Write(DefaultCollation)
		buf.WriteUint16(uint16(len(body)))
		buf.Write(body)
		return nil

	case []byte:
		buf.WriteByte(byte(TypeBigVarBin))
		buf.WriteUint16(8000)
		buf.WriteUint16(uint16(len(val)))
		buf.Write(val)
		return nil

	case decimal.Decimal:
		return writeDecimalParam(buf, val)

	case civil.Date:
		days := daysFromDate(val.In(time.UTC))
		buf.WriteByte(byte(TypeDateN))
		buf.WriteByte(3)
		buf.WriteByte(3)
		buf.WriteByte(byte(days))
		buf.WriteByte(byte(days >> 8))
		buf.WriteByte(byte(days >> 16))
		return nil

	default:
		return fmt.Errorf("unsupported parameter value type %T", v)
	}
}

// writeDecimalParam encodes a decimal.Decimal as a DECIMALN TYPE_INFO plus
// value, using the same sign-byte + little-endian-magnitude wire layout
// readDecimal decodes (precision/scale round-trip through the column's own
// metadata on the way back, so only the magnitude needs to match).
func writeDecimalParam(buf *growBuffer, d decimal.Decimal) error {
	scale := uint8(-d.Exponent())
	mag := new(big.Int).Abs(d.Coefficient())
	precision := uint8(len(mag.String()))
	if precision == 0 {
		precision = 1
	}
	magBytes := decimalMagnitudeBytes(precision)

	buf.WriteByte(byte(TypeDecimalN))
	buf.WriteByte(byte(magBytes))
	buf.WriteByte(precision)
	buf.WriteByte(scale)

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

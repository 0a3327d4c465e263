package tds

import "fmt"

// SQLType identifies a column's wire type, as carried in COLMETADATA.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F // 31
	TypeInt1      SQLType = 0x30 // 48  - tinyint
	TypeBit       SQLType = 0x32 // 50
	TypeInt2      SQLType = 0x34 // 52  - smallint
	TypeInt4      SQLType = 0x38 // 56  - int
	TypeDateTime4 SQLType = 0x3A // 58  - smalldatetime
	TypeFloat4    SQLType = 0x3B // 59  - real
	TypeMoney     SQLType = 0x3C // 60
	TypeDateTime  SQLType = 0x3D // 61
	TypeFloat8    SQLType = 0x3E // 62  - float
	TypeMoney4    SQLType = 0x7A // 122 - smallmoney
	TypeInt8      SQLType = 0x7F // 127 - bigint

	// Variable length types (1-byte length prefix, 0 = NULL)
	TypeGUID            SQLType = 0x24 // 36
	TypeIntN            SQLType = 0x26 // 38
	TypeDecimal         SQLType = 0x37 // 55  - legacy
	TypeNumeric         SQLType = 0x3F // 63  - legacy
	TypeBitN            SQLType = 0x68 // 104
	TypeDecimalN        SQLType = 0x6A // 106
	TypeNumericN        SQLType = 0x6C // 108
	TypeFloatN          SQLType = 0x6D // 109
	TypeMoneyN          SQLType = 0x6E // 110
	TypeDateTimeN       SQLType = 0x6F // 111
	TypeDateN           SQLType = 0x28 // 40
	TypeTimeN           SQLType = 0x29 // 41
	TypeDateTime2N      SQLType = 0x2A // 42
	TypeDateTimeOffsetN SQLType = 0x2B // 43

	// Legacy fixed-prefix string/binary types
	TypeChar      SQLType = 0x2F // 47
	TypeVarChar   SQLType = 0x27 // 39
	TypeBinary    SQLType = 0x2D // 45
	TypeVarBinary SQLType = 0x25 // 37

	// 2-byte length prefix types; 0xFFFF length triggers PLP
	TypeBigVarBin  SQLType = 0xA5 // 165
	TypeBigVarChar SQLType = 0xA7 // 167
	TypeBigBinary  SQLType = 0xAD // 173
	TypeBigChar    SQLType = 0xAF // 175
	TypeNVarChar   SQLType = 0xE7 // 231
	TypeNChar      SQLType = 0xEF // 239
	TypeXML        SQLType = 0xF1 // 241
	TypeUDT        SQLType = 0xF0 // 240

	// LOB types (unsupported for decode) and SQL_VARIANT
	TypeText      SQLType = 0x23 // 35
	TypeImage     SQLType = 0x22 // 34
	TypeNText     SQLType = 0x63 // 99
	TypeSSVariant SQLType = 0x62 // 98
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8, TypeFloatN:
		return "FLOAT"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeDateTimeN:
		return "DATETIME"
	case TypeMoney, TypeMoneyN:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimal, TypeDecimalN:
		return "DECIMAL"
	case TypeNumeric, TypeNumericN:
		return "NUMERIC"
	case TypeChar, TypeBigChar:
		return "CHAR"
	case TypeVarChar, TypeBigVarChar:
		return "VARCHAR"
	case TypeBinary, TypeBigBinary:
		return "BINARY"
	case TypeVarBinary, TypeBigVarBin:
		return "VARBINARY"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	case TypeUDT:
		return "UDT"
	case TypeSSVariant:
		return "SQL_VARIANT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// IsPLP reports whether a column whose declared max length is maxLength
// uses the partially length-prefixed wire format.
func (t SQLType) IsPLP(maxLength uint32) bool {
	switch t {
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar, TypeBigVarBin, TypeBigBinary, TypeXML:
		return maxLength == 0xFFFF
	}
	return false
}

// ColumnFlags for COLMETADATA.
const (
	ColFlagNullable        uint16 = 0x0001
	ColFlagCaseSen         uint16 = 0x0002
	ColFlagUpdateable      uint16 = 0x0008
	ColFlagIdentity        uint16 = 0x0010
	ColFlagComputed        uint16 = 0x0020
	ColFlagFixedLenCLR     uint16 = 0x0100
	ColFlagSparseColumn    uint16 = 0x0400
	ColFlagEncrypted       uint16 = 0x0800
	ColFlagHidden          uint16 = 0x2000
	ColFlagKey             uint16 = 0x4000
	ColFlagNullableUnknown uint16 = 0x8000
)

// Column describes one entry of a COLMETADATA token.
type Column struct {
	Name      string
	Type      SQLType
	UserType  uint32
	Flags     uint16
	MaxLength uint32 // declared max length; 0xFFFF with a PLP-eligible type means "(max)"
	Precision uint8  // DECIMAL/NUMERIC and scale-aware time types
	Scale     uint8
	Collation []byte // 5 bytes, character types only

	PLP bool // true when this column is read with the PLP chunked format
}

func (c Column) Nullable() bool { return c.Flags&ColFlagNullable != 0 }
func (c Column) Identity() bool { return c.Flags&ColFlagIdentity != 0 }
func (c Column) Computed() bool { return c.Flags&ColFlagComputed != 0 }

// decimalMagnitudeBytes returns the DECIMAL/NUMERIC value length for the
// given precision: one sign byte plus the little-endian magnitude.
func decimalMagnitudeBytes(precision uint8) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}

// DefaultCollation is Latin1_General_CI_AS, used where no column collation
// is at hand (e.g. NVARCHAR RPC parameters and BCP column metadata).
var DefaultCollation = []byte{0x09, 0x04, 0xD0, 0x00, 0x34}

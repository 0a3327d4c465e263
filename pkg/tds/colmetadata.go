package tds

import "fmt"

// parseColMetadata decodes a COLMETADATA token body into a column schema.
// The token id byte has already been consumed by the caller; this reads
// the column count and then each column's TYPE_INFO and name.
func parseColMetadata(r *reader) ([]Column, error) {
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if count == 0xFFFF {
		// NO_METADATA sentinel: the server is re-using a previously sent
		// schema (sp_execute against a prepared handle). Not produced by
		// ad-hoc SQL_BATCH execution, so treat as zero columns.
		return nil, nil
	}

	cols := make([]Column, 0, count)
	for i := uint16(0); i < count; i++ {
		userType, err := r.uint32()
		if err != nil {
			return nil, err
		}
		flags, err := r.uint16()
		if err != nil {
			return nil, err
		}
		col, err := parseOneColumnTypeInfo(r, "")
		if err != nil {
			return nil, err
		}
		col.UserType = userType
		col.Flags = flags
		name, err := r.bVarChar()
		if err != nil {
			return nil, err
		}
		col.Name = name
		cols = append(cols, col)
	}
	return cols, nil
}

// parseOneColumnTypeInfo reads the TYPE_INFO portion of a column definition:
// the type byte plus whatever length/precision/scale/collation fields that
// type carries. name is pre-filled when the caller already knows
// it (RETURNVALUE token); COLMETADATA reads it separately afterward.
func parseOneColumnTypeInfo(r *reader, name string) (Column, error) {
	typByte, err := r.byte()
	if err != nil {
		return Column{}, err
	}
	typ := SQLType(typByte)
	col := Column{Name: name, Type: typ}

	switch typ {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeDateTime4,
		TypeFloat4, TypeMoney, TypeDateTime, TypeFloat8, TypeMoney4, TypeInt8:
		// fixed-length, no additional TYPE_INFO fields

	case TypeGUID, TypeIntN, TypeDecimal, TypeNumeric, TypeBitN,
		TypeDecimalN, TypeNumericN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		maxLen, err := r.byte()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = uint32(maxLen)
		if typ == TypeDecimal || typ == TypeNumeric || typ == TypeDecimalN || typ == TypeNumericN {
			prec, err := r.byte()
			if err != nil {
				return Column{}, err
			}
			scale, err := r.byte()
			if err != nil {
				return Column{}, err
			}
			col.Precision, col.Scale = prec, scale
		}

	case TypeDateN:
		// no TYPE_INFO beyond the type byte

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := r.byte()
		if err != nil {
			return Column{}, err
		}
		col.Scale = scale

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		maxLen, err := r.byte()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = uint32(maxLen)
		if typ == TypeChar || typ == TypeVarChar {
			coll, err := r.bytes(5)
			if err != nil {
				return Column{}, err
			}
			col.Collation = append([]byte{}, coll...)
		}

	case TypeBigVarBin, TypeBigBinary, TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		maxLen, err := r.uint16()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = uint32(maxLen)
		if typ == TypeBigVarChar || typ == TypeBigChar || typ == TypeNVarChar || typ == TypeNChar {
			coll, err := r.bytes(5)
			if err != nil {
				return Column{}, err
			}
			col.Collation = append([]byte{}, coll...)
		}
		col.PLP = typ.IsPLP(col.MaxLength)

	case TypeXML:
		// XMLTYPE_INFO: a schema-present flag, and optionally dbname /
		// owning schema / xml schema collection names. We don't bind XML
		// schema collections; read and discard them so the cursor stays
		// aligned.
		hasSchema, err := r.byte()
		if err != nil {
			return Column{}, err
		}
		if hasSchema != 0 {
			if _, err := r.bVarChar(); err != nil {
				return Column{}, err
			}
			if _, err := r.bVarChar(); err != nil {
				return Column{}, err
			}
			if _, err := r.usVarChar(); err != nil {
				return Column{}, err
			}
		}
		col.MaxLength = 0xFFFF
		col.PLP = true

	case TypeUDT:
		maxLen, err := r.uint16()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = uint32(maxLen)
		if _, err := r.bVarChar(); err != nil { // db name
			return Column{}, err
		}
		if _, err := r.bVarChar(); err != nil { // schema name
			return Column{}, err
		}
		if _, err := r.bVarChar(); err != nil { // type name
			return Column{}, err
		}
		if _, err := r.usVarChar(); err != nil { // assembly qualified name
			return Column{}, err
		}
		col.PLP = true

	case TypeText, TypeNText, TypeImage:
		maxLen, err := r.uint32()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = maxLen
		if typ == TypeText || typ == TypeNText {
			coll, err := r.bytes(5)
			if err != nil {
				return Column{}, err
			}
			col.Collation = append([]byte{}, coll...)
		}
		numParts, err := r.byte()
		if err != nil {
			return Column{}, err
		}
		for i := byte(0); i < numParts; i++ {
			if _, err := r.usVarChar(); err != nil {
				return Column{}, err
			}
		}

	case TypeSSVariant:
		maxLen, err := r.uint32()
		if err != nil {
			return Column{}, err
		}
		col.MaxLength = maxLen

	default:
		return Column{}, fmt.Errorf("tds: unsupported column type 0x%02X", typByte)
	}

	return col, nil
}

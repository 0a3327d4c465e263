package tds

import (
	"fmt"
	"sync/atomic"
)

// Token type byte values, as observed on the wire inside a
// REPLY/SQL_BATCH response payload.
const (
	tokenReturnStatus  byte = 0x79 // 121
	tokenColMetadata   byte = 0x81 // 129
	tokenOrder         byte = 0xA9 // 169
	tokenError         byte = 0xAA // 170
	tokenInfo          byte = 0xAB // 171
	tokenReturnValue   byte = 0xAC // 172
	tokenLoginAck      byte = 0xAD // 173
	tokenFeatureExtAck byte = 0xAE // 174
	tokenRow           byte = 0xD1 // 209
	tokenNbcRow        byte = 0xD2 // 210
	tokenEnvChange     byte = 0xE3 // 227
	tokenSSPI          byte = 0xED // 237
	tokenFedAuthInfo   byte = 0xEE // 238
	tokenDone          byte = 0xFD // 253
	tokenDoneProc      byte = 0xFE // 254
	tokenDoneInProc    byte = 0xFF // 255
)

// TokenColMetadata and TokenRow/TokenNBCRow are exported aliases used by the
// BCP writer, which emits these same byte values outbound.
const (
	TokenColMetadata = tokenColMetadata
	TokenRow         = tokenRow
	TokenNBCRow      = tokenNbcRow
	TokenDone        = tokenDone
	TokenDoneInProc  = tokenDoneInProc
)

// DONE status bits.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE type bytes.
// The transaction ones are exported: the connection layer (pkg/conn) needs
// them to capture the transaction descriptor off EnvChangeToken.NewValue.
const (
	EnvTypDatabase     byte = 1
	envTypLanguage     byte = 2
	envTypCharset      byte = 3
	envTypPacketSize   byte = 4
	envTypSortID       byte = 5
	envTypSortFlags    byte = 6
	envTypSQLCollation byte = 7
	EnvTypBeginTran    byte = 8
	EnvTypCommitTran   byte = 9
	EnvTypRollbackTran byte = 10
	envTypRouting      byte = 20
)

// FEDAUTHINFO sub-option ids.
const (
	fedAuthInfoSTSURL byte = 0x01
	fedAuthInfoSPN    byte = 0x02
)

// TokenKind discriminates the variant carried by a Token.
type TokenKind int

const (
	KindNeedMoreData TokenKind = iota
	KindDone
	KindError
	KindInfo
	KindEnvChange
	KindLoginAck
	KindColMetadata
	KindRow
	KindNbcRow
	KindReturnStatus
	KindOrder
	KindFedAuthInfo
)

// DoneToken is the decoded form of DONE/DONEPROC/DONEINPROC.
type DoneToken struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (d DoneToken) More() bool    { return d.Status&DoneMore != 0 }
func (d DoneToken) HasError() bool { return d.Status&DoneError != 0 }
func (d DoneToken) HasCount() bool { return d.Status&DoneCount != 0 }
func (d DoneToken) Attn() bool     { return d.Status&DoneAttn != 0 }

// ErrorToken is the decoded form of an ERROR token.
type ErrorToken struct {
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNo     int32
}

// InfoToken is the decoded form of an INFO token; same wire shape as ERROR.
type InfoToken ErrorToken

// EnvChangeToken carries one ENVCHANGE notification.
type EnvChangeToken struct {
	Type     byte
	NewValue string
	OldValue string
	// Raw carries the undecoded value for types whose payload isn't a pair
	// of B_VARCHAR strings (packet size is numeric, transaction ids are
	// raw bytes).
	Raw []byte
}

// LoginAckToken is the decoded form of LOGINACK.
type LoginAckToken struct {
	Interface  byte
	TDSVersion uint32
	ProgName   string
	ProgVerMaj byte
	ProgVerMin byte
	ProgVerBld uint16
}

// FedAuthInfoToken carries the STS URL / SPN pair used to drive an Azure AD
// token acquisition.
type FedAuthInfoToken struct {
	STSURL string
	SPN    string
}

// OrderToken lists the column indexes the server reports the result set is
// physically ordered by.
type OrderToken struct {
	ColumnIDs []uint16
}

// Token is the sum type TryParseNext returns. Exactly one accessor field is
// meaningful, selected by Kind.
type Token struct {
	Kind        TokenKind
	Done        DoneToken
	Error       ErrorToken
	Info        InfoToken
	EnvChange   EnvChangeToken
	LoginAck    LoginAckToken
	ColMetadata []Column
	Row         []interface{}
	ReturnStat  int32
	Order       OrderToken
	FedAuthInfo FedAuthInfoToken
}

// Parser is the incremental, stateful token-stream parser.
// Feed appends bytes; TryParseNext consumes as many complete tokens worth of
// bytes as are available and returns one token, or KindNeedMoreData without
// having consumed anything.
type Parser struct {
	buf    []byte
	schema []Column // most recent COLMETADATA; nil before the first one
	sawCol bool     // true once any COLMETADATA has been observed this batch

	// skipRows is read/written with atomics: SetSkipRows may be called
	// from a goroutine other than the one driving TryParseNext (the
	// caller deciding to abandon a result set while a producer goroutine
	// is still mid-drain), so this must not need the caller to hold
	// whatever lock guards the rest of the parser's state.
	skipRows int32
}

func NewParser() *Parser { return &Parser{} }

// SetSkipRows toggles whether ROW/NBCROW tokens are cheaply discarded
// (SkipRow/SkipNBCRow) instead of fully decoded into a value slice.
// Safe to call concurrently with TryParseNext.
func (p *Parser) SetSkipRows(skip bool) {
	v := int32(0)
	if skip {
		v = 1
	}
	atomic.StoreInt32(&p.skipRows, v)
}

func (p *Parser) shouldSkipRows() bool {
	return atomic.LoadInt32(&p.skipRows) != 0
}

// Feed appends newly read bytes (already de-framed by the packet layer) to
// the parser's internal buffer.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Schema returns the most recently parsed COLMETADATA, or nil if none has
// been seen yet in the current logical message.
func (p *Parser) Schema() []Column { return p.schema }

// Reset clears buffered bytes and schema state so the parser can start on
// a fresh message.
func (p *Parser) Reset() {
	p.buf = nil
	p.schema = nil
	p.sawCol = false
	atomic.StoreInt32(&p.skipRows, 0)
}

// TryParseNext attempts to decode one token from the buffered bytes. On
// ErrNeedMoreData it leaves the buffer untouched; the caller should Feed
// more bytes (the next packet's payload) and call again.
func (p *Parser) TryParseNext() (Token, error) {
	if len(p.buf) == 0 {
		return Token{Kind: KindNeedMoreData}, nil
	}

	r := newReader(p.buf)
	tok, err := p.parseOne(r)
	if err != nil {
		if err == ErrNeedMoreData {
			return Token{Kind: KindNeedMoreData}, nil
		}
		return Token{}, err
	}

	p.buf = p.buf[r.pos:]
	return tok, nil
}

func (p *Parser) parseOne(r *reader) (Token, error) {
	b, err := r.byte()
	if err != nil {
		return Token{}, err
	}

	switch b {
	case tokenDone, tokenDoneProc, tokenDoneInProc:
		d, err := parseDone(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindDone, Done: d}, nil

	case tokenError:
		e, err := parseErrorOrInfo(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindError, Error: e}, nil

	case tokenInfo:
		e, err := parseErrorOrInfo(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindInfo, Info: InfoToken(e)}, nil

	case tokenEnvChange:
		ec, err := parseEnvChange(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindEnvChange, EnvChange: ec}, nil

	case tokenLoginAck:
		la, err := parseLoginAck(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindLoginAck, LoginAck: la}, nil

	case tokenColMetadata:
		cols, err := parseColMetadata(r)
		if err != nil {
			return Token{}, err
		}
		p.schema = cols
		p.sawCol = true
		return Token{Kind: KindColMetadata, ColMetadata: cols}, nil

	case tokenRow:
		if p.schema == nil {
			return Token{}, fmt.Errorf("tds: ROW token before COLMETADATA")
		}
		if p.shouldSkipRows() {
			if err := SkipRow(r, p.schema); err != nil {
				return Token{}, err
			}
			return Token{Kind: KindRow}, nil
		}
		row, err := ReadRow(r, p.schema)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindRow, Row: row}, nil

	case tokenNbcRow:
		if p.schema == nil {
			return Token{}, fmt.Errorf("tds: NBCROW token before COLMETADATA")
		}
		if p.shouldSkipRows() {
			if err := SkipNBCRow(r, p.schema); err != nil {
				return Token{}, err
			}
			return Token{Kind: KindNbcRow}, nil
		}
		row, err := readNBCRow(r, p.schema)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindNbcRow, Row: row}, nil

	case tokenReturnStatus:
		v, err := r.int32()
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindReturnStatus, ReturnStat: v}, nil

	case tokenOrder:
		ord, err := parseOrder(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindOrder, Order: ord}, nil

	case tokenFedAuthInfo:
		fa, err := parseFedAuthInfo(r)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: KindFedAuthInfo, FedAuthInfo: fa}, nil

	case tokenFeatureExtAck:
		if err := skipFeatureExtAck(r); err != nil {
			return Token{}, err
		}
		return p.parseOne(r)

	case tokenReturnValue:
		if err := skipReturnValue(r); err != nil {
			return Token{}, err
		}
		return p.parseOne(r)

	case tokenSSPI:
		if _, err := r.usVarByte(); err != nil {
			return Token{}, err
		}
		return p.parseOne(r)

	default:
		return Token{}, fmt.Errorf("tds: unknown token 0x%02X", b)
	}
}

func parseDone(r *reader) (DoneToken, error) {
	status, err := r.uint16()
	if err != nil {
		return DoneToken{}, err
	}
	curCmd, err := r.uint16()
	if err != nil {
		return DoneToken{}, err
	}
	rowCount, err := r.uint64()
	if err != nil {
		return DoneToken{}, err
	}
	return DoneToken{Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

func parseErrorOrInfo(r *reader) (ErrorToken, error) {
	// 2-byte total length prefixes the rest of the token; ignored here
	// since the reader already bounds-checks every field individually.
	if _, err := r.uint16(); err != nil {
		return ErrorToken{}, err
	}
	number, err := r.int32()
	if err != nil {
		return ErrorToken{}, err
	}
	state, err := r.byte()
	if err != nil {
		return ErrorToken{}, err
	}
	class, err := r.byte()
	if err != nil {
		return ErrorToken{}, err
	}
	msg, err := r.usVarChar()
	if err != nil {
		return ErrorToken{}, err
	}
	server, err := r.bVarChar()
	if err != nil {
		return ErrorToken{}, err
	}
	proc, err := r.bVarChar()
	if err != nil {
		return ErrorToken{}, err
	}
	line, err := r.int32()
	if err != nil {
		return ErrorToken{}, err
	}
	return ErrorToken{
		Number: number, State: state, Class: class,
		Message: msg, ServerName: server, ProcName: proc, LineNo: line,
	}, nil
}

func (e ErrorToken) Error() string {
	return fmt.Sprintf("MSSQL (%d,%d,%d): %s", e.Number, e.State, e.Class, e.Message)
}

func parseEnvChange(r *reader) (EnvChangeToken, error) {
	totalLen, err := r.uint16()
	if err != nil {
		return EnvChangeToken{}, err
	}
	body, err := r.bytes(int(totalLen))
	if err != nil {
		return EnvChangeToken{}, err
	}
	br := newReader(body)
	typ, err := br.byte()
	if err != nil {
		return EnvChangeToken{}, err
	}

	ec := EnvChangeToken{Type: typ}
	switch typ {
	case EnvTypDatabase, envTypLanguage, envTypCharset, envTypSortID, envTypSortFlags:
		ec.NewValue, err = br.bVarChar()
		if err != nil {
			return EnvChangeToken{}, err
		}
		ec.OldValue, err = br.bVarChar()
		if err != nil {
			return EnvChangeToken{}, err
		}
	case envTypPacketSize:
		newStr, err := br.bVarChar()
		if err != nil {
			return EnvChangeToken{}, err
		}
		oldStr, err := br.bVarChar()
		if err != nil {
			return EnvChangeToken{}, err
		}
		ec.NewValue, ec.OldValue = newStr, oldStr
	case envTypSQLCollation:
		nv, err := br.bVarByte()
		if err != nil {
			return EnvChangeToken{}, err
		}
		ov, err := br.bVarByte()
		if err != nil {
			return EnvChangeToken{}, err
		}
		ec.Raw = append(append([]byte{}, nv...), ov...)
	case EnvTypBeginTran, EnvTypCommitTran, EnvTypRollbackTran:
		nv, err := br.bVarByte()
		if err != nil {
			return EnvChangeToken{}, err
		}
		ec.Raw = nv
		if _, err := br.bVarByte(); err != nil {
			return EnvChangeToken{}, err
		}
	case envTypRouting:
		// ROUTING carries a structured redirect payload we don't act on
		// in MVP (no transparent redirect-follow); keep the raw bytes.
		ec.Raw = body[1:]
	default:
		ec.Raw = body[1:]
	}
	return ec, nil
}

func parseLoginAck(r *reader) (LoginAckToken, error) {
	if _, err := r.uint16(); err != nil { // total length
		return LoginAckToken{}, err
	}
	iface, err := r.byte()
	if err != nil {
		return LoginAckToken{}, err
	}
	ver, err := r.uint32BE()
	if err != nil {
		return LoginAckToken{}, err
	}
	prog, err := r.bVarChar()
	if err != nil {
		return LoginAckToken{}, err
	}
	maj, err := r.byte()
	if err != nil {
		return LoginAckToken{}, err
	}
	min, err := r.byte()
	if err != nil {
		return LoginAckToken{}, err
	}
	bld, err := r.uint16BE()
	if err != nil {
		return LoginAckToken{}, err
	}
	return LoginAckToken{
		Interface: iface, TDSVersion: ver, ProgName: prog,
		ProgVerMaj: maj, ProgVerMin: min, ProgVerBld: bld,
	}, nil
}

func (r *reader) uint32BE() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func parseFedAuthInfo(r *reader) (FedAuthInfoToken, error) {
	totalLen, err := r.uint16()
	if err != nil {
		return FedAuthInfoToken{}, err
	}
	body, err := r.bytes(int(totalLen))
	if err != nil {
		return FedAuthInfoToken{}, err
	}
	br := newReader(body)
	count, err := br.uint32()
	if err != nil {
		return FedAuthInfoToken{}, err
	}
	type optHdr struct {
		id         byte
		size       uint32
		dataOffset uint32
	}
	opts := make([]optHdr, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := br.byte()
		if err != nil {
			return FedAuthInfoToken{}, err
		}
		size, err := br.uint32()
		if err != nil {
			return FedAuthInfoToken{}, err
		}
		offset, err := br.uint32()
		if err != nil {
			return FedAuthInfoToken{}, err
		}
		opts = append(opts, optHdr{id, size, offset})
	}
	var out FedAuthInfoToken
	for _, o := range opts {
		start, end := int(o.dataOffset), int(o.dataOffset+o.size)
		if end > len(body) || start > end {
			return FedAuthInfoToken{}, fmt.Errorf("tds: fedauthinfo option out of bounds")
		}
		val := decodeUTF16LE(body[start:end])
		switch o.id {
		case fedAuthInfoSTSURL:
			out.STSURL = val
		case fedAuthInfoSPN:
			out.SPN = val
		}
	}
	return out, nil
}

func parseOrder(r *reader) (OrderToken, error) {
	totalLen, err := r.uint16()
	if err != nil {
		return OrderToken{}, err
	}
	n := int(totalLen) / 2
	ids := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.uint16()
		if err != nil {
			return OrderToken{}, err
		}
		ids = append(ids, id)
	}
	return OrderToken{ColumnIDs: ids}, nil
}

// skipFeatureExtAck discards a FEATUREEXTACK token: a sequence of
// {feature_id byte; length uint32; data} entries terminated by 0xFF.
func skipFeatureExtAck(r *reader) error {
	for {
		id, err := r.byte()
		if err != nil {
			return err
		}
		if id == 0xFF {
			return nil
		}
		length, err := r.uint32()
		if err != nil {
			return err
		}
		if _, err := r.bytes(int(length)); err != nil {
			return err
		}
	}
}

// skipReturnValue discards a RETURNVALUE token (output parameter value);
// this module does not bind RPC output parameters in MVP.
func skipReturnValue(r *reader) error {
	if _, err := r.uint16(); err != nil { // param ordinal
		return err
	}
	if _, err := r.bVarChar(); err != nil { // param name
		return err
	}
	if _, err := r.byte(); err != nil { // status
		return err
	}
	if _, err := r.uint32(); err != nil { // user type
		return err
	}
	if _, err := r.uint16(); err != nil { // flags
		return err
	}
	col, err := parseOneColumnTypeInfo(r, "")
	if err != nil {
		return err
	}
	_, err = readColumnValue(r, col)
	return err
}

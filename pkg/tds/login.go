package tds

// Login7 option flags.
const (
	// OptionFlags1
	FlagByteOrder uint8 = 0x01 // Byte order (0=little endian)
	FlagChar      uint8 = 0x02 // Character set (0=ASCII)
	FlagFloat     uint8 = 0x0C // Float representation
	FlagDumpLoad  uint8 = 0x10 // Dump/load off
	FlagUseDB     uint8 = 0x20 // USE DATABASE in login
	FlagDatabase  uint8 = 0x40 // Initial database fatal
	FlagSetLang   uint8 = 0x80 // SET LANGUAGE in login

	// OptionFlags2
	FlagLanguage      uint8 = 0x01 // Language fatal
	FlagODBC          uint8 = 0x02 // ODBC driver
	FlagTransBoundary uint8 = 0x04 // Transaction boundary
	FlagCacheConnect  uint8 = 0x08 // Cache connect
	FlagUserType      uint8 = 0x70 // User type
	FlagIntSecurity   uint8 = 0x80 // Integrated security (SSPI)

	// OptionFlags3
	FlagChangePassword   uint8 = 0x01 // Change password
	FlagBinaryXML        uint8 = 0x02 // Send Yukon binary XML
	FlagUserInstance     uint8 = 0x04 // User instance
	FlagUnknownCollation uint8 = 0x08 // Unknown collation handling
	FlagExtension        uint8 = 0x10 // Feature extension

	// TypeFlags
	FlagSQLType        uint8 = 0x0F // SQL type (4 bits)
	FlagOLEDB          uint8 = 0x10 // OLE DB
	FlagReadOnlyIntent uint8 = 0x20 // Read-only intent
)

// Login7HeaderSize is the fixed size of the LOGIN7 header.
const Login7HeaderSize = 94

// LoginConfig carries everything BuildLogin7 needs to construct an outbound
// LOGIN7 request.
type LoginConfig struct {
	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string // client interface name
	Language   string
	Database   string
	PacketSize uint32
	ClientPID  uint32
	ClientLCID uint32

	ReadOnlyIntent bool
	FedAuth        bool // FEDAUTH handshake in progress; omits Password
}

// BuildLogin7 encodes an outbound LOGIN7 packet body: the fixed
// 94-byte header followed by the variable-length string fields it names by
// offset/length, with the password obfuscated per the wire convention
// (nibble-swap, then XOR 0xA5 — not a security measure, just legacy tradition).
func BuildLogin7(cfg LoginConfig, tdsVersion uint32) []byte {
	type field struct {
		bytes []byte
	}
	strOrBytes := func(s string) field { return field{encodeUTF16LE(s)} }

	hostName := strOrBytes(cfg.HostName)
	userName := strOrBytes(cfg.UserName)
	var password field
	if !cfg.FedAuth {
		password = field{manglePassword(encodeUTF16LE(cfg.Password))}
	}
	appName := strOrBytes(cfg.AppName)
	serverName := strOrBytes(cfg.ServerName)
	ctlIntName := strOrBytes(cfg.CtlIntName)
	language := strOrBytes(cfg.Language)
	database := strOrBytes(cfg.Database)

	offset := uint16(Login7HeaderSize)
	next := func(f field) (off, length uint16) {
		off = offset
		length = uint16(len(f.bytes) / 2)
		offset += uint16(len(f.bytes))
		return
	}

	hostOff, hostLen := next(hostName)
	userOff, userLen := next(userName)
	passOff, passLen := next(password)
	appOff, appLen := next(appName)
	srvOff, srvLen := next(serverName)
	extOff := offset // extension block: empty in this module (no feature extensions sent)
	extLen := uint16(0)
	ctlOff, ctlLen := next(ctlIntName)
	langOff, langLen := next(language)
	dbOff, dbLen := next(database)

	var optFlags1 uint8 = FlagUseDB | FlagSetLang
	var optFlags2 uint8 = FlagODBC
	var optFlags3 uint8
	var typeFlags uint8
	if cfg.ReadOnlyIntent {
		typeFlags |= FlagReadOnlyIntent
	}

	var buf growBuffer
	buf.WriteUint32(0) // Length, patched below
	buf.WriteUint32(tdsVersion)
	buf.WriteUint32(cfg.PacketSize)
	buf.WriteUint32(0x01000000) // ClientProgVer
	buf.WriteUint32(cfg.ClientPID)
	buf.WriteUint32(0) // ConnectionID
	buf.WriteByte(optFlags1)
	buf.WriteByte(optFlags2)
	buf.WriteByte(typeFlags)
	buf.WriteByte(optFlags3)
	buf.WriteInt32(0) // ClientTimeZone
	buf.WriteUint32(cfg.ClientLCID)

	buf.WriteUint16(hostOff)
	buf.WriteUint16(hostLen)
	buf.WriteUint16(userOff)
	buf.WriteUint16(userLen)
	buf.WriteUint16(passOff)
	buf.WriteUint16(passLen)
	buf.WriteUint16(appOff)
	buf.WriteUint16(appLen)
	buf.WriteUint16(srvOff)
	buf.WriteUint16(srvLen)
	buf.WriteUint16(extOff)
	buf.WriteUint16(extLen)
	buf.WriteUint16(ctlOff)
	buf.WriteUint16(ctlLen)
	buf.WriteUint16(langOff)
	buf.WriteUint16(langLen)
	buf.WriteUint16(dbOff)
	buf.WriteUint16(dbLen)
	buf.Write(make([]byte, 6)) // ClientID
	buf.WriteUint16(0)         // SSPIOffset
	buf.WriteUint16(0)         // SSPILength
	buf.WriteUint16(0)         // AtchDBFileOffset
	buf.WriteUint16(0)         // AtchDBFileLength
	buf.WriteUint16(0)         // ChangePasswordOffset
	buf.WriteUint16(0)         // ChangePasswordLength
	buf.WriteUint32(0)         // SSPILongLength

	buf.Write(hostName.bytes)
	buf.Write(userName.bytes)
	buf.Write(password.bytes)
	buf.Write(appName.bytes)
	buf.Write(serverName.bytes)
	buf.Write(ctlIntName.bytes)
	buf.Write(language.bytes)
	buf.Write(database.bytes)

	out := buf.Bytes()
	totalLen := uint32(len(out))
	out[0] = byte(totalLen)
	out[1] = byte(totalLen >> 8)
	out[2] = byte(totalLen >> 16)
	out[3] = byte(totalLen >> 24)
	return out
}

// manglePassword applies the LOGIN7 password obfuscation in the outbound
// direction: nibble-swap, then XOR with 0xA5. The server reverses it by
// XOR with 0xA5, then nibble-swap; this module has no demangle step.
func manglePassword(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		swapped := (v >> 4) | (v << 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}

// IsIntegratedAuth is always false for this module: Windows-integrated
// (SSPI) authentication is out of scope; only SQL auth and FEDAUTH are
// supported.
func IsIntegratedAuth() bool { return false }

package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80     uint32 = 0x08000000 // TDS 8.0 (strict encryption)
)

// VersionString returns a human-readable version string.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	case VerTDS80:
		return "8.0"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens. The same token set is used for both the client's
// PRELOGIN request and the server's PRELOGIN response — only which options
// are present, and their values, differ by direction.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00 // Encryption available but off
	EncryptOn     uint8 = 0x01 // Encryption available and on
	EncryptNotSup uint8 = 0x02 // Encryption not supported
	EncryptReq    uint8 = 0x03 // Encryption required
	EncryptStrict uint8 = 0x04 // Strict encryption (TDS 8.0)
)

// PreloginOption represents a single prelogin option header as it appears
// on the wire.
type PreloginOption struct {
	Token  uint8
	Offset uint16
	Length uint16
}

// Prelogin is the decoded form of a PRELOGIN message in either direction:
// outbound request fields are populated by BuildPreloginRequest before
// encoding; inbound response fields are populated by ParsePrelogin after the
// server answers.
type Prelogin struct {
	Version    []byte // 6 bytes: 4 version + 2 subbuild
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
	TraceID    []byte // 36 bytes if present
	FedAuth    uint8
	FedAuthSet bool // whether a FEDAUTH option should be emitted at all
	Nonce      []byte // 32 bytes if present
}

// ClientVersion is the version this module reports itself as in the
// PRELOGIN VERSION option — not a SQL Server version, a driver version.
var ClientVersion = []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00}

// BuildPreloginRequest constructs the outbound PRELOGIN request this module
// sends as the first packet of every connection attempt. instance
// may be empty for the default instance; requestFedAuth is set when the
// caller intends to authenticate via Azure AD, which requires a
// 1-byte FEDAUTH option advertising support.
func BuildPreloginRequest(instance string, encryption uint8, requestFedAuth bool) *Prelogin {
	return &Prelogin{
		Version:    ClientVersion,
		Encryption: encryption,
		Instance:   instance,
		ThreadID:   0,
		MARS:       0,
		FedAuth:    boolToByte(requestFedAuth),
		FedAuthSet: requestFedAuth,
	}
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Encode serializes p into the PRELOGIN TLV wire format: a
// sequence of 5-byte {token, offset BE, length BE} headers terminated by
// PreloginTerminator, followed by the concatenated option values at the
// offsets named in the headers.
func (p *Prelogin) Encode() []byte {
	type opt struct {
		token uint8
		value []byte
	}
	var opts []opt

	version := p.Version
	if version == nil {
		version = make([]byte, 6)
	}
	opts = append(opts, opt{PreloginVersion, version})
	opts = append(opts, opt{PreloginEncryption, []byte{p.Encryption}})

	instance := []byte(p.Instance)
	instance = append(instance, 0) // null terminator
	opts = append(opts, opt{PreloginInstOpt, instance})

	threadID := make([]byte, 4)
	binary.BigEndian.PutUint32(threadID, p.ThreadID)
	opts = append(opts, opt{PreloginThreadID, threadID})

	opts = append(opts, opt{PreloginMARS, []byte{p.MARS}})

	if p.FedAuthSet {
		opts = append(opts, opt{PreloginFedAuth, []byte{p.FedAuth}})
	}
	if len(p.Nonce) == 32 {
		opts = append(opts, opt{PreloginNonceOpt, p.Nonce})
	}

	headerSize := len(opts)*5 + 1
	offset := uint16(headerSize)

	var out growBuffer
	for _, o := range opts {
		out.WriteByte(o.token)
		out.WriteUint16BE(offset)
		out.WriteUint16BE(uint16(len(o.value)))
		offset += uint16(len(o.value))
	}
	out.WriteByte(PreloginTerminator)
	for _, o := range opts {
		out.Write(o.value)
	}
	return out.Bytes()
}

// ParsePrelogin decodes a PRELOGIN message; in client operation it parses
// the server's PRELOGIN response.
func ParsePrelogin(data []byte) (*Prelogin, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty prelogin data")
	}

	p := &Prelogin{}

	options := make(map[uint8]PreloginOption)
	offset := 0
	for {
		if offset >= len(data) {
			return nil, fmt.Errorf("prelogin data truncated reading options")
		}

		token := data[offset]
		if token == PreloginTerminator {
			break
		}

		if offset+5 > len(data) {
			return nil, fmt.Errorf("prelogin option header truncated")
		}

		opt := PreloginOption{
			Token:  token,
			Offset: binary.BigEndian.Uint16(data[offset+1: offset+3]),
			Length: binary.BigEndian.Uint16(data[offset+3: offset+5]),
		}
		options[token] = opt
		offset += 5
	}

	for token, opt := range options {
		start := int(opt.Offset)
		end := start + int(opt.Length)
		if end > len(data) || start > end {
			return nil, fmt.Errorf("prelogin option %d data out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				p.Version = make([]byte, 6)
				copy(p.Version, value[:6])
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				p.Encryption = value[0]
			}
		case PreloginInstOpt:
			for i, b := range value {
				if b == 0 {
					p.Instance = string(value[:i])
					break
				}
			}
			if p.Instance == "" && len(value) > 0 {
				p.Instance = string(value)
			}
		case PreloginThreadID:
			if len(value) >= 4 {
				p.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				p.MARS = value[0]
			}
		case PreloginTraceID:
			if len(value) >= 36 {
				p.TraceID = make([]byte, 36)
				copy(p.TraceID, value[:36])
			}
		case PreloginFedAuth:
			p.FedAuthSet = true
			if len(value) >= 1 {
				p.FedAuth = value[0]
			}
		case PreloginNonceOpt:
			if len(value) >= 32 {
				p.Nonce = make([]byte, 32)
				copy(p.Nonce, value[:32])
			}
		}
	}

	return p, nil
}

// ServerVersion is the SQL Server build number carried in a PRELOGIN
// response's VERSION option.
type ServerVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// ParseServerVersion decodes the 6-byte VERSION option value.
func ParseServerVersion(b []byte) (ServerVersion, error) {
	if len(b) < 6 {
		return ServerVersion{}, fmt.Errorf("tds: short prelogin version (%d bytes)", len(b))
	}
	return ServerVersion{
		Major:    b[0],
		Minor:    b[1],
		Build:    binary.BigEndian.Uint16(b[2:4]),
		SubBuild: binary.BigEndian.Uint16(b[4:6]),
	}, nil
}

func (v ServerVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

package msg

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// MAPI property identifiers used by the parser.
const (
	propSubject          = 0x0037
	propClientSubmitTime = 0x0039
	propTransportHeaders = 0x007D
	propSenderName       = 0x0C1A
	propSenderEmail      = 0x0C1F
	propRecipientType    = 0x0C15
	propDisplayBcc       = 0x0E02
	propDisplayCc        = 0x0E03
	propDisplayTo        = 0x0E04
	propDeliveryTime     = 0x0E06
	propBody             = 0x1000
	propBodyHTML         = 0x1013
	propDisplayName      = 0x3001
	propEmailAddress     = 0x3003
	propAttachData       = 0x3701
	propAttachFilename   = 0x3704
	propAttachLongName   = 0x3707
	propAttachMIMETag    = 0x370E
	propAttachContentID  = 0x3712
	propSMTPAddress      = 0x39FE
	propSenderSMTP       = 0x5D01
)

// MAPI property types.
const (
	typeInt32   = 0x0003
	typeObject  = 0x000D
	typeString8 = 0x001E
	typeUnicode = 0x001F
	typeSysTime = 0x0040
	typeBinary  = 0x0102
)

const (
	streamPrefix     = "__substg1.0_"
	attachPrefix     = "__attach_version1.0_#"
	recipPrefix      = "__recip_version1.0_#"
	propertiesStream = "__properties_version1.0"
)

// Header length of the fixed-size property stream, by storage kind.
const (
	headerTopLevel = 32
	headerEmbedded = 24
	headerChild    = 8
	entrySize      = 16
)

type property struct {
	typ  uint16
	data []byte
}

// parseStreamName splits "__substg1.0_PPPPTTTT" into id and type.
func parseStreamName(name string) (id, typ uint16, ok bool) {
	if !strings.HasPrefix(name, streamPrefix) {
		return 0, 0, false
	}
	tag := strings.TrimPrefix(name, streamPrefix)
	if len(tag) < 8 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(tag[:8], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v >> 16), uint16(v), true
}

type propertySet struct {
	variable map[uint16]property
	fixed    map[uint16]uint64
}

func (p propertySet) String(id uint16) string {
	prop, ok := p.variable[id]
	if !ok {
		return ""
	}
	switch prop.typ {
	case typeUnicode:
		return decodeUTF16(prop.data)
	case typeString8:
		return decodeString8(prop.data)
	case typeBinary:
		return decodeString8(prop.data)
	default:
		return ""
	}
}

func (p propertySet) Bytes(id uint16) []byte {
	prop, ok := p.variable[id]
	if !ok {
		return nil
	}
	if prop.typ == typeUnicode {
		return []byte(decodeUTF16(prop.data))
	}
	return prop.data
}

func (p propertySet) Int(id uint16) (int32, bool) {
	v, ok := p.fixed[id]
	return int32(uint32(v)), ok
}

func (p propertySet) Time(id uint16) (time.Time, bool) {
	v, ok := p.fixed[id]
	if !ok || v == 0 {
		return time.Time{}, false
	}
	return filetimeToTime(v), true
}

// parseFixed reads the 16-byte entries of a __properties_version1.0 stream.
// Only scalar values are kept; variable-length ones live in their own streams.
func parseFixed(data []byte, headerLen int) map[uint16]uint64 {
	out := make(map[uint16]uint64)
	if len(data) < headerLen {
		return out
	}
	for off := headerLen; off+entrySize <= len(data); off += entrySize {
		tag := binary.LittleEndian.Uint32(data[off:])
		typ := uint16(tag)
		if typ != typeInt32 && typ != typeSysTime {
			continue
		}
		out[uint16(tag>>16)] = binary.LittleEndian.Uint64(data[off+8:])
	}
	return out
}

func decodeUTF16(b []byte) string {
	if len(b)%2 == 1 {
		b = b[:len(b)-1]
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(u))
}

func decodeString8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// filetimeToTime converts 100ns intervals since 1601-01-01 to UTC time.
func filetimeToTime(ft uint64) time.Time {
	const epochDelta = 116444736000000000
	if ft < epochDelta {
		return time.Time{}
	}
	ns := (ft - epochDelta) * 100
	return time.Unix(0, int64(ns)).UTC()
}

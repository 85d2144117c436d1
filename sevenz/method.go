package sevenz

// MethodID identifies a coder. 7z method identifiers are between one and
// four bytes long; they are packed big-endian into the integer value.
type MethodID uint32

// Method identifiers of the supported coder subset, plus a few recognised
// but unsupported ones.
const (
	MethodCopy         MethodID = 0x00
	MethodDelta        MethodID = 0x03
	MethodLZMA2        MethodID = 0x21
	MethodLZMA         MethodID = 0x030101
	MethodBzip2        MethodID = 0x040202
	MethodDeflate      MethodID = 0x040108
	MethodDeflate64    MethodID = 0x040109
	MethodZstd         MethodID = 0x04f71101
	MethodAES256SHA256 MethodID = 0x06f10701
	MethodBCJX86       MethodID = 0x03030103
)

func methodIDFromBytes(id []byte) MethodID {
	var v uint32
	for _, c := range id {
		v = v<<8 | uint32(c)
	}
	return MethodID(v)
}

// String returns the method's conventional name, or "unknown method" for
// methods outside the list above.
func (m MethodID) String() string {
	switch m {
	case MethodCopy:
		return "Copy"
	case MethodDelta:
		return "Delta"
	case MethodLZMA2:
		return "LZMA2"
	case MethodLZMA:
		return "LZMA"
	case MethodBzip2:
		return "BZip2"
	case MethodDeflate:
		return "Deflate"
	case MethodDeflate64:
		return "Deflate64"
	case MethodZstd:
		return "Zstandard"
	case MethodAES256SHA256:
		return "AES-256/SHA-256"
	case MethodBCJX86:
		return "BCJ x86"
	default:
		return "unknown method"
	}
}

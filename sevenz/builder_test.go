package sevenz

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"unicode/utf16"
)

// testFile describes one entry for buildArchive.
type testFile struct {
	name      string
	content   []byte
	hasStream bool
	emptyFile bool
}

// testFolder describes one coder pipeline for buildArchive.
type testFolder struct {
	coderID    []byte
	props      []byte
	packData   []byte
	unpackSize int
	hasCRC     bool
	crc        uint32
	numSub     int
	subSizes   []int
	subCRCs    []uint32
}

// archiveBuilder assembles 7z archives byte by byte for tests.
type archiveBuilder struct {
	folders []testFolder
	files   []testFile
}

func copyFolder(contents ...[]byte) testFolder {
	var pack []byte
	var sizes []int
	for _, c := range contents {
		pack = append(pack, c...)
		sizes = append(sizes, len(c))
	}
	f := testFolder{
		coderID:    []byte{0x00},
		packData:   pack,
		unpackSize: len(pack),
		hasCRC:     true,
		crc:        crc32.ChecksumIEEE(pack),
		numSub:     len(contents),
	}
	if len(contents) > 1 {
		f.subSizes = sizes[:len(sizes)-1]
	}
	return f
}

// putNum appends a 7z variable-length number.
func putNum(buf *bytes.Buffer, value uint64) {
	extra := 0
	for extra < 8 {
		payloadMask := uint64(0x80>>extra) - 1
		limit := (payloadMask+1)<<(8*extra) - 1
		if value <= limit {
			break
		}
		extra++
	}
	first := byte(0xff << (8 - extra))
	if extra < 8 {
		first |= byte(value >> (8 * extra))
	}
	buf.WriteByte(first)
	for i := 0; i < extra; i++ {
		buf.WriteByte(byte(value >> (8 * i)))
	}
}

// putBits appends size bits, most significant bit first.
func putBits(buf *bytes.Buffer, bits []bool) {
	var cache byte
	mask := byte(0x80)
	for _, bit := range bits {
		if bit {
			cache |= mask
		}
		mask >>= 1
		if mask == 0 {
			buf.WriteByte(cache)
			cache = 0
			mask = 0x80
		}
	}
	if mask != 0x80 {
		buf.WriteByte(cache)
	}
}

func utf16le(tb testing.TB, s string) []byte {
	tb.Helper()
	codes := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(codes))
	for i, c := range codes {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// header builds the plain header block (kHeader .. kEnd).
func (ab *archiveBuilder) header(tb testing.TB) []byte {
	tb.Helper()
	var buf bytes.Buffer
	buf.WriteByte(idHeader)
	if len(ab.folders) > 0 {
		buf.WriteByte(idMainStreamsInfo)
		ab.writeStreamsInfo(&buf, 0)
	}
	if len(ab.files) > 0 {
		ab.writeFilesInfo(tb, &buf)
	}
	buf.WriteByte(idEnd)
	return buf.Bytes()
}

// writeStreamsInfo writes kPackInfo/kUnpackInfo/kSubStreamsInfo for the
// builder's folders, with pack data starting packPos bytes into the pack
// area.
func (ab *archiveBuilder) writeStreamsInfo(buf *bytes.Buffer, packPos int) {
	buf.WriteByte(idPackInfo)
	putNum(buf, uint64(packPos))
	putNum(buf, uint64(len(ab.folders)))
	buf.WriteByte(idSize)
	for _, f := range ab.folders {
		putNum(buf, uint64(len(f.packData)))
	}
	buf.WriteByte(idEnd)

	buf.WriteByte(idUnpackInfo)
	buf.WriteByte(idFolder)
	putNum(buf, uint64(len(ab.folders)))
	buf.WriteByte(0) // external
	for _, f := range ab.folders {
		putNum(buf, 1) // one coder
		flags := byte(len(f.coderID))
		if len(f.props) > 0 {
			flags |= 0x20
		}
		buf.WriteByte(flags)
		buf.Write(f.coderID)
		if len(f.props) > 0 {
			putNum(buf, uint64(len(f.props)))
			buf.Write(f.props)
		}
	}
	buf.WriteByte(idCodersUnpackSize)
	for _, f := range ab.folders {
		putNum(buf, uint64(f.unpackSize))
	}
	anyFolderCRC := false
	for _, f := range ab.folders {
		if f.hasCRC {
			anyFolderCRC = true
		}
	}
	if anyFolderCRC {
		buf.WriteByte(idCRC)
		bits := make([]bool, len(ab.folders))
		allSet := true
		for i, f := range ab.folders {
			bits[i] = f.hasCRC
			allSet = allSet && f.hasCRC
		}
		if allSet {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
			putBits(buf, bits)
		}
		for _, f := range ab.folders {
			if f.hasCRC {
				var crc [4]byte
				binary.LittleEndian.PutUint32(crc[:], f.crc)
				buf.Write(crc[:])
			}
		}
	}
	buf.WriteByte(idEnd)

	buf.WriteByte(idSubStreamsInfo)
	needNumUnpack := false
	for _, f := range ab.folders {
		if f.numSub != 1 {
			needNumUnpack = true
		}
	}
	if needNumUnpack {
		buf.WriteByte(idNumUnpackStream)
		for _, f := range ab.folders {
			putNum(buf, uint64(f.numSub))
		}
		anySizes := false
		for _, f := range ab.folders {
			if len(f.subSizes) > 0 {
				anySizes = true
			}
		}
		if anySizes {
			buf.WriteByte(idSize)
			for _, f := range ab.folders {
				for _, s := range f.subSizes {
					putNum(buf, uint64(s))
				}
			}
		}
	}
	anySubCRCs := false
	for _, f := range ab.folders {
		if len(f.subCRCs) > 0 {
			anySubCRCs = true
		}
	}
	if anySubCRCs {
		buf.WriteByte(idCRC)
		buf.WriteByte(1) // all defined
		for _, f := range ab.folders {
			for _, crc := range f.subCRCs {
				var c [4]byte
				binary.LittleEndian.PutUint32(c[:], crc)
				buf.Write(c[:])
			}
		}
	}
	buf.WriteByte(idEnd)

	buf.WriteByte(idEnd) // StreamsInfo
}

func (ab *archiveBuilder) writeFilesInfo(tb testing.TB, buf *bytes.Buffer) {
	tb.Helper()
	buf.WriteByte(idFilesInfo)
	putNum(buf, uint64(len(ab.files)))

	anyEmptyStream := false
	anyEmptyFile := false
	anyName := false
	for _, f := range ab.files {
		if !f.hasStream {
			anyEmptyStream = true
		}
		if f.emptyFile {
			anyEmptyFile = true
		}
		if f.name != "" {
			anyName = true
		}
	}
	if anyEmptyStream {
		var bits bytes.Buffer
		emptyBits := make([]bool, len(ab.files))
		for i, f := range ab.files {
			emptyBits[i] = !f.hasStream
		}
		putBits(&bits, emptyBits)
		buf.WriteByte(idEmptyStream)
		putNum(buf, uint64(bits.Len()))
		buf.Write(bits.Bytes())
	}
	if anyEmptyFile {
		var bits bytes.Buffer
		var fileBits []bool
		for _, f := range ab.files {
			if !f.hasStream {
				fileBits = append(fileBits, f.emptyFile)
			}
		}
		putBits(&bits, fileBits)
		buf.WriteByte(idEmptyFile)
		putNum(buf, uint64(bits.Len()))
		buf.Write(bits.Bytes())
	}
	if anyName {
		var names bytes.Buffer
		names.WriteByte(0) // external
		for _, f := range ab.files {
			names.Write(utf16le(tb, f.name))
			names.Write([]byte{0, 0})
		}
		buf.WriteByte(idName)
		putNum(buf, uint64(names.Len()))
		buf.Write(names.Bytes())
	}
	buf.WriteByte(idEnd)
}

// build assembles the complete archive with a plain header.
func (ab *archiveBuilder) build(tb testing.TB) []byte {
	tb.Helper()
	var pack []byte
	for _, f := range ab.folders {
		pack = append(pack, f.packData...)
	}
	return assemble(pack, ab.header(tb))
}

// buildEncoded assembles the archive with the header itself compressed
// through a Copy folder.
func (ab *archiveBuilder) buildEncoded(tb testing.TB) []byte {
	tb.Helper()
	var pack []byte
	for _, f := range ab.folders {
		pack = append(pack, f.packData...)
	}
	realHeader := ab.header(tb)
	headerPos := len(pack)
	pack = append(pack, realHeader...)

	var enc bytes.Buffer
	enc.WriteByte(idEncodedHeader)
	headerFolder := archiveBuilder{folders: []testFolder{{
		coderID:    []byte{0x00},
		packData:   realHeader,
		unpackSize: len(realHeader),
		hasCRC:     true,
		crc:        crc32.ChecksumIEEE(realHeader),
		numSub:     1,
	}}}
	// The encoded-header StreamsInfo carries no SubStreamsInfo block, so
	// write PackInfo and UnpackInfo by hand.
	enc.WriteByte(idPackInfo)
	putNum(&enc, uint64(headerPos))
	putNum(&enc, 1)
	enc.WriteByte(idSize)
	putNum(&enc, uint64(len(realHeader)))
	enc.WriteByte(idEnd)
	enc.WriteByte(idUnpackInfo)
	enc.WriteByte(idFolder)
	putNum(&enc, 1)
	enc.WriteByte(0)
	putNum(&enc, 1)
	enc.WriteByte(0x01)
	enc.Write(headerFolder.folders[0].coderID)
	enc.WriteByte(idCodersUnpackSize)
	putNum(&enc, uint64(len(realHeader)))
	enc.WriteByte(idCRC)
	enc.WriteByte(1)
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], headerFolder.folders[0].crc)
	enc.Write(crc[:])
	enc.WriteByte(idEnd)
	enc.WriteByte(idEnd)

	return assemble(pack, enc.Bytes())
}

// assemble prepends the signature header to pack data and next header.
func assemble(pack, header []byte) []byte {
	var out bytes.Buffer
	out.Write(signature)
	out.Write([]byte{0, 4}) // version
	start := make([]byte, 20)
	binary.LittleEndian.PutUint64(start[0:], uint64(len(pack)))
	binary.LittleEndian.PutUint64(start[8:], uint64(len(header)))
	binary.LittleEndian.PutUint32(start[16:], crc32.ChecksumIEEE(header))
	var startCRC [4]byte
	binary.LittleEndian.PutUint32(startCRC[:], crc32.ChecksumIEEE(start))
	out.Write(startCRC[:])
	out.Write(start)
	out.Write(pack)
	out.Write(header)
	return out.Bytes()
}

// singleFileArchive builds an archive holding one Copy-compressed entry.
func singleFileArchive(tb testing.TB, name string, content []byte) *archiveBuilder {
	tb.Helper()
	return &archiveBuilder{
		folders: []testFolder{copyFolder(content)},
		files:   []testFile{{name: name, content: content, hasStream: true}},
	}
}

package sevenz

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/meigma/unpack/internal/streams"
)

// startHeader is the CRC-protected pointer to the archive metadata at the
// end of the file.
type startHeader struct {
	nextHeaderOffset int64
	nextHeaderSize   int64
	nextHeaderCRC    uint32
}

// readHeaders validates the signature and loads the archive metadata,
// entering recovery when the start header is blank and recovery is
// enabled.
func (r *Reader) readHeaders() (*archive, error) {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(io.NewSectionReader(r.src, 0, int64(len(buf))), buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	for i := range signature {
		if buf[i] != signature[i] {
			return nil, ErrBadMagic
		}
	}
	// It's first major then minor.
	versionMajor, versionMinor := buf[6], buf[7]
	if versionMajor != 0 {
		return nil, fmt.Errorf("%w: (%d,%d)", ErrUnsupportedVersion, versionMajor, versionMinor)
	}
	startHeaderCRC := binary.LittleEndian.Uint32(buf[8:12])
	headerLooksValid := startHeaderCRC != 0
	if !headerLooksValid {
		// A zero CRC hints at a corrupt header - peek the 20 start header
		// bytes, the header is invalid if all of them are zero too.
		peek := make([]byte, 20)
		if _, err := io.ReadFull(io.NewSectionReader(r.src, 12, 20), peek); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		for _, c := range peek {
			if c != 0 {
				headerLooksValid = true
				break
			}
		}
	}
	if headerLooksValid {
		sh, err := r.readStartHeader(startHeaderCRC)
		if err != nil {
			return nil, err
		}
		return r.initializeArchive(sh, true)
	}
	// No valid header found - probably the first file of a multipart
	// archive was removed too early. Scan for the end header.
	if r.recoverBroken {
		return r.tryToLocateEndHeader()
	}
	return nil, ErrRecoverable
}

func (r *Reader) readStartHeader(startHeaderCRC uint32) (*startHeader, error) {
	buf := make([]byte, 20)
	if _, err := io.ReadFull(io.NewSectionReader(r.src, 12, 20), buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if crc32.ChecksumIEEE(buf) != startHeaderCRC {
		return nil, fmt.Errorf("%w: start header", ErrHeaderCRCMismatch)
	}
	size := r.src.Size()
	nextHeaderOffset := int64(binary.LittleEndian.Uint64(buf[0:8]))
	if nextHeaderOffset < 0 || nextHeaderOffset+signatureHeaderSize > size {
		return nil, fmt.Errorf("%w: nextHeaderOffset", ErrNextHeaderOutOfBounds)
	}
	nextHeaderSize := int64(binary.LittleEndian.Uint64(buf[8:16]))
	nextHeaderEnd := nextHeaderOffset + nextHeaderSize
	if nextHeaderEnd < nextHeaderOffset || nextHeaderEnd+signatureHeaderSize > size {
		return nil, fmt.Errorf("%w: nextHeaderSize", ErrNextHeaderOutOfBounds)
	}
	return &startHeader{
		nextHeaderOffset: nextHeaderOffset,
		nextHeaderSize:   nextHeaderSize,
		nextHeaderCRC:    binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// initializeArchive loads the next header bytes, decompresses them if the
// header is an encoded header, and runs both parser passes.
func (r *Reader) initializeArchive(sh *startHeader, verifyCRC bool) (*archive, error) {
	if sh.nextHeaderSize < 0 || sh.nextHeaderSize > int64(maxInt32) {
		return nil, fmt.Errorf("%w: cannot handle nextHeaderSize %d", ErrMalformedHeader, sh.nextHeaderSize)
	}
	data := make([]byte, sh.nextHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(r.src, signatureHeaderSize+sh.nextHeaderOffset, sh.nextHeaderSize), data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if verifyCRC && crc32.ChecksumIEEE(data) != sh.nextHeaderCRC {
		return nil, fmt.Errorf("%w: next header", ErrHeaderCRCMismatch)
	}
	b := &headerBuf{data: data}
	nid, err := b.readByte()
	if err != nil {
		return nil, err
	}
	if nid == idEncodedHeader {
		b, err = r.readEncodedHeader(b)
		if err != nil {
			return nil, err
		}
		if nid, err = b.readByte(); err != nil {
			return nil, err
		}
	}
	if nid != idHeader {
		return nil, fmt.Errorf("%w: no header", ErrMalformedHeader)
	}
	return r.readHeader(b)
}

// readEncodedHeader decodes a compressed header: a StreamsInfo block
// describing a single folder whose unpacked output is the real header.
func (r *Reader) readEncodedHeader(b *headerBuf) (*headerBuf, error) {
	pass1 := *b
	stats := &archiveStats{}
	if err := r.sanityCheckStreamsInfo(&pass1, stats); err != nil {
		return nil, err
	}
	if err := stats.assertValidity(r.maxMemoryLimitKiB); err != nil {
		return nil, err
	}
	arch := &archive{}
	if err := r.readStreamsInfo(b, arch); err != nil {
		return nil, err
	}
	if len(arch.folders) == 0 {
		return nil, fmt.Errorf("%w: no folders, can't read encoded header", ErrMalformedHeader)
	}
	if len(arch.packSizes) == 0 {
		return nil, fmt.Errorf("%w: no packed streams, can't read encoded header", ErrMalformedHeader)
	}
	f := arch.folders[0]
	folderOffset := int64(signatureHeaderSize) + arch.packPos
	var stack io.Reader = io.NewSectionReader(r.src, folderOffset, arch.packSizes[0])
	for _, c := range f.orderedCoders() {
		if c.numInStreams != 1 || c.numOutStreams != 1 {
			return nil, fmt.Errorf("%w: multi input/output stream coders are not supported", ErrUnsupportedCoder)
		}
		decoded, err := addDecoder(stack, f.unpackSizeForCoder(c), c, r.password, r.maxMemoryLimitKiB)
		if err != nil {
			return nil, err
		}
		stack = decoded
	}
	unpackSize := f.unpackSize()
	if unpackSize < 0 || unpackSize > int64(maxInt32) {
		return nil, fmt.Errorf("%w: cannot handle unpackSize %d", ErrMalformedHeader, unpackSize)
	}
	if f.hasCRC {
		stack = streams.NewCRC32Verifier(stack, unpackSize, f.crc, ErrHeaderCRCMismatch)
	}
	header := make([]byte, unpackSize)
	if _, err := io.ReadFull(stack, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: premature end of header stream", ErrTruncated)
		}
		return nil, err
	}
	return &headerBuf{data: header}, nil
}

// readHeader runs pass 1 over the full header, checks the memory estimate
// and materialises the archive in pass 2.
func (r *Reader) readHeader(b *headerBuf) (*archive, error) {
	pass1 := *b
	stats, err := r.sanityCheckAndCollectStatistics(&pass1)
	if err != nil {
		return nil, err
	}
	if err := stats.assertValidity(r.maxMemoryLimitKiB); err != nil {
		return nil, err
	}

	arch := &archive{}
	nid, err := b.readByte()
	if err != nil {
		return nil, err
	}
	if nid == idArchiveProperties {
		if err := readArchiveProperties(b); err != nil {
			return nil, err
		}
		if nid, err = b.readByte(); err != nil {
			return nil, err
		}
	}
	if nid == idAdditionalStreamsInfo {
		return nil, fmt.Errorf("%w: additional streams unsupported", ErrMalformedHeader)
	}
	if nid == idMainStreamsInfo {
		if err := r.readStreamsInfo(b, arch); err != nil {
			return nil, err
		}
		if nid, err = b.readByte(); err != nil {
			return nil, err
		}
	}
	if nid == idFilesInfo {
		if err := readFilesInfo(b, arch); err != nil {
			return nil, err
		}
	}
	arch.subStreams = nil
	return arch, nil
}

// readArchiveProperties reads and discards the archive properties, like
// the reference implementation does.
func readArchiveProperties(b *headerBuf) error {
	nid, err := b.readNumber()
	if err != nil {
		return err
	}
	for nid != idEnd {
		propertySize, err := b.readNumberInt("propertySize")
		if err != nil {
			return err
		}
		if _, err := b.readBytes(propertySize); err != nil {
			return err
		}
		if nid, err = b.readNumber(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readStreamsInfo(b *headerBuf, arch *archive) error {
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idPackInfo {
		if err := readPackInfo(b, arch); err != nil {
			return err
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid == idUnpackInfo {
		if err := readUnpackInfo(b, arch); err != nil {
			return err
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	} else {
		// Archive without unpack/coders info.
		arch.folders = nil
	}
	if nid == idSubStreamsInfo {
		if err := r.readSubStreamsInfo(b, arch); err != nil {
			return err
		}
		if _, err = b.readByte(); err != nil {
			return err
		}
	}
	return nil
}

func readPackInfo(b *headerBuf, arch *archive) error {
	packPos, err := b.readNumber()
	if err != nil {
		return err
	}
	arch.packPos = packPos
	numPackStreams, err := b.readNumberInt("numPackStreams")
	if err != nil {
		return err
	}
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idSize {
		arch.packSizes = make([]int64, numPackStreams)
		for i := range arch.packSizes {
			if arch.packSizes[i], err = b.readNumber(); err != nil {
				return err
			}
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid == idCRC {
		arch.packCRCsDefined, err = b.readAllOrBits(numPackStreams)
		if err != nil {
			return err
		}
		arch.packCRCs = make([]uint32, numPackStreams)
		for i := 0; i < numPackStreams; i++ {
			if arch.packCRCsDefined.get(i) {
				if arch.packCRCs[i], err = b.readUint32(); err != nil {
					return err
				}
			}
		}
		if _, err = b.readByte(); err != nil {
			return err
		}
	}
	return nil
}

func readUnpackInfo(b *headerBuf, arch *archive) error {
	if _, err := b.readByte(); err != nil { // kFolder
		return err
	}
	numFolders, err := b.readNumberInt("numFolders")
	if err != nil {
		return err
	}
	if _, err := b.readByte(); err != nil { // external
		return err
	}
	folders := make([]*folder, numFolders)
	arch.folders = folders
	for i := range folders {
		if folders[i], err = readFolder(b); err != nil {
			return err
		}
	}
	if _, err := b.readByte(); err != nil { // kCodersUnpackSize
		return err
	}
	for _, f := range folders {
		if f.totalOutputStreams < 0 || f.totalOutputStreams > int64(maxInt32) {
			return fmt.Errorf("%w: cannot handle totalOutputStreams %d", ErrMalformedHeader, f.totalOutputStreams)
		}
		f.unpackSizes = make([]int64, f.totalOutputStreams)
		for i := range f.unpackSizes {
			if f.unpackSizes[i], err = b.readNumber(); err != nil {
				return err
			}
		}
	}
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idCRC {
		crcsDefined, err := b.readAllOrBits(numFolders)
		if err != nil {
			return err
		}
		for i := 0; i < numFolders; i++ {
			if crcsDefined.get(i) {
				folders[i].hasCRC = true
				if folders[i].crc, err = b.readUint32(); err != nil {
					return err
				}
			}
		}
		if _, err = b.readByte(); err != nil {
			return err
		}
	}
	return nil
}

func readFolder(b *headerBuf) (*folder, error) {
	f := &folder{}
	numCoders, err := b.readNumberInt("numCoders")
	if err != nil {
		return nil, err
	}
	coders := make([]*coder, numCoders)
	var totalInStreams, totalOutStreams int64
	for i := range coders {
		bits, err := b.readByte()
		if err != nil {
			return nil, err
		}
		idSize := int(bits & 0xf)
		isSimple := bits&0x10 == 0
		hasAttributes := bits&0x20 != 0
		moreAlternativeMethods := bits&0x80 != 0

		methodID, err := b.readBytes(idSize)
		if err != nil {
			return nil, err
		}
		c := &coder{methodID: append([]byte(nil), methodID...)}
		if isSimple {
			c.numInStreams = 1
			c.numOutStreams = 1
		} else {
			if c.numInStreams, err = b.readNumber(); err != nil {
				return nil, err
			}
			if c.numOutStreams, err = b.readNumber(); err != nil {
				return nil, err
			}
		}
		totalInStreams += c.numInStreams
		totalOutStreams += c.numOutStreams
		if hasAttributes {
			propertiesSize, err := b.readNumberInt("propertiesSize")
			if err != nil {
				return nil, err
			}
			props, err := b.readBytes(propertiesSize)
			if err != nil {
				return nil, err
			}
			c.properties = append([]byte(nil), props...)
		}
		if moreAlternativeMethods {
			return nil, fmt.Errorf("%w: alternative methods are unsupported", ErrUnsupportedCoder)
		}
		coders[i] = c
	}
	f.coders = coders
	f.totalInputStreams = totalInStreams
	f.totalOutputStreams = totalOutStreams

	numBindPairs := totalOutStreams - 1
	f.bindPairs = make([]bindPair, numBindPairs)
	for i := range f.bindPairs {
		in, err := b.readNumber()
		if err != nil {
			return nil, err
		}
		out, err := b.readNumber()
		if err != nil {
			return nil, err
		}
		f.bindPairs[i] = bindPair{inIndex: in, outIndex: out}
	}

	numPackedStreams := totalInStreams - numBindPairs
	f.packedStreams = make([]int64, numPackedStreams)
	if numPackedStreams == 1 {
		i := 0
		for ; i < int(totalInStreams); i++ {
			if f.findBindPairForInStream(i) < 0 {
				break
			}
		}
		f.packedStreams[0] = int64(i)
	} else {
		for i := range f.packedStreams {
			if f.packedStreams[i], err = b.readNumber(); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func (r *Reader) readSubStreamsInfo(b *headerBuf, arch *archive) error {
	for _, f := range arch.folders {
		f.numUnpackSubStreams = 1
	}
	unpackStreamsCount := int64(len(arch.folders))
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idNumUnpackStream {
		unpackStreamsCount = 0
		for _, f := range arch.folders {
			numStreams, err := b.readNumberInt("numStreams")
			if err != nil {
				return err
			}
			f.numUnpackSubStreams = numStreams
			unpackStreamsCount += int64(numStreams)
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if unpackStreamsCount > int64(maxInt32) {
		return fmt.Errorf("%w: cannot handle %d substreams", ErrMalformedHeader, unpackStreamsCount)
	}
	info := &subStreamsInfo{
		unpackSizes: make([]int64, unpackStreamsCount),
		hasCRC:      make(bitset, unpackStreamsCount),
		crcs:        make([]uint32, unpackStreamsCount),
	}
	nextUnpackStream := 0
	for _, f := range arch.folders {
		if f.numUnpackSubStreams == 0 {
			continue
		}
		var sum int64
		if nid == idSize {
			for i := 0; i < f.numUnpackSubStreams-1; i++ {
				size, err := b.readNumber()
				if err != nil {
					return err
				}
				info.unpackSizes[nextUnpackStream] = size
				nextUnpackStream++
				sum += size
			}
		}
		if sum > f.unpackSize() {
			return fmt.Errorf("%w: sum of unpack sizes of folder exceeds total unpack size", ErrMalformedHeader)
		}
		info.unpackSizes[nextUnpackStream] = f.unpackSize() - sum
		nextUnpackStream++
	}
	if nid == idSize {
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	numDigests := 0
	for _, f := range arch.folders {
		if f.numUnpackSubStreams != 1 || !f.hasCRC {
			numDigests += f.numUnpackSubStreams
		}
	}
	if nid == idCRC {
		hasMissingCRC, err := b.readAllOrBits(numDigests)
		if err != nil {
			return err
		}
		missingCRCs := make([]uint32, numDigests)
		for i := 0; i < numDigests; i++ {
			if hasMissingCRC.get(i) {
				if missingCRCs[i], err = b.readUint32(); err != nil {
					return err
				}
			}
		}
		nextCRC := 0
		nextMissingCRC := 0
		for _, f := range arch.folders {
			if f.numUnpackSubStreams == 1 && f.hasCRC {
				info.hasCRC[nextCRC] = true
				info.crcs[nextCRC] = f.crc
				nextCRC++
			} else {
				for i := 0; i < f.numUnpackSubStreams; i++ {
					info.hasCRC[nextCRC] = hasMissingCRC.get(nextMissingCRC)
					info.crcs[nextCRC] = missingCRCs[nextMissingCRC]
					nextCRC++
					nextMissingCRC++
				}
			}
		}
		if _, err = b.readByte(); err != nil {
			return err
		}
	}
	arch.subStreams = info
	return nil
}

func readFilesInfo(b *headerBuf, arch *archive) error {
	numEntries, err := b.readNumberInt("numFiles")
	if err != nil {
		return err
	}
	files := make([]*Entry, numEntries)
	for i := range files {
		files[i] = &Entry{}
	}
	var isEmptyStream, isEmptyFile, isAnti bitset
	for {
		propertyType, err := b.readByte()
		if err != nil {
			return err
		}
		if propertyType == idEnd {
			break
		}
		size, err := b.readNumber()
		if err != nil {
			return err
		}
		switch propertyType {
		case idEmptyStream:
			if isEmptyStream, err = b.readBits(numEntries); err != nil {
				return err
			}
		case idEmptyFile:
			if isEmptyFile, err = b.readBits(isEmptyStream.cardinality()); err != nil {
				return err
			}
		case idAnti:
			if isAnti, err = b.readBits(isEmptyStream.cardinality()); err != nil {
				return err
			}
		case idName:
			if _, err := b.readByte(); err != nil { // external
				return err
			}
			names, err := b.readBytes(int(size - 1))
			if err != nil {
				return err
			}
			nextFile, nextName := 0, 0
			for i := 0; i+1 < len(names); i += 2 {
				if names[i] == 0 && names[i+1] == 0 {
					if nextFile >= numEntries {
						return fmt.Errorf("%w: error parsing file names", ErrMalformedHeader)
					}
					files[nextFile].Name = utf16LEString(names[nextName:i])
					nextName = i + 2
					nextFile++
				}
			}
			if nextName != len(names) || nextFile != numEntries {
				return fmt.Errorf("%w: error parsing file names", ErrMalformedHeader)
			}
		case idCTime:
			if err := readDates(b, files, func(e *Entry, ticks int64) {
				e.HasCreated = true
				e.Created = ntfsTime(ticks)
			}); err != nil {
				return err
			}
		case idATime:
			if err := readDates(b, files, func(e *Entry, ticks int64) {
				e.HasAccessed = true
				e.Accessed = ntfsTime(ticks)
			}); err != nil {
				return err
			}
		case idMTime:
			if err := readDates(b, files, func(e *Entry, ticks int64) {
				e.HasModified = true
				e.Modified = ntfsTime(ticks)
			}); err != nil {
				return err
			}
		case idWinAttributes:
			attributesDefined, err := b.readAllOrBits(numEntries)
			if err != nil {
				return err
			}
			if _, err := b.readByte(); err != nil { // external
				return err
			}
			for i := 0; i < numEntries; i++ {
				if !attributesDefined.get(i) {
					continue
				}
				files[i].HasWinAttributes = true
				if files[i].WinAttributes, err = b.readUint32(); err != nil {
					return err
				}
			}
		default:
			// 7z 9.20 ignores kDummy and unknown properties.
			b.skip(size)
		}
	}
	nonEmptyFileCounter, emptyFileCounter := 0, 0
	for i, entry := range files {
		entry.HasStream = isEmptyStream == nil || !isEmptyStream.get(i)
		if entry.HasStream {
			if arch.subStreams == nil {
				return fmt.Errorf("%w: archive contains file with streams but no subStreamsInfo", ErrMalformedHeader)
			}
			entry.IsDir = false
			entry.IsAntiItem = false
			entry.HasCRC = arch.subStreams.hasCRC.get(nonEmptyFileCounter)
			entry.CRC32 = arch.subStreams.crcs[nonEmptyFileCounter]
			entry.Size = arch.subStreams.unpackSizes[nonEmptyFileCounter]
			if entry.Size < 0 {
				return fmt.Errorf("%w: entry with negative size", ErrMalformedHeader)
			}
			nonEmptyFileCounter++
		} else {
			entry.IsDir = isEmptyFile == nil || !isEmptyFile.get(emptyFileCounter)
			entry.IsAntiItem = isAnti != nil && isAnti.get(emptyFileCounter)
			entry.HasCRC = false
			entry.Size = 0
			emptyFileCounter++
		}
	}
	arch.files = files
	return calculateStreamMap(arch)
}

func readDates(b *headerBuf, files []*Entry, set func(*Entry, int64)) error {
	timesDefined, err := b.readAllOrBits(len(files))
	if err != nil {
		return err
	}
	if _, err := b.readByte(); err != nil { // external
		return err
	}
	for i := range files {
		if !timesDefined.get(i) {
			continue
		}
		ticks, err := b.readUint64()
		if err != nil {
			return err
		}
		set(files[i], int64(ticks))
	}
	return nil
}

// calculateStreamMap derives the folder/pack-stream/entry index maps from
// the parsed metadata.
func calculateStreamMap(arch *archive) error {
	numFolders := len(arch.folders)
	folderFirstPackStreamIndex := make([]int, numFolders)
	nextFolderPackStreamIndex := 0
	for i, f := range arch.folders {
		folderFirstPackStreamIndex[i] = nextFolderPackStreamIndex
		nextFolderPackStreamIndex += len(f.packedStreams)
	}
	packStreamOffsets := make([]int64, len(arch.packSizes))
	var nextPackStreamOffset int64
	for i, size := range arch.packSizes {
		packStreamOffsets[i] = nextPackStreamOffset
		nextPackStreamOffset += size
	}
	folderFirstFileIndex := make([]int, numFolders)
	fileFolderIndex := make([]int, len(arch.files))
	nextFolderIndex := 0
	nextFolderUnpackStreamIndex := 0
	for i, entry := range arch.files {
		if !entry.HasStream && nextFolderUnpackStreamIndex == 0 {
			fileFolderIndex[i] = -1
			continue
		}
		if nextFolderUnpackStreamIndex == 0 {
			for ; nextFolderIndex < numFolders; nextFolderIndex++ {
				folderFirstFileIndex[nextFolderIndex] = i
				if arch.folders[nextFolderIndex].numUnpackSubStreams > 0 {
					break
				}
			}
			if nextFolderIndex >= numFolders {
				return fmt.Errorf("%w: too few folders in archive", ErrMalformedHeader)
			}
		}
		fileFolderIndex[i] = nextFolderIndex
		if !entry.HasStream {
			continue
		}
		nextFolderUnpackStreamIndex++
		if nextFolderUnpackStreamIndex >= arch.folders[nextFolderIndex].numUnpackSubStreams {
			nextFolderIndex++
			nextFolderUnpackStreamIndex = 0
		}
	}
	arch.streamMap = streamMap{
		folderFirstPackStreamIndex: folderFirstPackStreamIndex,
		packStreamOffsets:          packStreamOffsets,
		folderFirstFileIndex:       folderFirstFileIndex,
		fileFolderIndex:            fileFolderIndex,
	}
	return nil
}

// recoverySearchLimit bounds how far from the end of the file the recovery
// scan looks for a plausible end header.
const recoverySearchLimit = 1 << 20

// tryToLocateEndHeader scans backwards from the end of the file for a byte
// that could start an end header, and accepts the first position from
// which a non-empty archive can be parsed.
func (r *Reader) tryToLocateEndHeader() (*archive, error) {
	size := r.src.Size()
	// The 12 signature bytes plus the 20 bytes readStartHeader would have
	// read; the guessed offset is relative to the signature header end.
	const previousDataSize = signatureHeaderSize
	minPos := int64(signatureHeaderSize)
	if size-recoverySearchLimit > minPos {
		minPos = size - recoverySearchLimit
	}
	nidBuf := make([]byte, 1)
	for pos := size - 2; pos >= minPos; pos-- {
		if _, err := r.src.ReadAt(nidBuf, pos); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		nid := nidBuf[0]
		if nid != idEncodedHeader && nid != idHeader {
			continue
		}
		sh := &startHeader{
			nextHeaderOffset: pos - previousDataSize,
			nextHeaderSize:   size - pos,
			nextHeaderCRC:    0,
		}
		result, err := r.initializeArchive(sh, false)
		if err != nil {
			// Wrong guess, keep scanning.
			continue
		}
		if len(result.packSizes) > 0 && len(result.files) > 0 {
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: start header corrupt and unable to guess end header", ErrMalformedHeader)
}

// utf16LEString decodes a UTF-16LE byte sequence.
func utf16LEString(b []byte) string {
	codes := make([]uint16, len(b)/2)
	for i := range codes {
		codes[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(codes))
}

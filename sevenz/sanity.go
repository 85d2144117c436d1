package sevenz

import "fmt"

// archiveStats is filled by the first parser pass. It walks the header
// without allocating any archive structures, so that the memory needed for
// the second pass can be estimated before committing to it.
type archiveStats struct {
	numberOfPackedStreams     int
	numberOfCoders            int64
	numberOfOutStreams        int64
	numberOfInStreams         int64
	numberOfUnpackSubStreams  int64
	numberOfFolders           int
	folderHasCRC              bitset
	numberOfEntries           int
	numberOfEntriesWithStream int
}

// Per-structure size guesses for the memory estimate, in bytes. Method IDs
// are between one and four bytes with Copy and LZMA2 the most common, so a
// coder is dominated by its properties guess; an entry without a name is
// about 70 bytes.
const (
	estBindPairSize = 16
	estCoderSize    = 2 + 16 + 4
	estEntrySize    = 100
	estFolderSize   = 30
)

func (s *archiveStats) streamMapSize() int64 {
	return 8*int64(s.numberOfFolders) +
		8*int64(s.numberOfPackedStreams) +
		4*int64(s.numberOfEntries)
}

// estimateSize returns a conservative estimate in bytes of the memory the
// second pass will allocate.
func (s *archiveStats) estimateSize() int64 {
	lowerBound := 16*int64(s.numberOfPackedStreams) +
		int64(s.numberOfPackedStreams)/8 +
		int64(s.numberOfFolders)*estFolderSize +
		s.numberOfCoders*estCoderSize +
		(s.numberOfOutStreams-int64(s.numberOfFolders))*estBindPairSize +
		8*(s.numberOfInStreams-s.numberOfOutStreams+int64(s.numberOfFolders)) +
		8*s.numberOfOutStreams +
		int64(s.numberOfEntries)*estEntrySize +
		s.streamMapSize()
	return 2 * lowerBound
}

func (s *archiveStats) assertValidity(maxMemoryLimitKiB int) error {
	if s.numberOfEntriesWithStream > 0 && s.numberOfFolders == 0 {
		return fmt.Errorf("%w: archive with entries but no folders", ErrMalformedHeader)
	}
	if int64(s.numberOfEntriesWithStream) > s.numberOfUnpackSubStreams {
		return fmt.Errorf("%w: archive doesn't contain enough substreams for entries", ErrMalformedHeader)
	}
	memoryNeededKiB := bytesToKiB(s.estimateSize())
	if int64(maxMemoryLimitKiB) < memoryNeededKiB {
		return fmt.Errorf("%w: %d KiB of memory would be needed, limit is %d KiB",
			ErrMemoryLimit, memoryNeededKiB, maxMemoryLimitKiB)
	}
	return nil
}

func bytesToKiB(bytes int64) int64 {
	return (bytes + 1023) / 1024
}

// sanityCheckAndCollectStatistics performs the first pass over a full
// header.
func (r *Reader) sanityCheckAndCollectStatistics(b *headerBuf) (*archiveStats, error) {
	stats := &archiveStats{}
	nid, err := b.readByte()
	if err != nil {
		return nil, err
	}
	if nid == idArchiveProperties {
		if err := sanityCheckArchiveProperties(b); err != nil {
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
		if err := r.sanityCheckStreamsInfo(b, stats); err != nil {
			return nil, err
		}
		if nid, err = b.readByte(); err != nil {
			return nil, err
		}
	}
	if nid == idFilesInfo {
		if err := sanityCheckFilesInfo(b, stats); err != nil {
			return nil, err
		}
		if nid, err = b.readByte(); err != nil {
			return nil, err
		}
	}
	if nid != idEnd {
		return nil, fmt.Errorf("%w: badly terminated header, found %#x", ErrMalformedHeader, nid)
	}
	return stats, nil
}

// sanityCheckArchiveProperties skips over the archive properties block.
// The semantics of the block are undocumented; like the reference
// implementation we read and discard it.
func sanityCheckArchiveProperties(b *headerBuf) error {
	nid, err := b.readNumber()
	if err != nil {
		return err
	}
	for nid != idEnd {
		propertySize, err := b.readNumberInt("propertySize")
		if err != nil {
			return err
		}
		if b.skip(int64(propertySize)) < int64(propertySize) {
			return fmt.Errorf("%w: invalid property size", ErrMalformedHeader)
		}
		if nid, err = b.readNumber(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) sanityCheckStreamsInfo(b *headerBuf, stats *archiveStats) error {
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idPackInfo {
		if err := r.sanityCheckPackInfo(b, stats); err != nil {
			return err
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid == idUnpackInfo {
		if err := sanityCheckUnpackInfo(b, stats); err != nil {
			return err
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid == idSubStreamsInfo {
		if err := sanityCheckSubStreamsInfo(b, stats); err != nil {
			return err
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid != idEnd {
		return fmt.Errorf("%w: badly terminated StreamsInfo", ErrMalformedHeader)
	}
	return nil
}

func (r *Reader) sanityCheckPackInfo(b *headerBuf, stats *archiveStats) error {
	packPos, err := b.readNumber()
	if err != nil {
		return err
	}
	srcSize := r.src.Size()
	if packPos < 0 || signatureHeaderSize+packPos > srcSize || signatureHeaderSize+packPos < 0 {
		return fmt.Errorf("%w: packPos (%d) is out of range", ErrMalformedHeader, packPos)
	}
	stats.numberOfPackedStreams, err = b.readNumberInt("numPackStreams")
	if err != nil {
		return err
	}
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid == idSize {
		var totalPackSizes int64
		for i := 0; i < stats.numberOfPackedStreams; i++ {
			packSize, err := b.readNumber()
			if err != nil {
				return err
			}
			totalPackSizes += packSize
			endOfPackStreams := signatureHeaderSize + packPos + totalPackSizes
			if packSize < 0 || endOfPackStreams > srcSize || endOfPackStreams < packPos {
				return fmt.Errorf("%w: packSize (%d) is out of range", ErrMalformedHeader, packSize)
			}
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid == idCRC {
		crcsDefined, err := b.readAllOrBits(stats.numberOfPackedStreams)
		if err != nil {
			return err
		}
		n := int64(4 * crcsDefined.cardinality())
		if b.skip(n) < n {
			return fmt.Errorf("%w: invalid number of CRCs in PackInfo", ErrMalformedHeader)
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid != idEnd {
		return fmt.Errorf("%w: badly terminated PackInfo (%#x)", ErrMalformedHeader, nid)
	}
	return nil
}

func sanityCheckUnpackInfo(b *headerBuf, stats *archiveStats) error {
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	if nid != idFolder {
		return fmt.Errorf("%w: expected kFolder, got %#x", ErrMalformedHeader, nid)
	}
	stats.numberOfFolders, err = b.readNumberInt("numFolders")
	if err != nil {
		return err
	}
	external, err := b.readByte()
	if err != nil {
		return err
	}
	if external != 0 {
		return fmt.Errorf("%w: external unsupported", ErrMalformedHeader)
	}
	outputStreamsPerFolder := make([]int, 0, stats.numberOfFolders)
	for i := 0; i < stats.numberOfFolders; i++ {
		numOut, err := sanityCheckFolder(b, stats)
		if err != nil {
			return err
		}
		outputStreamsPerFolder = append(outputStreamsPerFolder, numOut)
	}
	totalNumberOfBindPairs := stats.numberOfOutStreams - int64(stats.numberOfFolders)
	packedStreamsRequiredByFolders := stats.numberOfInStreams - totalNumberOfBindPairs
	if packedStreamsRequiredByFolders < int64(stats.numberOfPackedStreams) {
		return fmt.Errorf("%w: archive doesn't contain enough packed streams", ErrMalformedHeader)
	}
	if nid, err = b.readByte(); err != nil {
		return err
	}
	if nid != idCodersUnpackSize {
		return fmt.Errorf("%w: expected kCodersUnpackSize, got %#x", ErrMalformedHeader, nid)
	}
	for _, numOut := range outputStreamsPerFolder {
		for i := 0; i < numOut; i++ {
			unpackSize, err := b.readNumber()
			if err != nil {
				return err
			}
			if unpackSize < 0 {
				return fmt.Errorf("%w: negative unpackSize", ErrMalformedHeader)
			}
		}
	}
	if nid, err = b.readByte(); err != nil {
		return err
	}
	if nid == idCRC {
		stats.folderHasCRC, err = b.readAllOrBits(stats.numberOfFolders)
		if err != nil {
			return err
		}
		n := int64(4 * stats.folderHasCRC.cardinality())
		if b.skip(n) < n {
			return fmt.Errorf("%w: invalid number of CRCs in UnpackInfo", ErrMalformedHeader)
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid != idEnd {
		return fmt.Errorf("%w: badly terminated UnpackInfo", ErrMalformedHeader)
	}
	return nil
}

func sanityCheckFolder(b *headerBuf, stats *archiveStats) (int, error) {
	numCoders, err := b.readNumberInt("numCoders")
	if err != nil {
		return 0, err
	}
	if numCoders == 0 {
		return 0, fmt.Errorf("%w: folder without coders", ErrMalformedHeader)
	}
	stats.numberOfCoders += int64(numCoders)
	var totalOutStreams, totalInStreams int64
	for i := 0; i < numCoders; i++ {
		bits, err := b.readByte()
		if err != nil {
			return 0, err
		}
		idSize := int(bits & 0xf)
		if _, err := b.readBytes(idSize); err != nil {
			return 0, err
		}
		isSimple := bits&0x10 == 0
		hasAttributes := bits&0x20 != 0
		if bits&0x80 != 0 {
			return 0, fmt.Errorf("%w: alternative methods are unsupported", ErrUnsupportedCoder)
		}
		if isSimple {
			totalInStreams++
			totalOutStreams++
		} else {
			numIn, err := b.readNumberInt("numInStreams")
			if err != nil {
				return 0, err
			}
			numOut, err := b.readNumberInt("numOutStreams")
			if err != nil {
				return 0, err
			}
			if numIn != 1 || numOut != 1 {
				return 0, fmt.Errorf("%w: multi input/output stream coders are not supported", ErrUnsupportedCoder)
			}
			totalInStreams += int64(numIn)
			totalOutStreams += int64(numOut)
		}
		if hasAttributes {
			propertiesSize, err := b.readNumberInt("propertiesSize")
			if err != nil {
				return 0, err
			}
			if b.skip(int64(propertiesSize)) < int64(propertiesSize) {
				return 0, fmt.Errorf("%w: invalid propertiesSize in folder", ErrMalformedHeader)
			}
		}
	}
	stats.numberOfOutStreams += totalOutStreams
	stats.numberOfInStreams += totalInStreams
	if totalOutStreams == 0 {
		return 0, fmt.Errorf("%w: total output streams can't be 0", ErrMalformedHeader)
	}
	numBindPairs := totalOutStreams - 1
	if totalInStreams < numBindPairs {
		return 0, fmt.Errorf("%w: total input streams can't be less than the number of bind pairs", ErrMalformedHeader)
	}
	inStreamsBound := make(bitset, totalInStreams)
	for i := int64(0); i < numBindPairs; i++ {
		inIndex, err := b.readNumberInt("inIndex")
		if err != nil {
			return 0, err
		}
		if int64(inIndex) >= totalInStreams {
			return 0, fmt.Errorf("%w: inIndex is bigger than number of inStreams", ErrMalformedHeader)
		}
		inStreamsBound[inIndex] = true
		outIndex, err := b.readNumberInt("outIndex")
		if err != nil {
			return 0, err
		}
		if int64(outIndex) >= totalOutStreams {
			return 0, fmt.Errorf("%w: outIndex is bigger than number of outStreams", ErrMalformedHeader)
		}
	}
	numPackedStreams := totalInStreams - numBindPairs
	if numPackedStreams == 1 {
		unbound := -1
		for i := range inStreamsBound {
			if !inStreamsBound[i] {
				unbound = i
				break
			}
		}
		if unbound < 0 {
			return 0, fmt.Errorf("%w: couldn't find stream's bind pair index", ErrMalformedHeader)
		}
	} else {
		for i := int64(0); i < numPackedStreams; i++ {
			packedStreamIndex, err := b.readNumberInt("packedStreamIndex")
			if err != nil {
				return 0, err
			}
			if int64(packedStreamIndex) >= totalInStreams {
				return 0, fmt.Errorf("%w: packedStreamIndex is bigger than number of totalInStreams", ErrMalformedHeader)
			}
		}
	}
	return int(totalOutStreams), nil
}

func sanityCheckSubStreamsInfo(b *headerBuf, stats *archiveStats) error {
	nid, err := b.readByte()
	if err != nil {
		return err
	}
	var numUnpackSubStreamsPerFolder []int
	if nid == idNumUnpackStream {
		stats.numberOfUnpackSubStreams = 0
		for i := 0; i < stats.numberOfFolders; i++ {
			numStreams, err := b.readNumberInt("numStreams")
			if err != nil {
				return err
			}
			numUnpackSubStreamsPerFolder = append(numUnpackSubStreamsPerFolder, numStreams)
			stats.numberOfUnpackSubStreams += int64(numStreams)
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	} else {
		stats.numberOfUnpackSubStreams = int64(stats.numberOfFolders)
	}
	if stats.numberOfUnpackSubStreams < 0 {
		return fmt.Errorf("%w: negative totalUnpackStreams", ErrMalformedHeader)
	}
	if nid == idSize {
		for _, numUnpackSubStreams := range numUnpackSubStreamsPerFolder {
			if numUnpackSubStreams == 0 {
				continue
			}
			for i := 0; i < numUnpackSubStreams-1; i++ {
				size, err := b.readNumber()
				if err != nil {
					return err
				}
				if size < 0 {
					return fmt.Errorf("%w: negative unpackSize", ErrMalformedHeader)
				}
			}
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	numDigests := int64(0)
	if len(numUnpackSubStreamsPerFolder) == 0 {
		if stats.folderHasCRC == nil {
			numDigests = int64(stats.numberOfFolders)
		} else {
			numDigests = int64(stats.numberOfFolders - stats.folderHasCRC.cardinality())
		}
	} else {
		for folderIdx, numUnpackSubStreams := range numUnpackSubStreamsPerFolder {
			if numUnpackSubStreams != 1 || !stats.folderHasCRC.get(folderIdx) {
				numDigests += int64(numUnpackSubStreams)
			}
		}
	}
	if nid == idCRC {
		if numDigests < 0 || numDigests > int64(maxInt32) {
			return fmt.Errorf("%w: invalid number of digests", ErrMalformedHeader)
		}
		missingCrcs, err := b.readAllOrBits(int(numDigests))
		if err != nil {
			return err
		}
		n := int64(4 * missingCrcs.cardinality())
		if b.skip(n) < n {
			return fmt.Errorf("%w: invalid number of missing CRCs in SubStreamsInfo", ErrMalformedHeader)
		}
		if nid, err = b.readByte(); err != nil {
			return err
		}
	}
	if nid != idEnd {
		return fmt.Errorf("%w: badly terminated SubStreamsInfo", ErrMalformedHeader)
	}
	return nil
}

func sanityCheckFilesInfo(b *headerBuf, stats *archiveStats) error {
	numEntries, err := b.readNumberInt("numFiles")
	if err != nil {
		return err
	}
	stats.numberOfEntries = numEntries
	emptyStreams := -1
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
			bits, err := b.readBits(numEntries)
			if err != nil {
				return err
			}
			emptyStreams = bits.cardinality()
		case idEmptyFile:
			if emptyStreams == -1 {
				return fmt.Errorf("%w: kEmptyStream must appear before kEmptyFile", ErrMalformedHeader)
			}
			if _, err := b.readBits(emptyStreams); err != nil {
				return err
			}
		case idAnti:
			if emptyStreams == -1 {
				return fmt.Errorf("%w: kEmptyStream must appear before kAnti", ErrMalformedHeader)
			}
			if _, err := b.readBits(emptyStreams); err != nil {
				return err
			}
		case idName:
			external, err := b.readByte()
			if err != nil {
				return err
			}
			if external != 0 {
				return fmt.Errorf("%w: external file names are unsupported", ErrMalformedHeader)
			}
			if size < 1 || size-1 > int64(maxInt32) {
				return fmt.Errorf("%w: cannot handle file names length %d", ErrMalformedHeader, size-1)
			}
			namesLength := int(size - 1)
			if namesLength&1 != 0 {
				return fmt.Errorf("%w: file names length invalid", ErrMalformedHeader)
			}
			names, err := b.readBytes(namesLength)
			if err != nil {
				return err
			}
			filesSeen := 0
			for i := 0; i < namesLength; i += 2 {
				if names[i] == 0 && names[i+1] == 0 {
					filesSeen++
				}
			}
			if filesSeen != numEntries {
				return fmt.Errorf("%w: invalid number of file names (%d instead of %d)", ErrMalformedHeader, filesSeen, numEntries)
			}
		case idCTime, idATime, idMTime:
			if err := sanityCheckDates(b, numEntries); err != nil {
				return err
			}
		case idWinAttributes:
			attributesDefined, err := b.readAllOrBits(numEntries)
			if err != nil {
				return err
			}
			if err := sanityCheckExternal(b); err != nil {
				return err
			}
			n := int64(4 * attributesDefined.cardinality())
			if b.skip(n) < n {
				return fmt.Errorf("%w: invalid windows attributes size", ErrMalformedHeader)
			}
		case idStartPos:
			return fmt.Errorf("%w: kStartPos is unsupported", ErrMalformedHeader)
		case idDummy:
			// 7z 9.20 asserts the content is all zeros and ignores the
			// property.
			if b.skip(size) < size {
				return fmt.Errorf("%w: incomplete kDummy property", ErrMalformedHeader)
			}
		default:
			if b.skip(size) < size {
				return fmt.Errorf("%w: incomplete property of type %#x", ErrMalformedHeader, propertyType)
			}
		}
	}
	if emptyStreams > 0 {
		stats.numberOfEntriesWithStream = numEntries - emptyStreams
	} else {
		stats.numberOfEntriesWithStream = numEntries
	}
	return nil
}

func sanityCheckDates(b *headerBuf, numEntries int) error {
	timesDefined, err := b.readAllOrBits(numEntries)
	if err != nil {
		return err
	}
	if err := sanityCheckExternal(b); err != nil {
		return err
	}
	n := int64(8 * timesDefined.cardinality())
	if b.skip(n) < n {
		return fmt.Errorf("%w: invalid dates size", ErrMalformedHeader)
	}
	return nil
}

func sanityCheckExternal(b *headerBuf) error {
	external, err := b.readByte()
	if err != nil {
		return err
	}
	if external != 0 {
		return fmt.Errorf("%w: external data is unsupported", ErrMalformedHeader)
	}
	return nil
}

package sevenz

// archive holds the parsed metadata of a 7z file. It is created once by the
// second parser pass and is immutable afterwards.
type archive struct {
	// packPos is the offset of the first pack stream, relative to the end
	// of the signature header.
	packPos int64

	packSizes       []int64
	packCRCsDefined bitset
	packCRCs        []uint32

	folders []*folder

	subStreams *subStreamsInfo

	files []*Entry

	streamMap streamMap
}

// bindPair connects the output of one coder to the input of another inside
// a folder.
type bindPair struct {
	inIndex  int64
	outIndex int64
}

// coder is a single entry of a folder's pipeline.
type coder struct {
	methodID      []byte
	numInStreams  int64
	numOutStreams int64
	properties    []byte
}

// folder is one coder pipeline. A folder may hold the content of many
// entries (solid compression).
type folder struct {
	coders             []*coder
	totalInputStreams  int64
	totalOutputStreams int64
	bindPairs          []bindPair
	packedStreams      []int64
	unpackSizes        []int64
	hasCRC             bool
	crc                uint32

	numUnpackSubStreams int
}

func (f *folder) findBindPairForInStream(index int) int {
	for i, bp := range f.bindPairs {
		if bp.inIndex == int64(index) {
			return i
		}
	}
	return -1
}

func (f *folder) findBindPairForOutStream(index int) int {
	for i, bp := range f.bindPairs {
		if bp.outIndex == int64(index) {
			return i
		}
	}
	return -1
}

// unpackSize returns the size of the folder's final output, the single
// coder output that is not bound to another coder's input.
func (f *folder) unpackSize() int64 {
	for i := int(f.totalOutputStreams) - 1; i >= 0; i-- {
		if f.findBindPairForOutStream(i) < 0 {
			return f.unpackSizes[i]
		}
	}
	return 0
}

func (f *folder) unpackSizeForCoder(c *coder) int64 {
	for i, fc := range f.coders {
		if fc == c {
			return f.unpackSizes[i]
		}
	}
	return 0
}

// orderedCoders returns the coders in decoding order, starting at the coder
// fed by the first packed stream and following the bind pairs.
func (f *folder) orderedCoders() []*coder {
	ordered := make([]*coder, 0, len(f.coders))
	current := int(f.packedStreams[0])
	for current != -1 {
		// coders are 1-in/1-out in the supported subset, so the input
		// index equals the coder index.
		c := f.coders[current]
		ordered = append(ordered, c)
		pair := f.findBindPairForOutStream(current)
		if pair < 0 {
			break
		}
		current = int(f.bindPairs[pair].inIndex)
	}
	return ordered
}

// subStreamsInfo carries the per-entry sizes and checksums of the entries
// packed inside folders.
type subStreamsInfo struct {
	unpackSizes []int64
	hasCRC      bitset
	crcs        []uint32
}

// streamMap is derived from the parsed metadata and connects entries,
// folders and pack streams.
type streamMap struct {
	// folderFirstPackStreamIndex maps folder index to the index of its
	// first pack stream.
	folderFirstPackStreamIndex []int
	// packStreamOffsets maps pack stream index to its offset relative to
	// packPos.
	packStreamOffsets []int64
	// folderFirstFileIndex maps folder index to the index of its first
	// entry.
	folderFirstFileIndex []int
	// fileFolderIndex maps entry index to folder index. An entry without a
	// stream gets -1, unless it sits between two entries of the same
	// folder, in which case it carries that folder's index.
	fileFolderIndex []int
}

// bitset is a simple fixed-size bit vector.
type bitset []bool

func (b bitset) get(i int) bool {
	if i < 0 || i >= len(b) {
		return false
	}
	return b[i]
}

func (b bitset) cardinality() int {
	n := 0
	for _, set := range b {
		if set {
			n++
		}
	}
	return n
}

func allSetBitset(size int) bitset {
	b := make(bitset, size)
	for i := range b {
		b[i] = true
	}
	return b
}

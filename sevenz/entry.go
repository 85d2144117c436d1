package sevenz

import "time"

// Method describes one step of the coder pipeline an entry was compressed
// with. Properties alias parsed header data and must be treated as
// immutable.
type Method struct {
	ID         MethodID
	Properties []byte
}

// Entry is the metadata of a single item stored in the archive.
//
// Entries are created while parsing the archive header and are immutable
// afterwards, except for ContentMethods, which is populated once the entry's
// folder is first decoded, and Name, which NextEntry fills in for an unnamed
// entry when WithUseDefaultNameForUnnamedEntries is set.
type Entry struct {
	// Name is the entry name, using '/' as directory separator. Empty if
	// the archive does not name the entry.
	Name string

	// Size is the uncompressed content size in bytes.
	Size int64

	// HasStream reports whether the entry has packed content. Directories
	// and empty files have no stream.
	HasStream bool

	// IsDir reports whether the entry is a directory.
	IsDir bool

	// IsAntiItem reports whether the entry is an "anti item", marking a
	// file to delete when applying a patch archive.
	IsAntiItem bool

	// HasCRC reports whether CRC32 holds a checksum for the content.
	HasCRC bool
	CRC32  uint32

	// Timestamps, as NTFS 100ns ticks converted to time.Time. The Has
	// fields report whether the archive stored the value.
	HasCreated  bool
	Created     time.Time
	HasAccessed bool
	Accessed    time.Time
	HasModified bool
	Modified    time.Time

	// HasWinAttributes reports whether WinAttributes holds the Windows
	// attribute bits of the entry.
	HasWinAttributes bool
	WinAttributes    uint32

	// ContentMethods lists the coder pipeline of the entry's folder. It is
	// nil until the entry (or another entry of the same folder) has been
	// reached by NextEntry or EntryReader.
	ContentMethods []Method
}

// secondsBetweenNTFSAndUnixEpochs converts between the NTFS epoch
// (1601-01-01) and the Unix epoch (1970-01-01).
const secondsBetweenNTFSAndUnixEpochs = 11644473600

// ntfsTime converts NTFS 100ns ticks since 1601-01-01 UTC to a time.Time.
func ntfsTime(ticks int64) time.Time {
	secs := ticks / 10_000_000
	rem := ticks % 10_000_000
	return time.Unix(secs-secondsBetweenNTFSAndUnixEpochs, rem*100).UTC()
}

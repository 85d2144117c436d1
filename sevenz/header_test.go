package sevenz

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNumber(t *testing.T) {
	tests := []struct {
		value uint64
	}{
		{0},
		{1},
		{127},
		{128},
		{255},
		{0x3fff},
		{0x4000},
		{0xffff},
		{1 << 20},
		{1 << 35},
		{1<<56 - 1},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		putNum(&buf, tt.value)
		b := &headerBuf{data: buf.Bytes()}
		got, err := b.readNumber()
		require.NoError(t, err)
		assert.Equal(t, int64(tt.value), got, "value %d", tt.value)
		assert.Zero(t, b.remaining(), "value %d", tt.value)
	}
}

func TestReadNumberTruncated(t *testing.T) {
	b := &headerBuf{data: []byte{0x80}}
	_, err := b.readNumber()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadBits(t *testing.T) {
	b := &headerBuf{data: []byte{0b1010_0000}}
	bits, err := b.readBits(4)
	require.NoError(t, err)
	assert.Equal(t, bitset{true, false, true, false}, bits)
}

func TestReadAllOrBits(t *testing.T) {
	b := &headerBuf{data: []byte{1}}
	bits, err := b.readAllOrBits(3)
	require.NoError(t, err)
	assert.Equal(t, 3, bits.cardinality())

	b = &headerBuf{data: []byte{0, 0b0100_0000}}
	bits, err = b.readAllOrBits(3)
	require.NoError(t, err)
	assert.Equal(t, bitset{false, true, false}, bits)
}

// emptyEntriesArchive declares n entries that all have empty streams, so
// no folders or substreams are needed.
func emptyEntriesArchive(tb testing.TB, n int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	buf.WriteByte(idHeader)
	buf.WriteByte(idFilesInfo)
	putNum(&buf, uint64(n))
	bits := make([]byte, (n+7)/8)
	for i := range bits {
		bits[i] = 0xff
	}
	buf.WriteByte(idEmptyStream)
	putNum(&buf, uint64(len(bits)))
	buf.Write(bits)
	buf.WriteByte(idEnd) // FilesInfo
	buf.WriteByte(idEnd) // header
	return assemble(nil, buf.Bytes())
}

func TestMemoryLimitBoundary(t *testing.T) {
	// 64 empty entries estimate to exactly 2*(64*100+4*64) bytes, 13 KiB.
	data := emptyEntriesArchive(t, 64)

	r, err := NewReader(NewByteSource(data), WithMaxMemoryLimitKiB(13))
	require.NoError(t, err)
	assert.Len(t, r.Entries(), 64)
	require.NoError(t, r.Close())

	_, err = NewReader(NewByteSource(data), WithMaxMemoryLimitKiB(12))
	assert.ErrorIs(t, err, ErrMemoryLimit)
}

func TestMemoryLimitLargeArchive(t *testing.T) {
	data := emptyEntriesArchive(t, 100_000)

	_, err := NewReader(NewByteSource(data), WithMaxMemoryLimitKiB(1024))
	assert.ErrorIs(t, err, ErrMemoryLimit)

	r, err := NewReader(NewByteSource(data), WithMaxMemoryLimitKiB(1<<30))
	require.NoError(t, err)
	assert.Len(t, r.Entries(), 100_000)
	require.NoError(t, r.Close())
}

func TestEstimateIsMonotone(t *testing.T) {
	base := archiveStats{
		numberOfPackedStreams:     2,
		numberOfCoders:            3,
		numberOfOutStreams:        3,
		numberOfInStreams:         3,
		numberOfFolders:           2,
		numberOfEntries:           5,
		numberOfEntriesWithStream: 5,
	}
	grow := []func(*archiveStats){
		func(s *archiveStats) { s.numberOfPackedStreams++ },
		func(s *archiveStats) { s.numberOfCoders++ },
		func(s *archiveStats) { s.numberOfOutStreams++; s.numberOfInStreams++ },
		func(s *archiveStats) { s.numberOfFolders++; s.numberOfOutStreams++; s.numberOfInStreams++ },
		func(s *archiveStats) { s.numberOfEntries++ },
	}
	for i, g := range grow {
		bigger := base
		g(&bigger)
		assert.Greater(t, bigger.estimateSize(), base.estimateSize(), "dimension %d", i)
	}
}

func TestSanityRejectsEmptyFileBeforeEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 1)             // one entry
	buf.WriteByte(idEmptyFile)  // before kEmptyStream
	putNum(&buf, 1)
	buf.WriteByte(0x80)
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityRejectsOddNameLength(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 1)
	buf.WriteByte(idName)
	putNum(&buf, 4) // external + 3 name bytes, odd
	buf.WriteByte(0)
	buf.Write([]byte{'a', 0, 0})
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityRejectsExternalNames(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 1)
	buf.WriteByte(idName)
	putNum(&buf, 5)
	buf.WriteByte(1) // external flag set
	buf.Write([]byte{'a', 0, 0, 0})
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityRejectsWrongNameCount(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 2) // two entries declared
	buf.WriteByte(idName)
	putNum(&buf, 5) // but only one name follows
	buf.WriteByte(0)
	buf.Write([]byte{'a', 0, 0, 0})
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityRejectsStartPos(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 1)
	buf.WriteByte(idStartPos)
	putNum(&buf, 0)
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityIgnoresDummy(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 0)
	buf.WriteByte(idDummy)
	putNum(&buf, 3)
	buf.Write([]byte{0, 0, 0})
	buf.WriteByte(idEnd)
	err := sanityCheckFilesInfo(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.NoError(t, err)
}

func TestSanityRejectsFolderWithoutCoders(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 0) // zero coders
	_, err := sanityCheckFolder(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSanityRejectsAlternativeMethods(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 1)
	buf.WriteByte(0x81) // one id byte, alternative methods flag
	buf.WriteByte(0x00)
	_, err := sanityCheckFolder(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrUnsupportedCoder)
}

func TestSanityRejectsBadBindPairIndex(t *testing.T) {
	var buf bytes.Buffer
	putNum(&buf, 2) // two coders
	buf.WriteByte(0x01)
	buf.WriteByte(0x00)
	buf.WriteByte(0x01)
	buf.WriteByte(0x21)
	putNum(&buf, 9) // inIndex out of range
	putNum(&buf, 0)
	_, err := sanityCheckFolder(&headerBuf{data: buf.Bytes()}, &archiveStats{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestNTFSTimeConversion(t *testing.T) {
	// 1601-01-01 is tick zero.
	assert.Equal(t, "1601-01-01T00:00:00Z", ntfsTime(0).Format("2006-01-02T15:04:05Z07:00"))
	// 116444736000000000 ticks reach the Unix epoch.
	assert.Equal(t, int64(0), ntfsTime(116444736000000000).Unix())
}

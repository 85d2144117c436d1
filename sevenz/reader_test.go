package sevenz

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openArchive(tb testing.TB, data []byte, opts ...Option) *Reader {
	tb.Helper()
	r, err := NewReader(NewByteSource(data), opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReadSingleEntry(t *testing.T) {
	content := []byte("Hello")
	data := singleFileArchive(t, "hello", content).build(t)
	r := openArchive(t, data)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Name)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.False(t, entries[0].IsDir)

	entry, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Name)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = r.NextEntry()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHelloFolderCRCMatchesKnownValue(t *testing.T) {
	// Pin the checksum of the canonical test content so builder and
	// reader cannot drift together.
	assert.Equal(t, uint32(0xf7d18982), crc32.ChecksumIEEE([]byte("Hello")))
}

func TestEntryCRCMismatch(t *testing.T) {
	ab := singleFileArchive(t, "hello", []byte("Hello"))
	ab.folders[0].crc = 0 // corrupt
	r := openArchive(t, ab.build(t))

	_, err := r.NextEntry()
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := io.ReadFull(r, buf)
	if err == nil {
		_, err = r.Read(buf)
	}
	assert.ErrorIs(t, err, ErrEntryCRCMismatch)
	assert.LessOrEqual(t, n, 5)
}

func TestReopenIsDeterministic(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	r1 := openArchive(t, data)
	r2 := openArchive(t, data)
	e1, e2 := r1.Entries(), r2.Entries()
	require.Len(t, e2, len(e1))
	for i := range e1 {
		assert.Equal(t, *e1[i], *e2[i])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	r, err := NewReader(NewByteSource(data), WithPasswordString("secret"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestSolidFolderSequential(t *testing.T) {
	first, second := []byte("Hello"), []byte("World!")
	ab := &archiveBuilder{
		folders: []testFolder{copyFolder(first, second)},
		files: []testFile{
			{name: "a.txt", hasStream: true},
			{name: "b.txt", hasStream: true},
		},
	}
	r := openArchive(t, ab.build(t))

	entry, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "a.txt", entry.Name)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	entry, err = r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "b.txt", entry.Name)
	assert.Equal(t, int64(6), entry.Size)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestSolidFolderRandomAccess(t *testing.T) {
	first, second, third := []byte("Hello"), []byte("World!"), []byte("again")
	ab := &archiveBuilder{
		folders: []testFolder{copyFolder(first, second, third)},
		files: []testFile{
			{name: "a", hasStream: true},
			{name: "b", hasStream: true},
			{name: "c", hasStream: true},
		},
	}
	r := openArchive(t, ab.build(t))
	entries := r.Entries()

	// Jump straight to the last entry: the two in front have to be
	// decoded and discarded.
	stream, err := r.EntryReader(entries[2])
	require.NoError(t, err)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, third, got)

	// Going backwards forces the folder to be reopened.
	stream, err = r.EntryReader(entries[0])
	require.NoError(t, err)
	got, err = io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// Forward again inside the same folder.
	stream, err = r.EntryReader(entries[1])
	require.NoError(t, err)
	got, err = io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestEntryReaderRejectsForeignEntry(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	r := openArchive(t, data)
	_, err := r.EntryReader(&Entry{Name: "foreign"})
	assert.Error(t, err)
}

func TestEmptyArchive(t *testing.T) {
	ab := &archiveBuilder{}
	r := openArchive(t, ab.build(t))
	assert.Empty(t, r.Entries())
	_, err := r.NextEntry()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEmptyFileWithoutFolders(t *testing.T) {
	ab := &archiveBuilder{
		files: []testFile{{name: "empty.txt", hasStream: false, emptyFile: true}},
	}
	r := openArchive(t, ab.build(t))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsDir)
	assert.False(t, entries[0].HasStream)
	assert.Zero(t, entries[0].Size)

	entry, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "empty.txt", entry.Name)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDirectoryEntry(t *testing.T) {
	ab := &archiveBuilder{
		files: []testFile{{name: "dir", hasStream: false}},
	}
	r := openArchive(t, ab.build(t))
	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir)
}

func TestEncodedHeader(t *testing.T) {
	content := []byte("Hello")
	plain := singleFileArchive(t, "hello", content).build(t)
	encoded := singleFileArchive(t, "hello", content).buildEncoded(t)

	rPlain := openArchive(t, plain)
	rEncoded := openArchive(t, encoded)

	ePlain, eEncoded := rPlain.Entries(), rEncoded.Entries()
	require.Len(t, eEncoded, len(ePlain))
	for i := range ePlain {
		assert.Equal(t, *ePlain[i], *eEncoded[i])
	}

	_, err := rEncoded.NextEntry()
	require.NoError(t, err)
	got, err := io.ReadAll(rEncoded)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDefaultNameForUnnamedEntries(t *testing.T) {
	ab := singleFileArchive(t, "", []byte("Hello"))
	r := openArchive(t, ab.build(t),
		WithDefaultName("backup.7z"),
		WithUseDefaultNameForUnnamedEntries(true),
	)
	entry, err := r.NextEntry()
	require.NoError(t, err)
	assert.Equal(t, "backup", entry.Name)
}

func TestDefaultNameHeuristics(t *testing.T) {
	tests := []struct {
		archiveName string
		want        string
	}{
		{"backup.7z", "backup"},
		{"/tmp/data.tar.7z", "data.tar"},
		{"noextension", "noextension~"},
		{"", ""},
	}
	for _, tt := range tests {
		r := &Reader{archiveName: tt.archiveName}
		assert.Equal(t, tt.want, r.DefaultName(), "archive name %q", tt.archiveName)
	}
}

func TestEntryStats(t *testing.T) {
	content := []byte("Hello")
	r := openArchive(t, singleFileArchive(t, "hello", content).build(t))
	_, err := r.NextEntry()
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.NoError(t, err)
	compressed, uncompressed := r.EntryStats()
	assert.Equal(t, int64(5), uncompressed)
	assert.Equal(t, int64(5), compressed) // Copy coder reads 1:1
}

func TestContentMethodsPopulatedLazily(t *testing.T) {
	r := openArchive(t, singleFileArchive(t, "hello", []byte("Hello")).build(t))
	require.Nil(t, r.Entries()[0].ContentMethods)
	entry, err := r.NextEntry()
	require.NoError(t, err)
	require.Len(t, entry.ContentMethods, 1)
	assert.Equal(t, MethodCopy, entry.ContentMethods[0].ID)
}

func TestBadMagic(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	data[0] = 'z'
	_, err := NewReader(NewByteSource(data))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestUnsupportedVersion(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	data[6] = 1
	_, err := NewReader(NewByteSource(data))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestStartHeaderCRCMismatch(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	binary.LittleEndian.PutUint32(data[8:], 0xdeadbeef)
	_, err := NewReader(NewByteSource(data))
	assert.ErrorIs(t, err, ErrHeaderCRCMismatch)
}

func TestNextHeaderOutOfBounds(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	// Point the next header past the end of the file and fix up the
	// start header CRC so the bounds check is what fires.
	binary.LittleEndian.PutUint64(data[12:], uint64(len(data)))
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(data[12:32]))
	copy(data[8:], crc[:])
	_, err := NewReader(NewByteSource(data))
	assert.ErrorIs(t, err, ErrNextHeaderOutOfBounds)
}

func TestHeaderCRCMismatch(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	data[len(data)-1] ^= 0xff
	_, err := NewReader(NewByteSource(data))
	assert.ErrorIs(t, err, ErrHeaderCRCMismatch)
}

func TestTruncatedArchive(t *testing.T) {
	data := singleFileArchive(t, "hello", []byte("Hello")).build(t)
	_, err := NewReader(NewByteSource(data[:8]))
	assert.ErrorIs(t, err, ErrTruncated)
}

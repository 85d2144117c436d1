package sevenz

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/meigma/unpack/internal/streams"
)

// signatureHeaderSize is the size of the fixed part at the start of every
// archive: magic, version, start header CRC and start header.
const signatureHeaderSize = 32

var signature = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}

// defaultMaxMemoryLimitKiB effectively disables the memory limit.
const defaultMaxMemoryLimitKiB = maxInt32

const maxInt32 = int(^uint32(0) >> 1)

// ByteSource provides random access to the archive bytes.
//
// Implementations exist for local files (see OpenReader) and in-memory
// buffers (see NewByteSource).
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// NewByteSource returns a ByteSource over an in-memory archive.
func NewByteSource(data []byte) ByteSource {
	return byteSliceSource(data)
}

type byteSliceSource []byte

func (s byteSliceSource) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(s).ReadAt(p, off)
}

func (s byteSliceSource) Size() int64 { return int64(len(s)) }

type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) Close() error                            { return s.f.Close() }

// Option configures a Reader.
type Option func(*Reader)

// WithPassword sets the password for encrypted archives. The bytes are the
// UTF-16LE encoded representation of the password and are copied; the copy
// is zeroed when the Reader is closed.
func WithPassword(password []byte) Option {
	return func(r *Reader) {
		r.password = append([]byte(nil), password...)
	}
}

// WithPasswordString sets the password for encrypted archives from a
// string, encoding it as UTF-16LE.
func WithPasswordString(password string) Option {
	return func(r *Reader) {
		r.password = utf16LEBytes(password)
	}
}

// WithMaxMemoryLimitKiB caps the memory the Reader may allocate while
// parsing the archive metadata and decoding entries. Archives whose
// conservative parse estimate exceeds the limit fail with ErrMemoryLimit.
func WithMaxMemoryLimitKiB(limit int) Option {
	return func(r *Reader) {
		r.maxMemoryLimitKiB = limit
	}
}

// WithDefaultName sets the name used to derive names for unnamed entries,
// typically the archive's file name. OpenReader sets this automatically.
func WithDefaultName(name string) Option {
	return func(r *Reader) {
		r.archiveName = name
	}
}

// WithUseDefaultNameForUnnamedEntries makes NextEntry fill in the name of
// unnamed entries from DefaultName.
func WithUseDefaultNameForUnnamedEntries(use bool) Option {
	return func(r *Reader) {
		r.useDefaultName = use
	}
}

// WithRecoverBrokenArchives makes the Reader scan for a valid end header
// when the start header is blank, as happens when a multi volume archive
// is closed prematurely. The Reader will then trust data that merely looks
// like archive metadata, so combining this with WithMaxMemoryLimitKiB is
// strongly recommended.
func WithRecoverBrokenArchives(enabled bool) Option {
	return func(r *Reader) {
		r.recoverBroken = enabled
	}
}

// Reader reads entries from a 7z archive.
//
// Entries can be visited sequentially with NextEntry and Read, or randomly
// with EntryReader. For archives using solid compression random access is
// significantly slower than sequential reading: entries in front of the
// requested one have to be decoded and discarded.
type Reader struct {
	src         ByteSource
	closer      io.Closer
	archiveName string

	password          []byte
	maxMemoryLimitKiB int
	useDefaultName    bool
	recoverBroken     bool

	arch *archive

	currentEntryIndex    int
	currentFolderIndex   int
	currentFolderStream  io.Reader
	deferredBlockStreams []io.Reader

	compressedCounter     *streams.CountingReader
	uncompressedBytesRead int64

	closed bool
}

// OpenReader opens the named file as a 7z archive.
//
// The returned Reader owns the file handle; Close releases it.
func OpenReader(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	src := &fileSource{f: f, size: info.Size()}
	opts = append([]Option{WithDefaultName(path)}, opts...)
	r, err := NewReader(src, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = src
	return r, nil
}

// NewReader reads a ByteSource as a 7z archive.
//
// The Reader takes ownership of src: if src implements io.Closer it is
// closed together with the Reader.
func NewReader(src ByteSource, opts ...Option) (*Reader, error) {
	r := &Reader{
		src:                src,
		maxMemoryLimitKiB:  defaultMaxMemoryLimitKiB,
		currentEntryIndex:  -1,
		currentFolderIndex: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if c, ok := src.(io.Closer); ok {
		r.closer = c
	}
	arch, err := r.readHeaders()
	if err != nil {
		r.zeroPassword()
		return nil, err
	}
	r.arch = arch
	return r, nil
}

// Close closes the archive and the underlying byte source and zeroes the
// in-memory password copy. Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.zeroPassword()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) zeroPassword() {
	for i := range r.password {
		r.password[i] = 0
	}
	r.password = nil
}

// Entries returns the metadata of all archive entries in archive order.
//
// The entries cannot be used to read content on their own; use NextEntry
// or EntryReader for that. ContentMethods is only populated for entries
// whose folder has been reached.
func (r *Reader) Entries() []*Entry {
	return append([]*Entry(nil), r.arch.files...)
}

// DefaultName derives a name for unnamed entries from the archive name,
// using the same heuristics as the 7z tools: the archive name without its
// extension, or with a '~' appended when it has no extension. Returns the
// empty string when the archive name is unknown.
func (r *Reader) DefaultName() string {
	if r.archiveName == "" {
		return ""
	}
	base := filepath.Base(r.archiveName)
	if dot := strings.LastIndex(base, "."); dot > 0 {
		return base[:dot]
	}
	return base + "~"
}

// NextEntry advances to the next entry and returns its metadata. It
// returns io.EOF after the last entry.
func (r *Reader) NextEntry() (*Entry, error) {
	if r.currentEntryIndex >= len(r.arch.files)-1 {
		return nil, io.EOF
	}
	r.currentEntryIndex++
	entry := r.arch.files[r.currentEntryIndex]
	if entry.Name == "" && r.useDefaultName {
		entry.Name = r.DefaultName()
	}
	if err := r.buildDecodingStream(r.currentEntryIndex, false); err != nil {
		return nil, err
	}
	r.uncompressedBytesRead = 0
	if r.compressedCounter != nil {
		r.compressedCounter.N = 0
	}
	return entry, nil
}

// Read reads content of the current entry, the one most recently returned
// by NextEntry.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	stream, err := r.currentStream()
	if err != nil {
		return 0, err
	}
	n, err := stream.Read(p)
	if n > 0 {
		r.uncompressedBytesRead += int64(n)
	}
	return n, err
}

// EntryReader returns a reader for the content of the given entry,
// positioning the archive cursor on it.
//
// The returned reader stays valid until the next call to NextEntry,
// EntryReader or Close. Entry must be one of the values returned by
// Entries, NextEntry or a previous cursor position of this Reader.
func (r *Reader) EntryReader(entry *Entry) (io.Reader, error) {
	entryIndex := -1
	for i, e := range r.arch.files {
		if e == entry {
			entryIndex = i
			break
		}
	}
	if entryIndex < 0 {
		return nil, fmt.Errorf("sevenz: entry %q is not part of this archive", entry.Name)
	}
	if err := r.buildDecodingStream(entryIndex, true); err != nil {
		return nil, err
	}
	r.currentEntryIndex = entryIndex
	r.currentFolderIndex = r.arch.streamMap.fileFolderIndex[entryIndex]
	return r.currentStream()
}

// EntryStats reports how many bytes have been consumed for the current
// entry: compressed bytes read from the archive and uncompressed bytes
// returned to the caller.
func (r *Reader) EntryStats() (compressed, uncompressed int64) {
	if r.compressedCounter != nil {
		compressed = r.compressedCounter.N
	}
	return compressed, r.uncompressedBytesRead
}

// currentStream returns the stream of the current entry, draining any
// deferred predecessor streams of the folder first.
func (r *Reader) currentStream() (io.Reader, error) {
	if r.currentEntryIndex < 0 {
		return nil, errors.New("sevenz: no current entry, call NextEntry first")
	}
	if r.arch.files[r.currentEntryIndex].Size == 0 {
		return bytes.NewReader(nil), nil
	}
	if len(r.deferredBlockStreams) == 0 {
		return nil, errors.New("sevenz: no current entry, call NextEntry first")
	}
	for len(r.deferredBlockStreams) > 1 {
		// Solid compression: everything in front of the requested entry
		// has to be decoded, but only now that it is actually needed.
		stream := r.deferredBlockStreams[0]
		r.deferredBlockStreams = r.deferredBlockStreams[1:]
		if _, err := io.Copy(io.Discard, stream); err != nil {
			return nil, err
		}
		if r.compressedCounter != nil {
			r.compressedCounter.N = 0
		}
	}
	return r.deferredBlockStreams[0], nil
}

// buildDecodingStream queues the stream for the entry at entryIndex. For
// random access, streams of entries between the cursor and the requested
// entry are queued too so they can be skipped lazily.
func (r *Reader) buildDecodingStream(entryIndex int, isRandomAccess bool) error {
	if r.arch.streamMap.fileFolderIndex == nil {
		return fmt.Errorf("%w: archive contains no stream information", ErrMalformedHeader)
	}
	folderIndex := r.arch.streamMap.fileFolderIndex[entryIndex]
	if folderIndex < 0 {
		r.deferredBlockStreams = nil
		return nil
	}
	file := r.arch.files[entryIndex]
	isInSameFolder := false
	if r.currentFolderIndex == folderIndex {
		if entryIndex > 0 {
			file.ContentMethods = r.arch.files[entryIndex-1].ContentMethods
		}
		if isRandomAccess && file.ContentMethods == nil {
			firstInFolder := r.arch.streamMap.folderFirstFileIndex[folderIndex]
			file.ContentMethods = r.arch.files[firstInFolder].ContentMethods
		}
		isInSameFolder = true
	} else {
		r.currentFolderIndex = folderIndex
		if err := r.reopenFolderStream(folderIndex, file); err != nil {
			return err
		}
	}
	haveSkippedEntries := false
	if isRandomAccess {
		skipped, err := r.skipEntriesWhenNeeded(entryIndex, isInSameFolder, folderIndex)
		if err != nil {
			return err
		}
		haveSkippedEntries = skipped
	}
	if isRandomAccess && r.currentEntryIndex == entryIndex && !haveSkippedEntries {
		// The stream for the requested entry is already queued.
		return nil
	}
	r.deferredBlockStreams = append(r.deferredBlockStreams, r.entryStream(file))
	return nil
}

// entryStream bounds the folder stream to the entry's declared size and
// adds the CRC check when the archive stores one.
func (r *Reader) entryStream(file *Entry) io.Reader {
	if file.HasCRC {
		return streams.NewCRC32Verifier(r.currentFolderStream, file.Size, file.CRC32, ErrEntryCRCMismatch)
	}
	return streams.NewBoundedReader(r.currentFolderStream, file.Size)
}

// reopenFolderStream discards queued streams and opens the folder's pack
// data from its first byte.
func (r *Reader) reopenFolderStream(folderIndex int, file *Entry) error {
	r.deferredBlockStreams = nil
	f := r.arch.folders[folderIndex]
	firstPackStreamIndex := r.arch.streamMap.folderFirstPackStreamIndex[folderIndex]
	folderOffset := signatureHeaderSize + r.arch.packPos + r.arch.streamMap.packStreamOffsets[firstPackStreamIndex]
	stream, err := r.buildDecoderStack(f, folderOffset, firstPackStreamIndex, file)
	if err != nil {
		return err
	}
	r.currentFolderStream = stream
	return nil
}

// skipEntriesWhenNeeded queues bounded streams for the entries between the
// cursor and entryIndex. Inside the open folder it reopens the folder when
// entryIndex is at or before the cursor (including the current entry once
// some of its data has been read); moving forward only queues the entries
// in between, whose streams are drained when the requested one is read.
func (r *Reader) skipEntriesWhenNeeded(entryIndex int, isInSameFolder bool, folderIndex int) (bool, error) {
	file := r.arch.files[entryIndex]
	if r.currentEntryIndex == entryIndex && !r.hasCurrentEntryBeenRead() {
		return false, nil
	}
	filesToSkipStartIndex := r.arch.streamMap.folderFirstFileIndex[r.currentFolderIndex]
	if isInSameFolder {
		if r.currentEntryIndex < entryIndex {
			// Streams up to and including the cursor are queued already.
			filesToSkipStartIndex = r.currentEntryIndex + 1
		} else if err := r.reopenFolderStream(folderIndex, file); err != nil {
			return false, err
		}
	}
	for i := filesToSkipStartIndex; i < entryIndex; i++ {
		fileToSkip := r.arch.files[i]
		r.deferredBlockStreams = append(r.deferredBlockStreams, r.entryStream(fileToSkip))
		fileToSkip.ContentMethods = file.ContentMethods
	}
	return true, nil
}

// hasCurrentEntryBeenRead compares the bytes remaining on the current
// entry's stream with the entry's declared size.
func (r *Reader) hasCurrentEntryBeenRead() bool {
	if len(r.deferredBlockStreams) == 0 {
		return false
	}
	type remainer interface{ Remaining() int64 }
	stream, ok := r.deferredBlockStreams[len(r.deferredBlockStreams)-1].(remainer)
	if !ok {
		return false
	}
	return stream.Remaining() != r.arch.files[r.currentEntryIndex].Size
}

// buildDecoderStack composes the folder's coders over the folder's pack
// data, wrapping the raw bytes in a bound, an optional pack CRC check and
// the compressed byte counter.
func (r *Reader) buildDecoderStack(f *folder, folderOffset int64, firstPackStreamIndex int, entry *Entry) (io.Reader, error) {
	packSize := r.arch.packSizes[firstPackStreamIndex]
	var raw io.Reader = io.NewSectionReader(r.src, folderOffset, packSize)
	if r.arch.packCRCsDefined.get(firstPackStreamIndex) {
		raw = streams.NewCRC32Verifier(raw, packSize, r.arch.packCRCs[firstPackStreamIndex], ErrPackDataCRCMismatch)
	}
	counter := &streams.CountingReader{R: bufio.NewReader(raw)}
	r.compressedCounter = counter

	stack := io.Reader(counter)
	methods := make([]Method, 0, len(f.coders))
	for _, c := range f.orderedCoders() {
		if c.numInStreams != 1 || c.numOutStreams != 1 {
			return nil, fmt.Errorf("%w: multi input/output stream coders are not supported", ErrUnsupportedCoder)
		}
		decoded, err := addDecoder(stack, f.unpackSizeForCoder(c), c, r.password, r.maxMemoryLimitKiB)
		if err != nil {
			return nil, err
		}
		stack = decoded
		methods = append([]Method{{ID: methodIDFromBytes(c.methodID), Properties: c.properties}}, methods...)
	}
	entry.ContentMethods = methods
	if f.hasCRC {
		return streams.NewCRC32Verifier(stack, f.unpackSize(), f.crc, ErrEntryCRCMismatch), nil
	}
	return stack, nil
}

// utf16LEBytes encodes a string as UTF-16LE, the password encoding used by
// the 7z key derivation.
func utf16LEBytes(s string) []byte {
	codes := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(codes))
	for i, c := range codes {
		b[2*i] = byte(c)
		b[2*i+1] = byte(c >> 8)
	}
	return b
}

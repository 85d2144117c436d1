// Package lz77 finds back-references in a byte stream, the core shared by
// LZ77 derived compression algorithms.
//
// Most LZ77 derived algorithms split input data into blocks of
// uncompressed data (literal blocks) and back-references (pairs of offsets
// and lengths) that state "add length bytes that are the same as those
// already written starting offset bytes before the current position". How
// blocks and back-references are encoded differs between the algorithms;
// this package only extracts the shared matching logic, following the
// algorithm explained in section 4 of RFC 1951 (DEFLATE) with the
// three-byte rolling hash used by zlib.
//
// The compressor is fed bytes and emits Blocks to a registered callback,
// where a block is either a Literal, a BackReference or EOD. Finish must
// be called once all data has been fed so the trailing blocks reach the
// callback.
package lz77

import "errors"

// ErrPrefillAfterStart is returned when Prefill is called after the
// compressor has started to accept data.
var ErrPrefillAfterStart = errors.New("lz77: compressor has already started to accept data, can't prefill anymore")

// Block is a unit emitted by the compressor: a Literal, a BackReference
// or EOD.
type Block interface {
	isBlock()
}

// Literal is a run of uncompressed bytes.
//
// Data is a live view into the compressor's window to avoid copying; the
// callback must consume Data[Off:Off+Len] before the next call into the
// compressor invalidates it.
type Literal struct {
	Data []byte
	Off  int
	Len  int
}

// BackReference states that Length bytes equal the bytes starting Offset
// positions before the current one.
type BackReference struct {
	Offset int
	Length int
}

// EOD marks the end of data.
type EOD struct{}

func (Literal) isBlock()       {}
func (BackReference) isBlock() {}
func (EOD) isBlock()           {}

// Callback consumes blocks. It is invoked on the caller's goroutine and
// may be invoked multiple times during a single Compress or Finish call.
type Callback func(Block) error

const (
	hashBytes = 3
	noMatch   = -1

	// 15 bit hash codes as calculated in nextHash.
	hashSize  = 1 << 15
	hashMask  = hashSize - 1
	hashShift = 5
)

// Compressor finds back-references in the data it is fed.
type Compressor struct {
	params   Params
	callback Callback

	// The sliding window, twice as big as the windowSize parameter.
	window []byte

	// head maps a hash code to the latest window position of a byte
	// triple with that hash; prev chains each of the latest windowSize
	// positions to the previous position with the same hash.
	head []int
	prev []int
	// bit mask used when indexing into prev
	wMask int

	initialized bool
	// the position inside the window that shall be encoded right now
	currentPosition int
	// bytes available to compress, including the one at currentPosition
	lookahead int
	// rolling hash of the three bytes starting at the current position
	insertHash int
	// where the pending literal block starts, if any
	blockStart int
	// position of the current match
	matchStart int
	// insertString calls for the tail of the last match that can only be
	// performed once more data has been read
	missedInserts int
}

// NewCompressor returns a compressor that reports blocks to callback.
func NewCompressor(params Params, callback Callback) *Compressor {
	wSize := params.WindowSize()
	c := &Compressor{
		params:     params,
		callback:   callback,
		window:     make([]byte, 2*wSize),
		head:       make([]int, hashSize),
		prev:       make([]int, wSize),
		wMask:      wSize - 1,
		matchStart: noMatch,
	}
	for i := range c.head {
		c.head[i] = noMatch
	}
	return c
}

// Compress feeds data into the compressor, which in turn may emit zero or
// more blocks to the callback.
func (c *Compressor) Compress(data []byte) error {
	wSize := c.params.WindowSize()
	// chop into windowSize sized chunks
	for len(data) > wSize {
		if err := c.doCompress(data[:wSize]); err != nil {
			return err
		}
		data = data[wSize:]
	}
	if len(data) > 0 {
		return c.doCompress(data)
	}
	return nil
}

// Finish processes all remaining data and signals end of data to the
// callback, emitting at least the EOD block.
func (c *Compressor) Finish() error {
	if c.blockStart != c.currentPosition || c.lookahead > 0 {
		c.currentPosition += c.lookahead
		if err := c.flushLiteralBlock(); err != nil {
			return err
		}
	}
	return c.callback(EOD{})
}

// Prefill adds initial data to fill the window with, for streams cut into
// blocks whose back-references may refer to data of earlier blocks. Only
// the last windowSize bytes of data are relevant.
//
// Prefill must be called before the first Compress call.
func (c *Compressor) Prefill(data []byte) error {
	if c.currentPosition != 0 || c.lookahead != 0 {
		return ErrPrefillAfterStart
	}
	wSize := c.params.WindowSize()
	length := len(data)
	if length > wSize {
		length = wSize
	}
	copy(c.window, data[len(data)-length:])

	if length >= hashBytes {
		c.initialize()
		stop := length - hashBytes + 1
		for i := 0; i < stop; i++ {
			c.insertString(i)
		}
		c.missedInserts = hashBytes - 1
	} else {
		// not enough data to hash anything
		c.missedInserts = length
	}
	c.blockStart = length
	c.currentPosition = length
	return nil
}

// doCompress performs the actual algorithm, precondition len(data) <=
// windowSize.
func (c *Compressor) doCompress(data []byte) error {
	spaceLeft := len(c.window) - c.currentPosition - c.lookahead
	if len(data) > spaceLeft {
		if err := c.slide(); err != nil {
			return err
		}
	}
	copy(c.window[c.currentPosition+c.lookahead:], data)
	c.lookahead += len(data)
	if !c.initialized && c.lookahead >= c.params.MinBackReferenceLength() {
		c.initialize()
	}
	if c.initialized {
		return c.compress()
	}
	return nil
}

func (c *Compressor) compress() error {
	minMatch := c.params.MinBackReferenceLength()
	lazy := c.params.LazyMatching()
	lazyThreshold := c.params.LazyThreshold()

	for c.lookahead >= minMatch {
		c.catchUpMissedInserts()
		matchLength := 0
		hashHead := c.insertString(c.currentPosition)
		if hashHead != noMatch && hashHead-c.currentPosition <= c.params.MaxOffset() {
			// sets matchStart as a side effect
			matchLength = c.longestMatch(hashHead)
			if lazy && matchLength <= lazyThreshold && c.lookahead > minMatch {
				// try to find a longer match using the next position
				matchLength = c.longestMatchForNextPosition(matchLength)
			}
		}
		if matchLength >= minMatch {
			if c.blockStart != c.currentPosition {
				// emit the preceding literal block
				if err := c.flushLiteralBlock(); err != nil {
					return err
				}
				c.blockStart = noMatch
			}
			if err := c.flushBackReference(matchLength); err != nil {
				return err
			}
			c.insertStringsInMatch(matchLength)
			c.lookahead -= matchLength
			c.currentPosition += matchLength
			c.blockStart = c.currentPosition
		} else {
			// no match, append to the current or start a new literal
			c.lookahead--
			c.currentPosition++
			if c.currentPosition-c.blockStart >= c.params.MaxLiteralLength() {
				if err := c.flushLiteralBlock(); err != nil {
					return err
				}
				c.blockStart = c.currentPosition
			}
		}
	}
	return nil
}

// longestMatch walks the hash chain for real matches and returns the
// length of the longest one that isn't too far away, setting matchStart
// as a side effect. The result is below the minimal length if nothing was
// found.
func (c *Compressor) longestMatch(matchHead int) int {
	minLength := c.params.MinBackReferenceLength()
	longestMatchLength := minLength - 1
	maxPossibleLength := c.params.MaxBackReferenceLength()
	if c.lookahead < maxPossibleLength {
		maxPossibleLength = c.lookahead
	}
	minIndex := c.currentPosition - c.params.MaxOffset()
	if minIndex < 0 {
		minIndex = 0
	}
	niceLength := c.params.NiceBackReferenceLength()
	if maxPossibleLength < niceLength {
		niceLength = maxPossibleLength
	}
	maxCandidates := c.params.MaxCandidates()
	for candidates := 0; candidates < maxCandidates && matchHead >= minIndex; candidates++ {
		currentLength := 0
		for i := 0; i < maxPossibleLength; i++ {
			if c.window[matchHead+i] != c.window[c.currentPosition+i] {
				break
			}
			currentLength++
		}
		if currentLength > longestMatchLength {
			longestMatchLength = currentLength
			c.matchStart = matchHead
			if currentLength >= niceLength {
				// no need to search any further
				break
			}
		}
		matchHead = c.prev[matchHead&c.wMask]
	}
	return longestMatchLength
}

func (c *Compressor) longestMatchForNextPosition(prevMatchLength int) int {
	// save the state to restore it if the next match isn't better
	prevMatchStart := c.matchStart
	prevInsertHash := c.insertHash

	c.lookahead--
	c.currentPosition++
	hashHead := c.insertString(c.currentPosition)
	prevHashHead := c.prev[c.currentPosition&c.wMask]
	matchLength := c.longestMatch(hashHead)

	if matchLength <= prevMatchLength {
		// use the first match, as the next one isn't any better
		matchLength = prevMatchLength
		c.matchStart = prevMatchStart

		c.head[c.insertHash] = prevHashHead
		c.insertHash = prevInsertHash
		c.currentPosition--
		c.lookahead++
	}
	return matchLength
}

// insertString inserts the three byte sequence at pos into the dictionary
// and returns the previous head of its hash chain, updating insertHash and
// prev as a side effect.
func (c *Compressor) insertString(pos int) int {
	c.insertHash = nextHash(c.insertHash, c.window[pos-1+hashBytes])
	hashHead := c.head[c.insertHash]
	c.prev[pos&c.wMask] = hashHead
	c.head[c.insertHash] = pos
	return hashHead
}

// insertStringsInMatch inserts the strings contained in the current match.
// insertString hashes the byte two positions after the inserted one, which
// may not be available yet; those inserts are deferred via missedInserts.
func (c *Compressor) insertStringsInMatch(matchLength int) {
	stop := matchLength - 1
	if c.lookahead-hashBytes < stop {
		stop = c.lookahead - hashBytes
	}
	// currentPosition has been inserted already
	for i := 1; i <= stop; i++ {
		c.insertString(c.currentPosition + i)
	}
	c.missedInserts = matchLength - stop - 1
}

func (c *Compressor) catchUpMissedInserts() {
	for c.missedInserts > 0 {
		c.insertString(c.currentPosition - c.missedInserts)
		c.missedInserts--
	}
}

func (c *Compressor) flushBackReference(matchLength int) error {
	return c.callback(BackReference{
		Offset: c.currentPosition - c.matchStart,
		Length: matchLength,
	})
}

func (c *Compressor) flushLiteralBlock() error {
	return c.callback(Literal{
		Data: c.window,
		Off:  c.blockStart,
		Len:  c.currentPosition - c.blockStart,
	})
}

func (c *Compressor) initialize() {
	for i := 0; i < hashBytes-1; i++ {
		c.insertHash = nextHash(c.insertHash, c.window[i])
	}
	c.initialized = true
}

// slide moves the upper half of the window down once the free tail is too
// small for the next chunk. Every index that can point into the window
// moves down together; head and prev entries that would become negative
// turn into noMatch.
func (c *Compressor) slide() error {
	wSize := c.params.WindowSize()
	if c.blockStart != c.currentPosition && c.blockStart < wSize {
		if err := c.flushLiteralBlock(); err != nil {
			return err
		}
		c.blockStart = c.currentPosition
	}
	copy(c.window, c.window[wSize:])
	c.currentPosition -= wSize
	c.matchStart -= wSize
	c.blockStart -= wSize
	for i, h := range c.head {
		if h >= wSize {
			c.head[i] = h - wSize
		} else {
			c.head[i] = noMatch
		}
	}
	for i, p := range c.prev {
		if p >= wSize {
			c.prev[i] = p - wSize
		} else {
			c.prev[i] = noMatch
		}
	}
	return nil
}

// nextHash rolls the hash: for bytes ABCD, if h is the hash of ABC the
// hash of BCD is nextHash(h, D). The shift of five means all effects of
// the first byte are gone after three updates.
func nextHash(oldHash int, nextByte byte) int {
	return (oldHash<<hashShift ^ int(nextByte)) & hashMask
}

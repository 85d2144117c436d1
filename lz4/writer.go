// Package lz4 implements a writer for the LZ4 block format on top of the
// lz77 matcher.
//
// The LZ4 block format has a few properties that make it less
// straight-forward than one would hope: literal blocks and back-references
// must come in pairs (except for the very last literal block), the start
// of a pair contains part of the back-reference length, and the format
// demands that the last five bytes of a block are literals and that the
// last match starts at least twelve bytes before the end of the block.
// The writer therefore buffers pairs until enough data has accumulated
// behind them and rewrites the tail of the stream when it is finished.
package lz4

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/meigma/unpack/lz77"
)

const (
	// windowSize is the size of the matcher's window; the block format's
	// two-byte offsets reach at most windowSize-1 bytes back.
	windowSize = 1 << 16

	minBackReferenceLength       = 4
	minOffsetOfLastBackReference = 12

	// The token byte splits into two nibbles.
	sizeBits              = 4
	backReferenceSizeMask = 1<<sizeBits - 1
)

// DefaultParams returns lz77 parameters tuned for the LZ4 block format.
func DefaultParams() (lz77.Params, error) {
	return lz77.NewParams(windowSize,
		lz77.WithMinBackReferenceLength(minBackReferenceLength),
		lz77.WithMaxBackReferenceLength(windowSize-1),
		lz77.WithMaxOffset(windowSize-1),
		lz77.WithMaxLiteralLength(windowSize-1),
	)
}

// pair is a run of literal bytes followed by an optional back-reference,
// the unit the block format is made of.
type pair struct {
	literals      [][]byte
	literalLength int
	brOffset      int
	brLength      int
	written       bool
}

func (p *pair) hasBackReference() bool {
	return p.brOffset > 0
}

func (p *pair) length() int {
	return p.literalLength + p.brLength
}

func (p *pair) addLiteral(block lz77.Literal) []byte {
	data := make([]byte, block.Len)
	copy(data, block.Data[block.Off:block.Off+block.Len])
	p.literals = append(p.literals, data)
	p.literalLength += len(data)
	return data
}

func (p *pair) prependLiteral(data []byte) {
	p.literals = append([][]byte{data}, p.literals...)
	p.literalLength += len(data)
}

// prependTo prepends this pair's literals to other.
func (p *pair) prependTo(other *pair) {
	for i := len(p.literals) - 1; i >= 0; i-- {
		other.prependLiteral(p.literals[i])
	}
}

func (p *pair) setBackReference(block lz77.BackReference) {
	p.brOffset = block.Offset
	p.brLength = block.Length
}

func (p *pair) splitWithNewBackReferenceLengthOf(newBackReferenceLength int) *pair {
	return &pair{
		literals:      append([][]byte(nil), p.literals...),
		literalLength: p.literalLength,
		brOffset:      p.brOffset,
		brLength:      newBackReferenceLength,
	}
}

// canBeWritten reports whether the pair may be flushed: its back-reference
// must not become the final one unless enough bytes follow it.
func (p *pair) canBeWritten(lengthOfBlocksAfterThisPair int) bool {
	return p.hasBackReference() &&
		lengthOfBlocksAfterThisPair >= minOffsetOfLastBackReference+minBackReferenceLength
}

func (p *pair) writeTo(out io.Writer) error {
	litLength := p.literalLength
	if err := writeByte(out, tokenByte(litLength, p.brLength)); err != nil {
		return err
	}
	if litLength >= backReferenceSizeMask {
		if err := writeLength(out, litLength-backReferenceSizeMask); err != nil {
			return err
		}
	}
	for _, b := range p.literals {
		if _, err := out.Write(b); err != nil {
			return err
		}
	}
	if p.hasBackReference() {
		var offset [2]byte
		binary.LittleEndian.PutUint16(offset[:], uint16(p.brOffset))
		if _, err := out.Write(offset[:]); err != nil {
			return err
		}
		if p.brLength-minBackReferenceLength >= backReferenceSizeMask {
			if err := writeLength(out, p.brLength-minBackReferenceLength-backReferenceSizeMask); err != nil {
				return err
			}
		}
	}
	p.written = true
	return nil
}

func tokenByte(litLength, brLength int) byte {
	l := litLength
	if l > backReferenceSizeMask {
		l = backReferenceSizeMask
	}
	br := 0
	switch {
	case brLength < minBackReferenceLength:
	case brLength < minBackReferenceLength+backReferenceSizeMask:
		br = brLength - minBackReferenceLength
	default:
		br = backReferenceSizeMask
	}
	return byte(l<<sizeBits | br)
}

func writeLength(out io.Writer, length int) error {
	for length >= 255 {
		if err := writeByte(out, 255); err != nil {
			return err
		}
		length -= 255
	}
	return writeByte(out, byte(length))
}

func writeByte(out io.Writer, b byte) error {
	_, err := out.Write([]byte{b})
	return err
}

// Writer compresses data into a single LZ4 block.
//
// Close (or Finish) must be called to flush the rewritten tail of the
// block; neither closes the underlying writer.
type Writer struct {
	out        io.Writer
	compressor *lz77.Compressor

	// pairs not yet safe to write, oldest first.
	pairs []*pair

	// The last windowSize bytes in expanded form, most recent first, so
	// back-references can be rewritten as literals when the tail of the
	// block is finalised.
	expandedBlocks [][]byte

	finished bool
}

// NewWriter returns a Writer compressing into the LZ4 block format with
// default parameters.
func NewWriter(out io.Writer) *Writer {
	params, _ := DefaultParams()
	return NewWriterWithParams(out, params)
}

// NewWriterWithParams returns a Writer using the given lz77 parameters.
// The parameters must fit the block format, see DefaultParams.
func NewWriterWithParams(out io.Writer, params lz77.Params) *Writer {
	w := &Writer{out: out}
	w.compressor = lz77.NewCompressor(params, func(block lz77.Block) error {
		switch b := block.(type) {
		case lz77.Literal:
			return w.addLiteralBlock(b)
		case lz77.BackReference:
			return w.addBackReference(b)
		case lz77.EOD:
			return w.writeFinalLiteralBlock()
		}
		return nil
	})
	return w
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		return 0, errors.New("lz4: write after Finish")
	}
	if err := w.compressor.Compress(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Finish compresses all remaining data and writes the finalised tail of
// the block. It does not close the underlying writer.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	return w.compressor.Finish()
}

// Close finishes the block. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.Finish()
}

// Prefill adds initial data to fill the back-reference window with,
// without emitting it. It must be called before the first Write.
func (w *Writer) Prefill(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	if err := w.compressor.Prefill(b); err != nil {
		return err
	}
	w.recordLiteral(b)
	return nil
}

func (w *Writer) addLiteralBlock(block lz77.Literal) error {
	last, err := w.writeBlocksAndReturnUnfinishedPair(block.Len)
	if err != nil {
		return err
	}
	w.recordLiteral(last.addLiteral(block))
	w.clearUnusedBlocksAndPairs()
	return nil
}

func (w *Writer) addBackReference(block lz77.BackReference) error {
	last, err := w.writeBlocksAndReturnUnfinishedPair(block.Length)
	if err != nil {
		return err
	}
	last.setBackReference(block)
	w.recordBackReference(block)
	w.clearUnusedBlocksAndPairs()
	return nil
}

// writeBlocksAndReturnUnfinishedPair flushes every pair that is safe to
// write given length more bytes are coming, then returns the trailing
// pair that still accepts literals or a back-reference.
func (w *Writer) writeBlocksAndReturnUnfinishedPair(length int) (*pair, error) {
	if err := w.writeWritablePairs(length); err != nil {
		return nil, err
	}
	var last *pair
	if n := len(w.pairs); n > 0 {
		last = w.pairs[n-1]
	}
	if last == nil || last.hasBackReference() {
		last = &pair{}
		w.pairs = append(w.pairs, last)
	}
	return last, nil
}

func (w *Writer) writeWritablePairs(lengthOfBlocksAfterLastPair int) error {
	unwrittenLength := lengthOfBlocksAfterLastPair
	for i := len(w.pairs) - 1; i >= 0; i-- {
		if w.pairs[i].written {
			break
		}
		unwrittenLength += w.pairs[i].length()
	}
	for _, p := range w.pairs {
		if p.written {
			continue
		}
		unwrittenLength -= p.length()
		if !p.canBeWritten(unwrittenLength) {
			break
		}
		if err := p.writeTo(w.out); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) recordLiteral(b []byte) {
	w.expandedBlocks = append([][]byte{b}, w.expandedBlocks...)
}

func (w *Writer) recordBackReference(block lz77.BackReference) {
	w.expandedBlocks = append([][]byte{w.expand(block.Offset, block.Length)}, w.expandedBlocks...)
}

// expand materialises length bytes starting offset bytes back in the
// already-produced stream.
func (w *Writer) expand(offset, length int) []byte {
	expanded := make([]byte, length)
	if offset == 1 {
		// surprisingly common special case
		block := w.expandedBlocks[0]
		if b := block[len(block)-1]; b != 0 {
			for i := range expanded {
				expanded[i] = b
			}
		}
		return expanded
	}
	w.expandFromList(expanded, offset, length)
	return expanded
}

func (w *Writer) expandFromList(expanded []byte, offset, length int) {
	offsetRemaining := offset
	lengthRemaining := length
	writeOffset := 0
	for lengthRemaining > 0 {
		var block []byte
		var copyLen, copyOffset int
		if offsetRemaining > 0 {
			// find the stored block that contains offsetRemaining
			blockOffset := 0
			for _, b := range w.expandedBlocks {
				if len(b)+blockOffset >= offsetRemaining {
					block = b
					break
				}
				blockOffset += len(b)
			}
			copyOffset = blockOffset + len(block) - offsetRemaining
			copyLen = lengthRemaining
			if len(block)-copyOffset < copyLen {
				copyLen = len(block) - copyOffset
			}
		} else {
			// offsetRemaining points into the freshly expanded bytes,
			// which happens for overlapping back-references.
			block = expanded
			copyOffset = -offsetRemaining
			copyLen = lengthRemaining
			if writeOffset+offsetRemaining < copyLen {
				copyLen = writeOffset + offsetRemaining
			}
		}
		copy(expanded[writeOffset:writeOffset+copyLen], block[copyOffset:copyOffset+copyLen])
		offsetRemaining -= copyLen
		lengthRemaining -= copyLen
		writeOffset += copyLen
	}
}

func (w *Writer) clearUnusedBlocksAndPairs() {
	w.clearUnusedBlocks()
	w.clearUnusedPairs()
}

// clearUnusedBlocks drops expanded blocks no back-reference can reach
// anymore.
func (w *Writer) clearUnusedBlocks() {
	blockLengths := 0
	blocksToKeep := 0
	for _, b := range w.expandedBlocks {
		blocksToKeep++
		blockLengths += len(b)
		if blockLengths >= windowSize {
			break
		}
	}
	if blocksToKeep < len(w.expandedBlocks) {
		w.expandedBlocks = w.expandedBlocks[:blocksToKeep]
	}
}

// clearUnusedPairs drops written pairs that have fallen out of the window.
func (w *Writer) clearUnusedPairs() {
	pairLengths := 0
	pairsToKeep := 0
	for i := len(w.pairs) - 1; i >= 0; i-- {
		pairsToKeep++
		pairLengths += w.pairs[i].length()
		if pairLengths >= windowSize {
			break
		}
	}
	for len(w.pairs) > pairsToKeep && w.pairs[0].written {
		w.pairs = w.pairs[1:]
	}
}

// writeFinalLiteralBlock rewrites the tail of the pair stream so it
// satisfies the block format's end rules and flushes everything.
func (w *Writer) writeFinalLiteralBlock() error {
	w.rewriteLastPairs()
	for _, p := range w.pairs {
		if !p.written {
			if err := p.writeTo(w.out); err != nil {
				return err
			}
		}
	}
	w.pairs = nil
	return nil
}

func (w *Writer) rewriteLastPairs() {
	// Collect the unwritten tail pairs covering at least the last twelve
	// bytes of the block.
	var lastPairs []*pair
	var pairLength []int
	offset := 0
	for i := len(w.pairs) - 1; i >= 0; i-- {
		p := w.pairs[i]
		if p.written {
			break
		}
		length := p.length()
		lastPairs = append([]*pair{p}, lastPairs...)
		pairLength = append([]int{length}, pairLength...)
		offset += length
		if offset >= minOffsetOfLastBackReference {
			break
		}
	}
	if len(lastPairs) == 0 {
		// nothing was ever buffered, the block stays empty
		return
	}
	w.pairs = w.pairs[:len(w.pairs)-len(lastPairs)]

	// lastPairs contains between one and four pairs: the last may be a
	// one byte literal, all others contain a back-reference of at least
	// four bytes. Merging everything into one literal block would hurt
	// compression when the tail holds a long back-reference, so all but
	// the first pair are merged into a literal-only replacement and the
	// first pair's back-reference is split when it is long enough to
	// donate the missing bytes while staying a valid back-reference.
	toExpand := 0
	for i := 1; i < len(lastPairs); i++ {
		toExpand += pairLength[i]
	}
	replacement := &pair{}
	if toExpand > 0 {
		replacement.prependLiteral(w.expand(toExpand, toExpand))
	}
	splitCandidate := lastPairs[0]
	stillNeeded := minOffsetOfLastBackReference - toExpand
	brLen := 0
	if splitCandidate.hasBackReference() {
		brLen = splitCandidate.brLength
	}
	if splitCandidate.hasBackReference() && brLen >= minBackReferenceLength+stillNeeded {
		replacement.prependLiteral(w.expand(toExpand+stillNeeded, stillNeeded))
		w.pairs = append(w.pairs, splitCandidate.splitWithNewBackReferenceLengthOf(brLen-stillNeeded))
	} else {
		if splitCandidate.hasBackReference() {
			replacement.prependLiteral(w.expand(toExpand+brLen, brLen))
		}
		splitCandidate.prependTo(replacement)
	}
	w.pairs = append(w.pairs, replacement)
}

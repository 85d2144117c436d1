package lz77

import (
	"errors"
	"fmt"
)

// ErrInvalidParameters is returned for parameter combinations the matcher
// cannot work with.
var ErrInvalidParameters = errors.New("lz77: invalid parameters")

// trueMinBackReferenceLength is the hard floor for back-reference lengths;
// the three-byte hash cannot find anything shorter.
const trueMinBackReferenceLength = 3

// Params configures a Compressor. Use NewParams to build a validated
// value.
type Params struct {
	windowSize             int
	minBackReferenceLength int
	maxBackReferenceLength int
	maxOffset              int
	maxLiteralLength       int

	niceBackReferenceLength int
	maxCandidates           int
	lazyMatching            bool
	lazyThreshold           int
}

// ParamOption configures Params.
type ParamOption func(*paramBuilder)

type paramBuilder struct {
	p             Params
	maxBRSet      bool
	maxOffsetSet  bool
	maxLiteralSet bool
	niceLenSet    bool
	candidatesSet bool
	lazySet       bool
	thresholdSet  bool
}

// WithMinBackReferenceLength sets the minimal length of a back-reference.
// Values below 3 are raised to 3.
func WithMinBackReferenceLength(n int) ParamOption {
	return func(b *paramBuilder) {
		if n < trueMinBackReferenceLength {
			n = trueMinBackReferenceLength
		}
		b.p.minBackReferenceLength = n
	}
}

// WithMaxBackReferenceLength sets the maximal length of a back-reference.
// The value is clamped between the minimal length and windowSize-1.
func WithMaxBackReferenceLength(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.maxBackReferenceLength = n
		b.maxBRSet = true
	}
}

// WithMaxOffset sets the maximal offset of a back-reference. Values
// outside [1, windowSize-1] select windowSize-1.
func WithMaxOffset(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.maxOffset = n
		b.maxOffsetSet = true
	}
}

// WithMaxLiteralLength sets the maximal length of a literal block. Values
// outside [1, windowSize] select windowSize.
func WithMaxLiteralLength(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.maxLiteralLength = n
		b.maxLiteralSet = true
	}
}

// WithNiceBackReferenceLength sets the "nice length": once a match of this
// length has been found the candidate search stops.
func WithNiceBackReferenceLength(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.niceBackReferenceLength = n
		b.niceLenSet = true
	}
}

// WithMaxCandidates caps how many hash-chain candidates are examined per
// position.
func WithMaxCandidates(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.maxCandidates = n
		b.candidatesSet = true
	}
}

// WithLazyMatching enables or disables the one-position lazy-match
// lookahead.
func WithLazyMatching(lazy bool) ParamOption {
	return func(b *paramBuilder) {
		b.p.lazyMatching = lazy
		b.lazySet = true
	}
}

// WithLazyThreshold sets the match length up to which lazy matching still
// looks at the next position.
func WithLazyThreshold(n int) ParamOption {
	return func(b *paramBuilder) {
		b.p.lazyThreshold = n
		b.thresholdSet = true
	}
}

// NewParams builds parameters for the given window size. The window size
// must be a power of two and at least twice the minimal back-reference
// length.
func NewParams(windowSize int, opts ...ParamOption) (Params, error) {
	b := paramBuilder{
		p: Params{
			windowSize:             windowSize,
			minBackReferenceLength: trueMinBackReferenceLength,
		},
	}
	for _, opt := range opts {
		opt(&b)
	}
	p := &b.p

	if !isPowerOfTwo(windowSize) {
		return Params{}, fmt.Errorf("%w: windowSize must be a power of two", ErrInvalidParameters)
	}
	if windowSize < 2*p.minBackReferenceLength {
		return Params{}, fmt.Errorf("%w: windowSize must be at least as big as 2*minBackReferenceLength", ErrInvalidParameters)
	}
	switch {
	case !b.maxBRSet:
		p.maxBackReferenceLength = windowSize - 1
	case p.maxBackReferenceLength < p.minBackReferenceLength:
		p.maxBackReferenceLength = p.minBackReferenceLength
	case p.maxBackReferenceLength > windowSize-1:
		p.maxBackReferenceLength = windowSize - 1
	}
	if !b.maxOffsetSet || p.maxOffset < 1 || p.maxOffset > windowSize-1 {
		p.maxOffset = windowSize - 1
	}
	if !b.maxLiteralSet || p.maxLiteralLength < 1 || p.maxLiteralLength > windowSize {
		p.maxLiteralLength = windowSize
	}

	if !b.niceLenSet {
		p.niceBackReferenceLength = p.maxBackReferenceLength / 2
	}
	if p.niceBackReferenceLength < p.minBackReferenceLength {
		p.niceBackReferenceLength = p.minBackReferenceLength
	}
	if !b.candidatesSet || p.maxCandidates < 1 {
		p.maxCandidates = 256
		if windowSize/128 > p.maxCandidates {
			p.maxCandidates = windowSize / 128
		}
	}
	if !b.lazySet {
		p.lazyMatching = true
	}
	if !b.thresholdSet || p.lazyThreshold < p.minBackReferenceLength {
		p.lazyThreshold = p.niceBackReferenceLength
	}
	if !p.lazyMatching {
		p.lazyThreshold = p.minBackReferenceLength
	}
	return *p, nil
}

// WindowSize returns the window size.
func (p Params) WindowSize() int { return p.windowSize }

// MinBackReferenceLength returns the minimal back-reference length.
func (p Params) MinBackReferenceLength() int { return p.minBackReferenceLength }

// MaxBackReferenceLength returns the maximal back-reference length.
func (p Params) MaxBackReferenceLength() int { return p.maxBackReferenceLength }

// MaxOffset returns the maximal back-reference offset.
func (p Params) MaxOffset() int { return p.maxOffset }

// MaxLiteralLength returns the maximal literal block length.
func (p Params) MaxLiteralLength() int { return p.maxLiteralLength }

// NiceBackReferenceLength returns the length after which candidate search
// stops.
func (p Params) NiceBackReferenceLength() int { return p.niceBackReferenceLength }

// MaxCandidates returns how many hash-chain candidates are examined.
func (p Params) MaxCandidates() int { return p.maxCandidates }

// LazyMatching reports whether lazy matching is enabled.
func (p Params) LazyMatching() bool { return p.lazyMatching }

// LazyThreshold returns the lazy matching threshold.
func (p Params) LazyThreshold() int { return p.lazyThreshold }

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

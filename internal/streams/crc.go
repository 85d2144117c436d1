package streams

import (
	"hash"
	"hash/crc32"
	"io"
)

// CRC32Verifier wraps a reader and verifies an IEEE CRC-32 checksum once
// an expected number of bytes has been read.
//
// The checksum is checked exactly once, when the byte count reaches the
// threshold. Reaching EOF before the threshold, or a checksum mismatch,
// surfaces the configured error.
type CRC32Verifier struct {
	r         io.Reader
	hash      hash.Hash32
	expected  uint32
	remaining int64
	mismatch  error
	checked   bool
}

// NewCRC32Verifier returns a reader that verifies the IEEE CRC-32 of the
// next size bytes of r against expected. The mismatch error is returned
// from Read on checksum failure or on a short stream.
func NewCRC32Verifier(r io.Reader, size int64, expected uint32, mismatch error) *CRC32Verifier {
	return &CRC32Verifier{
		r:         r,
		hash:      crc32.NewIEEE(),
		expected:  expected,
		remaining: size,
		mismatch:  mismatch,
	}
}

// Read implements io.Reader.
func (cv *CRC32Verifier) Read(p []byte) (int, error) {
	if cv.remaining <= 0 {
		if err := cv.check(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if int64(len(p)) > cv.remaining {
		p = p[:cv.remaining]
	}
	n, err := cv.r.Read(p)
	if n > 0 {
		cv.hash.Write(p[:n])
		cv.remaining -= int64(n)
	}
	if cv.remaining == 0 {
		if cerr := cv.check(); cerr != nil {
			return n, cerr
		}
		if err == nil {
			return n, nil
		}
	}
	if err == io.EOF && cv.remaining > 0 {
		return n, cv.mismatch
	}
	return n, err
}

// Remaining returns the number of bytes still expected.
func (cv *CRC32Verifier) Remaining() int64 {
	return cv.remaining
}

func (cv *CRC32Verifier) check() error {
	if cv.checked {
		return nil
	}
	cv.checked = true
	if cv.hash.Sum32() != cv.expected {
		return cv.mismatch
	}
	return nil
}

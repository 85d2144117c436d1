package streams

import "io"

// CountingReader wraps a reader and counts bytes read.
type CountingReader struct {
	R io.Reader
	N int64
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.R.Read(p)
	if n > 0 {
		cr.N += int64(n)
	}
	return n, err
}

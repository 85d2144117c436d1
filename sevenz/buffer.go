package sevenz

import (
	"encoding/binary"
	"fmt"
	"math"
)

// headerBuf walks a header byte buffer. All integers are little-endian and
// variable-length numbers use the 7z encoding where the leading one-bits of
// the first byte select how many extra bytes follow.
type headerBuf struct {
	data []byte
	pos  int
}

func (b *headerBuf) remaining() int {
	return len(b.data) - b.pos
}

func (b *headerBuf) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, ErrTruncated
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

func (b *headerBuf) readBytes(n int) ([]byte, error) {
	if n < 0 || b.remaining() < n {
		return nil, ErrTruncated
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

// skip advances by up to n bytes and returns how many were skipped.
func (b *headerBuf) skip(n int64) int64 {
	if n < 1 {
		return 0
	}
	if rem := int64(b.remaining()); n > rem {
		n = rem
	}
	b.pos += int(n)
	return n
}

func (b *headerBuf) readUint32() (uint32, error) {
	p, err := b.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *headerBuf) readUint64() (uint64, error) {
	p, err := b.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// readNumber decodes a 7z variable-length unsigned integer.
func (b *headerBuf) readNumber() (int64, error) {
	first, err := b.readByte()
	if err != nil {
		return 0, err
	}
	mask := uint64(0x80)
	var value uint64
	for i := 0; i < 8; i++ {
		if uint64(first)&mask == 0 {
			return int64(value | (uint64(first) & (mask - 1) << (8 * i))), nil
		}
		next, err := b.readByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(next) << (8 * i)
		mask >>= 1
	}
	return int64(value), nil
}

// readNumberInt decodes a variable-length number that must lie between 0
// and math.MaxInt32.
func (b *headerBuf) readNumberInt(what string) (int, error) {
	v, err := b.readNumber()
	if err != nil {
		return 0, err
	}
	if v < 0 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: cannot handle %s %d", ErrMalformedHeader, what, v)
	}
	return int(v), nil
}

// readBits reads size bits, most significant bit first.
func (b *headerBuf) readBits(size int) (bitset, error) {
	bits := make(bitset, size)
	var mask, cache byte
	for i := 0; i < size; i++ {
		if mask == 0 {
			mask = 0x80
			c, err := b.readByte()
			if err != nil {
				return nil, err
			}
			cache = c
		}
		bits[i] = cache&mask != 0
		mask >>= 1
	}
	return bits, nil
}

// readAllOrBits reads an "all defined" flag followed by an optional bit
// vector.
func (b *headerBuf) readAllOrBits(size int) (bitset, error) {
	allDefined, err := b.readByte()
	if err != nil {
		return nil, err
	}
	if allDefined != 0 {
		return allSetBitset(size), nil
	}
	return b.readBits(size)
}

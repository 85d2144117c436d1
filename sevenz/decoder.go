package sevenz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"

	"github.com/meigma/unpack/internal/streams"
)

// addDecoder wraps in with the decoder for the given coder. Decoders
// compose strictly 1-to-1; multi-stream coders are rejected during the
// first parser pass.
func addDecoder(in io.Reader, uncompressedSize int64, c *coder, password []byte, maxMemoryLimitKiB int) (io.Reader, error) {
	method := methodIDFromBytes(c.methodID)
	switch method {
	case MethodCopy:
		return in, nil
	case MethodLZMA:
		return decodeLZMA(in, uncompressedSize, c.properties, maxMemoryLimitKiB)
	case MethodLZMA2:
		return decodeLZMA2(in, c.properties, maxMemoryLimitKiB)
	case MethodBzip2:
		return bzip2.NewReader(in, nil)
	case MethodDeflate:
		return flate.NewReader(in), nil
	case MethodZstd:
		return decodeZstd(in, maxMemoryLimitKiB)
	case MethodAES256SHA256:
		return decodeAES256SHA256(in, uncompressedSize, c.properties, password)
	default:
		return nil, fmt.Errorf("%w: %s (%x)", ErrUnsupportedCoder, method, c.methodID)
	}
}

// decodeLZMA decodes a classic LZMA stream. 7z stores the five property
// bytes (lc/lp/pb and dictionary size) in the coder properties and the
// uncompressed size in the folder, so the 13-byte stream header expected
// by the decoder is synthesised from both.
func decodeLZMA(in io.Reader, uncompressedSize int64, props []byte, maxMemoryLimitKiB int) (io.Reader, error) {
	if len(props) < 5 {
		return nil, fmt.Errorf("%w: LZMA properties too short", ErrUnsupportedCoder)
	}
	dictSize := binary.LittleEndian.Uint32(props[1:5])
	if err := checkDictionarySize(int64(dictSize), maxMemoryLimitKiB); err != nil {
		return nil, err
	}
	header := make([]byte, 13)
	copy(header, props[:5])
	binary.LittleEndian.PutUint64(header[5:], uint64(uncompressedSize))
	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), in))
	if err != nil {
		return nil, fmt.Errorf("%w: LZMA: %v", ErrUnsupportedCoder, err)
	}
	return r, nil
}

// decodeLZMA2 decodes an LZMA2 chunk sequence. The single property byte
// encodes the dictionary size.
func decodeLZMA2(in io.Reader, props []byte, maxMemoryLimitKiB int) (io.Reader, error) {
	if len(props) < 1 {
		return nil, fmt.Errorf("%w: LZMA2 properties too short", ErrUnsupportedCoder)
	}
	dictSize, err := lzma2DictSize(props[0])
	if err != nil {
		return nil, err
	}
	if err := checkDictionarySize(dictSize, maxMemoryLimitKiB); err != nil {
		return nil, err
	}
	dictCap := int(dictSize)
	if dictCap < lzma.MinDictCap {
		dictCap = lzma.MinDictCap
	}
	cfg := lzma.Reader2Config{DictCap: dictCap}
	r, err := cfg.NewReader2(in)
	if err != nil {
		return nil, fmt.Errorf("%w: LZMA2: %v", ErrUnsupportedCoder, err)
	}
	return r, nil
}

func lzma2DictSize(prop byte) (int64, error) {
	if prop > 40 {
		return 0, fmt.Errorf("%w: invalid LZMA2 dictionary size property %d", ErrUnsupportedCoder, prop)
	}
	if prop == 40 {
		return 1<<32 - 1, nil
	}
	return int64(2|prop&1) << (prop/2 + 11), nil
}

// checkDictionarySize rejects dictionaries the configured memory limit
// cannot accommodate.
func checkDictionarySize(dictSize int64, maxMemoryLimitKiB int) error {
	neededKiB := dictSize/1024 + 1
	if neededKiB > int64(maxMemoryLimitKiB) {
		return fmt.Errorf("%w: %d KiB of memory would be needed for the dictionary, limit is %d KiB",
			ErrMemoryLimit, neededKiB, maxMemoryLimitKiB)
	}
	return nil
}

// decodeZstd decodes a Zstandard stream, capping decoder memory at the
// configured limit.
func decodeZstd(in io.Reader, maxMemoryLimitKiB int) (io.Reader, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	}
	if maxMemoryLimitKiB < defaultMaxMemoryLimitKiB {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxMemoryLimitKiB)*1024))
	}
	dec, err := zstd.NewReader(in, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: Zstandard: %v", ErrUnsupportedCoder, err)
	}
	return dec.IOReadCloser(), nil
}

// decodeAES256SHA256 decrypts an AES-256/CBC stream whose key is derived
// from the password via iterated SHA-256. The output is bounded to the
// declared size as the cipher text is padded to whole blocks.
func decodeAES256SHA256(in io.Reader, uncompressedSize int64, props, password []byte) (io.Reader, error) {
	key, iv, err := aesKeyAndIV(props, password)
	if err != nil {
		return nil, err
	}
	block, err := newAESCipher(key)
	if err != nil {
		return nil, err
	}
	dec := &cbcReader{
		in:   in,
		mode: newCBCDecrypter(block, iv),
	}
	return streams.NewBoundedReader(dec, uncompressedSize), nil
}

package sevenz

import "errors"

// Errors returned while opening and reading 7z archives.
var (
	// ErrBadMagic is returned when the file does not start with the 7z signature.
	ErrBadMagic = errors.New("sevenz: bad 7z signature")

	// ErrUnsupportedVersion is returned for archives with an unknown major version.
	ErrUnsupportedVersion = errors.New("sevenz: unsupported archive version")

	// ErrTruncated is returned when the input ends where more data is required.
	ErrTruncated = errors.New("sevenz: truncated input")

	// ErrNextHeaderOutOfBounds is returned when the start header points outside the file.
	ErrNextHeaderOutOfBounds = errors.New("sevenz: next header out of bounds")

	// ErrHeaderCRCMismatch is returned when the archive metadata fails its CRC check.
	ErrHeaderCRCMismatch = errors.New("sevenz: header CRC mismatch")

	// ErrPackDataCRCMismatch is returned when a pack stream fails its CRC check.
	ErrPackDataCRCMismatch = errors.New("sevenz: pack data CRC mismatch")

	// ErrEntryCRCMismatch is returned when decoded entry content fails its CRC check.
	ErrEntryCRCMismatch = errors.New("sevenz: entry CRC mismatch")

	// ErrMalformedHeader is returned for structurally invalid archive metadata.
	ErrMalformedHeader = errors.New("sevenz: malformed header")

	// ErrUnsupportedCoder is returned for coders outside the supported subset.
	ErrUnsupportedCoder = errors.New("sevenz: unsupported coder")

	// ErrPasswordRequired is returned when an encrypted stream is read without a password.
	ErrPasswordRequired = errors.New("sevenz: password required")

	// ErrMemoryLimit is returned when parsing or decoding would exceed the
	// configured memory limit.
	ErrMemoryLimit = errors.New("sevenz: memory limit exceeded")

	// ErrRecoverable is returned when the start header CRC is zero and the
	// start header bytes are blank. Such archives are typically truncated
	// multi volume archives; retrying with WithRecoverBrokenArchives may
	// still be able to read them.
	ErrRecoverable = errors.New("sevenz: start header blank, archive may be recoverable")
)

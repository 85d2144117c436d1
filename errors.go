package unpack

import (
	"github.com/meigma/unpack/lz77"
	"github.com/meigma/unpack/sevenz"
)

// Errors re-exported from sevenz.
var (
	// ErrBadMagic is returned when a file does not start with the 7z signature.
	ErrBadMagic = sevenz.ErrBadMagic

	// ErrUnsupportedVersion is returned for archives with an unknown major version.
	ErrUnsupportedVersion = sevenz.ErrUnsupportedVersion

	// ErrTruncated is returned when the input ends where more data is required.
	ErrTruncated = sevenz.ErrTruncated

	// ErrNextHeaderOutOfBounds is returned when the start header points outside the file.
	ErrNextHeaderOutOfBounds = sevenz.ErrNextHeaderOutOfBounds

	// ErrHeaderCRCMismatch is returned when archive metadata fails its CRC check.
	ErrHeaderCRCMismatch = sevenz.ErrHeaderCRCMismatch

	// ErrPackDataCRCMismatch is returned when a pack stream fails its CRC check.
	ErrPackDataCRCMismatch = sevenz.ErrPackDataCRCMismatch

	// ErrEntryCRCMismatch is returned when decoded entry content fails its CRC check.
	ErrEntryCRCMismatch = sevenz.ErrEntryCRCMismatch

	// ErrMalformedHeader is returned for structurally invalid archive metadata.
	ErrMalformedHeader = sevenz.ErrMalformedHeader

	// ErrUnsupportedCoder is returned for coders outside the supported subset.
	ErrUnsupportedCoder = sevenz.ErrUnsupportedCoder

	// ErrPasswordRequired is returned when an encrypted stream is read without a password.
	ErrPasswordRequired = sevenz.ErrPasswordRequired

	// ErrMemoryLimit is returned when parsing or decoding would exceed the configured memory limit.
	ErrMemoryLimit = sevenz.ErrMemoryLimit

	// ErrRecoverable is returned when the start header is blank and recovery is disabled.
	ErrRecoverable = sevenz.ErrRecoverable
)

// Errors re-exported from lz77.
var (
	// ErrInvalidParameters is returned for unusable compression parameters.
	ErrInvalidParameters = lz77.ErrInvalidParameters

	// ErrPrefillAfterStart is returned when Prefill is called on a started compressor.
	ErrPrefillAfterStart = lz77.ErrPrefillAfterStart
)

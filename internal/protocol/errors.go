package protocol

import "errors"

var (
	ErrEmptyLine        = errors.New("protocol: empty line")
	ErrLineTooLong      = errors.New("protocol: line too long")
	ErrControlCharacter = errors.New("protocol: control character")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrMalformedVerb    = errors.New("protocol: malformed verb")
	ErrUnknownVerb      = errors.New("protocol: unknown verb")
	ErrMalformedParam   = errors.New("protocol: malformed parameter")
	ErrForbiddenChar    = errors.New("protocol: forbidden character")
	ErrPathTraversal    = errors.New("protocol: path traversal")
	ErrAbsolutePath     = errors.New("protocol: absolute path")
	ErrFilenameTooLong  = errors.New("protocol: filename too long")
	ErrMissingFilename  = errors.New("protocol: missing filename")
)

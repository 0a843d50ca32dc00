package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tftbridge/internal/faults"
)

const (
	DefaultMaxLineLength     = 256
	DefaultMaxFilenameLength = 255
	DefaultVerbLetters       = "GMT"
	// DefaultForbiddenChars keeps template syntax out of backend scripts.
	DefaultForbiddenChars = "{}\""
)

// pathKeys are parameter names that always hold a filesystem path.
var pathKeys = map[string]struct{}{
	FilenameParam: {},
	"FILE":        {},
	"PATH":        {},
	"DIR":         {},
	"DIRECTORY":   {},
}

type ValidatorConfig struct {
	MaxLineLength     int
	MaxFilenameLength int
	VerbLetters       string
	ForbiddenChars    string
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxLineLength:     DefaultMaxLineLength,
		MaxFilenameLength: DefaultMaxFilenameLength,
		VerbLetters:       DefaultVerbLetters,
		ForbiddenChars:    DefaultForbiddenChars,
	}
}

func (c ValidatorConfig) WithDefaults() ValidatorConfig {
	def := DefaultValidatorConfig()
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	if c.MaxFilenameLength <= 0 {
		c.MaxFilenameLength = def.MaxFilenameLength
	}
	if c.VerbLetters == "" {
		c.VerbLetters = def.VerbLetters
	}
	c.VerbLetters = strings.ToUpper(c.VerbLetters)
	if c.ForbiddenChars == "" {
		c.ForbiddenChars = def.ForbiddenChars
	}
	return c
}

// Validator sanitizes inbound lines. It holds only configuration and is safe
// for concurrent use.
type Validator struct {
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) Validator {
	return Validator{cfg: cfg.WithDefaults()}
}

// Validate parses line and applies the sanitation policy. Every rejection
// wraps faults.ErrValidationRejected and carries a short reason code.
// ErrEmptyLine is returned unwrapped for blank and comment-only lines.
func (v Validator) Validate(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) > v.cfg.MaxLineLength {
		return Command{}, reject("line-too-long", ErrLineTooLong)
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			return Command{}, reject("control-character", ErrControlCharacter)
		}
		if c >= 0x80 {
			return Command{}, reject("non-ascii-character", ErrControlCharacter)
		}
	}

	cmd, err := Parse(line)
	switch {
	case errors.Is(err, ErrEmptyLine):
		return Command{}, err
	case errors.Is(err, ErrChecksumMismatch):
		return Command{}, reject("checksum-mismatch", err)
	case errors.Is(err, ErrMalformedVerb):
		return Command{}, reject("malformed-verb", err)
	case errors.Is(err, ErrMalformedParam):
		return Command{}, reject("malformed-parameter", err)
	case err != nil:
		return Command{}, reject("malformed-line", err)
	}

	if !strings.ContainsRune(v.cfg.VerbLetters, rune(cmd.Letter())) {
		return Command{}, reject("unknown-verb", fmt.Errorf("%w: %s", ErrUnknownVerb, cmd.Verb()))
	}
	if strings.ContainsAny(cmd.Text(), v.cfg.ForbiddenChars) {
		return Command{}, reject("forbidden-character", ErrForbiddenChar)
	}

	if IsFileVerb(cmd.Verb()) && !cmd.Has(FilenameParam) {
		return Command{}, reject("missing-filename", ErrMissingFilename)
	}
	for _, p := range cmd.params {
		if !looksLikePath(p) {
			continue
		}
		if err := v.checkPath(p.Value); err != nil {
			return Command{}, err
		}
	}
	return cmd, nil
}

func (v Validator) checkPath(value string) error {
	if len(value) > v.cfg.MaxFilenameLength {
		return reject("filename-too-long", ErrFilenameTooLong)
	}
	if isAbsolutePath(value) {
		return reject("absolute-path", fmt.Errorf("%w: %q", ErrAbsolutePath, value))
	}
	segments := strings.FieldsFunc(value, func(r rune) bool { return r == '/' || r == '\\' })
	for _, seg := range segments {
		if strings.TrimSpace(seg) == ".." {
			return reject("path-traversal", fmt.Errorf("%w: %q", ErrPathTraversal, value))
		}
	}
	return nil
}

func looksLikePath(p Param) bool {
	if _, ok := pathKeys[p.Key]; ok {
		return true
	}
	return strings.ContainsAny(p.Value, `/\`)
}

func isAbsolutePath(value string) bool {
	if value == "" {
		return false
	}
	switch value[0] {
	case '/', '\\', '~':
		return true
	}
	// drive letter, e.g. C:\ or C:/
	return len(value) >= 2 && isLetter(value[0]) && value[1] == ':'
}

func reject(code string, cause error) error {
	return &faults.Reason{
		Kind: faults.KindValidationRejected,
		Code: code,
		Err:  fmt.Errorf("%w: %w", faults.ErrValidationRejected, cause),
	}
}

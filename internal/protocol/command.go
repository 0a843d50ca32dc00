package protocol

import (
	"strconv"
	"strings"
)

const (
	// FilenameParam carries the argument of file verbs.
	FilenameParam = "FILENAME"
	// MessageParam carries the argument of display message verbs.
	MessageParam = "MESSAGE"
)

// textVerbs take the remainder of the line as one parameter instead of
// letter/value pairs.
var textVerbs = map[string]string{
	"M23":  FilenameParam, // select file
	"M28":  FilenameParam, // begin write
	"M30":  FilenameParam, // delete
	"M32":  FilenameParam, // select and start
	"M33":  FilenameParam, // long path
	"M117": MessageParam,
	"M118": MessageParam,
}

// IsFileVerb reports whether verb carries a filename argument.
func IsFileVerb(verb string) bool {
	return textVerbs[verb] == FilenameParam
}

// Param is one parsed parameter. Marlin style "X10" yields Key "X", Klipper
// style "SPEED=300" yields Key "SPEED".
type Param struct {
	Key   string
	Value string
}

// Command is one parsed inbound line. It is read through accessors and never
// changes after Parse returns.
type Command struct {
	raw     string
	text    string
	verb    string
	params  []Param
	line    int
	hasLine bool
}

// Raw returns the line as received, without its terminator.
func (c Command) Raw() string { return c.raw }

// Text returns the command without line number, checksum, or comment. This is
// what an opaque passthrough forwards.
func (c Command) Text() string { return c.text }

func (c Command) String() string { return c.text }

// Verb returns the upper-case verb, e.g. "G28".
func (c Command) Verb() string { return c.verb }

// Letter returns the verb letter.
func (c Command) Letter() byte {
	if c.verb == "" {
		return 0
	}
	return c.verb[0]
}

// Params returns a copy of the ordered parameters.
func (c Command) Params() []Param {
	out := make([]Param, len(c.params))
	copy(out, c.params)
	return out
}

// Param returns the first value recorded for key.
func (c Command) Param(key string) (string, bool) {
	key = strings.ToUpper(key)
	for _, p := range c.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (c Command) Has(key string) bool {
	_, ok := c.Param(key)
	return ok
}

// LineNumber returns the N prefix when the device sent one.
func (c Command) LineNumber() (int, bool) {
	return c.line, c.hasLine
}

// Parse splits one line into a Command. It checks syntax only; Validator
// applies the sanitation policy on top.
func Parse(line string) (Command, error) {
	raw := strings.TrimRight(line, "\r\n")
	body := strings.TrimSpace(raw)
	if body == "" {
		return Command{}, ErrEmptyLine
	}

	body, err := stripChecksum(body)
	if err != nil {
		return Command{}, err
	}
	if i := strings.IndexByte(body, ';'); i >= 0 {
		body = strings.TrimSpace(body[:i])
	}

	cmd := Command{raw: raw}
	if n, rest, ok := splitLineNumber(body); ok {
		cmd.line = n
		cmd.hasLine = true
		body = rest
	}
	if body == "" {
		return Command{}, ErrEmptyLine
	}

	verbLen := scanVerb(body)
	if verbLen == 0 {
		return Command{}, ErrMalformedVerb
	}
	cmd.verb = strings.ToUpper(body[:verbLen])
	rest := strings.TrimSpace(body[verbLen:])
	cmd.text = cmd.verb
	if rest != "" {
		cmd.text += " " + rest
	}

	if key, ok := textVerbs[cmd.verb]; ok {
		if rest != "" {
			cmd.params = []Param{{Key: key, Value: rest}}
		}
		return cmd, nil
	}

	for _, tok := range strings.Fields(rest) {
		p, err := parseParam(tok)
		if err != nil {
			return Command{}, err
		}
		cmd.params = append(cmd.params, p)
	}
	return cmd, nil
}

// Checksum is the XOR of every byte, as the device computes it over the text
// before '*'.
func Checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum ^= s[i]
	}
	return sum
}

func stripChecksum(body string) (string, error) {
	i := strings.LastIndexByte(body, '*')
	if i < 0 {
		return body, nil
	}
	digits := strings.TrimSpace(body[i+1:])
	want, err := strconv.ParseUint(digits, 10, 8)
	if err != nil {
		// not a checksum suffix, leave the text alone
		return body, nil
	}
	if Checksum(body[:i]) != byte(want) {
		return "", ErrChecksumMismatch
	}
	return strings.TrimSpace(body[:i]), nil
}

func splitLineNumber(body string) (int, string, bool) {
	if len(body) < 2 || (body[0] != 'N' && body[0] != 'n') {
		return 0, body, false
	}
	end := 1
	for end < len(body) && isDigit(body[end]) {
		end++
	}
	if end == 1 || (end < len(body) && body[end] != ' ' && body[end] != '\t') {
		return 0, body, false
	}
	n, err := strconv.Atoi(body[1:end])
	if err != nil {
		return 0, body, false
	}
	return n, strings.TrimSpace(body[end:]), true
}

// scanVerb returns the byte length of a leading letter+digits token.
func scanVerb(body string) int {
	if !isLetter(body[0]) {
		return 0
	}
	end := 1
	for end < len(body) && isDigit(body[end]) {
		end++
	}
	if end == 1 {
		return 0
	}
	return end
}

func parseParam(tok string) (Param, error) {
	if key, value, ok := strings.Cut(tok, "="); ok {
		key = strings.ToUpper(key)
		if !isParamName(key) {
			return Param{}, ErrMalformedParam
		}
		return Param{Key: key, Value: value}, nil
	}
	if !isLetter(tok[0]) {
		return Param{}, ErrMalformedParam
	}
	return Param{Key: strings.ToUpper(tok[:1]), Value: tok[1:]}, nil
}

func isParamName(key string) bool {
	if key == "" || !(isLetter(key[0]) || key[0] == '_') {
		return false
	}
	for i := 1; i < len(key); i++ {
		c := key[i]
		if !(isLetter(c) || isDigit(c) || c == '_') {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

package serial

// DefaultMaxFrame bounds a buffered line. Longer input is cut at the bound
// and the rest of the line is dropped; the validator rejects the stub.
const DefaultMaxFrame = 4096

// Framer splits a byte stream into lines on CR or LF. Empty lines are
// dropped. A Framer belongs to one connection; a new connection starts with a
// new Framer so a partial line never spans a reconnect.
type Framer struct {
	buf      []byte
	max      int
	overflow bool
}

func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Framer{max: max}
}

// Feed consumes p and returns every line it completed.
func (f *Framer) Feed(p []byte) []string {
	var out []string
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if len(f.buf) > 0 {
				out = append(out, string(f.buf))
			}
			f.buf = f.buf[:0]
			f.overflow = false
			continue
		}
		if f.overflow {
			continue
		}
		if len(f.buf) >= f.max {
			f.overflow = true
			continue
		}
		f.buf = append(f.buf, b)
	}
	return out
}

// Pending reports how many bytes of an unterminated line are buffered.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.overflow = false
}

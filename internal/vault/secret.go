package vault

// Secret owns a byte buffer holding sensitive material (seed phrases,
// unwrapped data keys). Callers must Zero it on every exit path; Go's GC
// gives no hard guarantee the pages are reused zeroed, so the narrowest
// possible lifetime is part of the contract, not just the wipe.
type Secret struct {
	b []byte
}

func NewSecret(b []byte) *Secret { return &Secret{b: b} }

// Bytes exposes the backing buffer without copying. Do not retain it past
// the Secret's lifetime.
func (s *Secret) Bytes() []byte { return s.b }

func (s *Secret) Len() int { return len(s.b) }

// Zero overwrites the buffer. Safe to call more than once.
func (s *Secret) Zero() {
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = s.b[:0]
}

package sessions

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/aura-live/backend/internal/metrics"
)

const (
	// CodeAlphabet omits 0, 1, I and O so codes can be read aloud and typed without confusion.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// DefaultCodeLength is the length of generated session codes.
	DefaultCodeLength = 6
	// DefaultCodeAttempts bounds how many candidates are tried before giving up.
	DefaultCodeAttempts = 10
)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// GenerateCode returns a random code of the given length drawn uniformly from CodeAlphabet.
func GenerateCode(length int) string {
	if length <= 0 {
		length = DefaultCodeLength
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic("sessions: read random: " + err.Error())
		}
		buf[i] = CodeAlphabet[n.Int64()]
	}
	return string(buf)
}

// CodeChecker reports whether a code is already assigned to a session.
type CodeChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// CodeReserver finds codes that are not yet in use.
type CodeReserver struct {
	checker     CodeChecker
	generate    func(length int) string
	maxAttempts int
}

// NewCodeReserver creates a reserver. generate may be nil to use GenerateCode.
func NewCodeReserver(checker CodeChecker, generate func(length int) string, maxAttempts int) *CodeReserver {
	if generate == nil {
		generate = GenerateCode
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultCodeAttempts
	}
	return &CodeReserver{checker: checker, generate: generate, maxAttempts: maxAttempts}
}

// MaxAttempts returns the configured attempt bound.
func (r *CodeReserver) MaxAttempts() int { return r.maxAttempts }

// Reserve returns a candidate that the store reports as unused.
// The store insert remains the final authority: a concurrent creator may still claim the same code.
func (r *CodeReserver) Reserve(ctx context.Context, length int) (string, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		code := r.generate(length)
		exists, err := r.checker.CodeExists(ctx, code)
		if err != nil {
			return "", storeErr("check code", err)
		}
		if !exists {
			metrics.CodeReservationAttempts.Observe(float64(attempt))
			return code, nil
		}
	}
	metrics.CodeReservationExhausted.Inc()
	return "", ErrExhaustedRetries
}

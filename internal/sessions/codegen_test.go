package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	taken map[string]bool
	err   error
	calls int
}

func (s *stubChecker) CodeExists(_ context.Context, code string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.taken[code], nil
}

func sequence(codes ...string) func(int) string {
	i := 0
	return func(int) string {
		c := codes[i%len(codes)]
		i++
		return c
	}
}

func TestGenerateCode_LengthAndAlphabet(t *testing.T) {
	for i := 0; i < 500; i++ {
		code := GenerateCode(DefaultCodeLength)
		require.Len(t, code, DefaultCodeLength)
		for _, r := range code {
			assert.Truef(t, strings.ContainsRune(CodeAlphabet, r), "unexpected rune %q in %s", r, code)
		}
		assert.False(t, strings.ContainsAny(code, "01IO"), code)
	}
}

func TestGenerateCode_NonPositiveLengthUsesDefault(t *testing.T) {
	assert.Len(t, GenerateCode(0), DefaultCodeLength)
	assert.Len(t, GenerateCode(-3), DefaultCodeLength)
	assert.Len(t, GenerateCode(8), 8)
}

func TestCodeReserver_FirstFreeCandidateWins(t *testing.T) {
	checker := &stubChecker{taken: map[string]bool{"AAAAAA": true, "BBBBBB": true}}
	r := NewCodeReserver(checker, sequence("AAAAAA", "BBBBBB", "CCCCCC"), 10)

	code, err := r.Reserve(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "CCCCCC", code)
	assert.Equal(t, 3, checker.calls)
}

func TestCodeReserver_ExhaustsAfterMaxAttempts(t *testing.T) {
	checker := &stubChecker{taken: map[string]bool{"AAAAAA": true}}
	r := NewCodeReserver(checker, sequence("AAAAAA"), 10)

	_, err := r.Reserve(context.Background(), 6)
	require.ErrorIs(t, err, ErrExhaustedRetries)
	assert.Equal(t, 10, checker.calls)
}

func TestCodeReserver_DefaultAttempts(t *testing.T) {
	r := NewCodeReserver(&stubChecker{}, nil, 0)
	assert.Equal(t, DefaultCodeAttempts, r.MaxAttempts())
}

func TestCodeReserver_StoreErrorIsWrapped(t *testing.T) {
	checker := &stubChecker{err: errors.New("connection refused")}
	r := NewCodeReserver(checker, sequence("AAAAAA"), 10)

	_, err := r.Reserve(context.Background(), 6)
	require.ErrorIs(t, err, ErrStore)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, checker.calls)
}

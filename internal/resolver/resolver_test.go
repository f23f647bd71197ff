package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls   atomic.Int32
	secrets map[string]Secret
	err     error
	delay   time.Duration
}

func (f *countingFetcher) AccessTokens(ctx context.Context, userID string) (map[string]Secret, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.secrets, nil
}

func TestSecretNeverFormatsRawValue(t *testing.T) {
	s := Secret("EAAB-super-secret")

	assert.Equal(t, redacted, s.String())
	assert.Equal(t, redacted, fmt.Sprintf("%v", s))
	assert.Equal(t, redacted, fmt.Sprintf("%#v", s))

	data, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Interface("token", s).Stringer("token2", s).Msg("x")
	assert.NotContains(t, buf.String(), "super-secret")

	assert.Equal(t, "EAAB-super-secret", s.Reveal())
}

func TestLoadOnceAndResolve(t *testing.T) {
	f := &countingFetcher{
		secrets: map[string]Secret{"Juan Page": "tok-1", " Maria ": "tok-2", "Empty": ""},
		delay:   20 * time.Millisecond,
	}
	r := New(f, "42", zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Load(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, r.Load(context.Background()))
	assert.Equal(t, int32(1), f.calls.Load())

	s, ok := r.Resolve("Juan Page")
	assert.True(t, ok)
	assert.Equal(t, "tok-1", s.Reveal())

	_, ok = r.Resolve("Maria")
	assert.True(t, ok, "aliases are trimmed")

	_, ok = r.Resolve("Empty")
	assert.False(t, ok, "blank secrets count as unresolved")

	_, ok = r.Resolve("nobody")
	assert.False(t, ok)

	alias, ok := r.AliasFor("tok-2")
	assert.True(t, ok)
	assert.Equal(t, "Maria", alias)
}

func TestLoadFailureIsRetried(t *testing.T) {
	f := &countingFetcher{err: errors.New("boom")}
	r := New(f, "42", zerolog.Nop())

	require.Error(t, r.Load(context.Background()))
	assert.False(t, r.Loaded())

	f.err = nil
	f.secrets = map[string]Secret{"a": "b"}
	require.NoError(t, r.Load(context.Background()))
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, []string{"a"}, r.Aliases())
}

func TestUnresolvedAliasError(t *testing.T) {
	var err error = &UnresolvedAliasError{Alias: "ghost"}
	var target *UnresolvedAliasError
	require.True(t, errors.As(err, &target))
	assert.Contains(t, err.Error(), "ghost")
}

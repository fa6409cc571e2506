package transformer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/pgbolt/internal/strategy"
)

func TestRuleBased_InitialRewritesBeforeModel(t *testing.T) {
	var gotPrompt string
	c := CompleterFunc(func(_ context.Context, _, prompt string) (string, error) {
		gotPrompt = prompt
		return "SELECT CAST(id AS TEXT) FROM t", nil
	})

	cand, err := NewRuleBased(NewLLM(c, nil, nil), nil).
		Convert(context.Background(), request(strategy.KindInitial, "SELECT id::text FROM t"))
	require.NoError(t, err)

	assert.Contains(t, gotPrompt, "SELECT CAST(id AS TEXT) FROM t")
	assert.NotContains(t, gotPrompt, "id::text")
	assert.Equal(t, "SELECT CAST(id AS TEXT) FROM t", cand.SQL)
	assert.Equal(t, MethodRulesLLM, cand.Method)
	assert.Equal(t, []string{"rewrote :: casts as CAST"}, cand.Notes)
}

func TestRuleBased_UnchangedStatementKeepsModelMethod(t *testing.T) {
	c := CompleterFunc(func(context.Context, string, string) (string, error) {
		return "SELECT id FROM users", nil
	})

	cand, err := NewRuleBased(NewLLM(c, nil, nil), nil).
		Convert(context.Background(), request(strategy.KindInitial, "SELECT id FROM users"))
	require.NoError(t, err)
	assert.Equal(t, MethodLLM, cand.Method)
	assert.Empty(t, cand.Notes)
}

func TestRuleBased_RetriesPassThrough(t *testing.T) {
	var gotPrompt string
	c := CompleterFunc(func(_ context.Context, _, prompt string) (string, error) {
		gotPrompt = prompt
		return "SELECT 2", nil
	})

	cand, err := NewRuleBased(NewLLM(c, nil, nil), nil).
		Convert(context.Background(), request(strategy.KindNewError, "SELECT id::text FROM t"))
	require.NoError(t, err)

	assert.Contains(t, gotPrompt, "SELECT id::text FROM t")
	assert.Equal(t, "SELECT 2", cand.SQL)
	assert.Equal(t, MethodLLM, cand.Method)
}

func TestRuleBased_ModelUnavailable(t *testing.T) {
	down := CompleterFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("503 overloaded")
	})
	rb := NewRuleBased(NewLLM(down, nil, nil), nil)

	t.Run("rewritten statement is used", func(t *testing.T) {
		cand, err := rb.Convert(context.Background(), request(strategy.KindInitial, "SELECT id::text FROM t"))
		require.NoError(t, err)
		assert.Equal(t, "SELECT CAST(id AS TEXT) FROM t", cand.SQL)
		assert.Equal(t, MethodRules, cand.Method)
		require.Len(t, cand.Notes, 2)
		assert.Contains(t, cand.Notes[1], "model unavailable")
	})

	t.Run("nothing rewritten", func(t *testing.T) {
		_, err := rb.Convert(context.Background(), request(strategy.KindInitial, "SELECT 1"))
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("retry", func(t *testing.T) {
		_, err := rb.Convert(context.Background(), request(strategy.KindNewError, "SELECT id::text FROM t"))
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestRuleBased_CanceledIsNotMasked(t *testing.T) {
	c := CompleterFunc(func(ctx context.Context, _, _ string) (string, error) {
		return "", ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRuleBased(NewLLM(c, nil, nil), nil).
		Convert(ctx, request(strategy.KindInitial, "SELECT id::text FROM t"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleBased_Transform(t *testing.T) {
	c := CompleterFunc(func(context.Context, string, string) (string, error) {
		return "SELECT 1", nil
	})

	out, err := NewRuleBased(NewLLM(c, nil, nil), nil).
		Transform(context.Background(), request(strategy.KindInitial, "SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out)
}

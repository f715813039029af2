package intelligence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/intelligence"
	"github.com/oceanbase/memconsolidate-go/pkg/llm"
	"github.com/oceanbase/memconsolidate-go/pkg/retry"
	"github.com/oceanbase/memconsolidate-go/pkg/segment"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// scriptedProvider answers each call with the next scripted reply.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []reply
	calls    int
	messages [][]llm.Message
	prompts  []string
	opts     []*llm.GenerateOptions
}

type reply struct {
	text string
	err  error
}

func (p *scriptedProvider) next() (string, error) {
	p.calls++
	if len(p.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return r.text, r.err
}

func (p *scriptedProvider) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	p.opts = append(p.opts, llm.ApplyGenerateOptions(opts))
	return p.next()
}

func (p *scriptedProvider) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, messages)
	p.opts = append(p.opts, llm.ApplyGenerateOptions(opts))
	return p.next()
}

func (p *scriptedProvider) Close() error { return nil }

func noSleepInvoker(retries int) *retry.Invoker {
	return retry.NewInvoker(retry.Config{MaxRetries: retries, BaseDelay: time.Millisecond},
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
}

type callRecorder struct {
	apis    []string
	success []bool
}

func (r *callRecorder) RecordAPICall(api string, success bool, latency time.Duration) {
	r.apis = append(r.apis, api)
	r.success = append(r.success, success)
}

const goodResponse = `{"user":[{"category":"gustos.musica","content":"likes rock","tags":["rock"]}],` +
	`"persona":[{"category":"cualidades","content":"plays the guitar","tags":["guitar"]}],` +
	`"shared":[{"category":"relaciones.nicknames","content":"call each other mi amor"}]}`

const conversation = "User: me gusta la pizza\n\nPersona: toco la guitarra"

func TestParseExtraction(t *testing.T) {
	t.Run("code fences and surrounding text", func(t *testing.T) {
		ext, err := intelligence.ParseExtraction("Here you go:\n```json\n" + goodResponse + "\n```\nthanks")
		require.NoError(t, err)
		require.Len(t, ext.User, 1)
		assert.Equal(t, "gustos.musica", ext.User[0].Category)
		assert.Equal(t, "likes rock", ext.User[0].Content)
		assert.Equal(t, []string{"rock"}, ext.User[0].Tags)
		assert.Len(t, ext.Persona, 1)
		assert.Len(t, ext.Shared, 1)
		assert.Equal(t, 3, ext.Total())
	})

	t.Run("alternate keys", func(t *testing.T) {
		ext, err := intelligence.ParseExtraction(`{"user_memories":[{"category":"emociones","content":"feels calm"}],` +
			`"avatar_memories":[{"category":"cualidades","content":"is patient"}],` +
			`"persona_memories":[{"category":"gustos.cine_series","content":"loves noir"}],` +
			`"shared_memories":[{"category":"anecdotas","content":"met on a rainy day"}]}`)
		require.NoError(t, err)
		assert.Len(t, ext.User, 1)
		assert.Len(t, ext.Persona, 2)
		assert.Len(t, ext.Shared, 1)
	})

	t.Run("cleans candidates", func(t *testing.T) {
		ext, err := intelligence.ParseExtraction(`{"user":[{"category":" emociones ","content":"  ","tags":[]},` +
			`{"category":"emociones","content":" happy ","tags":["a"," a ","","b"]}]}`)
		require.NoError(t, err)
		require.Len(t, ext.User, 1)
		assert.Equal(t, "happy", ext.User[0].Content)
		assert.Equal(t, []string{"a", "b"}, ext.User[0].Tags)
		assert.Empty(t, ext.Persona)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := intelligence.ParseExtraction("I could not find anything")
		assert.ErrorIs(t, err, intelligence.ErrParse)
	})

	t.Run("broken object", func(t *testing.T) {
		_, err := intelligence.ParseExtraction(`{"user": [}`)
		assert.ErrorIs(t, err, intelligence.ErrParse)
	})
}

func TestNewExtractorRequiresProvider(t *testing.T) {
	_, err := intelligence.NewExtractor(nil)
	assert.ErrorIs(t, err, intelligence.ErrNoProvider)
}

func TestExtractPrimarySuccess(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{text: goodResponse}}}
	rec := &callRecorder{}
	tree := storage.NewCategoryTree([]*storage.Category{{ID: 1, Name: "gustos"}, {ID: 2, Name: "musica", ParentID: func() *int64 { v := int64(1); return &v }()}})
	ex, err := intelligence.NewExtractor(p,
		intelligence.WithInvoker(noSleepInvoker(3)),
		intelligence.WithCallObserver(rec, "analysis"),
		intelligence.WithCategoryTree(tree))
	require.NoError(t, err)

	ext, err := ex.Extract(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, 3, ext.Total())
	assert.Equal(t, 1, ext.APICalls)
	assert.False(t, ext.Fallback)

	require.Len(t, p.messages, 1)
	msgs := p.messages[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, conversation)
	assert.Contains(t, msgs[1].Content, "- gustos: musica")
	assert.True(t, p.opts[0].JSON)
	assert.InDelta(t, intelligence.DefaultTemperature, p.opts[0].Temperature, 1e-9)
	assert.Equal(t, intelligence.DefaultMaxTokens, p.opts[0].MaxTokens)

	assert.Equal(t, []string{"analysis"}, rec.apis)
	assert.Equal(t, []bool{true}, rec.success)
}

func TestExtractRetriesThenSucceeds(t *testing.T) {
	p := &scriptedProvider{replies: []reply{
		{err: errors.New("503")},
		{err: errors.New("503")},
		{text: goodResponse},
	}}
	ex, err := intelligence.NewExtractor(p, intelligence.WithInvoker(noSleepInvoker(3)))
	require.NoError(t, err)

	ext, err := ex.Extract(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, 3, ext.APICalls)
	assert.False(t, ext.Fallback)
	assert.Equal(t, 3, ext.Total())
}

func TestExtractHeuristicFallbackAfterExhaustion(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{err: errors.New("down")}}}
	rec := &callRecorder{}
	ex, err := intelligence.NewExtractor(p,
		intelligence.WithInvoker(noSleepInvoker(2)),
		intelligence.WithCallObserver(rec, "analysis"))
	require.NoError(t, err)

	ext, err := ex.Extract(context.Background(), conversation)
	require.NoError(t, err)
	assert.True(t, ext.Fallback)
	assert.Equal(t, 3, ext.APICalls)
	assert.Equal(t, 3, p.calls)
	require.Len(t, ext.User, 1)
	assert.Equal(t, "gustos.comida", ext.User[0].Category)
	require.Len(t, ext.Persona, 1)
	assert.Equal(t, "cualidades", ext.Persona[0].Category)
	// one record per attempt
	assert.Equal(t, []bool{false, false, false}, rec.success)
}

func TestExtractParseFailureUsesLLMFallback(t *testing.T) {
	primary := &scriptedProvider{replies: []reply{{text: "sorry, no json today"}}}
	secondary := &scriptedProvider{replies: []reply{{text: `{"user_memories":[{"category":"gustos.comida","content":"likes pizza"}]}`}}}
	ex, err := intelligence.NewExtractor(primary,
		intelligence.WithInvoker(noSleepInvoker(3)),
		intelligence.WithFallback(intelligence.NewLLMFallback(secondary, nil)))
	require.NoError(t, err)

	ext, err := ex.Extract(context.Background(), conversation)
	require.NoError(t, err)
	assert.True(t, ext.Fallback)
	assert.Equal(t, 2, ext.APICalls)
	assert.Equal(t, 1, primary.calls, "a parse failure is not retried")
	assert.Equal(t, 1, secondary.calls)
	require.Len(t, ext.User, 1)
	assert.Equal(t, "likes pizza", ext.User[0].Content)

	require.Len(t, secondary.prompts, 1)
	assert.Contains(t, secondary.prompts[0], conversation)
	assert.Contains(t, secondary.prompts[0], "user_memories")
}

func TestExtractDoubleFailureReturnsEmpty(t *testing.T) {
	primary := &scriptedProvider{replies: []reply{{err: errors.New("down")}}}
	secondary := &scriptedProvider{replies: []reply{{err: errors.New("also down")}}}
	ex, err := intelligence.NewExtractor(primary,
		intelligence.WithInvoker(noSleepInvoker(1)),
		intelligence.WithFallback(intelligence.NewLLMFallback(secondary, nil)))
	require.NoError(t, err)

	ext, err := ex.Extract(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, 0, ext.Total())
	assert.True(t, ext.Fallback)
	assert.Equal(t, 3, ext.APICalls)
	assert.Equal(t, 1, secondary.calls, "the fallback is never retried")
}

func TestExtractCancelled(t *testing.T) {
	p := &scriptedProvider{replies: []reply{{text: goodResponse}}}
	ex, err := intelligence.NewExtractor(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.Extract(ctx, conversation)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.calls)
}

func TestHeuristicFallback(t *testing.T) {
	h := intelligence.NewHeuristicFallback(segment.Labels{User: "Ana", Persona: "Luna"})
	ext, err := h.Extract(context.Background(), "User: me gusta el jazz\n\n"+
		"Ana: me encanta el rock y la pizza\n\n"+
		"Luna: hola\n\n"+
		"Ana: tengo miedo a las alturas\n\n"+
		"Luna: canto boleros cada noche")
	require.NoError(t, err)
	assert.True(t, ext.Fallback)

	var userCats []string
	for _, c := range ext.User {
		userCats = append(userCats, c.Category)
	}
	assert.ElementsMatch(t, []string{"gustos.musica", "gustos.comida", "historia_personal.miedos"}, userCats)

	require.Len(t, ext.Persona, 1)
	assert.Equal(t, "cualidades", ext.Persona[0].Category)
	assert.Equal(t, "canto boleros cada noche", ext.Persona[0].Content)
	assert.Empty(t, ext.Shared)
}

func TestHeuristicFallbackMatchesWholeMessage(t *testing.T) {
	h := intelligence.NewHeuristicFallback(segment.Labels{})
	ext, err := h.Extract(context.Background(), "User: te cuento algo, me encanta\n"+
		"cocinar pasta los domingos\n\n"+
		"Persona: qué rico")
	require.NoError(t, err)
	require.Len(t, ext.User, 1)
	assert.Equal(t, "gustos.comida", ext.User[0].Category)
	assert.Equal(t, "te cuento algo, me encanta\ncocinar pasta los domingos", ext.User[0].Content)
	assert.Empty(t, ext.Persona)
}

func TestHeuristicFallbackDefaultsLabels(t *testing.T) {
	h := intelligence.NewHeuristicFallback(segment.Labels{})
	ext, err := h.Extract(context.Background(), "User: my favorite movie is Alien")
	require.NoError(t, err)
	require.Len(t, ext.User, 1)
	assert.Equal(t, "gustos.cine_series", ext.User[0].Category)
}

func TestBucketOwner(t *testing.T) {
	assert.Equal(t, storage.OwnerUser, intelligence.BucketUser.Owner())
	assert.Equal(t, storage.OwnerPersona, intelligence.BucketPersona.Owner())
	assert.Equal(t, storage.OwnerUser, intelligence.BucketShared.Owner())
}

func TestExtractionAllOrder(t *testing.T) {
	ext := &intelligence.Extraction{
		User:    []intelligence.Candidate{{Content: "u"}},
		Persona: []intelligence.Candidate{{Content: "p"}},
		Shared:  []intelligence.Candidate{{Content: "s"}},
	}
	all := ext.All()
	require.Len(t, all, 3)
	assert.Equal(t, intelligence.BucketUser, all[0].Bucket)
	assert.Equal(t, intelligence.BucketPersona, all[1].Bucket)
	assert.Equal(t, intelligence.BucketShared, all[2].Bucket)

	all[0].Candidate.Embedding = []float64{1}
	assert.Equal(t, []float64{1}, ext.User[0].Embedding)

	var none *intelligence.Extraction
	assert.Equal(t, 0, none.Total())
	assert.Nil(t, none.All())
}

package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCall struct {
	resp *ProviderResponse
	err  error
}

// scriptedImages replays a fixed call sequence and records which model each
// call went to.
type scriptedImages struct {
	script []scriptedCall
	models []string
}

func (s *scriptedImages) Generate(ctx context.Context, model string, req GenerationRequest) (*ProviderResponse, error) {
	s.models = append(s.models, model)
	if len(s.script) == 0 {
		return nil, fmt.Errorf("unexpected call %d", len(s.models))
	}
	call := s.script[0]
	s.script = s.script[1:]
	return call.resp, call.err
}

func imageResponse(data string) *ProviderResponse {
	return &ProviderResponse{Candidates: []ProviderCandidate{{Parts: []ProviderPart{
		{Inline: &ProviderImage{Data: []byte(data), MIMEType: "image/png"}},
	}}}}
}

func newTestExecutor(images ImageGenerator) (*Executor, *[]time.Duration) {
	sleeps := &[]time.Duration{}
	ex := NewExecutor(images)
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return ex, sleeps
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{{resp: imageResponse("img")}}}
	ex, sleeps := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	require.Nil(t, failure)
	assert.Equal(t, []byte("img"), result.Data)
	assert.Equal(t, "primary", result.Model)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, *sleeps)
}

func TestInvokeRetriesWithExponentialBackoff(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("503 service unavailable")},
		{err: fmt.Errorf("connection reset by peer")},
		{resp: imageResponse("img")},
	}}
	ex, sleeps := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	require.Nil(t, failure)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "primary", result.Model)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *sleeps)
	assert.Equal(t, []string{"primary", "primary", "primary"}, images.models)
}

func TestInvokeBackoffIsCapped(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("503")},
		{err: fmt.Errorf("503")},
		{err: fmt.Errorf("503")},
		{err: fmt.Errorf("503")},
		{resp: imageResponse("img")},
	}}
	ex, sleeps := newTestExecutor(images)
	ex.MaxAttempts = 5

	_, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "")

	require.Nil(t, failure)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, *sleeps)
}

func TestInvokeExhaustionSwitchesToFallbackModel(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("429 resource_exhausted")},
		{err: fmt.Errorf("429 resource_exhausted")},
		{err: fmt.Errorf("429 resource_exhausted")},
		{resp: imageResponse("img")},
	}}
	ex, _ := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	require.Nil(t, failure)
	assert.Equal(t, "fallback", result.Model)
	assert.Equal(t, []string{"primary", "primary", "primary", "fallback"}, images.models)
}

func TestInvokeExhaustedFallbackReportsOverloaded(t *testing.T) {
	var script []scriptedCall
	for i := 0; i < 6; i++ {
		script = append(script, scriptedCall{err: fmt.Errorf("model is overloaded")})
	}
	images := &scriptedImages{script: script}
	ex, _ := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	assert.Nil(t, result)
	require.NotNil(t, failure)
	assert.Equal(t, FailureProviderOverloaded, failure.Kind)
	assert.True(t, failure.NoCreditCharged)
	assert.Len(t, images.models, 6)
}

func TestInvokeSafetyBlockAbortsImmediately(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("content violation: blocked by safety filters")},
	}}
	ex, sleeps := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	assert.Nil(t, result)
	require.NotNil(t, failure)
	assert.Equal(t, FailureContentSafety, failure.Kind)
	// One call total: no retry, no fallback, no backoff.
	assert.Equal(t, []string{"primary"}, images.models)
	assert.Empty(t, *sleeps)
	assert.False(t, failure.Retryable())
	assert.NotContains(t, failure.UserMessage(), "safety filters")
}

func TestInvokeNonRetryableErrorSkipsFallback(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("400 invalid_argument: bad image payload")},
	}}
	ex, _ := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "fallback")

	assert.Nil(t, result)
	require.NotNil(t, failure)
	assert.Equal(t, FailureProviderUnknown, failure.Kind)
	assert.Equal(t, []string{"primary"}, images.models)
}

func TestInvokeEmptyResponseIsRetryable(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{resp: &ProviderResponse{}},
		{resp: imageResponse("img")},
	}}
	ex, _ := newTestExecutor(images)

	result, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "")

	require.Nil(t, failure)
	assert.Equal(t, 2, result.Attempts)
}

func TestInvokeCancellationStopsRetrying(t *testing.T) {
	images := &scriptedImages{script: []scriptedCall{
		{err: fmt.Errorf("503")},
	}}
	ex := NewExecutor(images)
	ctx, cancel := context.WithCancel(context.Background())
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result, failure := ex.Invoke(ctx, GenerationRequest{Prompt: "p"}, "primary", "fallback")

	assert.Nil(t, result)
	require.NotNil(t, failure)
	// Only the pre-cancellation call happened; the fallback never started.
	assert.Equal(t, []string{"primary"}, images.models)
}

func TestInvokeNoFallbackWhenIdenticalToPrimary(t *testing.T) {
	var script []scriptedCall
	for i := 0; i < 3; i++ {
		script = append(script, scriptedCall{err: fmt.Errorf("503")})
	}
	images := &scriptedImages{script: script}
	ex, _ := newTestExecutor(images)

	_, failure := ex.Invoke(context.Background(), GenerationRequest{Prompt: "p"}, "primary", "primary")

	require.NotNil(t, failure)
	assert.Len(t, images.models, 3)
}

func TestExtractImagePriorityOrder(t *testing.T) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("from-data-url"))

	resp := &ProviderResponse{
		Candidates: []ProviderCandidate{{Parts: []ProviderPart{
			{Text: "here is your image"},
			{Inline: &ProviderImage{Data: []byte("from-candidate"), MIMEType: "image/png"}},
		}}},
		Image:   &ProviderImage{Data: []byte("from-flat"), MIMEType: "image/png"},
		DataURL: dataURL,
	}
	img, err := resp.ExtractImage()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-candidate"), img.Data)

	resp.Candidates = nil
	img, err = resp.ExtractImage()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-flat"), img.Data)

	resp.Image = nil
	img, err = resp.ExtractImage()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-data-url"), img.Data)
	assert.Equal(t, "image/jpeg", img.MIMEType)

	resp.DataURL = ""
	_, err = resp.ExtractImage()
	assert.Error(t, err)
}

func TestExtractImageIgnoresTextOnlyCandidates(t *testing.T) {
	resp := &ProviderResponse{Candidates: []ProviderCandidate{{Parts: []ProviderPart{
		{Text: "I cannot generate that image."},
	}}}}

	_, err := resp.ExtractImage()
	assert.Error(t, err)
}

func TestClassifyProviderErrorSniffing(t *testing.T) {
	cases := []struct {
		message string
		want    ProviderErrorKind
	}{
		{"429 Too Many Requests", ProviderErrRateLimited},
		{"quota exceeded for project", ProviderErrRateLimited},
		{"503 Service Unavailable", ProviderErrOverloaded},
		{"the model is overloaded", ProviderErrOverloaded},
		{"content violation detected", ProviderErrSafety},
		{"request blocked", ProviderErrSafety},
		{"400 invalid_argument", ProviderErrMalformed},
		{"unexpected EOF", ProviderErrNetwork},
		{"something odd happened", ProviderErrUnknown},
	}
	for _, c := range cases {
		got := classifyProviderError(fmt.Errorf("%s", c.message))
		assert.Equalf(t, c.want, got.Kind, "message %q", c.message)
	}
}

func TestClassifyProviderErrorKeepsTypedErrors(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ProviderError{Kind: ProviderErrSafety, Message: "prompt feedback block"})
	got := classifyProviderError(err)
	assert.Equal(t, ProviderErrSafety, got.Kind)

	got = classifyProviderError(context.DeadlineExceeded)
	assert.Equal(t, ProviderErrNetwork, got.Kind)
}

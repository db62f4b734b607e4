package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReferenceImage is one reference fed to the provider, ordered by semantic
// role: pose/identity first in edit flows, garments next, background last.
type ReferenceImage struct {
	Data     []byte
	MIMEType string
	Role     string
}

// GenerationRequest is the materialized unit sent to the provider.
type GenerationRequest struct {
	Prompt      string
	References  []ReferenceImage
	AspectRatio string
}

// The provider nests image payloads differently across models. ProviderResponse
// is the union of the shapes we know; ExtractImage tries them in a fixed
// priority order and fails closed when none match.
type ProviderImage struct {
	Data     []byte
	MIMEType string
}

type ProviderPart struct {
	Inline *ProviderImage
	Text   string
}

type ProviderCandidate struct {
	Parts []ProviderPart
}

type ProviderResponse struct {
	// Shape 1: candidates with inline-data parts (current Gemini image models).
	Candidates []ProviderCandidate
	// Shape 2: a single flat image payload (legacy image endpoints).
	Image *ProviderImage
	// Shape 3: a base64 data URL in the text body (some preview models).
	DataURL string
}

var errNoImagePayload = errors.New("no recognizable image payload in provider response")

// ExtractImage normalizes the response to raw bytes + mime type. A missing
// payload is retryable and distinct from an explicit provider error.
func (r *ProviderResponse) ExtractImage() (*ProviderImage, error) {
	for _, cand := range r.Candidates {
		for _, part := range cand.Parts {
			if part.Inline != nil && len(part.Inline.Data) > 0 && strings.HasPrefix(part.Inline.MIMEType, "image/") {
				return part.Inline, nil
			}
		}
	}
	if r.Image != nil && len(r.Image.Data) > 0 {
		return r.Image, nil
	}
	if strings.HasPrefix(r.DataURL, "data:image/") {
		meta, payload, found := strings.Cut(strings.TrimPrefix(r.DataURL, "data:"), ",")
		if found {
			data, err := base64.StdEncoding.DecodeString(payload)
			if err == nil && len(data) > 0 {
				return &ProviderImage{Data: data, MIMEType: strings.TrimSuffix(meta, ";base64")}, nil
			}
		}
	}
	return nil, errNoImagePayload
}

// ImageGenerator is the opaque image-generation capability: given a prompt
// and 1..N reference images, return a response or a typed failure.
type ImageGenerator interface {
	Generate(ctx context.Context, model string, req GenerationRequest) (*ProviderResponse, error)
}

// ImageResult is a normalized successful generation.
type ImageResult struct {
	Data     []byte
	MIMEType string
	Model    string
	Attempts int
}

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 5 * time.Second
	defaultCallTimeout    = 45 * time.Second
)

// Executor invokes the image provider with bounded retries and
// primary-to-fallback model substitution.
type Executor struct {
	Images         ImageGenerator
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(images ImageGenerator) *Executor {
	return &Executor{
		Images:         images,
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		CallTimeout:    defaultCallTimeout,
		sleep:          sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Invoke runs the full attempt sequence against the primary model and, if
// every attempt exhausts on retryable errors, one more full sequence against
// a distinct fallback model. Safety blocks abort everything immediately.
func (ex *Executor) Invoke(ctx context.Context, req GenerationRequest, primaryModel, fallbackModel string) (*ImageResult, *Failure) {
	result, failure, exhausted := ex.invokeModel(ctx, req, primaryModel)
	if failure == nil {
		return result, nil
	}
	if !exhausted || fallbackModel == "" || fallbackModel == primaryModel || ctx.Err() != nil {
		return nil, failure
	}
	fmt.Printf("[Executor] Primary model %s exhausted (%s), switching to fallback %s\n", primaryModel, failure.Kind, fallbackModel)
	result, failure, _ = ex.invokeModel(ctx, req, fallbackModel)
	if failure == nil {
		return result, nil
	}
	return nil, failure
}

// invokeModel runs up to MaxAttempts against a single model. Backoff is
// exponential starting at InitialBackoff, doubled each retry, capped at
// MaxBackoff, and applied before retries only. Exhausted is true only when
// every attempt failed on a retryable condition; non-retryable errors abort
// without consuming remaining attempts.
func (ex *Executor) invokeModel(ctx context.Context, req GenerationRequest, model string) (*ImageResult, *Failure, bool) {
	maxAttempts := ex.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := ex.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	maxBackoff := ex.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	sleep := ex.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr *ProviderError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// No retry starts once cancellation is observed.
			if err := sleep(ctx, backoff); err != nil {
				return nil, newFailure(FailureProviderUnknown, "request cancelled"), false
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if ex.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, ex.CallTimeout)
		}
		resp, err := ex.Images.Generate(callCtx, model, req)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			perr := classifyProviderError(err)
			fmt.Printf("[Executor] Model %s attempt %d/%d failed: %v\n", model, attempt, maxAttempts, err)
			if perr.Kind == ProviderErrSafety {
				// Definitional, not capacity-related: no retry, no fallback,
				// and no raw provider diagnostics to the user.
				return nil, newFailure(FailureContentSafety, "blocked by content safety policy"), false
			}
			if !perr.Retryable() {
				return nil, newFailure(FailureProviderUnknown, perr.Message), false
			}
			lastErr = perr
			continue
		}

		image, err := resp.ExtractImage()
		if err != nil {
			// Distinct retryable condition: the call succeeded but carried no
			// image payload in any known shape.
			fmt.Printf("[Executor] Model %s attempt %d/%d returned no image payload\n", model, attempt, maxAttempts)
			lastErr = &ProviderError{Kind: ProviderErrNoImage, Message: err.Error()}
			continue
		}
		return &ImageResult{Data: image.Data, MIMEType: image.MIMEType, Model: model, Attempts: attempt}, nil, false
	}

	kind := FailureProviderUnknown
	message := "image generation failed"
	if lastErr != nil {
		message = lastErr.Message
		switch lastErr.Kind {
		case ProviderErrOverloaded, ProviderErrRateLimited, ProviderErrNoImage:
			kind = FailureProviderOverloaded
		}
	}
	return nil, newFailure(kind, message), true
}

// classifyProviderError maps arbitrary provider errors to a typed kind.
// Collaborators may already return *ProviderError; everything else is sniffed
// from the message the way the provider spells its status codes.
func classifyProviderError(err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ProviderErrNetwork, Message: "provider call timed out"}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "content violation") || strings.Contains(lower, "safety") || strings.Contains(lower, "blocked"):
		return &ProviderError{Kind: ProviderErrSafety, Message: msg}
	case strings.Contains(msg, "429") || strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"):
		return &ProviderError{Kind: ProviderErrRateLimited, Message: msg}
	case strings.Contains(msg, "503") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "overloaded"):
		return &ProviderError{Kind: ProviderErrOverloaded, Message: msg}
	case strings.Contains(msg, "400") || strings.Contains(lower, "invalid_argument") || strings.Contains(lower, "invalid request"):
		return &ProviderError{Kind: ProviderErrMalformed, Message: msg}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "timeout") || strings.Contains(lower, "eof") || strings.Contains(msg, "500") || strings.Contains(lower, "internal"):
		return &ProviderError{Kind: ProviderErrNetwork, Message: msg}
	default:
		return &ProviderError{Kind: ProviderErrUnknown, Message: msg}
	}
}

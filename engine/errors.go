package engine

import "fmt"

// FailureKind classifies why a generation turn could not produce an image.
type FailureKind string

const (
	FailureInsufficientInput      FailureKind = "insufficient_input"
	FailureImageLoad              FailureKind = "image_load_failed"
	FailureInsufficientReferences FailureKind = "insufficient_references_for_edit"
	FailureProviderOverloaded     FailureKind = "provider_overloaded"
	FailureContentSafety          FailureKind = "content_safety_block"
	FailureProviderUnknown        FailureKind = "provider_unknown_error"
)

// Failure is a typed, user-presentable failure. NoCreditCharged is the hard
// cost-integrity signal: it stays true unless a provider call actually
// succeeded and was charged before the run went sideways.
type Failure struct {
	Kind            FailureKind `json:"kind"`
	Message         string      `json:"message"`
	NoCreditCharged bool        `json:"no_credit_charged"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Retryable reports whether the user retrying the same turn can reasonably
// expect a different result.
func (f *Failure) Retryable() bool {
	return f.Kind != FailureContentSafety
}

func newFailure(kind FailureKind, message string) *Failure {
	return &Failure{Kind: kind, Message: message, NoCreditCharged: true}
}

// UserMessage maps a failure to the message we show end users. Safety blocks
// never leak raw provider diagnostics.
func (f *Failure) UserMessage() string {
	switch f.Kind {
	case FailureInsufficientInput:
		return "We need a bit more to generate your photo. " + f.Message
	case FailureImageLoad:
		return fmt.Sprintf("We could not read one of your images (%s). Please re-attach it and try again. No credit was charged.", f.Message)
	case FailureInsufficientReferences:
		return "This edit needs the previous photo plus at least one garment. Please re-attach them and try again. No credit was charged."
	case FailureContentSafety:
		return "This request was declined by our content policy. Please change the images or the description and try again. No credit was charged."
	default:
		return "Sorry, we could not generate your photo right now, please try again in a moment. No credit was charged."
	}
}

// ProviderErrorKind classifies errors coming back from the image provider so
// the executor can decide between retry, fallback and hard abort.
type ProviderErrorKind int

const (
	ProviderErrUnknown ProviderErrorKind = iota
	ProviderErrOverloaded
	ProviderErrRateLimited
	ProviderErrNetwork
	ProviderErrNoImage
	ProviderErrSafety
	ProviderErrMalformed
)

type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// Retryable reports whether another attempt against the same model makes
// sense. Safety blocks and malformed requests are definitional, not
// capacity-related.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ProviderErrOverloaded, ProviderErrRateLimited, ProviderErrNetwork, ProviderErrNoImage, ProviderErrUnknown:
		return true
	default:
		return false
	}
}

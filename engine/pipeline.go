package engine

import (
	"context"
	"fmt"
	"strings"
)

type CostKind string

const (
	CostGeneration CostKind = "generation"
	CostRefinement CostKind = "refinement"
	CostBackground CostKind = "background"
)

// CostLedgerEntry records one successful provider call. The pipeline never
// charges before the call's bytes are confirmed valid.
type CostLedgerEntry struct {
	Kind           CostKind `json:"kind"`
	CreditsCharged int      `json:"credits_charged"`
}

// EngineConfig is loaded through an injected, time-boxed provider owned by
// the caller. Credit amounts are pre-computed by the ledger collaborator.
type EngineConfig struct {
	PrimaryModel      string
	FallbackModel     string
	AspectRatio       string
	GenerationCredits int
	RefinementCredits int
	BackgroundCredits int
}

type ConfigProvider interface {
	EngineConfig(ctx context.Context) (EngineConfig, error)
}

// DefaultEngineConfig keeps the engine available when the config collaborator
// is down.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PrimaryModel:      "gemini-2.5-flash-image-preview",
		FallbackModel:     "gemini-2.0-flash-preview-image-generation",
		AspectRatio:       "9:16",
		GenerationCredits: 10,
		RefinementCredits: 6,
		BackgroundCredits: 4,
	}
}

// ProcessInput is one conversation turn plus everything the engine needs to
// act on it. All state is passed in; the engine holds nothing across turns
// and is safe for concurrent callers.
type ProcessInput struct {
	History []Turn
	Current Turn
}

// GenerationResult is the image side of a successful run. BackgroundSkipped
// marks a degraded success: Step 1 delivered but the background composite
// failed or was cancelled, and only Step 1 was charged.
type GenerationResult struct {
	ImageBytes        []byte            `json:"-"`
	MIMEType          string            `json:"mime_type"`
	Mode              EditMode          `json:"-"`
	Model             string            `json:"model"`
	CostEntries       []CostLedgerEntry `json:"cost_entries"`
	BackgroundSkipped bool              `json:"background_skipped"`
	BackgroundError   string            `json:"background_error,omitempty"`
}

// Outcome is the exposed contract of the engine. Exactly one of Guardrail,
// Result or Failure is set alongside the decision.
type Outcome struct {
	Guardrail *GuardrailReply     `json:"guardrail,omitempty"`
	Decision  *GenerationDecision `json:"decision,omitempty"`
	Mode      EditMode            `json:"-"`
	Result    *GenerationResult   `json:"result,omitempty"`
	Failure   *Failure            `json:"failure,omitempty"`
}

// Engine orchestrates one conversation turn: resolve attachments, classify
// the edit mode, decide readiness, then run one or two provider calls.
type Engine struct {
	Executor *Executor
	Agent    *DecisionAgent
	Fetcher  ByteFetcher
	Config   ConfigProvider
}

func NewEngine(images ImageGenerator, reasoner Reasoner, fetcher ByteFetcher, config ConfigProvider) *Engine {
	return &Engine{
		Executor: NewExecutor(images),
		Agent:    &DecisionAgent{Reasoner: reasoner},
		Fetcher:  fetcher,
		Config:   config,
	}
}

func (e *Engine) config(ctx context.Context) EngineConfig {
	if e.Config == nil {
		return DefaultEngineConfig()
	}
	cfg, err := e.Config.EngineConfig(ctx)
	if err != nil {
		fmt.Println("Engine config provider failed, using defaults:", err)
		return DefaultEngineConfig()
	}
	return cfg
}

// Process runs the full pipeline for one turn:
// resolve -> classify -> decide -> execute -> composite.
func (e *Engine) Process(ctx context.Context, in ProcessInput) Outcome {
	if reply := e.Agent.CheckGuardrail(in.Current); reply != nil {
		return Outcome{Guardrail: reply}
	}

	cfg := e.config(ctx)
	resolved := Resolve(in.History, in.Current)
	mode := ClassifyEditMode(resolved.ImproveReference != nil, resolved.NewGarments, resolved.NewBackground)

	decision := e.Agent.Decide(ctx, in.History, in.Current, resolved)
	if !decision.Ready {
		return Outcome{
			Decision: decision,
			Mode:     mode,
			Failure:  newFailure(FailureInsufficientInput, strings.Join(decision.Questions, " ")),
		}
	}

	// Default-pose policy: a fresh generation needs a pose source. We never
	// substitute an undefined placeholder pose; the user must attach a model
	// photo or refine a previous result.
	if mode == ModeNone && resolved.PoseReference() == nil {
		decision.Ready = false
		decision.Questions = []string{"Please attach a photo of the model (or a previous result) whose pose the garment should be shown on."}
		return Outcome{
			Decision: decision,
			Mode:     mode,
			Failure:  newFailure(FailureInsufficientInput, "no pose or model reference attached"),
		}
	}

	if failure := referencePrecondition(mode, buildStepOneReferences(resolved)); failure != nil {
		return Outcome{Decision: decision, Mode: mode, Failure: failure}
	}

	// A background the mode will never composite stays inert: no fetch, and
	// a stale expired key must not fail the turn.
	if !mode.BackgroundStepAllowed() {
		resolved.Background = nil
	}

	if failure := resolved.Materialize(ctx, e.Fetcher); failure != nil {
		return Outcome{Decision: decision, Mode: mode, Failure: failure}
	}

	stepOneRefs := buildStepOneReferences(resolved)
	result, failure := e.Executor.Invoke(ctx, GenerationRequest{
		Prompt:      buildStepOnePrompt(mode, decision.Prompt),
		References:  stepOneRefs,
		AspectRatio: cfg.AspectRatio,
	}, cfg.PrimaryModel, cfg.FallbackModel)
	if failure != nil {
		return Outcome{Decision: decision, Mode: mode, Failure: failure}
	}

	// Step 1 bytes are confirmed valid: charge it now, and nothing that
	// happens later can undo the user's image.
	generation := &GenerationResult{
		ImageBytes: result.Data,
		MIMEType:   result.MIMEType,
		Mode:       mode,
		Model:      result.Model,
		CostEntries: []CostLedgerEntry{
			{Kind: stepOneCostKind(mode), CreditsCharged: stepOneCredits(mode, cfg)},
		},
	}

	if resolved.Background != nil && mode.BackgroundStepAllowed() {
		composite, failure := e.Executor.Invoke(ctx, GenerationRequest{
			Prompt: backgroundCompositePrompt,
			References: []ReferenceImage{
				{Data: result.Data, MIMEType: result.MIMEType, Role: "generated subject"},
				{Data: resolved.Background.Source.Data, MIMEType: resolved.Background.Source.MIMEType, Role: "new background"},
			},
			AspectRatio: cfg.AspectRatio,
		}, cfg.PrimaryModel, cfg.FallbackModel)
		if failure != nil {
			// Degraded success: keep the Step 1 image, charge nothing for the
			// background step and do not retry Step 1.
			fmt.Println("Background composite failed, returning step-1 image:", failure.Kind)
			generation.BackgroundSkipped = true
			generation.BackgroundError = failure.UserMessage()
		} else {
			generation.ImageBytes = composite.Data
			generation.MIMEType = composite.MIMEType
			generation.Model = composite.Model
			generation.CostEntries = append(generation.CostEntries, CostLedgerEntry{
				Kind:           CostBackground,
				CreditsCharged: cfg.BackgroundCredits,
			})
		}
	}

	return Outcome{Decision: decision, Mode: mode, Result: generation}
}

// referencePrecondition rejects a dispatch that would reach the provider with
// too few reference images for its mode. Hard precondition, never silently
// downgraded to fresh generation.
func referencePrecondition(mode EditMode, refs []ReferenceImage) *Failure {
	if mode.RequiresImproveReference() && len(refs) < 2 {
		return newFailure(FailureInsufficientReferences, fmt.Sprintf("%s needs a previous result plus at least one garment, got %d reference(s)", mode, len(refs)))
	}
	return nil
}

// buildStepOneReferences orders references by semantic role: pose/identity
// first, garments next. The background never feeds Step 1.
func buildStepOneReferences(resolved ResolvedSet) []ReferenceImage {
	var refs []ReferenceImage
	if pose := resolved.PoseReference(); pose != nil {
		role := "model pose reference"
		if pose.Type == AttachmentImproveReference {
			role = "previous result to refine"
		}
		refs = append(refs, ReferenceImage{Data: pose.Source.Data, MIMEType: pose.Source.MIMEType, Role: role})
	}
	for _, garment := range resolved.Garments {
		refs = append(refs, ReferenceImage{Data: garment.Source.Data, MIMEType: garment.Source.MIMEType, Role: "garment"})
	}
	return refs
}

func stepOneCostKind(mode EditMode) CostKind {
	if mode == ModeNone {
		return CostGeneration
	}
	return CostRefinement
}

func stepOneCredits(mode EditMode, cfg EngineConfig) int {
	if mode == ModeNone {
		return cfg.GenerationCredits
	}
	return cfg.RefinementCredits
}

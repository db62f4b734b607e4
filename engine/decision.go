package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tryonapi/languageutil"
)

type Gender string

const (
	GenderFemale Gender = "FEMALE"
	GenderMale   Gender = "MALE"
)

// ModelSpecs describe the model to render when the user did not upload a
// pose/identity photo of their own.
type ModelSpecs struct {
	Gender           Gender `json:"gender"`
	AgeRange         string `json:"age_range"`
	HeightCm         int    `json:"height_cm"`
	WeightKg         int    `json:"weight_kg"`
	HairColor        string `json:"hair_color"`
	FacialExpression string `json:"facial_expression"`
}

// GenerationDecision is the decision agent output: either clarifying
// questions, or a prompt plus model specs. Ready implies a non-empty prompt
// and a resolved gender.
type GenerationDecision struct {
	Ready      bool       `json:"ready"`
	Questions  []string   `json:"questions,omitempty"`
	Prompt     string     `json:"prompt,omitempty"`
	ModelSpecs ModelSpecs `json:"model_specs"`
}

// Reasoner is the text-reasoning collaborator. It is treated as unreliable:
// any error or malformed output falls through to deterministic heuristics.
type Reasoner interface {
	Complete(ctx context.Context, systemInstruction string, conversation string) (string, error)
}

// GuardrailReply is a canned zero-cost response that never reaches the
// decision agent or the provider.
type GuardrailReply struct {
	Message string `json:"message"`
}

type DecisionAgent struct {
	Reasoner Reasoner
}

// CheckGuardrail intercepts greetings and obvious chit-chat before any
// paid upstream call. Attachments always bypass the guardrail.
func (a *DecisionAgent) CheckGuardrail(current Turn) *GuardrailReply {
	if len(current.Attachments) > 0 {
		return nil
	}
	text := languageutil.Normalize(current.Text)
	if text == "" {
		return &GuardrailReply{Message: guardrailReplyText}
	}
	if len(text) <= 40 && languageutil.ContainsKeyword(text, languageutil.GreetingKeywords) {
		return &GuardrailReply{Message: guardrailReplyText}
	}
	return nil
}

type decisionContext struct {
	Messages       []decisionMessage `json:"messages"`
	GarmentCount   int               `json:"garment_count"`
	HasModelPhoto  bool              `json:"has_model_photo"`
	HasImproveRef  bool              `json:"has_improve_reference"`
	HasBackground  bool              `json:"has_background"`
	NewGarments    bool              `json:"new_garments_this_turn"`
	CurrentMessage string            `json:"current_message"`
}

type decisionMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Decide determines generation readiness from the conversation plus the
// resolved attachment set. The reasoning call may fail or return garbage;
// generation availability never depends on it.
func (a *DecisionAgent) Decide(ctx context.Context, history []Turn, current Turn, resolved ResolvedSet) *GenerationDecision {
	payload := decisionContext{
		GarmentCount:   len(resolved.Garments),
		HasModelPhoto:  resolved.Model != nil,
		HasImproveRef:  resolved.ImproveReference != nil,
		HasBackground:  resolved.Background != nil,
		NewGarments:    resolved.NewGarments,
		CurrentMessage: current.Text,
	}
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		payload.Messages = append(payload.Messages, decisionMessage{Role: turn.Role, Text: turn.Text})
	}
	contextJSON, err := json.Marshal(payload)
	if err != nil {
		return a.fallbackDecision(history, current, resolved)
	}

	if a.Reasoner == nil {
		return a.fallbackDecision(history, current, resolved)
	}
	raw, err := a.Reasoner.Complete(ctx, decisionSystemInstruction, string(contextJSON))
	if err != nil {
		fmt.Println("Decision reasoner error, using fallback heuristics:", err)
		return a.fallbackDecision(history, current, resolved)
	}

	var decision GenerationDecision
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &decision); err != nil {
		fmt.Println("Decision reasoner returned malformed JSON, using fallback heuristics:", err)
		return a.fallbackDecision(history, current, resolved)
	}

	if decision.Ready {
		// Ready must always come with a usable prompt and a resolved gender.
		if decision.ModelSpecs.Gender != GenderMale && decision.ModelSpecs.Gender != GenderFemale {
			decision.ModelSpecs.Gender = inferGender(history, current, resolved)
		}
		if strings.TrimSpace(decision.Prompt) == "" {
			decision.Prompt = buildFallbackPrompt(resolved, decision.ModelSpecs)
		}
	} else if len(decision.Questions) == 0 {
		return a.fallbackDecision(history, current, resolved)
	}
	return &decision
}

// fallbackDecision applies the deterministic heuristics when the reasoning
// capability is unavailable or returned malformed output. If any usable
// reference exists the turn is forced ready so a single upstream text call
// can never block generation.
func (a *DecisionAgent) fallbackDecision(history []Turn, current Turn, resolved ResolvedSet) *GenerationDecision {
	hasAnyReference := len(resolved.Garments) > 0 || resolved.ImproveReference != nil || resolved.Model != nil
	if !hasAnyReference {
		return &GenerationDecision{
			Ready: false,
			Questions: []string{
				"Please attach a photo of the garment you want to try on.",
				"What kind of model should wear it (gender, approximate age)?",
			},
		}
	}
	specs := ModelSpecs{Gender: inferGender(history, current, resolved)}
	return &GenerationDecision{
		Ready:      true,
		Prompt:     buildFallbackPrompt(resolved, specs),
		ModelSpecs: specs,
	}
}

// inferGender resolves gender by (a) keyword scan of user turns newest
// first, (b) attachment metadata, (c) the FEMALE default.
func inferGender(history []Turn, current Turn, resolved ResolvedSet) Gender {
	texts := []string{current.Text}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			texts = append(texts, history[i].Text)
		}
	}
	for _, text := range texts {
		if languageutil.ContainsKeyword(text, languageutil.MaleKeywords) {
			return GenderMale
		}
		if languageutil.ContainsKeyword(text, languageutil.FemaleKeywords) {
			return GenderFemale
		}
	}
	for _, att := range metadataCarriers(resolved) {
		switch strings.ToUpper(att.Metadata["gender"]) {
		case string(GenderMale):
			return GenderMale
		case string(GenderFemale):
			return GenderFemale
		}
	}
	return GenderFemale
}

func metadataCarriers(resolved ResolvedSet) []Attachment {
	var out []Attachment
	if resolved.Model != nil {
		out = append(out, *resolved.Model)
	}
	if resolved.ImproveReference != nil {
		out = append(out, *resolved.ImproveReference)
	}
	out = append(out, resolved.Garments...)
	return out
}

// cleanModelJSON strips markdown code fences the model wraps JSON in.
func cleanModelJSON(text string) string {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	return strings.TrimSpace(clean)
}

package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"tryonapi/engine"
)

// GoogleImageClient is the Gemini-backed image generation capability. It
// sends every reference inline and normalizes the response shapes the image
// models are known to return.
type GoogleImageClient struct {
	client *genai.Client
}

func NewGoogleImageClient(ctx context.Context) (*GoogleImageClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %v", err)
	}
	return &GoogleImageClient{client: client}, nil
}

func floatPointer(f float32) *float32 {
	return &f
}

func (g *GoogleImageClient) Generate(ctx context.Context, model string, req engine.GenerationRequest) (*engine.ProviderResponse, error) {
	var parts []*genai.Part
	for i, ref := range req.References {
		fmt.Printf("Adding inline image part %d (%s, %d bytes)\n", i, ref.Role, len(ref.Data))
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				Data:     ref.Data,
				MIMEType: ref.MIMEType,
			},
		})
	}
	prompt := req.Prompt
	if req.AspectRatio != "" {
		prompt += fmt.Sprintf("\nAspect ratio %s portrait size.", req.AspectRatio)
	}
	parts = append(parts, &genai.Part{Text: prompt})

	result, err := g.client.Models.GenerateContent(ctx, model, []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: 50000,
		Temperature:     floatPointer(1),
	})
	if err != nil {
		fmt.Println("Error in GenerateContent:", err)
		return nil, err
	}

	if result.UsageMetadata != nil {
		fmt.Println("Input token count:", result.UsageMetadata.PromptTokenCount)
		fmt.Println("Output token count:", result.UsageMetadata.CandidatesTokenCount)
		fmt.Println("Total token count:", result.UsageMetadata.TotalTokenCount)
	}
	if result.PromptFeedback != nil {
		fmt.Println(result.PromptFeedback.BlockReason)
		fmt.Println(result.PromptFeedback.BlockReasonMessage)
		fmt.Println(result.PromptFeedback.SafetyRatings)
		return nil, &engine.ProviderError{
			Kind:    engine.ProviderErrSafety,
			Message: fmt.Sprintf("content violation: %s", result.PromptFeedback.BlockReasonMessage),
		}
	}

	resp := &engine.ProviderResponse{}
	for _, cand := range result.Candidates {
		for _, rating := range cand.SafetyRatings {
			fmt.Println("[Safety] rating:", rating.Category, "Score:", rating.Probability, " Blocked:", rating.Blocked)
			if rating.Blocked {
				return nil, &engine.ProviderError{
					Kind:    engine.ProviderErrSafety,
					Message: fmt.Sprintf("content violation: blocked by safety setting %s", rating.Category),
				}
			}
		}
		if cand.Content == nil || len(cand.Content.Parts) == 0 {
			continue
		}
		candidate := engine.ProviderCandidate{}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil {
				candidate.Parts = append(candidate.Parts, engine.ProviderPart{
					Inline: &engine.ProviderImage{
						Data:     part.InlineData.Data,
						MIMEType: part.InlineData.MIMEType,
					},
				})
				continue
			}
			if part.Text != "" {
				// Some preview models hand the image back as a data URL in
				// the text body.
				if strings.HasPrefix(strings.TrimSpace(part.Text), "data:image/") && resp.DataURL == "" {
					resp.DataURL = strings.TrimSpace(part.Text)
				}
				candidate.Parts = append(candidate.Parts, engine.ProviderPart{Text: part.Text})
			}
		}
		resp.Candidates = append(resp.Candidates, candidate)
	}
	return resp, nil
}

// GoogleReasoner is the Gemini text model behind the decision agent. It asks
// for JSON output; the caller treats anything else as malformed.
type GoogleReasoner struct {
	client *genai.Client
	Model  string
}

func NewGoogleReasoner(ctx context.Context, model string) (*GoogleReasoner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  os.Getenv("GOOGLE_API_KEY"),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %v", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GoogleReasoner{client: client, Model: model}, nil
}

func (g *GoogleReasoner) Complete(ctx context.Context, systemInstruction string, conversation string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.Model, []*genai.Content{{Parts: []*genai.Part{{Text: conversation}}}}, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		CandidateCount:   1,
		MaxOutputTokens:  4000,
		Temperature:      floatPointer(0.3),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
	})
	if err != nil {
		fmt.Println("Error in reasoner GenerateContent:", err)
		return "", err
	}
	if result.PromptFeedback != nil {
		return "", fmt.Errorf("content violation: %s", result.PromptFeedback.BlockReasonMessage)
	}
	return result.Text(), nil
}

package engine

import (
	"fmt"
	"strings"
)

// decisionSystemInstruction is the fixed instruction set for the readiness
// classifier. The model must answer with JSON only; anything else falls
// through to the deterministic heuristics.
const decisionSystemInstruction = `You are the intake agent of a fashion virtual try-on studio. The user uploads garment photos and describes the photograph they want. Decide from the conversation whether we have enough to generate an image.
Rules:
1. If no garment image is attached anywhere in the conversation and none is being attached now, set "ready" to false and ask ONE short batch of clarifying questions (at most 3) in the user's language, asking them to attach the garment photo and describe the model they want.
2. Otherwise set "ready" to true, write an English generation prompt describing a full-body fashion e-commerce photograph of the requested model wearing the attached garments, and infer the model specs from the conversation. When the user never specified a value, pick a natural commercial default, never leave gender empty.
3. Never ask more than one batch of questions per conversation. If you already asked, mark ready with defaults.
Answer ONLY with JSON: {"ready": bool, "questions": [string], "prompt": string, "model_specs": {"gender": "FEMALE"|"MALE", "age_range": string, "height_cm": int, "weight_kg": int, "hair_color": string, "facial_expression": string}}`

// backgroundCompositePrompt drives the second compositing call: keep the
// subject from the first image, replace the scene with the second.
const backgroundCompositePrompt = `Take the person from the first image exactly as they are: same identity, same face, same pose, same garments, same body proportions, 100% unchanged. Replace only the background with the scene from the second image. Blend the subject naturally into the new scene: match the scene's lighting direction and color temperature on the subject, add a soft realistic ground shadow consistent with the scene, and keep edges clean without halos. Output a single photorealistic image, no text, no watermark.`

var editModeIntents = map[EditMode]string{
	ModeTextEdit:         "Refine the previously generated photo from the first image according to the user's instructions, changing nothing else.",
	ModeGarmentSwap:      "Keep the exact person, pose and scene from the first image and dress them in the garment(s) from the following image(s). For garments not being replaced, keep the ones already worn.",
	ModeBackgroundChange: "Keep the exact person, pose and garments from the first image; the user wants the scene changed.",
	ModeFullEdit:         "Keep the person and pose from the first image, dress them in the garment(s) from the following image(s); the scene will be replaced afterwards.",
}

// buildStepOnePrompt prefixes the decision prompt with the edit-mode intent
// so the provider knows which image anchors identity.
func buildStepOnePrompt(mode EditMode, decisionPrompt string) string {
	intent, ok := editModeIntents[mode]
	if !ok {
		return decisionPrompt
	}
	return intent + "\n" + decisionPrompt
}

// buildFallbackPrompt produces the deterministic template prompt used when
// the reasoning capability is down. Never returns an empty string.
func buildFallbackPrompt(resolved ResolvedSet, specs ModelSpecs) string {
	subject := "a professional female fashion model"
	if specs.Gender == GenderMale {
		subject = "a professional male fashion model"
	}
	var details []string
	if specs.AgeRange != "" {
		details = append(details, fmt.Sprintf("aged %s", specs.AgeRange))
	}
	if specs.HairColor != "" {
		details = append(details, fmt.Sprintf("with %s hair", specs.HairColor))
	}
	if specs.FacialExpression != "" {
		details = append(details, fmt.Sprintf("with a %s expression", specs.FacialExpression))
	}
	detail := ""
	if len(details) > 0 {
		detail = " " + strings.Join(details, ", ") + ","
	}
	garmentCount := len(resolved.Garments)
	garmentPart := "the attached garment"
	if garmentCount > 1 {
		garmentPart = fmt.Sprintf("the %d attached garments", garmentCount)
	}
	return fmt.Sprintf("Generate a hyper-realistic full-body commercial fashion photograph of %s,%s wearing %s. Keep the pose and identity of the reference person exactly as in the pose reference image. Natural soft professional studio lighting, high resolution, clean composition, slight smile, no watermarks, no text.", subject, detail, garmentPart)
}

// guardrailReplyText is the canned zero-cost answer for greetings and
// off-topic chit-chat.
const guardrailReplyText = "Hi! Attach a photo of the garment you want to try on and tell me about the model you have in mind (gender, age, pose, background), and I will generate the photo for you."

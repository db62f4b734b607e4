package models

import "github.com/lib/pq"

// GenerationRecord tracks one generation turn end to end: pending while
// queued, generating while the worker holds it, then completed / failed /
// needs_input / guardrail_reply.
type GenerationRecord struct {
	JsonModel
	ConversationID     uint             `json:"conversation_id"`
	Conversation       Conversation     `json:"-"`
	ConversationTurnID uint             `json:"turn_id"`
	ConversationTurn   ConversationTurn `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	UserAccountID      uint             `json:"-"`
	UserAccount        UserAccount      `json:"-"`

	// pending, generating, completed, needs_input, guardrail_reply, failed
	Status string `json:"status"`
	// NONE, TEXT_EDIT, GARMENT_SWAP, BACKGROUND_CHANGE, FULL_EDIT
	EditMode string `json:"edit_mode"`

	PromptUsed *string `gorm:"type:text" json:"-"`
	LLMModel   *string `json:"llm_model"`
	Duration   *float64 `json:"duration"`

	ResultImageKey         *string `json:"result_image_key"`
	ResultImageMime        *string `json:"result_image_mime"`
	BackgroundSkipped      bool    `json:"background_skipped"`
	BackgroundErrorMessage *string `json:"background_error_message"`

	// assistant text when no image was produced: clarifying questions or the
	// canned guardrail reply
	ReplyText *string        `gorm:"type:text" json:"reply_text"`
	Questions pq.StringArray `gorm:"type:text[]" json:"questions"`

	FailureKind            *string `json:"failure_kind"`
	GenerationErrorMessage *string `json:"generation_error_message"`
	GenerationRetryTimes   int     `json:"generation_retry_times"`

	CreditsCharged int `json:"credits_charged"`
}

// CostLedgerEntry is the immutable audit row behind every credit movement.
// One row per successful provider call, written in the same transaction as
// the balance change.
type CostLedgerEntry struct {
	JsonModel
	UserAccountID      uint             `json:"-"`
	UserAccount        UserAccount      `json:"-"`
	GenerationRecordID uint             `json:"generation_record_id"`
	GenerationRecord   GenerationRecord `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	// generation, refinement, background
	Kind           string `json:"kind"`
	CreditsCharged int    `json:"credits_charged"`
	LLMModel       string `json:"llm_model"`
}

package models

type TurnAttachmentIn struct {
	Type         string `json:"type" validate:"required,attachment_type"`
	FileName     string `json:"file_name" validate:"required"`
	ReferenceKey string `json:"reference_key"`
	MimeType     string `json:"mime_type"`
	GenderHint   string `json:"gender_hint"`
}

type TurnCreateIn struct {
	// nil starts a new conversation
	ConversationId *uint              `json:"conversation_id"`
	Text           string             `json:"text"`
	Attachments    []TurnAttachmentIn `json:"attachments" validate:"max=10,dive"`
}

type AttachmentUploadOut struct {
	FileName  string `json:"file_name"`
	FileKey   string `json:"file_key"`
	UploadUrl string `json:"upload_url"`
}

type TurnCreateOut struct {
	ConversationId uint                  `json:"conversation_id"`
	TurnId         uint                  `json:"turn_id"`
	GenerationId   uint                  `json:"generation_id"`
	Uploads        []AttachmentUploadOut `json:"uploads"`
}

type GenerationStatusOut struct {
	GenerationId      uint     `json:"generation_id"`
	Status            string   `json:"status"`
	EditMode          string   `json:"edit_mode"`
	ResultImageUrl    *string  `json:"result_image_url"`
	ReplyText         *string  `json:"reply_text"`
	Questions         []string `json:"questions"`
	BackgroundSkipped bool     `json:"background_skipped"`
	FailureKind       *string  `json:"failure_kind"`
	CreditsCharged    int      `json:"credits_charged"`
	UserMessage       *string  `json:"user_message"`
}

type ConversationOut struct {
	Id             uint    `json:"id"`
	Title          string  `json:"title"`
	LastActivityAt int64   `json:"last_activity_at"`
	PreviewUrl     *string `json:"preview_url"`
}

type UserMeOut struct {
	Id                   uint   `json:"id"`
	Name                 string `json:"name"`
	Email                string `json:"email"`
	AvatarURL            string `json:"avatar_url"`
	Subscription         string `json:"subscription"`
	CreditBalance        int    `json:"credit_balance"`
	ReceiveNotifications bool   `json:"receive_notifications"`
}

package models

import (
	"regexp"
	"time"

	"github.com/go-playground/validator"
)

// Conversation is one try-on chat thread. All generation state derives from
// its turns; nothing about edit intent is stored on the conversation itself.
type Conversation struct {
	JsonModel
	Title          string      `json:"title"`
	UserAccountID  uint        `json:"-"`
	UserAccount    UserAccount `json:"-"`
	LastActivityAt time.Time   `json:"last_activity_at"`
	Archived       bool        `gorm:"default:false" json:"archived"`

	Turns []ConversationTurn `json:"turns"`
}

type ConversationTurn struct {
	JsonModel
	ConversationID uint         `json:"conversation_id"`
	Conversation   Conversation `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	// user, assistant
	Role string `json:"role"`
	Text string `gorm:"type:text" json:"text"`

	Attachments []TurnAttachment `json:"attachments"`

	// set on assistant turns that delivered an image; storage key, not a URL
	GeneratedImageKey  *string `json:"generated_image_key"`
	GeneratedImageMime *string `json:"generated_image_mime"`
}

type AttachmentType string

const (
	AttachmentTypeGarment          AttachmentType = "garment"
	AttachmentTypeBackground       AttachmentType = "background"
	AttachmentTypeModel            AttachmentType = "model"
	AttachmentTypeImproveReference AttachmentType = "improve_reference"
)

func (l *AttachmentType) Scan(value interface{}) error {
	*l = AttachmentType(value.(string))
	return nil
}

func (l AttachmentType) Value() (string, error) {
	return string(l), nil
}

func ValidateAttachmentType(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	matched, _ := regexp.MatchString("^garment|background|model|improve_reference$", value)
	return matched
}

// TurnAttachment is an image the user attached to a turn. FileKey is the
// object-storage key the client uploaded to via a presigned URL.
type TurnAttachment struct {
	JsonModel
	ConversationTurnID uint             `json:"-"`
	ConversationTurn   ConversationTurn `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	Type               AttachmentType   `sql:"type:ENUM('garment', 'background', 'model', 'improve_reference')" json:"type"`
	// client-stable identity used for dedupe across re-attachments
	ReferenceKey string `json:"reference_key"`
	FileKey      string `json:"file_key"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	// optional client hint, e.g. the gender of a saved model photo
	GenderHint string    `json:"gender_hint"`
	AttachedAt time.Time `json:"attached_at"`
}

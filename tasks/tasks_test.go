package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tryonapi/dbhelper"
	"tryonapi/engine"
	"tryonapi/models"
	"tryonapi/test"
)

func setupGenerationFixtures(t *testing.T, db *gorm.DB, user *models.UserAccount, text string, attachments []models.TurnAttachment) (*models.GenerationRecord, *models.ConversationTurn) {
	conversation := models.Conversation{
		Title:          "Try-on session",
		UserAccountID:  user.ID,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, db.Create(&conversation).Error)

	turn := models.ConversationTurn{
		ConversationID: conversation.ID,
		Role:           "user",
		Text:           text,
	}
	require.NoError(t, db.Create(&turn).Error)
	for i := range attachments {
		attachments[i].ConversationTurnID = turn.ID
		require.NoError(t, db.Create(&attachments[i]).Error)
	}

	record := models.GenerationRecord{
		ConversationID:     conversation.ID,
		ConversationTurnID: turn.ID,
		UserAccountID:      user.ID,
		Status:             "pending",
	}
	require.NoError(t, db.Create(&record).Error)
	return &record, &turn
}

func newTestWorkerEngine(images *test.ImageGeneratorMock, reasoner engine.Reasoner) *engine.Engine {
	return engine.NewEngine(images, reasoner, test.FetcherMock{}, nil)
}

func TestHandleGenerationTurnCompletes(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	record, _ := setupGenerationFixtures(t, db, user, "Put this dress on my photo", []models.TurnAttachment{
		{Type: models.AttachmentTypeGarment, ReferenceKey: "dress-1", FileKey: "uploads/dress-1.png", MimeType: "image/png", AttachedAt: time.Now()},
		{Type: models.AttachmentTypeModel, ReferenceKey: "me-1", FileKey: "uploads/me-1.png", MimeType: "image/png", AttachedAt: time.Now()},
	})

	images := &test.ImageGeneratorMock{Responses: []*engine.ProviderResponse{test.ImageProviderResponse([]byte("result-image"))}}
	eng := newTestWorkerEngine(images, test.ReasonerMock{Response: `{"ready": true, "prompt": "Full body photo of the model wearing the attached dress", "model_specs": {"gender": "FEMALE"}}`})

	task, err := NewGenerationTurnTask(record.ID)
	require.NoError(t, err)
	err = HandleGenerationTurnTask(context.Background(), task, db, eng, test.AWSProviderMock{}, nil)
	require.NoError(t, err)

	var updated models.GenerationRecord
	require.NoError(t, db.First(&updated, record.ID).Error)
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, "NONE", updated.EditMode)
	require.NotNil(t, updated.ResultImageKey)
	assert.Contains(t, *updated.ResultImageKey, "generations/gen-")
	assert.Equal(t, 1, images.Calls)
	assert.Equal(t, engine.DefaultEngineConfig().GenerationCredits, updated.CreditsCharged)

	var ledger []models.CostLedgerEntry
	require.NoError(t, db.Where("generation_record_id = ?", record.ID).Find(&ledger).Error)
	require.Len(t, ledger, 1)
	assert.Equal(t, "generation", ledger[0].Kind)

	var updatedUser models.UserAccount
	require.NoError(t, db.First(&updatedUser, user.ID).Error)
	assert.Equal(t, user.CreditBalance-updated.CreditsCharged, updatedUser.CreditBalance)

	var assistantTurn models.ConversationTurn
	require.NoError(t, db.Where("conversation_id = ? AND role = ?", record.ConversationID, "assistant").First(&assistantTurn).Error)
	require.NotNil(t, assistantTurn.GeneratedImageKey)
	assert.Equal(t, *updated.ResultImageKey, *assistantTurn.GeneratedImageKey)
}

func TestHandleGenerationTurnGuardrailReply(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	record, _ := setupGenerationFixtures(t, db, user, "hello", nil)

	images := &test.ImageGeneratorMock{}
	eng := newTestWorkerEngine(images, test.ReasonerMock{})

	task, err := NewGenerationTurnTask(record.ID)
	require.NoError(t, err)
	require.NoError(t, HandleGenerationTurnTask(context.Background(), task, db, eng, test.AWSProviderMock{}, nil))

	var updated models.GenerationRecord
	require.NoError(t, db.First(&updated, record.ID).Error)
	assert.Equal(t, "guardrail_reply", updated.Status)
	require.NotNil(t, updated.ReplyText)
	assert.Equal(t, 0, images.Calls)
	assert.Equal(t, 0, updated.CreditsCharged)

	var assistantTurn models.ConversationTurn
	require.NoError(t, db.Where("conversation_id = ? AND role = ?", record.ConversationID, "assistant").First(&assistantTurn).Error)
	assert.Equal(t, *updated.ReplyText, assistantTurn.Text)
}

func TestHandleGenerationTurnNeedsInput(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	// A garment alone has nothing to dress: no model photo, no previous result.
	record, _ := setupGenerationFixtures(t, db, user, "Try this on", []models.TurnAttachment{
		{Type: models.AttachmentTypeGarment, ReferenceKey: "dress-1", FileKey: "uploads/dress-1.png", MimeType: "image/png", AttachedAt: time.Now()},
	})

	images := &test.ImageGeneratorMock{}
	eng := newTestWorkerEngine(images, nil)

	task, err := NewGenerationTurnTask(record.ID)
	require.NoError(t, err)
	require.NoError(t, HandleGenerationTurnTask(context.Background(), task, db, eng, test.AWSProviderMock{}, nil))

	var updated models.GenerationRecord
	require.NoError(t, db.First(&updated, record.ID).Error)
	assert.Equal(t, "needs_input", updated.Status)
	assert.NotEmpty(t, updated.Questions)
	assert.Equal(t, 0, images.Calls)
	assert.Equal(t, 0, updated.CreditsCharged)

	var updatedUser models.UserAccount
	require.NoError(t, db.First(&updatedUser, user.ID).Error)
	assert.Equal(t, user.CreditBalance, updatedUser.CreditBalance)
}

func TestHandleGenerationTurnSafetyBlockFailsPermanently(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	record, _ := setupGenerationFixtures(t, db, user, "Put this dress on my photo", []models.TurnAttachment{
		{Type: models.AttachmentTypeGarment, ReferenceKey: "dress-1", FileKey: "uploads/dress-1.png", MimeType: "image/png", AttachedAt: time.Now()},
		{Type: models.AttachmentTypeModel, ReferenceKey: "me-1", FileKey: "uploads/me-1.png", MimeType: "image/png", AttachedAt: time.Now()},
	})

	images := &test.ImageGeneratorMock{Errors: []error{&engine.ProviderError{Kind: engine.ProviderErrSafety, Message: "content violation: sexual content"}}}
	eng := newTestWorkerEngine(images, test.ReasonerMock{Response: `{"ready": true, "prompt": "Dress the model", "model_specs": {"gender": "FEMALE"}}`})

	task, err := NewGenerationTurnTask(record.ID)
	require.NoError(t, err)
	require.NoError(t, HandleGenerationTurnTask(context.Background(), task, db, eng, test.AWSProviderMock{}, nil))

	var updated models.GenerationRecord
	require.NoError(t, db.First(&updated, record.ID).Error)
	assert.Equal(t, "failed", updated.Status)
	require.NotNil(t, updated.FailureKind)
	assert.Equal(t, string(engine.FailureContentSafety), *updated.FailureKind)
	assert.Equal(t, 1, images.Calls)
	assert.Equal(t, 0, updated.CreditsCharged)

	var updatedUser models.UserAccount
	require.NoError(t, db.First(&updatedUser, user.ID).Error)
	assert.Equal(t, user.CreditBalance, updatedUser.CreditBalance)
}

func TestHandleGenerationTurnSkipsFinishedRecord(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	record, _ := setupGenerationFixtures(t, db, user, "anything", nil)
	record.Status = "completed"
	require.NoError(t, db.Save(record).Error)

	images := &test.ImageGeneratorMock{}
	eng := newTestWorkerEngine(images, nil)

	task, err := NewGenerationTurnTask(record.ID)
	require.NoError(t, err)
	require.NoError(t, HandleGenerationTurnTask(context.Background(), task, db, eng, test.AWSProviderMock{}, nil))
	assert.Equal(t, 0, images.Calls)
}

func TestHandleStuckGenerationSweep(t *testing.T) {
	db := dbhelper.SetupTestDB()
	defer dbhelper.SetupCleaner(db)()
	user := test.FakeUser(db)

	stale, _ := setupGenerationFixtures(t, db, user, "old turn", nil)
	stale.Status = "generating"
	require.NoError(t, db.Save(stale).Error)
	require.NoError(t, db.Model(stale).UpdateColumn("updated_at", time.Now().Add(-30*time.Minute)).Error)

	fresh, _ := setupGenerationFixtures(t, db, user, "new turn", nil)
	fresh.Status = "generating"
	require.NoError(t, db.Save(fresh).Error)

	sweepTask, err := NewStuckGenerationSweepTask()
	require.NoError(t, err)
	require.NoError(t, HandleStuckGenerationSweepTask(context.Background(), sweepTask, db))

	var staleAfter, freshAfter models.GenerationRecord
	require.NoError(t, db.First(&staleAfter, stale.ID).Error)
	require.NoError(t, db.First(&freshAfter, fresh.ID).Error)
	assert.Equal(t, "failed", staleAfter.Status)
	assert.Equal(t, "generating", freshAfter.Status)
}

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"tryonapi/engine"
	"tryonapi/models"
	"tryonapi/services"
	"tryonapi/telegram"
)

const (
	TypeGenerationTurn   = "generate:turn"
	TypeStuckGenSweep    = "generate:sweep_stuck"
	maxGenerationRetries = 3
)

type GenerationTurnPayload struct {
	GenerationID uint `json:"generation_id"`
}

func NewGenerationTurnTask(generationID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(GenerationTurnPayload{GenerationID: generationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGenerationTurn, payload), nil
}

func NewStuckGenerationSweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TypeStuckGenSweep, nil), nil
}

// turnToEngine maps a stored conversation turn to the pipeline's view of it.
// Attachment bytes stay in storage; the fetcher resolves keys lazily.
func turnToEngine(turn models.ConversationTurn) engine.Turn {
	out := engine.Turn{
		Role:      turn.Role,
		Text:      turn.Text,
		CreatedAt: turn.CreatedAt,
	}
	for _, att := range turn.Attachments {
		attachedAt := att.AttachedAt
		if attachedAt.IsZero() {
			attachedAt = att.CreatedAt
		}
		var metadata map[string]string
		if att.GenderHint != "" {
			metadata = map[string]string{"gender": att.GenderHint}
		}
		out.Attachments = append(out.Attachments, engine.Attachment{
			Type:         engine.AttachmentType(att.Type),
			ReferenceKey: att.ReferenceKey,
			Source: engine.ImageSource{
				URL:      att.FileKey,
				MIMEType: att.MimeType,
			},
			AttachedAt: attachedAt,
			Metadata:   metadata,
		})
	}
	if turn.GeneratedImageKey != nil {
		mime := "image/png"
		if turn.GeneratedImageMime != nil {
			mime = *turn.GeneratedImageMime
		}
		out.GeneratedImage = &engine.Attachment{
			Type:         engine.AttachmentImproveReference,
			ReferenceKey: *turn.GeneratedImageKey,
			Source: engine.ImageSource{
				URL:      *turn.GeneratedImageKey,
				MIMEType: mime,
			},
			AttachedAt: turn.CreatedAt,
		}
	}
	return out
}

func mimeExtension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// HandleGenerationTurnTask runs the whole pipeline for one queued turn:
// load conversation state, process, persist the outcome, charge credits,
// notify the user.
func HandleGenerationTurnTask(ctx context.Context, t *asynq.Task, db *gorm.DB, eng *engine.Engine, awsService services.AWSServiceProvider, fbApp *firebase.App) error {
	var payload GenerationTurnPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	fmt.Printf("[Generation: %v] Start Processing\n", payload.GenerationID)

	var record models.GenerationRecord
	res := db.First(&record, payload.GenerationID)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[QUEUE] Error on retrieving generation for processing %v", payload.GenerationID))
		return res.Error
	}
	if record.Status == "completed" || record.Status == "guardrail_reply" {
		fmt.Printf("[Generation: %v] Already finished (%s), skipping\n", record.ID, record.Status)
		return nil
	}

	var currentTurn models.ConversationTurn
	if err := db.Preload("Attachments").First(&currentTurn, record.ConversationTurnID).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on retrieving turn %v: %v", record.ID, record.ConversationTurnID, err))
		return err
	}
	var historyTurns []models.ConversationTurn
	if err := db.Preload("Attachments").
		Where("conversation_id = ? AND id <> ?", record.ConversationID, currentTurn.ID).
		Order("created_at asc").
		Find(&historyTurns).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on retrieving history: %v", record.ID, err))
		return err
	}

	record.Status = "generating"
	if err := db.Save(&record).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on marking generating: %v", record.ID, err))
		return err
	}

	input := engine.ProcessInput{Current: turnToEngine(currentTurn)}
	for _, turn := range historyTurns {
		input.History = append(input.History, turnToEngine(turn))
	}

	start := time.Now()
	outcome := eng.Process(ctx, input)
	duration := time.Since(start).Seconds()
	record.Duration = services.Float64Pointer(duration)
	record.EditMode = outcome.Mode.String()
	if outcome.Decision != nil {
		record.PromptUsed = services.StrPointer(outcome.Decision.Prompt)
	}

	if outcome.Guardrail != nil {
		fmt.Printf("[Generation: %v] Guardrail reply, no generation\n", record.ID)
		return saveAssistantReply(db, &record, "guardrail_reply", outcome.Guardrail.Message, nil)
	}

	if outcome.Failure != nil {
		return handleGenerationFailure(db, &record, outcome, fbApp)
	}

	result := outcome.Result
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	fileKey := fmt.Sprintf("generations/gen-%d-%d.%s", record.ID, time.Now().Unix(), mimeExtension(result.MIMEType))
	uploadUrl, err := awsService.PresignLink(context.Background(), bucketName, fileKey)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Unable to create presign link for result: %v", record.ID, err))
		saveGenerationFail(db, &record, "Failed to store your photo, please try again. No credit was charged.", "storage_upload_failed", true)
		return err
	}
	respBody, statusCode, err := awsService.UploadToPresignedURL(context.Background(), bucketName, uploadUrl, result.ImageBytes)
	fmt.Printf("[Generation: %v] R2 upload size %v, response body: %s, status code: %d\n", record.ID, len(result.ImageBytes), respBody, statusCode)
	if err != nil || statusCode != 200 {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on uploading result image: %v (status %d)", record.ID, err, statusCode))
		saveGenerationFail(db, &record, "Failed to store your photo, please try again. No credit was charged.", "storage_upload_failed", true)
		return fmt.Errorf("[Generation: %v] result upload failed with status %d: %v", record.ID, statusCode, err)
	}

	assistantTurn := models.ConversationTurn{
		ConversationID:     record.ConversationID,
		Role:               "assistant",
		Text:               "",
		GeneratedImageKey:  &fileKey,
		GeneratedImageMime: services.StrPointer(result.MIMEType),
	}

	totalCredits := 0
	for _, entry := range result.CostEntries {
		totalCredits += entry.CreditsCharged
	}

	// The image upload already succeeded; everything money-related commits
	// atomically or not at all.
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&assistantTurn).Error; err != nil {
			return err
		}
		record.Status = "completed"
		record.ResultImageKey = &fileKey
		record.ResultImageMime = services.StrPointer(result.MIMEType)
		record.LLMModel = services.StrPointer(result.Model)
		record.BackgroundSkipped = result.BackgroundSkipped
		record.BackgroundErrorMessage = services.StrPointer(result.BackgroundError)
		record.GenerationErrorMessage = nil
		record.FailureKind = nil
		record.CreditsCharged = totalCredits
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		for _, entry := range result.CostEntries {
			ledgerRow := models.CostLedgerEntry{
				UserAccountID:      record.UserAccountID,
				GenerationRecordID: record.ID,
				Kind:               string(entry.Kind),
				CreditsCharged:     entry.CreditsCharged,
				LLMModel:           result.Model,
			}
			if err := tx.Create(&ledgerRow).Error; err != nil {
				return err
			}
		}
		return tx.Model(models.UserAccount{}).Where("id = ?", record.UserAccountID).
			UpdateColumn("credit_balance", gorm.Expr("credit_balance - ?", totalCredits)).Error
	})
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on saving completed generation: %v", record.ID, err))
		return err
	}

	fmt.Printf("[Generation: %v] Completed in %.1fs, mode %s, charged %d credits\n", record.ID, duration, record.EditMode, totalCredits)
	if fbApp != nil {
		body := "Your try-on photo is ready!"
		if result.BackgroundSkipped {
			body = "Your try-on photo is ready! We could not apply the new background this time."
		}
		services.SendNotification(fbApp, db, record.UserAccountID, "Photo ready", body,
			map[string]string{"generation_id": fmt.Sprintf("%d", record.ID), "conversation_id": fmt.Sprintf("%d", record.ConversationID), "type": "generation_completed"})
	}
	return nil
}

func handleGenerationFailure(db *gorm.DB, record *models.GenerationRecord, outcome engine.Outcome, fbApp *firebase.App) error {
	failure := outcome.Failure
	fmt.Printf("[Generation: %v] Failure %s: %s\n", record.ID, failure.Kind, failure.Message)

	switch failure.Kind {
	case engine.FailureInsufficientInput:
		// Not an error: the assistant answers with clarifying questions and
		// the conversation continues.
		var questions pq.StringArray
		if outcome.Decision != nil {
			questions = outcome.Decision.Questions
		}
		replyText := strings.Join(questions, "\n")
		if replyText == "" {
			replyText = failure.UserMessage()
		}
		return saveAssistantReply(db, record, "needs_input", replyText, questions)
	case engine.FailureContentSafety, engine.FailureInsufficientReferences, engine.FailureImageLoad:
		saveGenerationFail(db, record, failure.UserMessage(), string(failure.Kind), false)
		return nil
	default:
		// Provider-side trouble after retries and fallback. Let asynq retry
		// the whole turn; alert once the record is finally failed.
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Provider failure %s: %s", record.ID, failure.Kind, failure.Message))
		failed := saveGenerationFail(db, record, failure.UserMessage(), string(failure.Kind), true)
		if failed {
			telegram.NotifyAdmins(fmt.Sprintf("Generation %d failed after %d attempts: %s", record.ID, record.GenerationRetryTimes, failure.Message))
			if fbApp != nil {
				services.SendNotification(fbApp, db, record.UserAccountID, "Generation failed", failure.UserMessage(),
					map[string]string{"generation_id": fmt.Sprintf("%d", record.ID), "type": "generation_failed"})
			}
			return nil
		}
		return fmt.Errorf("[Generation: %v] %s: %s", record.ID, failure.Kind, failure.Message)
	}
}

func saveAssistantReply(db *gorm.DB, record *models.GenerationRecord, status string, replyText string, questions pq.StringArray) error {
	assistantTurn := models.ConversationTurn{
		ConversationID: record.ConversationID,
		Role:           "assistant",
		Text:           replyText,
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&assistantTurn).Error; err != nil {
			return err
		}
		record.Status = status
		record.ReplyText = &replyText
		record.Questions = questions
		return tx.Save(record).Error
	})
}

// saveGenerationFail bumps retry bookkeeping and marks the record failed once
// retries are exhausted or the failure is permanent. Returns true when the
// record reached its final failed state.
func saveGenerationFail(db *gorm.DB, record *models.GenerationRecord, msg string, kind string, shouldRetry bool) bool {
	record.GenerationRetryTimes = record.GenerationRetryTimes + 1
	record.GenerationErrorMessage = &msg
	record.FailureKind = &kind
	final := !shouldRetry || record.GenerationRetryTimes >= maxGenerationRetries
	if final {
		record.Status = "failed"
	}
	tx := db.Save(record)
	if tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Generation %v] Error on saving failed status: %v", record.ID, tx.Error))
	}
	return final
}

// HandleStuckGenerationSweepTask fails records stuck in generating, usually
// after a worker crash mid-turn. Scheduled periodically.
func HandleStuckGenerationSweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB) error {
	cutoff := time.Now().Add(-15 * time.Minute)
	var stuck []models.GenerationRecord
	result := db.Where("status = ? AND updated_at < ?", "generating", cutoff).Find(&stuck)
	if result.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Sweep] Error fetching stuck generations: %v", result.Error))
		return result.Error
	}
	if len(stuck) == 0 {
		return nil
	}
	fmt.Printf("[Sweep] Found %d stuck generations\n", len(stuck))
	for i := range stuck {
		saveGenerationFail(db, &stuck[i], "Sorry, we could not generate your photo right now, please try again in a moment. No credit was charged.", "stuck_generation", false)
	}
	telegram.NotifyAdmins(fmt.Sprintf("Swept %d stuck generations", len(stuck)))
	return nil
}

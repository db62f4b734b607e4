package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"tryonapi/models"
	"tryonapi/services"
	"tryonapi/tasks"
)

// TaskEnqueuer is the slice of asynq.Client the API needs.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type GenerationsController struct {
	AWSService  services.AWSServiceProvider
	FirebaseApp *firebase.App
	URLCache    services.URLCacheServiceProvider
}

func (controller *GenerationsController) GenerationRoutes(g *echo.Group) {
	g.POST("/turns", controller.CreateTurn)
	g.GET("/generations/:generationId", controller.GenerationStatus)
	g.GET("/conversations", controller.ListConversations)
	g.GET("/conversations/:conversationId", controller.ConversationDetail)
}

func (controller *GenerationsController) CreateTurn(c echo.Context) error {
	var req models.TurnCreateIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	asynqClient, ok := c.Get("__asynqclient").(TaskEnqueuer)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Service is not available, please try again a bit later"})
	}

	if req.Text == "" && len(req.Attachments) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Please write something or attach an image"})
	}
	for _, att := range req.Attachments {
		if !services.IsAllowedImageFileName(att.FileName) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("File type of %s is not supported", att.FileName)})
		}
	}

	if user.CreditBalance <= 0 {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "You are out of credits, please top up or wait for your plan renewal"})
	}

	dailyLimit := int64(user.Subscription.DailyTurnLimit())
	if user.EnforcedDailyTurnLimit != nil {
		dailyLimit = int64(*user.EnforcedDailyTurnLimit)
	}
	var dailyTurnCount int64
	today := time.Now().UTC().Format("2006-01-02")
	if err := db.Model(&models.GenerationRecord{}).Where("user_account_id = ? AND DATE(created_at) = ?", user.ID, today).Count(&dailyTurnCount).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to check generation limits"})
	}
	fmt.Printf("[User %v] Plan %s, turns today: %v\n", user.ID, user.Subscription, dailyTurnCount)
	if dailyTurnCount >= dailyLimit {
		return c.JSON(http.StatusForbidden, map[string]string{"error": fmt.Sprintf("You have reached the limit of %v daily generations. Please wait for the next day.", dailyLimit)})
	}

	var conversation models.Conversation
	if req.ConversationId != nil {
		result := db.Where("user_account_id = ?", user.ID).Take(&conversation, *req.ConversationId)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Conversation not found"})
		}
		if result.Error != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch conversation"})
		}
	} else {
		title := req.Text
		// Truncate on a rune boundary, titles are frequently non-ASCII.
		if runes := []rune(title); len(runes) > 60 {
			title = string(runes[:60])
		}
		if title == "" {
			title = "New try-on"
		}
		conversation = models.Conversation{
			Title:          title,
			UserAccountID:  user.ID,
			LastActivityAt: time.Now(),
		}
		if err := db.Create(&conversation).Error; err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start conversation"})
		}
	}

	turn := models.ConversationTurn{
		ConversationID: conversation.ID,
		Role:           "user",
		Text:           req.Text,
	}
	if err := db.Create(&turn).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save your message"})
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	uploads := make([]models.AttachmentUploadOut, 0, len(req.Attachments))
	now := time.Now()
	for _, att := range req.Attachments {
		fileKey := fmt.Sprintf("attachments/%d/%d-%s", user.ID, now.UnixNano(), att.FileName)
		uploadUrl, presignErr := controller.AWSService.PresignLink(context.Background(), bucketName, fileKey)
		if presignErr != nil {
			log.Printf("Unable to presign attachment upload for %s, %s", att.FileName, presignErr)
			return c.JSON(http.StatusInternalServerError, echo.Map{
				"message": "Error while preparing attachment upload",
			})
		}
		attachment := models.TurnAttachment{
			ConversationTurnID: turn.ID,
			Type:               models.AttachmentType(att.Type),
			ReferenceKey:       att.ReferenceKey,
			FileKey:            fileKey,
			FileName:           att.FileName,
			MimeType:           att.MimeType,
			GenderHint:         att.GenderHint,
			AttachedAt:         now,
		}
		if err := db.Create(&attachment).Error; err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save attachment"})
		}
		uploads = append(uploads, models.AttachmentUploadOut{
			FileName:  att.FileName,
			FileKey:   fileKey,
			UploadUrl: uploadUrl,
		})
	}

	record := models.GenerationRecord{
		ConversationID:     conversation.ID,
		ConversationTurnID: turn.ID,
		UserAccountID:      user.ID,
		Status:             "pending",
	}
	if err := db.Create(&record).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to queue generation"})
	}
	conversation.LastActivityAt = time.Now()
	db.Save(&conversation)

	task, err := tasks.NewGenerationTurnTask(record.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start generation, please try again"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("generate"))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start generation, please try again"})
	}
	fmt.Println("[Queue] Generation turn task submitted, Generation ID: ", record.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusCreated, models.TurnCreateOut{
		ConversationId: conversation.ID,
		TurnId:         turn.ID,
		GenerationId:   record.ID,
		Uploads:        uploads,
	})
}

func (controller *GenerationsController) GenerationStatus(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var generationId uint
	if err := echo.PathParamsBinder(c).Uint("generationId", &generationId).BindError(); err != nil {
		return echo.ErrBadRequest
	}

	var record models.GenerationRecord
	result := db.Where("user_account_id = ?", user.ID).Take(&record, generationId)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Generation not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch generation"})
	}

	out := models.GenerationStatusOut{
		GenerationId:      record.ID,
		Status:            record.Status,
		EditMode:          record.EditMode,
		ReplyText:         record.ReplyText,
		Questions:         record.Questions,
		BackgroundSkipped: record.BackgroundSkipped,
		FailureKind:       record.FailureKind,
		CreditsCharged:    record.CreditsCharged,
		UserMessage:       record.GenerationErrorMessage,
	}
	if record.ResultImageKey != nil && *record.ResultImageKey != "" {
		url, err := controller.URLCache.GetReadURL(c.Request().Context(), *record.ResultImageKey)
		if err != nil {
			sentry.CaptureException(err)
		} else {
			out.ResultImageUrl = &url
		}
	}
	return c.JSON(http.StatusOK, out)
}

// populateConversationPreviews resolves the preview image of each conversation
// to a presigned URL concurrently, falling back to a direct presign when the
// cache layer itself fails.
func (controller *GenerationsController) populateConversationPreviews(ctx context.Context, conversations []models.Conversation, previewKeys map[uint]string) []models.ConversationOut {
	if len(conversations) == 0 {
		return []models.ConversationOut{}
	}

	var wg sync.WaitGroup
	out := make([]models.ConversationOut, len(conversations))
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")

	for i, conversationItem := range conversations {
		wg.Add(1)
		go func(index int, item models.Conversation) {
			defer wg.Done()

			var previewUrl *string
			if objectKey, ok := previewKeys[item.ID]; ok && objectKey != "" {
				url, err := controller.URLCache.GetReadURL(ctx, objectKey)
				if err == nil {
					previewUrl = &url
				} else {
					log.Printf("CACHE WARNING: Cache system failed for key '%s': %v. Triggering manual R2 fallback.", objectKey, err)
					sentry.WithScope(func(scope *sentry.Scope) {
						scope.SetTag("failure_type", "cache_system")
						scope.SetExtra("objectKey", objectKey)
						sentry.CaptureException(err)
					})
					fallbackUrl, fallbackErr := controller.AWSService.GetPresignedR2FileReadURL(ctx, bucketName, objectKey)
					if fallbackErr != nil {
						log.Printf("CRITICAL: Manual R2 fallback also failed for key '%s': %v", objectKey, fallbackErr)
						sentry.CaptureException(fallbackErr)
					} else {
						previewUrl = &fallbackUrl
					}
				}
			}
			out[index] = models.ConversationOut{
				Id:             item.ID,
				Title:          item.Title,
				LastActivityAt: item.LastActivityAt.UnixMilli(),
				PreviewUrl:     previewUrl,
			}
		}(i, conversationItem)
	}

	wg.Wait()
	return out
}

func (controller *GenerationsController) ListConversations(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var conversations []models.Conversation
	if err := db.Where("user_account_id = ? AND archived = ?", user.ID, false).
		Order("last_activity_at desc").Limit(50).Find(&conversations).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch conversations"})
	}

	// newest generated image per conversation becomes the list preview
	previewKeys := map[uint]string{}
	for _, conversation := range conversations {
		var lastImageTurn models.ConversationTurn
		result := db.Where("conversation_id = ? AND generated_image_key IS NOT NULL", conversation.ID).
			Order("created_at desc").Limit(1).Find(&lastImageTurn)
		if result.Error == nil && result.RowsAffected > 0 && lastImageTurn.GeneratedImageKey != nil {
			previewKeys[conversation.ID] = *lastImageTurn.GeneratedImageKey
		}
	}

	return c.JSON(http.StatusOK, controller.populateConversationPreviews(c.Request().Context(), conversations, previewKeys))
}

type TurnOut struct {
	Id          uint                `json:"id"`
	Role        string              `json:"role"`
	Text        string              `json:"text"`
	CreatedAt   string              `json:"created_at"`
	Attachments []TurnAttachmentOut `json:"attachments"`
	ImageUrl    *string             `json:"image_url,omitempty"`
}

type TurnAttachmentOut struct {
	Type         string  `json:"type"`
	ReferenceKey string  `json:"reference_key"`
	FileName     string  `json:"file_name"`
	Url          *string `json:"url,omitempty"`
}

func (controller *GenerationsController) ConversationDetail(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var conversationId uint
	if err := echo.PathParamsBinder(c).Uint("conversationId", &conversationId).BindError(); err != nil {
		return echo.ErrBadRequest
	}

	var conversation models.Conversation
	result := db.Preload("Turns.Attachments").Where("user_account_id = ?", user.ID).Take(&conversation, conversationId)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Conversation not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch conversation"})
	}

	ctx := c.Request().Context()
	turns := make([]TurnOut, len(conversation.Turns))
	for i, turn := range conversation.Turns {
		turnOut := TurnOut{
			Id:          turn.ID,
			Role:        turn.Role,
			Text:        turn.Text,
			CreatedAt:   turn.CreatedAt.Format("2006-01-02T15:04:05Z"),
			Attachments: []TurnAttachmentOut{},
		}
		for _, att := range turn.Attachments {
			attOut := TurnAttachmentOut{
				Type:         string(att.Type),
				ReferenceKey: att.ReferenceKey,
				FileName:     att.FileName,
			}
			if url, err := controller.URLCache.GetReadURL(ctx, att.FileKey); err == nil && url != "" {
				attOut.Url = &url
			}
			turnOut.Attachments = append(turnOut.Attachments, attOut)
		}
		if turn.GeneratedImageKey != nil {
			if url, err := controller.URLCache.GetReadURL(ctx, *turn.GeneratedImageKey); err == nil && url != "" {
				turnOut.ImageUrl = &url
			}
		}
		turns[i] = turnOut
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":               conversation.ID,
		"title":            conversation.Title,
		"last_activity_at": conversation.LastActivityAt.UnixMilli(),
		"turns":            turns,
	})
}

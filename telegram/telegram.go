package telegram

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"tryonapi/models"
)

func EscapeMessage(message string) string {
	r := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return r.Replace(message)
}

// NotifyAdmins sends an operational alert to the admin chat ids in
// TG_ADMIN_CHAT_IDS (comma separated). Best effort, never blocks the caller
// on delivery problems.
func NotifyAdmins(message string) {
	token := os.Getenv("TG_TOKEN")
	chatIds := os.Getenv("TG_ADMIN_CHAT_IDS")
	if token == "" || chatIds == "" {
		fmt.Println("Telegram alerts not configured, skipping:", message)
		return
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		fmt.Println("Error tg bot init", err)
		return
	}
	for _, raw := range strings.Split(chatIds, ",") {
		chatId, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			fmt.Println("Invalid telegram chat id:", raw)
			continue
		}
		msg := tgbotapi.NewMessage(chatId, EscapeMessage(message))
		msg.ParseMode = "markdown"
		if _, err := bot.Send(msg); err != nil {
			fmt.Println("Error sending telegram alert:", err)
		}
	}
}

// RunAdminBot answers /stats with generation counters. Long polls until the
// process exits.
func RunAdminBot(db *gorm.DB) {
	bot, err := tgbotapi.NewBotAPI(os.Getenv("TG_TOKEN"))
	if err != nil {
		println("Error tg bot init")
		log.Panic(err)
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := bot.GetUpdatesChan(u)

	admins := os.Getenv("TG_ADMINS")
	for update := range updates {
		if update.Message == nil {
			continue
		}
		if admins != "" && !strings.Contains(admins, update.Message.From.UserName) {
			continue
		}
		if update.Message.Command() == "stats" {
			var total, failed, generating int64
			db.Model(models.GenerationRecord{}).Count(&total)
			db.Model(models.GenerationRecord{}).Where("status = ?", "failed").Count(&failed)
			db.Model(models.GenerationRecord{}).Where("status = ?", "generating").Count(&generating)
			msg := tgbotapi.NewMessage(update.Message.Chat.ID, fmt.Sprintf("Generations: %d total, %d failed, %d in flight", total, failed, generating))
			bot.Send(msg)
		}
	}
}

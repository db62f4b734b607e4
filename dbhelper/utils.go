package dbhelper

import (
	"log"

	"gorm.io/gorm"

	"tryonapi/models"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.CostLedgerEntry{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GenerationRecord{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TurnAttachment{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ConversationTurn{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Conversation{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserPushToken{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserAccount{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}

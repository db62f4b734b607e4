package models

import "time"

type UserAccount struct {
	JsonModel
	Name     string `json:"name"`
	Email    string `json:"email" gorm:"unique"`
	Password string `json:"-"`
	Banned   bool   `gorm:"default:false" json:"-"`
	LastIp   string `json:"-"`
	Platform Platform `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	Language string   `json:"language"`

	Subscription   Subscription `json:"subscription"`
	ExpirationDate *time.Time   `json:"-"`

	// Generation credits. Only successful provider calls decrement this;
	// ledger rows are the audit trail.
	CreditBalance int `gorm:"default:0" json:"credit_balance"`

	// Admin override for abusive accounts, nil means the plan default.
	EnforcedDailyTurnLimit *int32 `json:"enforced_daily_turn_limit"`

	ReceiveNotifications bool   `json:"receive_notifications"`
	IsSuperadmin         bool   `json:"is_superadmin"`
	AvatarURL            string `json:"avatar_url"`
	TelegramUsername     string `json:"telegram_username"`
	UTMSource            string `json:"utm_source"`
}

type UserPushToken struct {
	JsonModel
	UserAccountID uint
	UserAccount   UserAccount `json:"user_account"`
	Platform      Platform    `sql:"type:ENUM('ios', 'android', 'web')" json:"platform"`
	Token         string      `json:"token"`
	Active        bool        `gorm:"default:false" json:"-"`
}

type UserPushIn struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type UserSettingsIn struct {
	ReceiveNotifications bool `json:"receive_notifications"`
}

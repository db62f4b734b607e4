package models

import (
	"regexp"

	"github.com/go-playground/validator"
)

type Subscription string

const (
	Free    Subscription = "free"
	Trial   Subscription = "trial"
	Pro     Subscription = "pro"
	ProPlus Subscription = "pro_plus"
)

func (l *Subscription) Scan(value interface{}) error {
	*l = Subscription(value.(string))
	return nil
}

func (l Subscription) Value() (string, error) {
	return string(l), nil
}

// DailyTurnLimit is how many generation turns a plan may start per day.
func (l Subscription) DailyTurnLimit() int32 {
	switch l {
	case Pro:
		return 100
	case ProPlus:
		return 400
	case Trial:
		return 20
	default:
		return 5
	}
}

// MonthlyCredits is the credit grant attached to the plan on renewal.
func (l Subscription) MonthlyCredits() int {
	switch l {
	case Pro:
		return 1000
	case ProPlus:
		return 4000
	case Trial:
		return 100
	default:
		return 30
	}
}

func ValidateSubscription(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	matched, _ := regexp.MatchString("^free|trial|pro|pro_plus$", string(value))
	return matched
}

func ValidateSubscriptionRaw(value string) bool {
	matched, _ := regexp.MatchString("^free|trial|pro|pro_plus$", value)
	return matched
}

package controllers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"tryonapi/models"
)

type ProfileController struct {
}

func (controller *ProfileController) ProfileRoutes(g *echo.Group) {
	g.GET("/me", func(c echo.Context) error {
		user := c.Get("currentUser").(models.UserAccount)

		return c.JSON(http.StatusOK, models.UserMeOut{
			Id:                   user.ID,
			Name:                 user.Name,
			Email:                user.Email,
			AvatarURL:            user.AvatarURL,
			Subscription:         string(user.Subscription),
			CreditBalance:        user.CreditBalance,
			ReceiveNotifications: user.ReceiveNotifications,
		})
	})

	g.POST("/pushtoken", func(c echo.Context) error {
		user := c.Get("currentUser").(models.UserAccount)
		db := c.Get("__db").(*gorm.DB)

		var req models.UserPushIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		}
		if req.Token == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Token is required"})
		}

		var tokenDb models.UserPushToken
		result := db.Where("user_account_id = ? AND token = ?", user.ID, req.Token).Limit(1).Find(&tokenDb)
		if result.Error != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save push token"})
		}
		if result.RowsAffected == 0 {
			tokenDb = models.UserPushToken{
				UserAccountID: user.ID,
				Platform:      models.Platform(req.Platform),
				Token:         req.Token,
			}
		}
		tokenDb.Active = true
		if err := db.Save(&tokenDb).Error; err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save push token"})
		}
		fmt.Printf("[User %v] Push token registered, platform %s\n", user.ID, req.Platform)
		return c.JSON(http.StatusOK, echo.Map{"message": "ok"})
	})

	g.POST("/settings", func(c echo.Context) error {
		user := c.Get("currentUser").(models.UserAccount)
		db := c.Get("__db").(*gorm.DB)

		var req models.UserSettingsIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		}
		user.ReceiveNotifications = req.ReceiveNotifications
		if err := db.Save(&user).Error; err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to update settings"})
		}
		return c.JSON(http.StatusOK, echo.Map{"message": "ok"})
	})
}

package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"tryonapi/models"
)

type RegisterIn struct {
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=100"`
	Platform string `json:"platform" validate:"required,platform"`
	Language string `json:"language"`
}

type LoginIn struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type TokenOut struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

type AuthController struct {
}

func (controller *AuthController) AuthRoutes(g *echo.Group) {
	g.POST("/register", controller.Register)
	g.POST("/login", controller.Login)
}

func (controller *AuthController) Register(c echo.Context) error {
	var req RegisterIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	db := c.Get("__db").(*gorm.DB)

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Could not create account, please try again"})
	}
	user := models.UserAccount{
		Name:                 req.Name,
		Email:                strings.ToLower(strings.TrimSpace(req.Email)),
		Password:             string(hashed),
		Platform:             models.Platform(req.Platform),
		Language:             req.Language,
		LastIp:               c.RealIP(),
		Subscription:         models.Free,
		CreditBalance:        models.Free.MonthlyCredits(),
		ReceiveNotifications: true,
	}
	if err := db.Create(&user).Error; err != nil {
		fmt.Println("Error creating user", err)
		return c.JSON(http.StatusConflict, map[string]string{"error": "Account with this email already exists"})
	}
	refresh, err := GenerateRefreshToken(UIntToStr(user.ID))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Could not create account, please try again"})
	}
	return c.JSON(http.StatusCreated, TokenOut{
		Token:        GenerateUserToken(UIntToStr(user.ID), c),
		RefreshToken: refresh,
	})
}

func (controller *AuthController) Login(c echo.Context) error {
	var req LoginIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	db := c.Get("__db").(*gorm.DB)

	var user models.UserAccount
	result := db.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).Take(&user)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	}
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Could not sign in, please try again"})
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid email or password"})
	}
	if user.Banned {
		return echo.NewHTTPError(http.StatusLocked)
	}
	user.LastIp = c.RealIP()
	db.Save(&user)

	refresh, err := GenerateRefreshToken(UIntToStr(user.ID))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Could not sign in, please try again"})
	}
	return c.JSON(http.StatusOK, TokenOut{
		Token:        GenerateUserToken(UIntToStr(user.ID), c),
		RefreshToken: refresh,
	})
}

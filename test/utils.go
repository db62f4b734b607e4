package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"tryonapi/engine"
	"tryonapi/models"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {

	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateUserToken(userPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing user token for %s. Error %s ", userPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, userPk string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewJSONAuthRequestRaw(method string, target string, userPk string, json string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(json))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func Int32Pointer(i int32) *int32 {
	return &i
}

func NewRefString(data string) *string {
	return &data
}

func FakeUser(db *gorm.DB) *models.UserAccount {
	user := &models.UserAccount{
		Name:          "OurName",
		Email:         "email@example.com",
		Platform:      models.PlatformIOS,
		LastIp:        "123.122.122.122",
		Subscription:  models.Free,
		CreditBalance: 100,
		AvatarURL:     "pictureurl",
	}
	db.Create(&user)

	tokenDb := models.UserPushToken{
		UserAccountID: user.ID,
		Platform:      "android",
		Token:         "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU",
		Active:        true,
	}
	db.Save(&tokenDb)
	db.First(&user, user.ID)

	return user
}

func FakeUserV2(db *gorm.DB, userName string, email string, subscription models.Subscription) *models.UserAccount {

	if email == "" {
		email = "email@example.com"
	}
	user := &models.UserAccount{
		Name:          userName,
		Email:         email,
		Platform:      models.PlatformIOS,
		LastIp:        "123.122.122.122",
		Subscription:  subscription,
		CreditBalance: subscription.MonthlyCredits(),
		AvatarURL:     "pictureurl",
	}
	db.Create(&user)
	db.First(&user, user.ID)
	return user
}

func Contains(items []string, lookFor string) bool {

	for i := 0; i < len(items); i++ {

		if items[i] == lookFor {
			return true
		}
	}
	return false
}

func InternalRequestJSON(e *echo.Echo, method string, url string, userPk string, param interface{}) []byte {
	req := NewJSONAuthRequest(method, url, userPk, param)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)
	if rec.Code > 300 {

		log.Println(rec.Body.String())
	}
	return rec.Body.Bytes()

}

type AWSProviderMock struct {
	MockUrl string
}

func (awsService AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {

	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	return awsService.MockUrl, nil
}

func (awsService AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	return url, 200, nil
}

type URLCacheMock struct {
	MockUrl string
}

func (m URLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	return m.MockUrl, nil
}

// ImageGeneratorMock returns scripted responses in call order and records the
// model asked for on each call.
type ImageGeneratorMock struct {
	Responses []*engine.ProviderResponse
	Errors    []error
	Calls     int
	Models    []string
}

func (m *ImageGeneratorMock) Generate(ctx context.Context, model string, req engine.GenerationRequest) (*engine.ProviderResponse, error) {
	idx := m.Calls
	m.Calls++
	m.Models = append(m.Models, model)
	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx < len(m.Responses) {
		return m.Responses[idx], nil
	}
	return ImageProviderResponse([]byte("generated-image")), nil
}

func ImageProviderResponse(data []byte) *engine.ProviderResponse {
	return &engine.ProviderResponse{
		Candidates: []engine.ProviderCandidate{
			{Parts: []engine.ProviderPart{{Inline: &engine.ProviderImage{Data: data, MIMEType: "image/png"}}}},
		},
	}
}

type ReasonerMock struct {
	Response string
	Err      error
}

func (m ReasonerMock) Complete(ctx context.Context, systemInstruction string, conversation string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

// FetcherMock serves fixed bytes for every storage key.
type FetcherMock struct {
	Data []byte
	Mime string
	Err  error
}

func (m FetcherMock) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if m.Err != nil {
		return nil, "", m.Err
	}
	data := m.Data
	if data == nil {
		data = []byte("fake-image-bytes")
	}
	mime := m.Mime
	if mime == "" {
		mime = "image/png"
	}
	return data, mime, nil
}

package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryonapi/dbhelper"
	"tryonapi/models"
	"tryonapi/test"
)

func TestRegisterAndLogin(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, &test.URLCacheMock{}, nil, &EnqueuerMock{})

	registerBody := RegisterIn{
		Name:     "New User",
		Email:    "New.User@Example.com",
		Password: "supersecret1",
		Platform: "ios",
	}
	req := test.NewJSONRequest("POST", "/auth/register", registerBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tokens TokenOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokens))
	assert.NotEmpty(t, tokens.Token)
	assert.NotEmpty(t, tokens.RefreshToken)

	var user models.UserAccount
	require.NoError(t, db.Where("email = ?", "new.user@example.com").Take(&user).Error)
	assert.Equal(t, models.Free, user.Subscription)
	assert.Equal(t, models.Free.MonthlyCredits(), user.CreditBalance)
	assert.NotEqual(t, "supersecret1", user.Password)

	loginBody := LoginIn{Email: "new.user@example.com", Password: "supersecret1"}
	req = test.NewJSONRequest("POST", "/auth/login", loginBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	loginBody.Password = "wrongpassword"
	req = test.NewJSONRequest("POST", "/auth/login", loginBody)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, &test.URLCacheMock{}, nil, &EnqueuerMock{})

	body := RegisterIn{Name: "A", Email: "dupe@example.com", Password: "supersecret1", Platform: "android"}
	req := test.NewJSONRequest("POST", "/auth/register", body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = test.NewJSONRequest("POST", "/auth/register", body)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProfileMe(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, &test.URLCacheMock{}, nil, &EnqueuerMock{})
	user := test.FakeUser(db)

	req := test.NewJSONAuthRequest("GET", "/api/profile/me", UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response models.UserMeOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, user.ID, response.Id)
	assert.Equal(t, user.Email, response.Email)
	assert.Equal(t, user.CreditBalance, response.CreditBalance)
}

func TestBannedUserLocked(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, &test.URLCacheMock{}, nil, &EnqueuerMock{})
	user := test.FakeUser(db)
	require.NoError(t, db.Model(user).UpdateColumn("banned", true).Error)

	req := test.NewJSONAuthRequest("GET", "/api/profile/me", UIntToStr(user.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusLocked, rec.Code)
}

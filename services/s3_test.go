package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePNG() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
}

func TestUploadToPresignedURLOk(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("stored"))
	}))
	defer server.Close()

	awsService := &AWSService{}
	body, status, err := awsService.UploadToPresignedURL(context.Background(), "bucket", server.URL, fakePNG())

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stored", body)
	assert.Equal(t, "image/png", gotContentType)
}

func TestUploadToPresignedURLTransportError(t *testing.T) {
	// A closed server refuses the connection before any status exists.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	awsService := &AWSService{}
	body, status, err := awsService.UploadToPresignedURL(context.Background(), "bucket", url, fakePNG())

	require.Error(t, err)
	assert.Equal(t, 0, status)
	assert.Empty(t, body)
}

func TestUploadToPresignedURLRejectsNonImage(t *testing.T) {
	awsService := &AWSService{}
	_, status, err := awsService.UploadToPresignedURL(context.Background(), "bucket", "http://unused", []byte("just some text"))

	require.Error(t, err)
	assert.Equal(t, 0, status)
	assert.Contains(t, err.Error(), "unsupported file type")
}

package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var allowedImageExtensions = []string{".jpg", ".jpeg", ".png", ".heic", ".heif", ".webp"}

// IsAllowedImageFileName checks the attachment file name clients want a
// presigned upload URL for.
func IsAllowedImageFileName(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return slices.Contains(allowedImageExtensions, ext)
}

func StrPointer(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

func Float64Pointer(f float64) *float64 {
	return &f
}

func ReadFileFromUrl(url string) ([]byte, string, error) {
	httpClient := &http.Client{}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create HTTP request: %v", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("failed to fetch file, status code: %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %v", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}
	return content, mimeType, nil
}

func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

func DecodeBase64EnvPrivateKey(envKey string) (string, error) {
	base64Key := os.Getenv(envKey)
	if base64Key == "" {
		return "", fmt.Errorf("%s environment variable is not set", envKey)
	}

	decodedBytes, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 private key: %v", err)
	}

	return string(decodedBytes), nil
}

// StorageFetcher resolves storage keys to presigned read URLs and downloads
// the bytes. The worker hands it to the pipeline for attachment loading.
type StorageFetcher struct {
	URLCache URLCacheServiceProvider
}

func (f *StorageFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	// Storage keys are not fetchable directly; resolve them first. Anything
	// that already looks like a URL passes through.
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		resolved, err := f.URLCache.GetReadURL(ctx, url)
		if err != nil {
			return nil, "", fmt.Errorf("failed to resolve storage key %s: %v", url, err)
		}
		url = resolved
	}
	content, mimeType, err := ReadFileFromUrl(url)
	if err != nil {
		return nil, "", err
	}
	width, height, err := PreflightImage(content)
	if err != nil {
		return nil, "", err
	}
	fmt.Printf("Fetched attachment %dx%d, %d bytes\n", width, height, len(content))
	return content, mimeType, nil
}

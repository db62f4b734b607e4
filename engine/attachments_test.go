package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func garmentAt(key string, offset time.Duration) Attachment {
	return Attachment{
		Type:         AttachmentGarment,
		ReferenceKey: key,
		Source:       ImageSource{URL: "https://cdn.example.com/" + key, MIMEType: "image/jpeg"},
		AttachedAt:   testBase.Add(offset),
	}
}

func attachmentAt(kind AttachmentType, key string, offset time.Duration) Attachment {
	return Attachment{
		Type:         kind,
		ReferenceKey: key,
		Source:       ImageSource{URL: "https://cdn.example.com/" + key, MIMEType: "image/jpeg"},
		AttachedAt:   testBase.Add(offset),
	}
}

func TestResolveGarmentCapKeepsNewestThree(t *testing.T) {
	history := []Turn{
		{Role: "user", Attachments: []Attachment{garmentAt("g1", 0), garmentAt("g2", time.Minute)}},
		{Role: "user", Attachments: []Attachment{garmentAt("g3", 2 * time.Minute)}},
	}
	current := Turn{Role: "user", Attachments: []Attachment{garmentAt("g4", 3 * time.Minute)}}

	resolved := Resolve(history, current)

	assert.Len(t, resolved.Garments, 3)
	assert.Equal(t, "g2", resolved.Garments[0].ReferenceKey)
	assert.Equal(t, "g3", resolved.Garments[1].ReferenceKey)
	assert.Equal(t, "g4", resolved.Garments[2].ReferenceKey)
	assert.True(t, resolved.NewGarments)
}

func TestResolveGarmentDuplicatesCollapse(t *testing.T) {
	history := []Turn{
		{Role: "user", Attachments: []Attachment{garmentAt("g1", 0), garmentAt("g2", time.Minute)}},
	}
	// Same reference key re-attached later must not consume a second slot.
	current := Turn{Role: "user", Attachments: []Attachment{garmentAt("g1", 2 * time.Minute)}}

	resolved := Resolve(history, current)

	assert.Len(t, resolved.Garments, 2)
	assert.Equal(t, "g2", resolved.Garments[0].ReferenceKey)
	assert.Equal(t, "g1", resolved.Garments[1].ReferenceKey)
}

func TestResolveSingletonLatestWins(t *testing.T) {
	history := []Turn{
		{Role: "user", Attachments: []Attachment{attachmentAt(AttachmentBackground, "bg-old", 0)}},
		{Role: "user", Attachments: []Attachment{attachmentAt(AttachmentModel, "model-old", time.Minute)}},
	}
	current := Turn{Role: "user", Attachments: []Attachment{
		attachmentAt(AttachmentBackground, "bg-new", 2 * time.Minute),
		attachmentAt(AttachmentModel, "model-new", 2 * time.Minute),
	}}

	resolved := Resolve(history, current)

	assert.Equal(t, "bg-new", resolved.Background.ReferenceKey)
	assert.Equal(t, "model-new", resolved.Model.ReferenceKey)
	assert.True(t, resolved.NewBackground)
}

func TestResolvePromotesLatestGeneratedImage(t *testing.T) {
	gen := attachmentAt(AttachmentModel, "result-1", 5*time.Minute)
	history := []Turn{
		{Role: "user", Attachments: []Attachment{garmentAt("g1", 0)}},
		{Role: "assistant", GeneratedImage: &gen, CreatedAt: testBase.Add(5 * time.Minute)},
	}
	current := Turn{Role: "user", Text: "make the lighting warmer"}

	resolved := Resolve(history, current)

	if assert.NotNil(t, resolved.ImproveReference) {
		assert.Equal(t, "result-1", resolved.ImproveReference.ReferenceKey)
		assert.Equal(t, AttachmentImproveReference, resolved.ImproveReference.Type)
	}
	assert.True(t, resolved.ImprovePromoted)
}

func TestResolvePromotionSkippedOnNewGarment(t *testing.T) {
	gen := attachmentAt(AttachmentModel, "result-1", 5*time.Minute)
	history := []Turn{
		{Role: "user", Attachments: []Attachment{garmentAt("g1", 0)}},
		{Role: "assistant", GeneratedImage: &gen, CreatedAt: testBase.Add(5 * time.Minute)},
	}
	// A new garment signals a fresh try-on, not a refinement of the result.
	current := Turn{Role: "user", Attachments: []Attachment{garmentAt("g2", 10 * time.Minute)}}

	resolved := Resolve(history, current)

	assert.Nil(t, resolved.ImproveReference)
	assert.False(t, resolved.ImprovePromoted)
}

func TestResolveExplicitImproveBeatsOlderGenerated(t *testing.T) {
	gen := attachmentAt(AttachmentModel, "result-1", 5*time.Minute)
	history := []Turn{
		{Role: "assistant", GeneratedImage: &gen, CreatedAt: testBase.Add(5 * time.Minute)},
	}
	current := Turn{Role: "user", Attachments: []Attachment{
		attachmentAt(AttachmentImproveReference, "picked-result", 10 * time.Minute),
	}}

	resolved := Resolve(history, current)

	if assert.NotNil(t, resolved.ImproveReference) {
		assert.Equal(t, "picked-result", resolved.ImproveReference.ReferenceKey)
	}
	assert.False(t, resolved.ImprovePromoted)
}

func TestPoseReferencePrefersImproveOverModel(t *testing.T) {
	model := attachmentAt(AttachmentModel, "model", 0)
	improve := attachmentAt(AttachmentImproveReference, "improve", time.Minute)

	resolved := ResolvedSet{Model: &model}
	assert.Equal(t, "model", resolved.PoseReference().ReferenceKey)

	resolved.ImproveReference = &improve
	assert.Equal(t, "improve", resolved.PoseReference().ReferenceKey)

	empty := ResolvedSet{}
	assert.Nil(t, empty.PoseReference())
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, string, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return f(ctx, url)
}

func TestMaterializeFetchesRemoteAndDecodesDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	garment := garmentAt("g1", 0)
	background := Attachment{
		Type:       AttachmentBackground,
		Source:     ImageSource{URL: "data:image/png;base64," + payload},
		AttachedAt: testBase,
	}
	resolved := ResolvedSet{Garments: []Attachment{garment}, Background: &background}

	fetched := 0
	err := resolved.Materialize(context.Background(), fetcherFunc(func(ctx context.Context, url string) ([]byte, string, error) {
		fetched++
		assert.Equal(t, garment.Source.URL, url)
		return []byte("jpeg-bytes"), "image/jpeg", nil
	}))

	assert.Nil(t, err)
	assert.Equal(t, 1, fetched)
	assert.Equal(t, []byte("jpeg-bytes"), resolved.Garments[0].Source.Data)
	assert.Equal(t, []byte("png-bytes"), resolved.Background.Source.Data)
	assert.Equal(t, "image/png", resolved.Background.Source.MIMEType)
}

func TestMaterializeFailureIsScopedToAttachmentType(t *testing.T) {
	model := attachmentAt(AttachmentModel, "model", 0)
	resolved := ResolvedSet{Model: &model}

	failure := resolved.Materialize(context.Background(), fetcherFunc(func(ctx context.Context, url string) ([]byte, string, error) {
		return nil, "", fmt.Errorf("status 404")
	}))

	if assert.NotNil(t, failure) {
		assert.Equal(t, FailureImageLoad, failure.Kind)
		assert.Contains(t, failure.Message, "model image")
		assert.True(t, failure.NoCreditCharged)
	}
}

func TestMaterializeSkipsInlineBytes(t *testing.T) {
	garment := garmentAt("g1", 0)
	garment.Source.Data = []byte("already-here")
	resolved := ResolvedSet{Garments: []Attachment{garment}}

	err := resolved.Materialize(context.Background(), fetcherFunc(func(ctx context.Context, url string) ([]byte, string, error) {
		t.Fatal("fetcher must not be called for inline attachments")
		return nil, "", nil
	}))

	assert.Nil(t, err)
	assert.Equal(t, []byte("already-here"), resolved.Garments[0].Source.Data)
}

package engine

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type AttachmentType string

const (
	AttachmentGarment          AttachmentType = "garment"
	AttachmentBackground       AttachmentType = "background"
	AttachmentImproveReference AttachmentType = "improve_reference"
	AttachmentModel            AttachmentType = "model"
)

// maximum garments that survive resolution, most-recent-first
const maxGarments = 3

// ImageSource carries either inline bytes or a URL to fetch them from.
type ImageSource struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
	URL      string `json:"url"`
}

// Attachment is an image reference attached to a conversation turn. Never
// mutated after creation, only superseded by later attachments of the same
// type.
type Attachment struct {
	Type         AttachmentType    `json:"type"`
	ReferenceKey string            `json:"reference_key"`
	Source       ImageSource       `json:"source"`
	AttachedAt   time.Time         `json:"attached_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Key returns the stable dedupe key: reference key, falling back to the URL,
// falling back to a hash of inline data.
func (a Attachment) Key() string {
	if a.ReferenceKey != "" {
		return a.ReferenceKey
	}
	if a.Source.URL != "" {
		return a.Source.URL
	}
	return fmt.Sprintf("%x", md5.Sum(a.Source.Data))
}

// Turn is one conversation turn. GeneratedImage is set on assistant turns
// that produced an image; the promotion rule reads it.
type Turn struct {
	Role           string       `json:"role"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	GeneratedImage *Attachment  `json:"generated_image,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ResolvedSet is what survives attachment resolution for a single turn: up to
// 3 garments, and at most one each of background/model/improve reference.
type ResolvedSet struct {
	Garments         []Attachment
	Background       *Attachment
	Model            *Attachment
	ImproveReference *Attachment

	// ImprovePromoted marks an improve reference auto-promoted from the most
	// recent successful generation rather than attached explicitly.
	ImprovePromoted bool

	// Current-turn flags feeding the edit-mode classifier.
	NewGarments   bool
	NewBackground bool
}

// Resolve flattens the conversation-wide attachment history with the current
// turn, deduplicates and applies the survival rules: garments capped at 3
// unique keys preferring most recent, singletons latest-wins, and the
// continuous-improvement promotion of the last generated image.
func Resolve(history []Turn, current Turn) ResolvedSet {
	var all []Attachment
	for _, turn := range history {
		all = append(all, turn.Attachments...)
	}
	all = append(all, current.Attachments...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].AttachedAt.Before(all[j].AttachedAt)
	})

	resolved := ResolvedSet{}
	for _, att := range current.Attachments {
		switch att.Type {
		case AttachmentGarment:
			resolved.NewGarments = true
		case AttachmentBackground:
			resolved.NewBackground = true
		}
	}

	// Garments: walk from newest, keep the first 3 unique keys, then restore
	// chronological order.
	seen := map[string]bool{}
	var garments []Attachment
	for i := len(all) - 1; i >= 0 && len(garments) < maxGarments; i-- {
		att := all[i]
		if att.Type != AttachmentGarment || seen[att.Key()] {
			continue
		}
		seen[att.Key()] = true
		garments = append(garments, att)
	}
	for i, j := 0, len(garments)-1; i < j; i, j = i+1, j-1 {
		garments[i], garments[j] = garments[j], garments[i]
	}
	resolved.Garments = garments

	// Singletons: the most recent one of each type wins.
	for i := len(all) - 1; i >= 0; i-- {
		att := all[i]
		switch att.Type {
		case AttachmentBackground:
			if resolved.Background == nil {
				a := att
				resolved.Background = &a
			}
		case AttachmentModel:
			if resolved.Model == nil {
				a := att
				resolved.Model = &a
			}
		case AttachmentImproveReference:
			if resolved.ImproveReference == nil {
				a := att
				resolved.ImproveReference = &a
			}
		}
	}

	// Continuous-improvement promotion: the newest generated image becomes
	// the improve reference so the user keeps refining without re-clicking
	// "improve". A new garment this turn always signals a fresh try-on, so
	// the promotion is skipped entirely in that case.
	if !resolved.NewGarments {
		if gen := latestGeneratedImage(history); gen != nil {
			if resolved.ImproveReference == nil || gen.AttachedAt.After(resolved.ImproveReference.AttachedAt) {
				promoted := *gen
				promoted.Type = AttachmentImproveReference
				resolved.ImproveReference = &promoted
				resolved.ImprovePromoted = true
			}
		}
	}

	return resolved
}

func latestGeneratedImage(history []Turn) *Attachment {
	var latest *Attachment
	for i := range history {
		gen := history[i].GeneratedImage
		if gen == nil {
			continue
		}
		if latest == nil || gen.AttachedAt.After(latest.AttachedAt) {
			latest = gen
		}
	}
	return latest
}

// PoseReference returns the image whose pose/identity anchors the
// generation: an improve reference if one survived, otherwise the model
// photo. Nil means no pose source exists at all.
func (r *ResolvedSet) PoseReference() *Attachment {
	if r.ImproveReference != nil {
		return r.ImproveReference
	}
	return r.Model
}

// ByteFetcher materializes attachment bytes that were not sent inline.
type ByteFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// Materialize loads bytes for every attachment that will feed the pipeline.
// Inline bytes are used as-is, data URLs are decoded in process, remote URLs
// go through the fetcher. Fetches run concurrently since they are independent
// reads. A failure is scoped to the failing attachment's role.
func (r *ResolvedSet) Materialize(ctx context.Context, fetcher ByteFetcher) *Failure {
	var targets []*Attachment
	for i := range r.Garments {
		targets = append(targets, &r.Garments[i])
	}
	if r.Background != nil {
		targets = append(targets, r.Background)
	}
	if r.Model != nil {
		targets = append(targets, r.Model)
	}
	if r.ImproveReference != nil {
		targets = append(targets, r.ImproveReference)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, att := range targets {
		if len(att.Source.Data) > 0 {
			continue
		}
		wg.Add(1)
		go func(index int, att *Attachment) {
			defer wg.Done()
			errs[index] = materializeOne(ctx, fetcher, att)
		}(i, att)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return newFailure(FailureImageLoad, fmt.Sprintf("%s image: %v", targets[i].Type, err))
		}
	}
	return nil
}

func materializeOne(ctx context.Context, fetcher ByteFetcher, att *Attachment) error {
	url := att.Source.URL
	if url == "" {
		return fmt.Errorf("attachment has neither inline bytes nor a URL")
	}
	if strings.HasPrefix(url, "data:") {
		data, mime, err := decodeDataURL(url)
		if err != nil {
			return err
		}
		att.Source.Data = data
		if att.Source.MIMEType == "" {
			att.Source.MIMEType = mime
		}
		return nil
	}
	if fetcher == nil {
		return fmt.Errorf("no fetcher configured for remote attachment")
	}
	data, mime, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty response body for %s", url)
	}
	att.Source.Data = data
	if att.Source.MIMEType == "" {
		att.Source.MIMEType = mime
	}
	return nil
}

func decodeDataURL(url string) ([]byte, string, error) {
	rest := strings.TrimPrefix(url, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, "", fmt.Errorf("malformed data URL")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URLs are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URL: %v", err)
	}
	return data, mime, nil
}

// Package events models the inbound ECR push event envelope as delivered by
// EventBridge.
package events

import (
	"encoding/json"
	"fmt"

	"lambda-publish/internal/faults"
)

// PushEventDetail is the detail block of an "ECR Image Action" event. Newer
// event shapes carry a single image-tag; older ones a list.
type PushEventDetail struct {
	Result         string   `json:"result"`
	RepositoryName string   `json:"repository-name"`
	RegistryID     string   `json:"registry-id"`
	ImageDigest    string   `json:"image-digest"`
	ActionType     string   `json:"action-type"`
	ImageTag       string   `json:"image-tag"`
	ImageTags      []string `json:"image-tags"`
}

// PushEvent is one registry push notification.
type PushEvent struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	Time       string          `json:"time"`
	Region     string          `json:"region"`
	Resources  []string        `json:"resources"`
	Detail     PushEventDetail `json:"detail"`
}

// Tag returns the event's image tag, falling back to the first entry of the
// image-tags list when the singular field is absent.
func (e *PushEvent) Tag() string {
	if e.Detail.ImageTag != "" {
		return e.Detail.ImageTag
	}
	if len(e.Detail.ImageTags) > 0 {
		return e.Detail.ImageTags[0]
	}
	return ""
}

// Parse decodes and validates a raw push event payload.
func Parse(payload []byte) (*PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &faults.InvalidEventError{Reason: fmt.Sprintf("malformed payload: %v", err)}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the fields the controller cannot proceed without.
func (e *PushEvent) Validate() error {
	if e.Detail.RepositoryName == "" {
		return &faults.InvalidEventError{Reason: "missing repository-name"}
	}
	if e.Tag() == "" {
		return &faults.InvalidEventError{Reason: "missing image tag"}
	}
	if e.Detail.RegistryID == "" {
		return &faults.InvalidEventError{Reason: "missing registry-id"}
	}
	return nil
}

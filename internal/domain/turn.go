package domain

import (
	"fmt"
	"strings"
	"time"
)

// MediaKind is the attachment class of a single webhook delivery.
type MediaKind string

const (
	KindText  MediaKind = "text"
	KindImage MediaKind = "image"
	KindAudio MediaKind = "audio"
)

// MediaKinds is the drain order used when a burst is merged.
var MediaKinds = []MediaKind{KindText, KindImage, KindAudio}

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	case KindAudio:
		return KindAudio, nil
	default:
		return "", fmt.Errorf("domain: unknown media kind %q", s)
	}
}

// Attachment is one buffered item of a user turn: message text, or a
// reference to an image or audio file.
type Attachment struct {
	Kind    MediaKind
	Payload string
}

// TurnSnapshot is the state of a user's turn counter observed right after
// an increment. FirstAt is the arrival time of the first attachment of the
// burst and anchors the hard cap.
type TurnSnapshot struct {
	Counter int64
	FirstAt time.Time
}

// MergedTurn is one logical user message assembled from a burst of
// single-attachment deliveries. Order within each slice is arrival order.
type MergedTurn struct {
	UserID string
	Texts  []string
	Images []string
	Audio  []string
}

// Text returns the buffered text parts joined in arrival order.
func (t MergedTurn) Text() string {
	return strings.Join(t.Texts, "\n")
}

func (t MergedTurn) Empty() bool {
	return len(t.Texts) == 0 && len(t.Images) == 0 && len(t.Audio) == 0
}

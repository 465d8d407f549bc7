package twilio

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	twclient "github.com/twilio/twilio-go/client"

	"medic-agent/internal/domain"
)

// maxMedia is the attachment limit Twilio applies to one WhatsApp message.
const maxMedia = 10

type Media struct {
	URL         string
	ContentType string
}

// Inbound is the subset of a Twilio Messaging webhook this service uses.
type Inbound struct {
	MessageSID string
	From       string
	Body       string
	Media      []Media
}

// ParseWebhook reads a form-encoded Twilio Messaging webhook.
func ParseWebhook(form url.Values) (Inbound, error) {
	in := Inbound{
		MessageSID: strings.TrimSpace(form.Get("MessageSid")),
		From:       strings.TrimSpace(form.Get("From")),
		Body:       form.Get("Body"),
	}
	if in.From == "" {
		return Inbound{}, errors.New("twilio: webhook is missing From")
	}

	n := 0
	if raw := strings.TrimSpace(form.Get("NumMedia")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return Inbound{}, fmt.Errorf("twilio: invalid NumMedia %q", raw)
		}
		n = parsed
	}
	if n > maxMedia {
		n = maxMedia
	}
	for i := 0; i < n; i++ {
		u := strings.TrimSpace(form.Get(fmt.Sprintf("MediaUrl%d", i)))
		if u == "" {
			continue
		}
		in.Media = append(in.Media, Media{
			URL:         u,
			ContentType: strings.TrimSpace(form.Get(fmt.Sprintf("MediaContentType%d", i))),
		})
	}
	return in, nil
}

// Attachments splits the webhook into buffered items: the text body first,
// then images and audio in media index order. Other media types are dropped.
func (in Inbound) Attachments() []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in.Media)+1)
	if body := strings.TrimSpace(in.Body); body != "" {
		out = append(out, domain.Attachment{Kind: domain.KindText, Payload: body})
	}
	for _, m := range in.Media {
		ct := strings.ToLower(m.ContentType)
		switch {
		case strings.HasPrefix(ct, "image/"):
			out = append(out, domain.Attachment{Kind: domain.KindImage, Payload: m.URL})
		case strings.HasPrefix(ct, "audio/"):
			out = append(out, domain.Attachment{Kind: domain.KindAudio, Payload: m.URL})
		}
	}
	return out
}

// ValidateSignature checks X-Twilio-Signature against the form body.
// webhookURL must be the exact public URL configured in the Twilio console.
func ValidateSignature(authToken, webhookURL string, form url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	validator := twclient.NewRequestValidator(authToken)
	return validator.Validate(webhookURL, params, signature)
}

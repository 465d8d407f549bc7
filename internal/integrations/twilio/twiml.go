package twilio

import (
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

const ContentTypeXML = "text/xml"

const emptyResponse = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// RenderMessage returns a TwiML document replying with text. Blank text
// renders an empty <Response>, which Twilio treats as "no reply".
func RenderMessage(text string) string {
	var verbs []twiml.Element
	for _, part := range SplitBody(strings.TrimSpace(text)) {
		verbs = append(verbs, &twiml.MessagingMessage{Body: part})
	}
	out, err := twiml.Messages(verbs)
	if err != nil {
		return emptyResponse
	}
	return out
}

// RenderEmpty acknowledges a webhook without replying.
func RenderEmpty() string {
	return RenderMessage("")
}

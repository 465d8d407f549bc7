package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"medic-agent/internal/domain"
)

func TestParseWebhook_TextAndMedia(t *testing.T) {
	form := url.Values{
		"MessageSid":        {"SM123"},
		"From":              {"whatsapp:+491701234567"},
		"Body":              {"see attached"},
		"NumMedia":          {"3"},
		"MediaUrl0":         {"https://api.twilio.com/m/0"},
		"MediaContentType0": {"image/jpeg"},
		"MediaUrl1":         {"https://api.twilio.com/m/1"},
		"MediaContentType1": {"audio/ogg"},
		"MediaUrl2":         {"https://api.twilio.com/m/2"},
		"MediaContentType2": {"application/pdf"},
	}
	in, err := ParseWebhook(form)
	require.NoError(t, err)
	require.Equal(t, "SM123", in.MessageSID)
	require.Equal(t, "whatsapp:+491701234567", in.From)
	require.Len(t, in.Media, 3)

	require.Equal(t, []domain.Attachment{
		{Kind: domain.KindText, Payload: "see attached"},
		{Kind: domain.KindImage, Payload: "https://api.twilio.com/m/0"},
		{Kind: domain.KindAudio, Payload: "https://api.twilio.com/m/1"},
	}, in.Attachments())
}

func TestParseWebhook_MissingFrom(t *testing.T) {
	_, err := ParseWebhook(url.Values{"Body": {"hi"}})
	require.Error(t, err)
}

func TestParseWebhook_InvalidNumMedia(t *testing.T) {
	_, err := ParseWebhook(url.Values{"From": {"whatsapp:+1"}, "NumMedia": {"x"}})
	require.Error(t, err)

	_, err = ParseWebhook(url.Values{"From": {"whatsapp:+1"}, "NumMedia": {"-1"}})
	require.Error(t, err)
}

func TestParseWebhook_CapsMediaCount(t *testing.T) {
	form := url.Values{"From": {"whatsapp:+1"}, "NumMedia": {"15"}}
	for i := 0; i < 15; i++ {
		form.Set(fmt.Sprintf("MediaUrl%d", i), fmt.Sprintf("https://m/%d", i))
		form.Set(fmt.Sprintf("MediaContentType%d", i), "image/png")
	}
	in, err := ParseWebhook(form)
	require.NoError(t, err)
	require.Len(t, in.Media, maxMedia)
}

func TestAttachments_BlankBodyOmitted(t *testing.T) {
	in := Inbound{From: "whatsapp:+1", Body: "   ", Media: []Media{{URL: "u", ContentType: "IMAGE/PNG"}}}
	require.Equal(t, []domain.Attachment{{Kind: domain.KindImage, Payload: "u"}}, in.Attachments())
}

func sign(token, webhookURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(webhookURL)
	for _, k := range []string{"Body", "From", "NumMedia"} {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	const hook = "https://example.com/webhook/twilio"
	form := url.Values{"From": {"whatsapp:+1"}, "Body": {"hello"}, "NumMedia": {"0"}}
	sig := sign("secret", hook, form)

	require.True(t, ValidateSignature("secret", hook, form, sig))
	require.False(t, ValidateSignature("other", hook, form, sig))
	require.False(t, ValidateSignature("secret", hook+"?x=1", form, sig))
	require.False(t, ValidateSignature("secret", hook, form, ""))
	require.False(t, ValidateSignature("", hook, form, sig))

	tampered := url.Values{"From": {"whatsapp:+1"}, "Body": {"hello!"}, "NumMedia": {"0"}}
	require.False(t, ValidateSignature("secret", hook, tampered, sig))
}

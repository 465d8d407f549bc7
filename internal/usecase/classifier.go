package usecase

import (
	"regexp"
	"strings"

	"github.com/pemistahl/lingua-go"

	"medic-agent/internal/domain"
)

var (
	schedulingIntent = regexp.MustCompile(`(?i)\b(schedule|booking|book|appointment|reschedul(e|ing)|consult(ation)?|availability|slots?|times?|termine?|buchen|citas?|reservar)\b`)
	imageIntent      = regexp.MustCompile(`(?i)\b(photo|image|picture|pic|jpeg|png|edit|enhance|retouch|filter|background|remove)\b`)
)

// Classifier picks the agent for a turn that arrives with no active lock.
type Classifier interface {
	Classify(turn domain.MergedTurn) domain.AgentID
}

// RuleClassifier routes scheduling requests and image work by keyword and
// everything else to a language agent chosen by detected language.
type RuleClassifier struct {
	detector lingua.LanguageDetector
}

func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.German, lingua.Spanish).
			Build(),
	}
}

func (c *RuleClassifier) Classify(turn domain.MergedTurn) domain.AgentID {
	text := strings.TrimSpace(turn.Text())
	if schedulingIntent.MatchString(text) {
		return domain.AgentScheduling
	}
	if len(turn.Images) > 0 || imageIntent.MatchString(text) {
		return domain.AgentImage
	}
	if text == "" || c.detector == nil {
		return domain.AgentEnglish
	}

	lang, ok := c.detector.DetectLanguageOf(text)
	if !ok {
		return domain.AgentEnglish
	}
	switch lang {
	case lingua.German:
		return domain.AgentGerman
	case lingua.Spanish:
		return domain.AgentSpanish
	default:
		return domain.AgentEnglish
	}
}

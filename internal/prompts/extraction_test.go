package prompts

import (
	"strings"
	"testing"
)

func TestExtractionPrompt_InjectsMessage(t *testing.T) {
	got := ExtractionPrompt("remind me to water the plants on Friday")

	if !strings.Contains(got, "water the plants on Friday") {
		t.Error("prompt should contain the operator message")
	}
}

func TestExtractionPrompt_SpecifiesShape(t *testing.T) {
	got := ExtractionPrompt("msg")

	phrases := []string{
		`"tasks"`,
		`"events"`,
		`"due_date"`,
		`"start_time"`,
		`"frequency"`,
		"JSON only",
		`{"tasks": [], "events": []}`,
	}
	for _, phrase := range phrases {
		if !strings.Contains(got, phrase) {
			t.Errorf("prompt missing expected phrase %q", phrase)
		}
	}
}

func TestExtractionPrompt_EndsWithJSONCue(t *testing.T) {
	got := ExtractionPrompt("msg")

	if !strings.HasSuffix(got, "JSON:") {
		t.Errorf("prompt should end with the JSON: cue, got tail %q", got[len(got)-20:])
	}
}

package prompts

import "fmt"

// extractionTemplate asks a model to lift actionable items out of one
// operator message. The single format verb is the message text.
const extractionTemplate = `Extract actionable items from the message below.

Return JSON only, in exactly this shape:

{"tasks": [{"title": "...", "due_date": "YYYY-MM-DD"}],
 "events": [{"title": "...", "start_time": "YYYY-MM-DDTHH:MM", "end_time": "YYYY-MM-DDTHH:MM", "frequency": "daily|weekly|monthly|yearly"}]}

Rules:
- Only include items the message asks to record. Questions, opinions,
  and small talk produce nothing.
- due_date, end_time, and frequency are optional: omit any key you
  cannot read directly from the message. Never guess dates.
- Dates are ISO (YYYY-MM-DD); times are 24-hour local (HH:MM).
- If there is nothing to record: {"tasks": [], "events": []}

Message: %s

JSON:`

// ExtractionPrompt returns the task/event extraction prompt for one
// operator message.
func ExtractionPrompt(message string) string {
	return fmt.Sprintf(extractionTemplate, message)
}

package prompts

import "fmt"

// adminSystemTemplate frames every admin free-text call. The three
// format verbs are the persona text, the operator profile, and the
// current workspace context (open tasks and upcoming events).
const adminSystemTemplate = `%s

## Operator profile

%s

## Workspace context

%s

Ground answers in the workspace context above when it is relevant, and
say so when it is not. Replies render in a terminal: keep them short and
use plain markdown. Do not promise to create tasks or events yourself; a
separate pass records them.`

// AdminSystemPrompt returns the system prompt for the admin free-text
// path with persona, operator profile, and workspace context injected.
func AdminSystemPrompt(persona, userProfile, context string) string {
	return fmt.Sprintf(adminSystemTemplate, persona, userProfile, context)
}

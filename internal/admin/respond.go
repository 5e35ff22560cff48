package admin

// Structured response payloads for response envelopes: {type, content}
// with a content shape per type. The protocol treats them as opaque;
// the admin and any agent driving a UI share this vocabulary.

// Response content types.
const (
	ContentText     = "text"
	ContentTable    = "table"
	ContentList     = "list"
	ContentEditor   = "editor"
	ContentConfirm  = "confirm"
	ContentProgress = "progress"
	ContentError    = "error"
)

func shaped(typ string, content map[string]any) map[string]any {
	return map[string]any{"type": typ, "content": content}
}

// Text builds a plain text response.
func Text(text string) map[string]any {
	return shaped(ContentText, map[string]any{"text": text, "format": "plain"})
}

// Markdown builds a text response rendered as markdown.
func Markdown(text string) map[string]any {
	return shaped(ContentText, map[string]any{"text": text, "format": "markdown"})
}

// Table builds a tabular response. Each row carries one cell string
// per column.
func Table(title string, columns []string, rows [][]string) map[string]any {
	return shaped(ContentTable, map[string]any{
		"title":   title,
		"columns": columns,
		"rows":    rows,
	})
}

// List builds an item list response.
func List(title string, items []string) map[string]any {
	return shaped(ContentList, map[string]any{
		"title": title,
		"items": items,
	})
}

// Editor builds a response asking the UI to open text in an editor.
func Editor(title, path, text string, readOnly bool) map[string]any {
	return shaped(ContentEditor, map[string]any{
		"title":     title,
		"path":      path,
		"content":   text,
		"read_only": readOnly,
	})
}

// Confirm builds a yes/no (or multi-option) confirmation request.
// context is echoed back by the UI with the chosen option.
func Confirm(prompt string, options []string, context map[string]any) map[string]any {
	return shaped(ContentConfirm, map[string]any{
		"prompt":  prompt,
		"options": options,
		"context": context,
	})
}

// Progress builds a progress notice. A percent below zero omits the
// field for indeterminate work.
func Progress(message string, percent int) map[string]any {
	content := map[string]any{"message": message}
	if percent >= 0 {
		content["percent"] = percent
	}
	return shaped(ContentProgress, content)
}

// Error builds an error response. An empty code omits the field.
func Error(message, code string) map[string]any {
	content := map[string]any{"message": message}
	if code != "" {
		content["code"] = code
	}
	return shaped(ContentError, content)
}

package engine

import "sort"

// Chat roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat transcript sent to Chat or to a generation
// backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema constrains a Chat reply to a JSON object. Only flat objects are
// needed: the reranker asks for {"score": number}.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is a single typed field of a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ObjectSchema builds an object Schema in which every property is required.
func ObjectSchema(props map[string]SchemaProperty) *Schema {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	sort.Strings(required)
	return &Schema{Type: "object", Properties: props, Required: required}
}

// PullProgress is one status line of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns download completion in [0,100], or -1 when the size is
// not known yet.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

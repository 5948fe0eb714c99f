package domain

// Completion is the text and total token usage returned by a generation model.
type Completion struct {
	Text   string
	Tokens uint64
}

package types

// Event represents a structured state change recorded by the credit ledger.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

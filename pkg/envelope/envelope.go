// Package envelope defines the command and result units exchanged with a controller.
package envelope

import "encoding/json"

// Command is one inbound request: a command type plus its parameters.
// ID is assigned by the controller, or by the engine when a poll response carries none.
type Command struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Result is the outbound response correlated to a Command by ID.
// Exactly one of Value or Error is meaningful, selected by Success.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Value   any    `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return !r.Success
}

// MarshalJSON always writes value on success, even when it is an empty string
// or false, and never writes it on failure.
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			ID      string `json:"id"`
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{r.ID, false, r.Error})
	}
	return json.Marshal(struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
		Value   any    `json:"value"`
	}{r.ID, true, r.Value})
}

package envelope

import "time"

// Record is a result as kept by the controller side, with the command type it
// answered when known.
type Record struct {
	ID          string    `json:"id"`
	CommandType string    `json:"commandType,omitempty"`
	Result      Result    `json:"result"`
	ReceivedAt  time.Time `json:"time"`
}

package hub

import (
	"encoding/json"
)

// Outbound event names
const (
	EventError        = "error"
	EventApplications = "applications"
	EventRecap        = "recap"
	EventMeasure      = "measure"
	EventMonitor      = "monitor"
	EventFault        = "fault"
)

// CallMonitor is the inbound call adjusting muted application groups
const CallMonitor = "monitor"

// Envelope is an outbound event
type Envelope struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// Call is an inbound request from a viewer
type Call struct {
	Call string            `json:"call"`
	Args []json.RawMessage `json:"args"`
}

func encode(event string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(Envelope{Event: event, Args: args})
}

// monitorArgs decodes [subscribe, unsubscribe]; either may be omitted
func monitorArgs(args []json.RawMessage) (subscribe, unsubscribe []string, err error) {
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &subscribe); err != nil {
			return nil, nil, err
		}
	}
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &unsubscribe); err != nil {
			return nil, nil, err
		}
	}
	return subscribe, unsubscribe, nil
}

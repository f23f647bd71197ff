package rows

import "strings"

// Status is a row's position in the bulk operation lifecycle.
type Status string

const (
	StatusReady        Status = "Ready"
	StatusVerifying    Status = "Verifying"
	StatusVerified     Status = "Verified"
	StatusNotVerified  Status = "Not Verified"
	StatusRequestSent  Status = "Request Sent"
	StatusFetching     Status = "Fetching"
	StatusSuccess      Status = "Success"
	StatusFailed       Status = "Failed"
	StatusUnauthorized Status = "Unauthorized"
	StatusError        Status = "Error"
)

var statusRank = map[Status]int{
	StatusReady:        0,
	StatusVerifying:    1,
	StatusVerified:     2,
	StatusNotVerified:  2,
	StatusRequestSent:  3,
	StatusFetching:     4,
	StatusSuccess:      5,
	StatusFailed:       5,
	StatusUnauthorized: 5,
	StatusError:        5,
}

// Rank orders statuses along the state machine. Unknown values rank -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the status ends a dispatched row's lifecycle.
func (s Status) Terminal() bool { return s.Rank() == 5 }

// Stable statuses do not expect a later message.
func (s Status) Stable() bool { return s == StatusReady || s.Terminal() }

// InFlight reports whether a row has been dispatched and is awaiting
// stream messages.
func (s Status) InFlight() bool { return s == StatusRequestSent || s == StatusFetching }

// Dispatched reports whether a dispatch request has been made for the row.
func (s Status) Dispatched() bool { return s.Rank() >= StatusRequestSent.Rank() }

// Direction is the on/off flag carried by toggle operations.
type Direction string

const (
	DirectionNone Direction = ""
	DirectionOn   Direction = "ON"
	DirectionOff  Direction = "OFF"
)

// ParseDirection accepts any casing plus surrounding space. Unknown values
// yield DirectionNone.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return DirectionOn
	case "OFF":
		return DirectionOff
	}
	return DirectionNone
}

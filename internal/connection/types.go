package connection

import (
	"fmt"
	"strings"

	"github.com/0711-os/orchestrator/internal/model"
)

// ConnectionType selects how a connector endpoint is located.
type ConnectionType int

const (
	// Shared connectors are platform services on a well-known port.
	Shared ConnectionType = iota + 1
	// Sidecar connectors run as a unit on the customer's network.
	Sidecar
	// API connectors are external services at a configured URL.
	API
)

func (t ConnectionType) String() string {
	switch t {
	case Shared:
		return "shared"
	case Sidecar:
		return "sidecar"
	case API:
		return "api"
	}
	return fmt.Sprintf("ConnectionType(%d)", int(t))
}

// ParseConnectionType parses "shared", "sidecar" or "api".
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared":
		return Shared, nil
	case "sidecar":
		return Sidecar, nil
	case "api":
		return API, nil
	}
	return 0, fmt.Errorf("%w: %q", model.ErrUnknownConnectionType, s)
}

// Direction is the data flow of a connector. It is informational only.
type Direction string

const (
	Input         Direction = "input"
	Output        Direction = "output"
	Bidirectional Direction = "bidirectional"
)

// ParseDirection parses a direction; empty means input.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return Input, nil
	case Input, Output, Bidirectional:
		return d, nil
	}
	return "", model.NewValidationError("direction", "unknown direction %q", s)
}

// Request describes one connector test.
type Request struct {
	ConnectorName string
	Type          ConnectionType
	Direction     Direction
	Config        map[string]string
}

package model

// Sidecar result statuses.
const (
	SidecarRunning = "running"
	SidecarPresent = "present"
	SidecarFailed  = "failed"
)

// SidecarResult reports the outcome of attaching a sidecar unit.
type SidecarResult struct {
	CustomerID string `json:"customer_id"`
	Connector  string `json:"connector"`
	Unit       string `json:"unit"`
	Container  string `json:"container"`
	HostPort   int    `json:"host_port"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

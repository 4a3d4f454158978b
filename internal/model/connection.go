package model

// ConnectionTestResult is the ephemeral outcome of a connector health test.
type ConnectionTestResult struct {
	Status      string `json:"status"`
	LatencyMS   *int64 `json:"latency_ms,omitempty"`
	Message     string `json:"message"`
	EndpointURL string `json:"endpoint_url,omitempty"`
}

// Healthy reports whether the test did not end in an error.
func (r ConnectionTestResult) Healthy() bool {
	return r.Status == ConnectionOK || r.Status == ConnectionWarning
}

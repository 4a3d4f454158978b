package model

// Deployment status constants.
const (
	StatusPending   = "pending"
	StatusDeploying = "deploying"
	StatusDeployed  = "deployed"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// Connection test status constants.
const (
	ConnectionOK      = "ok"
	ConnectionWarning = "warning"
	ConnectionError   = "error"
)

// transitions lists the allowed next states for each deployment status.
// A deployment that is already deploying may be re-entered after a crash
// so that an interrupted reconcile can be retried.
var transitions = map[string][]string{
	StatusPending:   {StatusDeploying},
	StatusDeploying: {StatusDeploying, StatusDeployed, StatusFailed},
	StatusDeployed:  {StatusDeploying, StatusDegraded},
	StatusDegraded:  {StatusDeploying, StatusDeployed, StatusFailed},
	StatusFailed:    {StatusDeploying},
}

// CanTransition reports whether a deployment may move from one status to
// another. An empty from-status is treated as pending.
func CanTransition(from, to string) bool {
	if from == "" {
		from = StatusPending
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known deployment status.
func IsValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

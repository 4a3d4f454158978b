package model

import "time"

// ResourceAllocation is a customer's exclusively owned port block.
type ResourceAllocation struct {
	CustomerID string    `json:"customer_id" yaml:"customer_id" db:"customer_id"`
	BasePort   int       `json:"base_port" yaml:"base_port" db:"base_port"`
	BlockWidth int       `json:"block_width" yaml:"block_width" db:"block_width"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at" db:"created_at"`
}

// LastPort returns the highest port in the block.
func (a ResourceAllocation) LastPort() int {
	return a.BasePort + a.BlockWidth - 1
}

// PortRange returns the inclusive [first, last] port range of the block.
func (a ResourceAllocation) PortRange() (int, int) {
	return a.BasePort, a.LastPort()
}

// Contains reports whether port lies inside the block.
func (a ResourceAllocation) Contains(port int) bool {
	return port >= a.BasePort && port <= a.LastPort()
}

// Overlaps reports whether two blocks share at least one port.
func (a ResourceAllocation) Overlaps(b ResourceAllocation) bool {
	return a.BasePort <= b.LastPort() && b.BasePort <= a.LastPort()
}

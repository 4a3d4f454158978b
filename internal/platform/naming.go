package platform

import (
	"path/filepath"
	"regexp"
)

var slugRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

// IsSlug reports whether s is usable as a customer or connector identifier.
// Identifiers end up in container names, network names and file paths.
func IsSlug(s string) bool {
	return slugRegex.MatchString(s)
}

// ContainerName returns the runtime name of a customer's unit.
// Example: acme-console-backend
func ContainerName(customerID, unit string) string {
	return customerID + "-" + unit
}

// NetworkName returns the isolated network of a customer.
func NetworkName(customerID string) string {
	return customerID + "-net"
}

// CustomerDir returns the customer's private directory under the storage root.
func CustomerDir(storageRoot, customerID string) string {
	return filepath.Join(storageRoot, customerID)
}

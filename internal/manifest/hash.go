package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/0711-os/orchestrator/internal/model"
)

// Hash returns the canonical SHA-256 of a unit. Maps are encoded with
// sorted keys, so equal units always hash equally.
func Hash(unit model.ServiceUnit) (string, error) {
	data, err := yaml.Marshal(unit)
	if err != nil {
		return "", fmt.Errorf("encode unit: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Revision returns a short content hash of the manifest's units, used as
// the manifest reference recorded in deployment state.
func Revision(m *model.Manifest) (string, error) {
	h := sha256.New()
	for _, name := range m.UnitNames() {
		unitHash, err := Hash(m.Services[name])
		if err != nil {
			return "", fmt.Errorf("unit %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s=%s\n", name, unitHash)
	}
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
)

// Filename is the artifact name inside a customer's storage directory.
const Filename = "deployment.yaml"

const header = "# Deployment manifest generated by the 0711-OS orchestrator.\n" +
	"# Sidecar units are added and removed in place; everything else is regenerated.\n\n"

// FileStore persists manifests under <root>/<customer>/deployment.yaml.
// Writes are atomic. Callers serialize writers per customer.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path returns the artifact path of a customer.
func (s *FileStore) Path(customerID string) string {
	return filepath.Join(platform.CustomerDir(s.root, customerID), Filename)
}

// Exists reports whether the customer has a manifest artifact.
func (s *FileStore) Exists(customerID string) bool {
	_, err := os.Stat(s.Path(customerID))
	return err == nil
}

// Save writes the manifest, replacing any previous artifact.
func (s *FileStore) Save(customerID string, m *model.Manifest) error {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest for %s: %w", customerID, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest for %s: %w", customerID, err)
	}

	// Go through the node form once so that later in-place edits, which
	// re-encode the node tree, reproduce untouched entries exactly.
	var doc yaml.Node
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		return fmt.Errorf("normalize manifest for %s: %w", customerID, err)
	}
	return s.writeNode(customerID, &doc)
}

// Retire renames the artifact to deployment.yaml.offboarded-<UTC time> next
// to its live path and returns the new path. Load and Read report the
// customer as not found afterwards.
func (s *FileStore) Retire(customerID string, at time.Time) (string, error) {
	live := s.Path(customerID)
	retired := live + ".offboarded-" + at.UTC().Format("20060102T150405Z")
	if err := os.Rename(live, retired); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("manifest for %s: %w", customerID, model.ErrNotFound)
		}
		return "", fmt.Errorf("retire manifest for %s: %w", customerID, err)
	}
	return retired, nil
}

// Read returns the raw artifact bytes.
func (s *FileStore) Read(customerID string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(customerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("manifest for %s: %w", customerID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", customerID, err)
	}
	return data, nil
}

// Load reads and decodes the artifact.
func (s *FileStore) Load(customerID string) (*model.Manifest, error) {
	data, err := s.Read(customerID)
	if err != nil {
		return nil, err
	}
	var m model.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", customerID, err)
	}
	return &m, nil
}

// AddUnit inserts one unit into the artifact. Every other entry is kept
// as it is on disk. Adding a name that already exists is an error.
func (s *FileStore) AddUnit(customerID, name string, unit model.ServiceUnit) error {
	doc, err := s.readNode(customerID)
	if err != nil {
		return err
	}
	services, err := servicesNode(doc)
	if err != nil {
		return fmt.Errorf("manifest for %s: %w", customerID, err)
	}
	if i := keyIndex(services, name); i >= 0 {
		return fmt.Errorf("manifest for %s already has unit %s", customerID, name)
	}

	var value yaml.Node
	if err := value.Encode(unit); err != nil {
		return fmt.Errorf("encode unit %s: %w", name, err)
	}
	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}

	// Keep the services sorted, the way a full save writes them.
	pos := sort.Search(len(services.Content)/2, func(i int) bool {
		return services.Content[2*i].Value > name
	})
	content := make([]*yaml.Node, 0, len(services.Content)+2)
	content = append(content, services.Content[:2*pos]...)
	content = append(content, key, &value)
	content = append(content, services.Content[2*pos:]...)
	services.Content = content

	return s.writeNode(customerID, doc)
}

// RemoveUnit deletes one unit from the artifact. It reports false and
// leaves the file untouched when the unit is not present.
func (s *FileStore) RemoveUnit(customerID, name string) (bool, error) {
	doc, err := s.readNode(customerID)
	if err != nil {
		return false, err
	}
	services, err := servicesNode(doc)
	if err != nil {
		return false, fmt.Errorf("manifest for %s: %w", customerID, err)
	}
	i := keyIndex(services, name)
	if i < 0 {
		return false, nil
	}
	services.Content = append(services.Content[:i], services.Content[i+2:]...)
	if err := s.writeNode(customerID, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) readNode(customerID string) (*yaml.Node, error) {
	data, err := s.Read(customerID)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", customerID, err)
	}
	return &doc, nil
}

func (s *FileStore) writeNode(customerID string, doc *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode manifest for %s: %w", customerID, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode manifest for %s: %w", customerID, err)
	}
	if err := platform.WriteFileAtomic(s.Path(customerID), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write manifest for %s: %w", customerID, err)
	}
	return nil
}

func servicesNode(doc *yaml.Node) (*yaml.Node, error) {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, errors.New("empty document")
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("document is not a mapping")
	}
	i := keyIndex(root, "services")
	if i < 0 {
		return nil, errors.New("no services section")
	}
	services := root.Content[i+1]
	if services.Kind != yaml.MappingNode {
		return nil, errors.New("services is not a mapping")
	}
	return services, nil
}

// keyIndex returns the index of key's key node in a mapping, or -1.
func keyIndex(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}

package catalog

// defaultCatalog is used when no catalog file is configured.
const defaultCatalog = `
shared:
  - name: etim
    port: 8601
  - name: eclass
    port: 8602
  - name: ocr
    port: 8610
  - name: vision
    port: 8611
connectors:
  - name: etim
    kind: shared
    category: data-source
  - name: eclass
    kind: shared
    category: data-source
  - name: ocr
    kind: shared
    category: ai-model
  - name: vision
    kind: shared
    category: ai-model
  - name: postgres
    kind: sidecar
    category: data-source
    image: ghcr.io/0711-os/connector-postgres:latest
    offset: 30
    container_port: 8080
  - name: sharepoint
    kind: sidecar
    category: data-source
    image: ghcr.io/0711-os/connector-sharepoint:latest
    offset: 31
    container_port: 8080
  - name: sftp
    kind: sidecar
    category: data-source
    image: ghcr.io/0711-os/connector-sftp:latest
    offset: 32
    container_port: 8080
  - name: shopify
    kind: sidecar
    category: output
    image: ghcr.io/0711-os/connector-shopify:latest
    offset: 40
    container_port: 8080
  - name: openai
    kind: api
    category: ai-model
  - name: hubspot
    kind: api
    category: output
  - name: salesforce
    kind: api
    category: data-source
`

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse([]byte(defaultCatalog))
	if err != nil {
		panic("catalog: invalid built-in catalog: " + err.Error())
	}
	return c
}

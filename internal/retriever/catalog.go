package retriever

import (
	"encoding/json"
	"fmt"
	"os"
)

// Catalog maps datapoint IDs to the chunk text and source document they
// came from. The vector index itself only stores vectors and IDs; the
// catalog file is produced alongside the index by the ingestion tooling.
type Catalog struct {
	entries map[string]catalogEntry
}

type catalogEntry struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// LoadCatalog reads a passage catalog from a JSON file of the form
// {"<datapoint-id>": {"text": "...", "source": "kb/pricing.md"}, ...}.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read passage catalog: %w", err)
	}

	var entries map[string]catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse passage catalog: %w", err)
	}

	return &Catalog{entries: entries}, nil
}

// Snippet returns the chunk text for a datapoint ID, or "" if unknown.
func (c *Catalog) Snippet(id string) string {
	if c == nil {
		return ""
	}
	return c.entries[id].Text
}

// Source returns the source document for a datapoint ID, or "" if unknown.
func (c *Catalog) Source(id string) string {
	if c == nil {
		return ""
	}
	return c.entries[id].Source
}

// Len returns the number of cataloged passages.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

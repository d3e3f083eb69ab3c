// internal/bridge/mapping.go
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/switchboard/internal/types"
)

type mappingFile struct {
	Mappings []types.ChannelMapping `json:"mappings"`
}

// loadMappings reads the transport's mapping file. A missing file is not an
// error; the bridge starts with no mappings.
func loadMappings(path string) (map[string]types.ChannelMapping, error) {
	mappings := make(map[string]types.ChannelMapping)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mappings, nil
		}
		return mappings, fmt.Errorf("read mappings: %w", err)
	}
	var file mappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return mappings, fmt.Errorf("parse mappings: %w", err)
	}
	for _, m := range file.Mappings {
		mappings[m.ExternalID] = m
	}
	return mappings, nil
}

// saveMappings writes the mapping set atomically via tmp+rename.
func saveMappings(path string, mappings map[string]types.ChannelMapping) error {
	file := mappingFile{Mappings: make([]types.ChannelMapping, 0, len(mappings))}
	for _, m := range mappings {
		file.Mappings = append(file.Mappings, m)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create mappings dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write mappings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename mappings: %w", err)
	}
	return nil
}

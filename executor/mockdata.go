package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/studiobridge/connectorworker/discovery"
)

// canonicalMockNames are tried, in order, once an explicit path and project
// auto-discovery have both failed to locate mock data.
var canonicalMockNames = []string{"mock_data.json", "test_data.json"}

// resolveMockDataPath implements the fetch phase's three-tier lookup:
// an explicit path, then the project's own auto-discovered mock file, then
// the two canonical root-level names.
func resolveMockDataPath(explicit, projectRoot string, project discovery.ProjectRecord) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
	}
	if project.MockDataPath != "" {
		return project.MockDataPath
	}
	for _, name := range canonicalMockNames {
		candidate := filepath.Join(projectRoot, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// loadMockData reads a mock data file and normalizes it to a list of
// records per the three acceptable shapes: a bare list, an object with a
// "records" key, or any other object wrapped as a single-element list.
func loadMockData(path string) ([]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock data: %w", err)
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mock data: %w", err)
	}

	switch v := raw.(type) {
	case []interface{}:
		return toRecordList(v), nil
	case map[string]interface{}:
		if records, ok := v["records"]; ok {
			if list, ok := records.([]interface{}); ok {
				return toRecordList(list), nil
			}
		}
		return []map[string]interface{}{v}, nil
	default:
		return nil, fmt.Errorf("unsupported mock data shape")
	}
}

func toRecordList(items []interface{}) []map[string]interface{} {
	records := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			records = append(records, m)
		} else {
			records = append(records, map[string]interface{}{"data": item})
		}
	}
	return records
}

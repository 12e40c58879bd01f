// Package discovery crawls a project tree, statically parses Python source
// files with tree-sitter, and classifies discovered classes as adapters or
// data-clients, linking each adapter to its data-clients by generic type
// parameter.
package discovery

// ClassRecord describes a class found by static parsing.
type ClassRecord struct {
	ClassName   string   `json:"class_name"`
	ModulePath  string   `json:"module_path"`
	FilePath    string   `json:"file_path"`
	SourceType  string   `json:"source_type,omitempty"`
	BaseClasses []string `json:"base_classes"`
	Methods     []string `json:"methods"`
	Docstring   string   `json:"docstring,omitempty"`
	Category    string   `json:"category"`
	DataClients []string `json:"data_clients"`
}

// Categories a ClassRecord may be assigned.
const (
	CategoryAdapter    = "adapter"
	CategoryDataClient = "data_client"
)

// ProjectRecord describes project-level metadata gathered by the manifest
// scan.
type ProjectRecord struct {
	Path           string `json:"path"`
	Name           string `json:"name"`
	RuntimeVersion string `json:"runtime_version"`
	HasManifest    bool   `json:"has_manifest"`
	HasMockData    bool   `json:"has_mock_data"`
	MockDataPath   string `json:"mock_data_path,omitempty"`
}

// ManifestFilename is the recognized project manifest file.
const ManifestFilename = "pyproject.toml"

// MockDataFilenames lists recognized mock-data filenames, in lookup order.
var MockDataFilenames = []string{"mock_data.json", "test_data.json", ".mock_data.json"}

// candidateBaseIndicators are substrings of base-class leaf names that mark a
// top-level class as a discovery candidate; candidateMethodNames lists the
// public method names that do the same.
var candidateBaseIndicators = []string{"Connector", "DataSource", "DataClient"}

var candidateMethodNames = map[string]bool{
	"get_data":      true,
	"transform":     true,
	"index_data":    true,
	"post_to_index": true,
}

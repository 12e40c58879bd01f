package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// skipSubstrings are rejected wherever they appear in an absolute file path,
// not just as a full path segment — a directory like "my-venv" is skipped
// the same as "venv" itself.
var skipSubstrings = []string{
	"__pycache__", ".venv", "venv", "node_modules", "site-packages", ".git",
}

// shouldSkip applies the skip filter to an absolute file path: substring
// rejection, leading-underscore basenames, and "test" anywhere in the
// lowercased basename.
func shouldSkip(absPath string) bool {
	slashed := filepath.ToSlash(absPath)
	for _, substr := range skipSubstrings {
		if strings.Contains(slashed, substr) {
			return true
		}
	}

	base := filepath.Base(absPath)
	if strings.HasPrefix(base, "_") {
		return true
	}
	if strings.Contains(strings.ToLower(base), "test") {
		return true
	}
	return false
}

// Discoverer crawls a project root for adapter and data-client classes.
type Discoverer struct {
	projectRoot string
	logger      *slog.Logger
}

// New returns a Discoverer rooted at projectRoot.
func New(projectRoot string, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{projectRoot: projectRoot, logger: logger}
}

// DiscoverProject gathers project-level metadata via the manifest scan.
func (d *Discoverer) DiscoverProject(runtimeVersion string) ProjectRecord {
	rec := ProjectRecord{
		Path:           d.projectRoot,
		Name:           filepath.Base(d.projectRoot),
		RuntimeVersion: runtimeVersion,
	}

	if _, err := os.Stat(filepath.Join(d.projectRoot, ManifestFilename)); err == nil {
		rec.HasManifest = true
	}

	for _, name := range MockDataFilenames {
		candidate := filepath.Join(d.projectRoot, name)
		if _, err := os.Stat(candidate); err == nil {
			rec.HasMockData = true
			rec.MockDataPath = candidate
			break
		}
	}

	return rec
}

// DiscoverClasses crawls the canonical search roots, parses every
// surviving .py file, classifies candidates, and links adapters to their
// data-clients. The returned slice contains only adapter records.
func (d *Discoverer) DiscoverClasses(ctx context.Context) ([]ClassRecord, error) {
	adapters, _, err := d.crawl(ctx)
	return adapters, err
}

// DiscoverDataClients crawls the project the same way DiscoverClasses does
// but returns the data-client records instead of adapters. Used by the
// executor's real-data fetch path when a linked data-client must be loaded
// independently of the adapter list already on hand.
func (d *Discoverer) DiscoverDataClients(ctx context.Context) ([]ClassRecord, error) {
	_, dataClients, err := d.crawl(ctx)
	return dataClients, err
}

// crawl walks the canonical search roots once and returns both adapter and
// data-client records, categorized and linked.
func (d *Discoverer) crawl(ctx context.Context) (adapters, dataClients []ClassRecord, err error) {
	searchRoots := []string{
		d.projectRoot,
		filepath.Join(d.projectRoot, "src"),
		filepath.Join(d.projectRoot, "connectors"),
	}

	parser := newClassParser(d.projectRoot)

	var all []ClassRecord
	seen := make(map[[2]string]bool)

	for _, root := range searchRoots {
		info, statErr := os.Stat(root)
		if statErr != nil || !info.IsDir() {
			continue
		}

		walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if info.IsDir() {
				return nil
			}
			if !strings.HasSuffix(path, ".py") {
				return nil
			}
			if shouldSkip(path) {
				return nil
			}

			records, parseErr := parser.parseFile(ctx, path)
			if parseErr != nil {
				d.logger.Debug("skipping unparseable file", "path", path, "error", parseErr)
				return nil
			}

			for _, rec := range records {
				key := [2]string{rec.FilePath, rec.ClassName}
				if seen[key] {
					continue
				}
				seen[key] = true
				all = append(all, rec)
			}
			return nil
		})
		if walkErr != nil {
			return nil, nil, fmt.Errorf("crawl %s: %w", root, walkErr)
		}
	}

	adapters, dataClients = categorizeAndLink(all)
	return adapters, dataClients, nil
}

// categorizeAndLink applies the classification rule and links adapters to
// their data-clients by source_type.
func categorizeAndLink(all []ClassRecord) (adapters, dataClients []ClassRecord) {
	for _, rec := range all {
		if hasIndicator(rec.BaseClasses, "DataClient") {
			rec.Category = CategoryDataClient
			dataClients = append(dataClients, rec)
			continue
		}
		rec.Category = CategoryAdapter
		adapters = append(adapters, rec)
	}

	clientsBySourceType := make(map[string][]string)
	for _, dc := range dataClients {
		if dc.SourceType == "" {
			continue
		}
		clientsBySourceType[dc.SourceType] = append(clientsBySourceType[dc.SourceType], dc.ClassName)
	}

	for i := range adapters {
		if names, ok := clientsBySourceType[adapters[i].SourceType]; ok {
			adapters[i].DataClients = names
		}
	}

	return adapters, dataClients
}

func hasIndicator(baseClasses []string, indicator string) bool {
	for _, base := range baseClasses {
		if strings.Contains(base, indicator) {
			return true
		}
	}
	return false
}

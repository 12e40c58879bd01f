package executor

import "github.com/studiobridge/connectorworker/rpcwire"

// excludedFromMetadata are the input keys simulation mode maps directly onto
// canonical output fields and therefore excludes from the metadata catch-all.
var excludedFromMetadata = map[string]bool{
	"id": true, "title": true, "body": true, "content": true, "name": true, "url": true,
}

// simulateTransform maps a record to the canonical {id, title, body, url,
// metadata} shape when no adapter instance could be constructed.
func simulateTransform(input map[string]interface{}) map[string]interface{} {
	output := map[string]interface{}{
		"id":    firstNonNil(input, "id"),
		"title": firstNonNil(input, "title", "name"),
		"body":  firstNonNil(input, "body", "content"),
		"url":   firstNonNil(input, "url"),
	}

	metadata := make(map[string]interface{})
	for k, v := range input {
		if !excludedFromMetadata[k] {
			metadata[k] = v
		}
	}
	output["metadata"] = metadata
	return output
}

func firstNonNil(input map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := input[k]; ok && v != nil {
			return v
		}
	}
	return ""
}

// detectFieldMappings finds input keys whose value equals an output value
// (top-level or nested under metadata) and is non-nil, emitting one mapping
// per match. Duplicates are allowed.
func detectFieldMappings(input, output map[string]interface{}) []rpcwire.FieldMapping {
	var mappings []rpcwire.FieldMapping

	for outKey, outVal := range output {
		if outKey == "metadata" {
			metadata, ok := outVal.(map[string]interface{})
			if !ok {
				continue
			}
			for metaKey, metaVal := range metadata {
				for inKey, inVal := range input {
					if valuesEqual(inVal, metaVal) {
						mappings = append(mappings, rpcwire.FieldMapping{
							SourceField: inKey,
							TargetField: "metadata." + metaKey,
						})
					}
				}
			}
			continue
		}

		for inKey, inVal := range input {
			if valuesEqual(inVal, outVal) {
				mappings = append(mappings, rpcwire.FieldMapping{
					SourceField: inKey,
					TargetField: outKey,
				})
			}
		}
	}

	return mappings
}

// valuesEqual compares two decoded-JSON values for equality, treating maps
// and slices (which Go cannot compare with ==) as always unequal — matching
// values in this pipeline are always scalars (ids, titles, urls).
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	switch a.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	switch b.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return a == b
}

package pybridge

import (
	"fmt"
	"os"
	"strings"
)

// urlEnvCandidates are tried in order for any constructor parameter whose
// name suggests a URL.
var urlEnvCandidates = []string{"BASE_URL", "DEV_DOCS_BASE_URL", "API_URL", "SITE_URL"}

// LoadClass imports the module at filePath (passed to the bridge as given,
// not resolved against projectRoot; projectRoot and projectRoot/src are added
// to the bridge's import path) and returns a handle to the named class,
// usable by Instantiate and ConstructorParams.
func (b *Bridge) LoadClass(projectRoot, filePath, modulePath, className string) (string, error) {
	var out struct {
		ClassHandle string `json:"class_handle"`
	}
	err := b.Call("load", map[string]interface{}{
		"project_root": projectRoot,
		"file_path":    filePath,
		"module_path":  modulePath,
		"class_name":   className,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ClassHandle, nil
}

// ConstructorParams returns the constructor's parameter names (excluding the
// receiver), used by the second instantiation strategy.
func (b *Bridge) ConstructorParams(classHandle string) ([]string, error) {
	var out struct {
		Params []string `json:"params"`
	}
	if err := b.Call("constructor_params", map[string]interface{}{"class_handle": classHandle}, &out); err != nil {
		return nil, err
	}
	return out.Params, nil
}

// Instantiate attempts the three ordered heuristic strategies in §4.3:
// no-args, env-populated kwargs, then all-nil kwargs. It returns the handle
// of the first instance constructed without error, or "" with ok=false if
// every strategy failed.
func (b *Bridge) Instantiate(classHandle string) (handle string, ok bool) {
	if h, err := b.instantiateWith(classHandle, nil); err == nil {
		return h, true
	}

	params, err := b.ConstructorParams(classHandle)
	if err == nil && len(params) > 0 {
		kwargs := buildEnvKwargs(params)
		if len(kwargs) > 0 {
			if h, err := b.instantiateWith(classHandle, kwargs); err == nil {
				return h, true
			}
		}

		allNil := make(map[string]interface{}, len(params))
		for _, p := range params {
			allNil[p] = nil
		}
		if h, err := b.instantiateWith(classHandle, allNil); err == nil {
			return h, true
		}
	}

	return "", false
}

func (b *Bridge) instantiateWith(classHandle string, kwargs map[string]interface{}) (string, error) {
	var out struct {
		InstanceHandle string `json:"instance_handle"`
	}
	err := b.Call("instantiate", map[string]interface{}{
		"class_handle": classHandle,
		"kwargs":       kwargs,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.InstanceHandle, nil
}

// buildEnvKwargs resolves each constructor parameter against the process
// environment per the Loader's second strategy: the upper-cased parameter
// name first, then a URL-like fallback chain for parameters whose name
// suggests a URL, then a null value for logger-like parameters.
func buildEnvKwargs(params []string) map[string]interface{} {
	kwargs := make(map[string]interface{})
	for _, name := range params {
		upper := strings.ToUpper(name)
		if v, ok := os.LookupEnv(upper); ok {
			kwargs[name] = v
			continue
		}

		lower := strings.ToLower(name)
		if strings.Contains(lower, "url") || strings.Contains(lower, "base_url") {
			if v, ok := firstSetEnv(urlEnvCandidates); ok {
				kwargs[name] = v
				continue
			}
		}

		if strings.Contains(lower, "logger") {
			kwargs[name] = nil
		}
	}
	return kwargs
}

func firstSetEnv(names []string) (string, bool) {
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok {
			return v, true
		}
	}
	return "", false
}

// InstantiateWithDataClient constructs an adapter instance via
// cls(name, data_client), where data_client is an already-instantiated
// bridge handle.
func (b *Bridge) InstantiateWithDataClient(classHandle, name, dataClientHandle string) (string, error) {
	var out struct {
		InstanceHandle string `json:"instance_handle"`
	}
	err := b.Call("instantiate_with_data_client", map[string]interface{}{
		"class_handle":       classHandle,
		"name":               name,
		"data_client_handle": dataClientHandle,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.InstanceHandle, nil
}

// InstantiateWithMockClient constructs an adapter instance via
// cls(name, mock), where mock is a bridge-internal stand-in data-client
// whose get_data yields an empty stream.
func (b *Bridge) InstantiateWithMockClient(classHandle, name string) (string, error) {
	var out struct {
		InstanceHandle string `json:"instance_handle"`
	}
	err := b.Call("instantiate_with_mock_client", map[string]interface{}{
		"class_handle": classHandle,
		"name":         name,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.InstanceHandle, nil
}

// ConfigurationName returns the class-level configuration.name attribute, if
// present, used when constructing an adapter with (name, data_client).
func (b *Bridge) ConfigurationName(classHandle string) (string, bool) {
	var out struct {
		Name *string `json:"name"`
	}
	if err := b.Call("configuration_name", map[string]interface{}{"class_handle": classHandle}, &out); err != nil {
		return "", false
	}
	if out.Name == nil {
		return "", false
	}
	return *out.Name, true
}

// IterStart calls the named zero-argument method on an instance and
// materializes its produced records (sync or async) into an iterator
// handle, accepting whichever shape the method produced.
func (b *Bridge) IterStart(instanceHandle, method string) (handle string, count int, err error) {
	var out struct {
		IterHandle string `json:"iter_handle"`
		Count      int    `json:"count"`
	}
	err = b.Call("iter_start", map[string]interface{}{
		"instance_handle": instanceHandle,
		"method":          method,
	}, &out)
	if err != nil {
		return "", 0, err
	}
	return out.IterHandle, out.Count, nil
}

// IterNext retrieves the record at index from a materialized iterator.
func (b *Bridge) IterNext(iterHandle string, index int) (record map[string]interface{}, done bool, err error) {
	var out struct {
		Done   bool                   `json:"done"`
		Record map[string]interface{} `json:"record"`
	}
	if err := b.Call("iter_next", map[string]interface{}{
		"iter_handle": iterHandle,
		"index":       index,
	}, &out); err != nil {
		return nil, false, err
	}
	return out.Record, out.Done, nil
}

// TransformOne calls instance.transform([record]) and returns the
// normalized first output element, or an error describing the exception
// raised inside user code. The output is nil when the instance has no
// transform method or transform produced no output.
func (b *Bridge) TransformOne(instanceHandle string, record map[string]interface{}) (map[string]interface{}, error) {
	var out struct {
		Output map[string]interface{} `json:"output"`
	}
	if err := b.Call("transform_one", map[string]interface{}{
		"instance_handle": instanceHandle,
		"record":          record,
	}, &out); err != nil {
		return nil, err
	}
	return out.Output, nil
}

// Ping verifies the bridge process is responsive.
func (b *Bridge) Ping() error {
	var out struct {
		Status string `json:"status"`
	}
	if err := b.Call("ping", map[string]interface{}{}, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("bridge ping: unexpected status %q", out.Status)
	}
	return nil
}

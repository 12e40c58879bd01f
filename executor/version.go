package executor

import "runtime"

// runtimeVersion reports the worker's own Go runtime version, standing in
// for the original's interpreter version field in ProjectRecord.
func runtimeVersion() string {
	return runtime.Version()
}

package dispatcher

import "os"

// currentParentPID reports the OS parent process id. Factored out of
// watchdog's ticker loop so it reads as the single cross-platform liveness
// check the design note calls for.
func currentParentPID() int {
	return os.Getppid()
}

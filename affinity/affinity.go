// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. The busy-polling reactor offers to
// pin its loop thread; callers must hold runtime.LockOSThread before pinning.

package affinity

// SetAffinity pins the current OS thread to a given logical CPU on supported
// platforms. On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

//go:build linux

package hardening

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setNice sets the niceness of the calling thread. The raw getpriority
// syscall reports 20 - nice.
func setNice(nice int) (func() error, error) {
	tid := unix.Gettid()
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return nil, fmt.Errorf("getpriority: %w", err)
	}
	prev := 20 - prio
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		return nil, fmt.Errorf("setpriority %d: %w", nice, err)
	}
	return func() error {
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, prev); err != nil {
			return fmt.Errorf("restore priority %d: %w", prev, err)
		}
		return nil
	}, nil
}

func setAffinity(cpus []int) (func() error, error) {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	for _, c := range cpus {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_setaffinity %v: %w", cpus, err)
	}
	return func() error {
		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			return fmt.Errorf("restore affinity: %w", err)
		}
		return nil
	}, nil
}

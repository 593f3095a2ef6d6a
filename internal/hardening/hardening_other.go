//go:build !linux

package hardening

import "fmt"

func setNice(int) (func() error, error) {
	return nil, fmt.Errorf("nice: %w", ErrUnsupported)
}

func setAffinity([]int) (func() error, error) {
	return nil, fmt.Errorf("affinity: %w", ErrUnsupported)
}

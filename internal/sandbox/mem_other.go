//go:build !linux

package sandbox

import "errors"

// darwin and the BSDs report ru_maxrss in bytes.
const maxrssUnit = 1

var errNoMemorySampling = errors.New("memory sampling is not supported on this platform")

func limitAddressSpace(int, int64) error { return errNoMemorySampling }

func residentBytes(int) (int64, error) { return 0, errNoMemorySampling }

//go:build linux

package weblounge

import (
	"bytes"
	"os"
	"strconv"
)

// processRSSBytes returns the resident set size of the process. ok is false
// when /proc cannot be read.
func processRSSBytes() (rss uint64, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

//go:build !linux

package weblounge

func processRSSBytes() (uint64, bool) { return 0, false }

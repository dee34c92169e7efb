//go:build linux

package main

import "golang.org/x/sys/unix"

// lockMemory pins every current and future page in RAM.
func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

package klog

import (
	"fmt"
	"strings"
)

// Level orders messages by importance; lower is more important.
type Level int32

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelVerbose
	LevelDebug
)

var levelNames = [...]string{"ERROR", "WARNING", "INFO", "VERBOSE", "DEBUG"}

func (l Level) String() string {
	if l >= LevelError && l <= LevelDebug {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// ParseLevel accepts the level names in any case ("warn" is Warning).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "", "info":
		return LevelInfo, nil
	case "verbose":
		return LevelVerbose, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("klog: unknown level %q", s)
}

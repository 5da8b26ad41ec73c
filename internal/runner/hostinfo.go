package runner

import (
	"os"
	"runtime"
)

func currentOS() string   { return runtime.GOOS }
func currentArch() string { return runtime.GOARCH }

func hostnameBestEffort() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

package main

import (
	"errors"
	"os"

	"github.com/aristath/taskengine/internal/orchestrator"
)

// Exit codes
const (
	exitOK         = 0
	exitError      = 1
	exitIncomplete = 2 // The run finished but some tasks failed, were blocked or cancelled
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var incomplete *orchestrator.IncompleteError
	if errors.As(err, &incomplete) {
		return exitIncomplete
	}
	return exitError
}

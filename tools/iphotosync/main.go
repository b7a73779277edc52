package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/HenningUe/iphoto-downloader/tools/iphotosync/cmd"
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cmd.ErrConfig):
		return 1
	case errors.Is(err, cmd.ErrAuthFailed):
		return 2
	case errors.Is(err, cmd.ErrInstanceLocked):
		return 3
	case errors.Is(err, cmd.ErrTrackerFatal):
		return 4
	case errors.Is(err, cmd.ErrInterrupted):
		return 5
	default:
		return 1
	}
}

func main() {
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// Command licence-agent runs the installation side of licensing: it activates
// this device, reports the current verdict and keeps the cached licence in
// step with the registry.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command licencectl administers the licence registry directly against its
// database: issuing keys, listing them and changing their status.
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

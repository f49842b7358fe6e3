// Command ctreduce reduces a camera-trap CSV offline and prints the batch
// outcome.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

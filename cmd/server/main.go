// Command voice-gateway answers insurance claims calls over a telephony
// media stream.
//
// Usage:
//
//	voice-gateway serve
//	voice-gateway search [--phone NUMBER] <keywords...>
//
// Configuration is read from the environment and an optional .env file.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command abrsim replays a bandwidth trace against a format ladder and
// reports how a selection strategy performs.
//
// Usage:
//
//	abrsim run --ladder ladder.yaml --trace trace.yaml --strategy buffer
//	abrsim run --ladder ladder.yaml --bandwidth 3000000 --filter "height <= 720"
package main

import (
	"os"

	"github.com/thesyncim/abr/cmd/abrsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

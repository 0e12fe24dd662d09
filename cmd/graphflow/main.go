// graphflow loads graph descriptions and runs them.
//
// Usage:
//
//	graphflow validate graph.yaml
//	graphflow layers graph.hcl --var rounds=3
//	graphflow run graph.yaml --input "draft text" --worker draft='llm-cli --stream'
//	graphflow runs --store sqlite --dsn graphflow.db
//	graphflow resume graph.yaml <run-id> --store sqlite --dsn graphflow.db
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

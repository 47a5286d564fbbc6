package main

import (
	"fmt"
	"os"

	"github.com/danmuck/rigsync/internal/logging"
	"github.com/danmuck/rigsync/internal/observability"
)

func main() {
	logging.ConfigureRuntime()
	observability.RegisterMetrics()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rigsync: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esmgraph",
		Short: "esmgraph - load and inspect ECMAScript module graphs",
		Long: `esmgraph loads an ECMAScript module and everything it statically
imports into a module registry, then prints the resulting graph or
round-trips its snapshot through a local store.`,
	}

	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(snapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// The flank command inspects and benchmarks flank trees.
//
// The schema of the trees is taken from --schema or, when the flag is not
// given, from the FLANK_SCHEMA environment variable. Variables are also read
// from a .env file in the working directory if one exists.
package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tsindex/flank/tool"
)

var rootCmd = &cobra.Command{
	Use:   "flank [command] (flags)",
	Short: "flank introspection and benchmarking tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	// A missing .env file is not an error.
	_ = godotenv.Load(".env")

	cobra.EnableCommandSorting = false
	t := tool.New(tool.DefaultSchema(os.Getenv("FLANK_SCHEMA")))
	rootCmd.AddCommand(t.Commands...)
	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}

/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmlivestream/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:   "kwmlivestreamd",
	Short: "Livestream transport negotiation service",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(2)
	},
}

// CommandVersion provides the version command.
func CommandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version    : %s\n", version.Version)
			fmt.Printf("Build date : %s\n", version.BuildDate)
			fmt.Printf("Built with : %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colock/colock/cmd/lock"
	"github.com/colock/colock/cmd/serve"
	"github.com/colock/colock/cmd/util"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "colock",
		Short: "cooperative lock server for collaborative editing",
		Long: fmt.Sprintf(`colock (v%s)

A lease-based lock service for collaborative editing. Resources are
locked per user and browser tab, leases expire on their own, and stale
locks are swept server-side so an abandoned tab never blocks an editor.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of colock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("colock v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

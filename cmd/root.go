package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSync/cmd/discover"
	"github.com/ValentinKolb/dSync/cmd/serve"
	"github.com/ValentinKolb/dSync/cmd/session"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsync",
		Short: "replicated document sync",
		Long: fmt.Sprintf(`dSync (v%s)

Keeps replicated documents in sync between clients through websocket relays,
with automatic reconnects, endpoint failover and a same-host broadcast bus.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSync v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(session.SyncCmd)
	RootCmd.AddCommand(discover.DiscoverCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

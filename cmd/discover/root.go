package discover

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/discovery"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DiscoverCmd lists the relays announced on the local network
var DiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find dSync relays on the local network",
	Long:  `Browse the local network via mDNS for announced dSync relays and print their websocket endpoints.`,
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

func init() {
	cobra.OnInitialize(util.InitConfig)

	DiscoverCmd.Flags().Duration("timeout", 3*time.Second, util.WrapString("How long to browse"))
	DiscoverCmd.Flags().String("mdns-service", discovery.DefaultService, util.WrapString("mDNS service type to browse for"))
	DiscoverCmd.Flags().String("log-level", "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	endpoints, err := discovery.Browse(ctx, viper.GetString("mdns-service"))
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Println("(no relays found)")
		return nil
	}
	for _, ep := range endpoints {
		fmt.Printf("%s\t%s\t%s\n", ep.URL, ep.Instance, ep.ServerID)
	}
	return nil
}

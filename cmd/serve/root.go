package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/discovery"
	"github.com/ValentinKolb/dSync/provider/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.DefaultRelayConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dSync relay",
		Long:    `Start the dSync relay with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSYNC_<flag> (e.g. DSYNC_REDIS_ADDR=localhost:6379)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultRelayConfig()

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, defaults.Endpoint, cmdUtil.WrapString("The address on which the relay will listen (e.g. 0.0.0.0:1234)"))

	key = "server-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ServerID identifies this relay on the redis bus (default: generated)"))

	key = "redis-addr"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of a redis server used to fan out updates between relays (empty disables)"))

	key = "redis-prefix"
	ServeCmd.PersistentFlags().String(key, defaults.RedisPrefix, cmdUtil.WrapString("Prefix of the redis channel of each room"))

	key = "mdns"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Announce the relay on the local network via mDNS"))

	key = "mdns-service"
	ServeCmd.PersistentFlags().String(key, discovery.DefaultService, cmdUtil.WrapString("mDNS service type to announce"))

	key = "send-buffer"
	ServeCmd.PersistentFlags().Int(key, defaults.SendBuffer, cmdUtil.WrapString("Frames queued per connection before a slow client is dropped"))

	key = "write-timeout"
	ServeCmd.PersistentFlags().Duration(key, defaults.WriteTimeout, cmdUtil.WrapString("Timeout of a single websocket write"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the relay configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.ServerID = viper.GetString("server-id")
	serveCmdConfig.RedisAddr = viper.GetString("redis-addr")
	serveCmdConfig.RedisPrefix = viper.GetString("redis-prefix")
	serveCmdConfig.SendBuffer = viper.GetInt("send-buffer")
	serveCmdConfig.WriteTimeout = viper.GetDuration("write-timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	if viper.GetBool("mdns") {
		serveCmdConfig.MDNSService = viper.GetString("mdns-service")
	}

	if serveCmdConfig.ServerID == "" {
		serveCmdConfig.ServerID = common.NewClientID()
	}

	// validate early so a typo does not start a relay
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	if serveCmdConfig.MDNSService != "" {
		if _, err := discovery.ListenPort(serveCmdConfig.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// run starts the relay and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	relay.Logger.Infof(serveCmdConfig.String())

	hub, err := relay.NewHub(serveCmdConfig)
	if err != nil {
		return err
	}
	defer hub.Close()

	if serveCmdConfig.MDNSService != "" {
		port, _ := discovery.ListenPort(serveCmdConfig.Endpoint)
		reg, err := discovery.Register(serveCmdConfig.ServerID, serveCmdConfig.MDNSService, serveCmdConfig.ServerID, port)
		if err != nil {
			return err
		}
		defer reg.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return hub.ListenAndServe(ctx)
}

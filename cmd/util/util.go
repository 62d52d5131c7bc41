package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/provider/common"
	"github.com/ValentinKolb/dSync/provider/discovery"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and maps DSYNC_<FLAG> environment variables
// onto the flags (e.g. DSYNC_LOG_LEVEL=debug)
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupProviderFlags adds the connection flags of a sync client to a command
func SetupProviderFlags(cmd *cobra.Command) {
	defaults := common.DefaultProviderConfig()

	key := "endpoints"
	cmd.PersistentFlags().String(key, "ws://localhost:1234", WrapString("Comma-separated list of relay endpoints. The first one is used initially, the others are failover targets"))

	key = "room"
	cmd.PersistentFlags().String(key, "default", WrapString("Name of the shared document"))

	key = "params"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated query parameters sent to the relay (e.g. token=secret,user=bob)"))

	key = "discover"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Browse the local network for relays for this long and use them as endpoints (0 disables)"))

	key = "mdns-service"
	cmd.PersistentFlags().String(key, discovery.DefaultService, WrapString("mDNS service type to browse for"))

	key = "message-timeout"
	cmd.PersistentFlags().Duration(key, defaults.MessageTimeout, WrapString("Close the connection if nothing was received for this long"))

	key = "max-backoff"
	cmd.PersistentFlags().Duration(key, defaults.MaxBackoff, WrapString("Upper bound of the reconnect delay"))

	key = "reconnect-attempts"
	cmd.PersistentFlags().Int(key, defaults.MaxReconnectAttempts, WrapString("Automatic reconnects after a connection loss before giving up"))

	key = "resync-interval"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Re-send the state vector periodically (0 disables)"))

	key = "health-interval"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Probe all endpoints periodically and switch to the fastest (0 disables)"))

	key = "latency-threshold"
	cmd.PersistentFlags().Duration(key, defaults.LatencyThreshold, WrapString("Maximal probe latency of a failover target"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetProviderConfig reads the provider configuration from viper. If the
// discover flag is set the endpoints found on the local network replace the
// configured ones.
func GetProviderConfig() (common.ProviderConfig, error) {
	conf := common.DefaultProviderConfig()
	conf.Room = viper.GetString("room")
	conf.Endpoints = splitList(viper.GetString("endpoints"))
	conf.MessageTimeout = viper.GetDuration("message-timeout")
	conf.MaxBackoff = viper.GetDuration("max-backoff")
	conf.MaxReconnectAttempts = viper.GetInt("reconnect-attempts")
	conf.ResyncInterval = viper.GetDuration("resync-interval")
	conf.HealthCheckInterval = viper.GetDuration("health-interval")
	conf.LatencyThreshold = viper.GetDuration("latency-threshold")

	for _, param := range splitList(viper.GetString("params")) {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			return conf, fmt.Errorf("invalid parameter format: %s (expected KEY=VALUE)", param)
		}
		conf.Params[key] = value
	}

	if d := viper.GetDuration("discover"); d > 0 {
		endpoints, err := DiscoverEndpoints(viper.GetString("mdns-service"), d)
		if err != nil {
			return conf, err
		}
		if len(endpoints) == 0 {
			return conf, fmt.Errorf("no relays found on the local network")
		}
		conf.Endpoints = endpoints
	}

	return conf, conf.Validate()
}

// DiscoverEndpoints browses the local network for relays for d
func DiscoverEndpoints(service string, d time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	found, err := discovery.Browse(ctx, service)
	if err != nil {
		return nil, err
	}
	return discovery.URLs(found), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

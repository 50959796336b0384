package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// session server's components. Values are fixed at process start.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	GatewayServer struct {
		// Port on which the websocket gateway will listen.
		Port int `mapstructure:"port"`
		// Interval between keepalive pings to each client.
		PingInterval time.Duration `mapstructure:"ping_interval"`
		// A connection with no inbound traffic for this long is dropped.
		ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
		// Write deadline applied to each outbound frame.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"gateway_server"`

	Session struct {
		// Maximum number of entries buffered for a disconnected player.
		MessageQueueMaxSize int `mapstructure:"message_queue_max_size"`
		// How long a recovery token remains redeemable after a disconnect.
		RecoveryTokenTTL time.Duration `mapstructure:"recovery_token_ttl"`
		// How long an emptied room lingers before teardown.
		RoomCleanupGracePeriod time.Duration `mapstructure:"room_cleanup_grace_period"`
		// Number of snapshots retained per game, oldest evicted first.
		SnapshotHistoryDepth int `mapstructure:"snapshot_history_depth"`
		// Number of versions a delta is retained for incremental sync.
		DeltaRetentionWindow int `mapstructure:"delta_retention_window"`
	} `mapstructure:"session"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		// Port on which the Prometheus metrics endpoint will be served.
		Port int    `mapstructure:"port"`
		Path string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log full event payloads to stdout.
		EventLoggingEnabled bool `mapstructure:"event_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "PARLOR"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, session.recovery_token_ttl can be set using:
	// <envVarPrefix>_SESSION_RECOVERY_TOKEN_TTL
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	applyDefaults(config)
	return config
}

func applyDefaults(c *Config) {
	if c.MaxConnections == 0 {
		c.MaxConnections = 5000
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = "info"
	}
	if c.GatewayServer.PingInterval == 0 {
		c.GatewayServer.PingInterval = 30 * time.Second
	}
	if c.GatewayServer.ActivityTimeout == 0 {
		c.GatewayServer.ActivityTimeout = 2 * time.Minute
	}
	if c.GatewayServer.WriteTimeout == 0 {
		c.GatewayServer.WriteTimeout = 10 * time.Second
	}
	if c.Session.MessageQueueMaxSize == 0 {
		c.Session.MessageQueueMaxSize = 100
	}
	if c.Session.RecoveryTokenTTL == 0 {
		c.Session.RecoveryTokenTTL = 2 * time.Minute
	}
	if c.Session.RoomCleanupGracePeriod == 0 {
		c.Session.RoomCleanupGracePeriod = 5 * time.Minute
	}
	if c.Session.SnapshotHistoryDepth == 0 {
		c.Session.SnapshotHistoryDepth = 100
	}
	if c.Session.DeltaRetentionWindow == 0 {
		c.Session.DeltaRetentionWindow = 50
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// GatewayAddress returns the host:port the websocket gateway listens on.
func (c *Config) GatewayAddress() string {
	return fmt.Sprintf("%s:%v", c.Hostname, c.GatewayServer.Port)
}

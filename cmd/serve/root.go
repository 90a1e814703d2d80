package serve

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/colock/colock/cmd/util"
	"github.com/colock/colock/lib/lease"
	"github.com/colock/colock/rpc/common"
	"github.com/colock/colock/rpc/server"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the colock server",
		Long:    `Start the colock server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is COLOCK_<flag> (e.g. COLOCK_LEASE_MINUTES=60)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. 0.0.0.0:8080)"))

	key = "store"
	ServeCmd.PersistentFlags().String(key, "mem", cmdUtil.WrapString("Store backend for the lease state. One of: mem, redis"))

	key = "redis-addr"
	ServeCmd.PersistentFlags().String(key, "localhost:6379", cmdUtil.WrapString("(redis backend) Address of the Redis server"))

	key = "redis-db"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("(redis backend) Redis database number"))

	key = "lease-minutes"
	ServeCmd.PersistentFlags().Int(key, lease.DefaultLeaseMinutes, cmdUtil.WrapString("Default lease window in minutes"))

	key = "collections"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated per-collection lease overrides. Format: NAME=MINUTES (e.g. docs=60,notes=5)"))

	key = "allow-transfer"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether a user may take over their own lease from another tab"))

	key = "sweep-interval"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Minutes between background expiry sweeps (0 to disable)"))

	key = "sweep-older-than"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("Only sweep leases expired for at least this many minutes"))

	key = "admin-token"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Token required for force-unlock and cleanup operations (empty disables them)"))

	key = "rate-limit"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum requests per user per minute (0 for unlimited)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 10, cmdUtil.WrapString("Per-operation timeout in seconds"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.StoreBackend = common.StoreBackend(viper.GetString("store"))
	serveCmdConfig.RedisAddr = viper.GetString("redis-addr")
	serveCmdConfig.RedisDB = viper.GetInt("redis-db")
	serveCmdConfig.DefaultLeaseMinutes = viper.GetInt("lease-minutes")
	serveCmdConfig.AllowSameUserTransfer = viper.GetBool("allow-transfer")
	serveCmdConfig.SweepIntervalMinutes = viper.GetInt("sweep-interval")
	serveCmdConfig.SweepOlderThanMinutes = viper.GetInt("sweep-older-than")
	serveCmdConfig.AdminToken = viper.GetString("admin-token")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.RateLimitPerMinute = viper.GetInt("rate-limit")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse per-collection overrides
	if overrides := viper.GetString("collections"); overrides != "" {
		serveCmdConfig.Collections = make(map[string]common.CollectionConfig)
		for _, override := range strings.Split(overrides, ",") {
			parts := strings.Split(override, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid collection override format: %s (expected NAME=MINUTES)", override)
			}

			minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || minutes <= 0 {
				return fmt.Errorf("invalid lease minutes for collection %s: %s", parts[0], parts[1])
			}

			serveCmdConfig.Collections[strings.TrimSpace(parts[0])] = common.CollectionConfig{
				LeaseMinutes: minutes,
			}
		}
	}

	// configure logging
	return common.InitLoggers(serveCmdConfig)
}

// run starts the colock server
func run(_ *cobra.Command, _ []string) error {
	// create the store backend
	st, err := server.NewStore(*serveCmdConfig)
	if err != nil {
		return err
	}
	defer st.Close()

	// create the lease state machine on top of the store
	svc := lease.NewLockService(st, &lease.Options{
		DefaultLeaseMinutes: serveCmdConfig.DefaultLeaseMinutes,
		Logger:              common.GetLogger("lease"),
	})

	serv := server.NewLockServer(
		*serveCmdConfig,
		svc,
		server.NewUserRateLimiter(serveCmdConfig.RateLimitPerMinute),
	)

	// stop on SIGINT/SIGTERM, draining in-flight requests
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- serv.Serve() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return serv.Shutdown(shutdownCtx)
	}
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("colock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

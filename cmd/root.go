package cmd

import (
	"context"
	"fmt"
	"github.com/Kyu324/New-bot/guildkeeper"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = guildkeeper.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding log levels, which are decoded
// into *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"dispatcher.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "guildkeeper [flags]",
	Short: "Discord server management bot, with a management API",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names (ex: "INFO") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on
// SIGINT/SIGTERM/SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", guildkeeper.DefaultDatabase)
	viper.SetDefault("database_type", guildkeeper.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", guildkeeper.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", guildkeeper.DefaultDatabaseLogLevel.String())
	viper.SetDefault("runtime_config_ttl", guildkeeper.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", guildkeeper.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", guildkeeper.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildkeeper.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", guildkeeper.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		guildkeeper.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", guildkeeper.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", guildkeeper.DefaultDiscordStartupMessage)

	viper.SetDefault("dispatcher.log_level", guildkeeper.DefaultDispatcherLogLevel.String())

	// API config
	viper.SetDefault("api.listen", guildkeeper.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.require_auth", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", guildkeeper.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", guildkeeper.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", guildkeeper.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", guildkeeper.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", guildkeeper.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", guildkeeper.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", guildkeeper.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", guildkeeper.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", guildkeeper.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", guildkeeper.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", guildkeeper.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		guildkeeper.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(guildkeeper.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildkeeper.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load configuration from",
	)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/utils"
)

var cfgFile string

// Configuration keys, shared by flags, the config file and M365AUDIT_* environment variables
const (
	keyTenantID      = "tenant-id"
	keyClientID      = "client-id"
	keyClientSecret  = "client-secret"
	keyOutput        = "output"
	keyParallelism   = "parallelism"
	keyRulesDir      = "rules-dir"
	keyStaleDays     = "stale-days"
	keyDKIMSelectors = "dkim-selectors"
	keyDomains       = "domains"
	keyLogLevel      = "log-level"
	keyMetricsFile   = "metrics-file"
	keyNoColor       = "no-color"
	keyQuiet         = "quiet"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "m365audit",
	Short: "m365audit audits and investigates Microsoft 365 / Entra ID tenants.",
	Long: `m365audit pulls configuration and audit events from a Microsoft 365 tenant,
evaluates them against risk rules mapped to HIPAA, NIST and CIS controls, and
writes JSON, CSV, Markdown and HTML reports. It never changes the tenant.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupOutput()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		message.Critical("%v", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.m365audit.yaml)")
	flags.String(keyTenantID, "", "Entra ID tenant id")
	flags.String(keyClientID, "", "application (client) id for client-secret authentication")
	flags.String(keyClientSecret, "", "client secret; without it the default Azure credential chain is used")
	flags.StringP(keyOutput, "o", utils.DefaultOutputDirectory, "report output directory")
	flags.IntP(keyParallelism, "p", 4, "maximum concurrent source calls")
	flags.String(keyRulesDir, "", "directory of additional YAML rule files")
	flags.Int(keyStaleDays, 90, "days without sign-in after which an application is stale")
	flags.StringSlice(keyDKIMSelectors, nil, "extra DKIM selectors to probe besides selector1 and selector2")
	flags.StringSlice(keyDomains, nil, "domains to check for SPF, DMARC and DKIM (default: tenant verified domains)")
	flags.String(keyLogLevel, "warn", "log level (debug, info, warn, error)")
	flags.String(keyMetricsFile, "", "write run metrics in Prometheus text format to this file")
	flags.Bool(keyNoColor, false, "disable colored output")
	flags.BoolP(keyQuiet, "q", false, "suppress status messages")

	cobra.CheckErr(bindFlags(flags,
		keyTenantID, keyClientID, keyClientSecret, keyOutput, keyParallelism, keyRulesDir, keyStaleDays,
		keyDKIMSelectors, keyDomains, keyLogLevel, keyMetricsFile, keyNoColor, keyQuiet,
	))
}

// bindFlags binds each configuration key to the flag of the same name
func bindFlags(flags *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		flag := flags.Lookup(key)
		if flag == nil {
			return fmt.Errorf("no flag for configuration key %q", key)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".m365audit" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".m365audit")
	}

	viper.SetEnvPrefix("M365AUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setupOutput() error {
	level, err := logs.ParseLevel(viper.GetString(keyLogLevel))
	if err != nil {
		return err
	}
	noColor := viper.GetBool(keyNoColor)
	logs.ConsoleLogger(level, noColor)
	message.SetNoColor(noColor)
	message.SetQuiet(viper.GetBool(keyQuiet))
	slog.Debug("configuration loaded", "config", viper.ConfigFileUsed(), "output", viper.GetString(keyOutput))
	return nil
}

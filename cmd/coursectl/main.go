package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagBackendURL        = "backend-url"
	flagBearerToken       = "bearer-token"
	flagStudentID         = "student-id"
	flagCacheDSN          = "cache-dsn"
	flagCacheDriver       = "cache-driver"
	flagWalletRPCAddr     = "wallet-rpc-addr"
	flagRequestTimeout    = "request-timeout"
	flagPaymentTimeout    = "payment-timeout"
	flagEnrollRetries     = "enroll-retries"
	flagEnrollRetryBase   = "enroll-retry-base"
	flagReconcileInterval = "reconcile-interval"
	flagRecipient         = "recipient"
	flagLogDevelopment    = "log-development"
	flagEnvFile           = "env-file"
	envPrefix             = "COURSECTL"
	defaultEnvFile        = ".env"
)

var configFlags = []string{
	flagBackendURL, flagBearerToken, flagStudentID, flagCacheDSN, flagCacheDriver,
	flagWalletRPCAddr, flagRequestTimeout, flagPaymentTimeout, flagEnrollRetries,
	flagEnrollRetryBase, flagReconcileInterval, flagRecipient, flagLogDevelopment,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "coursectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &clientconfig.Config{}
	cmd := &cobra.Command{
		Use:           "coursectl",
		Short:         "Course marketplace client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, defaultEnvFile, "optional dotenv file loaded before reading the environment")
	flags.String(flagBackendURL, "", "course backend base URL")
	flags.String(flagBearerToken, "", "bearer token of the signed-in student")
	flags.String(flagStudentID, "", "student id the bearer token belongs to")
	flags.String(flagCacheDSN, "", "cache location (sqlite path, sqlite:// or postgres:// url)")
	flags.String(flagCacheDriver, "", "cache driver: gorm, pgx or memory")
	flags.String(flagWalletRPCAddr, "", "wallet signer gRPC address")
	flags.Duration(flagRequestTimeout, 0, "backend request timeout")
	flags.Duration(flagPaymentTimeout, 0, "upper bound on waiting for a payment confirmation")
	flags.Uint64(flagEnrollRetries, 0, "enrollment retries after a confirmed payment")
	flags.Duration(flagEnrollRetryBase, 0, "first enrollment retry delay")
	flags.Duration(flagReconcileInterval, 0, "interval of reconcile --watch")
	flags.String(flagRecipient, "", "platform address receiving course payments")
	flags.Bool(flagLogDevelopment, false, "human-readable debug logging")

	cmd.AddCommand(
		newCoursesCommand(cfg),
		newEnrolledCommand(cfg),
		newEnrollCommand(cfg),
		newPendingCommand(cfg),
		newReconcileCommand(cfg),
		newWalletCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *clientconfig.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.BackendURL = v.GetString(flagBackendURL)
	cfg.BearerToken = v.GetString(flagBearerToken)
	cfg.StudentID = v.GetString(flagStudentID)
	cfg.CacheDSN = v.GetString(flagCacheDSN)
	cfg.CacheDriver = v.GetString(flagCacheDriver)
	cfg.WalletRPCAddress = v.GetString(flagWalletRPCAddr)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.PaymentTimeout = v.GetDuration(flagPaymentTimeout)
	cfg.EnrollRetryBudget = v.GetUint64(flagEnrollRetries)
	cfg.EnrollRetryBase = v.GetDuration(flagEnrollRetryBase)
	cfg.ReconcileInterval = v.GetDuration(flagReconcileInterval)
	cfg.Recipient = v.GetString(flagRecipient)
	cfg.LogDevelopment = v.GetBool(flagLogDevelopment)
	return cfg.Validate()
}

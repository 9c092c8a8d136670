package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/devbackend"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet/devwallet"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/walletrpc"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	flagListenAddr        = "listen-addr"
	flagWalletRPCAddr     = "wallet-rpc-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagTokenTTL          = "token-ttl"
	flagWalletChainID     = "wallet-chain-id"
	flagWalletSeedAddress = "wallet-seed-address"
	flagWalletSeedBalance = "wallet-seed-balance"
	flagSeedCatalog       = "seed-catalog"
	flagSubject           = "subject"
	flagRole              = "role"
	envPrefix             = "DEVBACKEND"
	defaultRole           = "student"
)

var configFlags = []string{
	flagListenAddr, flagWalletRPCAddr, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer,
	flagTokenTTL, flagWalletChainID, flagWalletSeedAddress, flagWalletSeedBalance,
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "devbackend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &devbackend.Config{}
	cmd := &cobra.Command{
		Use:           "devbackend",
		Short:         "Development course backend with a dev wallet signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := cmd.Flags().GetBool(flagSeedCatalog)
			if err != nil {
				return err
			}
			return runServers(cmd.Context(), *cfg, seed)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagWalletRPCAddr, "", "dev wallet gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 key for bearer tokens (required)")
	flags.String(flagJWTIssuer, "", "bearer token issuer")
	flags.Duration(flagTokenTTL, 0, "lifetime of minted tokens")
	flags.String(flagWalletChainID, "", "network id reported by the dev wallet")
	flags.String(flagWalletSeedAddress, "", "account address of the dev wallet")
	flags.String(flagWalletSeedBalance, "", "starting balance of the dev wallet account")
	cmd.Flags().Bool(flagSeedCatalog, true, "start with a small demo catalog")

	cmd.AddCommand(newTokenCommand(cfg))
	return cmd
}

func newTokenCommand(cfg *devbackend.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token accepted by the development backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString(flagSubject)
			if err != nil {
				return err
			}
			role, err := cmd.Flags().GetString(flagRole)
			if err != nil {
				return err
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("%s is required", flagSubject)
			}
			token, err := devbackend.IssueToken(*cfg, strings.TrimSpace(subject), strings.TrimSpace(role), time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagSubject, "", "student or instructor id the token is issued for")
	cmd.Flags().String(flagRole, defaultRole, "role claim: student or instructor")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *devbackend.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.WalletRPCListenAddr = strings.TrimSpace(v.GetString(flagWalletRPCAddr))
	cfg.AllowedOrigins = devbackend.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.TokenTTL = v.GetDuration(flagTokenTTL)
	cfg.WalletChainID = strings.TrimSpace(v.GetString(flagWalletChainID))
	cfg.WalletSeedAddress = strings.TrimSpace(v.GetString(flagWalletSeedAddress))
	cfg.WalletSeedBalance = strings.TrimSpace(v.GetString(flagWalletSeedBalance))
	return cfg.Validate()
}

func runServers(ctx context.Context, cfg devbackend.Config, seed bool) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	catalog := devbackend.NewCatalog()
	if seed {
		catalog.Seed(demoCatalog()...)
	}
	balance, err := marketplace.ParseAmount(cfg.WalletSeedBalance)
	if err != nil {
		return err
	}
	provider := devwallet.New(
		devwallet.WithAccount(cfg.WalletSeedAddress, balance),
		devwallet.WithChainID(cfg.WalletChainID),
	)

	lis, err := net.Listen("tcp", cfg.WalletRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	walletrpc.Register(grpcServer, walletrpc.NewServer(provider, logger))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("dev wallet signer listening", zap.String("addr", cfg.WalletRPCListenAddr), zap.String("account", cfg.WalletSeedAddress))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		return devbackend.Run(groupCtx, cfg, catalog, logger)
	})
	return group.Wait()
}

func demoCatalog() []backend.CourseRecord {
	return []backend.CourseRecord{
		{
			ID: "go-fundamentals", Title: "Go Fundamentals", Category: "programming", Level: "beginner",
			Instructor: "instructor-1", Price: json.RawMessage("0"), Status: string(marketplace.CourseStatusActive),
			Lessons: []backend.LessonRecord{
				{Title: "Hello, Go", Type: string(marketplace.LessonVideo), Content: "https://videos.example.com/hello-go.mp4", Duration: 12},
				{Title: "Tooling", Type: string(marketplace.LessonText), Content: "go build, go test and go vet."},
			},
		},
		{
			ID: "concurrency-patterns", Title: "Concurrency Patterns", Category: "programming", Level: "advanced",
			Instructor: "instructor-1", Price: json.RawMessage(`"0.25"`), Status: string(marketplace.CourseStatusActive),
			Lessons: []backend.LessonRecord{
				{Title: "Pipelines", Type: string(marketplace.LessonDocument), Content: "https://docs.example.com/pipelines.pdf"},
			},
		},
		{
			ID: "distributed-ledgers", Title: "Distributed Ledgers", Category: "systems", Level: "expert",
			Instructor: "instructor-2", Price: json.RawMessage("1.5"), Status: string(marketplace.CourseStatusDraft),
		},
	}
}

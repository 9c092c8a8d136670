package main

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/backend"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/coursestore"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/enrollment"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/walletrpc"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// clientRuntime bundles the wired client core for one command invocation.
type clientRuntime struct {
	cfg             clientconfig.Config
	logger          *zap.Logger
	operationLogger marketplace.OperationLogger
	cache           marketplace.CacheStore
	store           *coursestore.Store
	wallet          *wallet.Adapter
	closers         []func()
}

func newRuntime(ctx context.Context, cfg clientconfig.Config) (*clientRuntime, error) {
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	runtime := &clientRuntime{
		cfg:             cfg,
		logger:          logger,
		operationLogger: marketplace.NewZapOperationLogger(logger),
	}
	runtime.closers = append(runtime.closers, func() { _ = logger.Sync() })

	cache, cleanup, err := openCache(ctx, cfg)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.cache = cache
	runtime.closers = append(runtime.closers, cleanup)

	session, err := newSession(cfg)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	client, err := backend.NewClient(cfg.BackendURL, session, backend.WithLogger(logger))
	if err != nil {
		runtime.Close()
		return nil, err
	}
	store, err := coursestore.New(client, cache, session,
		coursestore.WithLogger(logger),
		coursestore.WithOperationLogger(runtime.operationLogger),
		coursestore.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.store = store
	runtime.closers = append(runtime.closers, store.Close)
	store.Load(ctx)
	return runtime, nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newSession(cfg clientconfig.Config) (backend.Session, error) {
	if !cfg.Authenticated() {
		return backend.NewStaticSession("", marketplace.StudentID{}), nil
	}
	studentID, err := marketplace.NewStudentID(cfg.StudentID)
	if err != nil {
		return nil, err
	}
	return backend.NewStaticSession(cfg.BearerToken, studentID), nil
}

// connectWallet dials the wallet signer. The adapter is created once per runtime.
func (runtime *clientRuntime) connectWallet() (*wallet.Adapter, error) {
	if runtime.wallet != nil {
		return runtime.wallet, nil
	}
	conn, err := grpc.NewClient(runtime.cfg.WalletRPCAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("wallet dial: %w", err)
	}
	adapter := wallet.NewAdapter(walletrpc.NewClient(conn, runtime.logger),
		wallet.WithPaymentTimeout(runtime.cfg.PaymentTimeout),
		wallet.WithLogger(runtime.logger),
		wallet.WithOperationLogger(runtime.operationLogger),
	)
	runtime.wallet = adapter
	runtime.closers = append(runtime.closers, func() {
		adapter.Close()
		_ = conn.Close()
	})
	return adapter, nil
}

func (runtime *clientRuntime) coordinator(confirmer enrollment.Confirmer, observer enrollment.Observer) (*enrollment.Coordinator, error) {
	adapter, err := runtime.connectWallet()
	if err != nil {
		return nil, err
	}
	return enrollment.New(runtime.store, adapter, confirmer,
		enrollment.WithRecipient(runtime.cfg.Recipient),
		enrollment.WithRetryBudget(runtime.cfg.EnrollRetryBudget),
		enrollment.WithRetryBase(runtime.cfg.EnrollRetryBase),
		enrollment.WithCache(runtime.cache),
		enrollment.WithObserver(observer),
		enrollment.WithLogger(runtime.logger),
		enrollment.WithOperationLogger(runtime.operationLogger),
	)
}

// Close releases resources in reverse order of acquisition.
func (runtime *clientRuntime) Close() {
	for index := len(runtime.closers) - 1; index >= 0; index-- {
		runtime.closers[index]()
	}
	runtime.closers = nil
}

func withRuntime(ctx context.Context, cfg *clientconfig.Config, run func(*clientRuntime) error) error {
	runtime, err := newRuntime(ctx, *cfg)
	if err != nil {
		return err
	}
	defer runtime.Close()
	err = run(runtime)
	runtime.flushReconcile(ctx)
	return err
}

// flushReconcile runs the pass a mutation requested before the process exits.
func (runtime *clientRuntime) flushReconcile(ctx context.Context) {
	if runtime.store == nil || ctx.Err() != nil {
		return
	}
	report, ran, err := runtime.store.Reconciler().Flush(ctx)
	if !ran {
		return
	}
	if err != nil {
		runtime.logger.Warn("reconciliation after mutation failed", zap.Error(err))
		return
	}
	runtime.logger.Debug("reconciled after mutation",
		zap.Bool("refreshed", report.Refreshed),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("cleared", len(report.Cleared)),
	)
}

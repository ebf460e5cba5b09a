package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/viralforge/authcore/internal/adapters/authenticators"
	eventadapter "github.com/viralforge/authcore/internal/adapters/events"
	grpcadapter "github.com/viralforge/authcore/internal/adapters/grpc"
	httpadapter "github.com/viralforge/authcore/internal/adapters/http"
	"github.com/viralforge/authcore/internal/adapters/security"
	"github.com/viralforge/authcore/internal/application"
	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/application/providers"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	stores     *storeSet
	service    *application.Service
	providers  *providers.Manager
	events     *eventadapter.BufferedPublisher
	broker     *eventadapter.KafkaPublisher
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *health.Server
	grpcLis    net.Listener
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	logger.Info("bootstrapping authcore", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	nowFn := func() time.Time { return time.Now().UTC() }

	stores, err := openStores(ctx, cfg, logger, nowFn)
	if err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg, logger: logger, stores: stores}
	fail := func(err error) (*Runtime, error) {
		r.closeBackends()
		return nil, err
	}

	var sink ports.EventPublisher = eventadapter.NewLoggingPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		r.broker, err = eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, map[string]string{
			eventadapter.EventCodeDelivery: cfg.KafkaCodeTopic,
		})
		if err != nil {
			return fail(fmt.Errorf("init kafka publisher: %w", err))
		}
		sink = r.broker
	} else {
		logger.Warn("KAFKA_BROKERS not set; auth events are written to the log")
	}
	r.events = eventadapter.NewBufferedPublisher(logger, sink, eventadapter.BufferedOptions{
		Capacity:    cfg.EventBufferSize,
		MaxRetries:  cfg.EventMaxRetries,
		Backoff:     cfg.EventRetryBackoff,
		SendTimeout: cfg.EventPublishTimeout,
	})

	signer, err := security.NewJWTSigner(cfg.JWTKeyID, cfg.JWTIssuer, cfg.JWTPrivateKeyPEM, cfg.JWTPublicKeyPEM)
	if err != nil {
		if !cfg.AllowEphemeralJWT {
			return fail(fmt.Errorf("init jwt signer: %w", err))
		}
		logger.Warn("using ephemeral JWT keys for local/dev runtime")
		signer, err = security.NewEphemeralJWTSigner(cfg.JWTKeyID, cfg.JWTIssuer)
		if err != nil {
			return fail(fmt.Errorf("init ephemeral jwt signer: %w", err))
		}
	}
	tokens := security.NewTokenManager(signer, stores.revocations, security.TokenManagerConfig{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		NowFn:      nowFn,
	})
	hasher := security.NewBcryptHasher(cfg.BcryptCost)

	r.providers = providers.NewManager(
		providers.WithLogger(logger),
		providers.WithClock(nowFn),
		providers.WithHealthCheckTimeout(cfg.HealthCheckTimeout),
	)
	starters, err := r.registerProviders(cfg, stores, tokens, hasher, nowFn)
	if err != nil {
		return fail(err)
	}
	if err := seedUser(ctx, cfg, stores.users, hasher); err != nil {
		return fail(err)
	}

	orchestrator, err := buildMFA(cfg, stores, r.events, logger, nowFn)
	if err != nil {
		return fail(err)
	}
	strategy, err := tokenrefresh.ParseStrategy(cfg.RefreshStrategy)
	if err != nil {
		return fail(err)
	}

	r.service = application.NewService(application.Dependencies{
		Config: application.Config{
			RequireMFA: cfg.MFARequired,
			Timeout: sessiontimeout.Config{
				SessionDuration:   cfg.SessionDuration,
				WarningTime:       cfg.WarningTime,
				FinalWarningTime:  cfg.FinalWarningTime,
				InactivityTimeout: cfg.InactivityTimeout,
				MaxExtensions:     cfg.MaxExtensions,
				TickInterval:      cfg.TimeoutTick,
			},
			Refresh: tokenrefresh.Options{
				RefreshInterval:          cfg.RefreshInterval,
				RefreshBuffer:            cfg.RefreshBuffer,
				MaxRetries:               cfg.RefreshMaxRetries,
				CircuitBreakerResetTime:  cfg.RefreshCircuitReset,
				EnableMultiTabSync:       cfg.RefreshMultiTabSync,
				EnableSecurityMonitoring: cfg.RefreshSecurityWatch,
				EnableAdvancedRotation:   true,
				RotationStrategy:         strategy,
			},
		},
		Providers: r.providers,
		Validator: validation.New(),
		MFA:       orchestrator,
		Events:    r.events,
		SyncBus:   stores.bus,
		Logger:    logger,
		NowFn:     nowFn,
	})

	handlerOpts := []httpadapter.HandlerOption{httpadapter.WithReadiness(stores.ready)}
	for name, starter := range starters {
		handlerOpts = append(handlerOpts, httpadapter.WithAuthorizationStarter(name, starter))
	}
	r.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(httpadapter.NewHandler(r.service, handlerOpts...)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.grpcServer = grpc.NewServer()
	r.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(r.grpcServer, r.grpcHealth)
	grpcadapter.Register(r.grpcServer, grpcadapter.NewAuthInternalServer(tokens, signer, r.service))
	r.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	r.grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fail(fmt.Errorf("listen gRPC: %w", err))
	}
	return r, nil
}

// registerProviders registers the password and JWT authenticators, plus the
// OIDC authenticator when an issuer is configured. It returns the providers
// that start a redirect login.
func (r *Runtime) registerProviders(cfg Config, stores *storeSet, tokens *security.TokenManager, hasher ports.PasswordHasher, nowFn func() time.Time) (map[string]httpadapter.AuthorizationStarter, error) {
	password := authenticators.NewPasswordAuthenticator("password", authenticators.PasswordDependencies{
		Users:   stores.users,
		Hasher:  hasher,
		Lockout: stores.lockouts,
		Tokens:  tokens,
		NowFn:   nowFn,
	})
	if err := password.Configure(map[string]string{
		"lockout_threshold": fmt.Sprint(cfg.LockoutThreshold),
		"lockout_window":    cfg.LockoutWindow.String(),
	}); err != nil {
		return nil, fmt.Errorf("configure password provider: %w", err)
	}
	if err := r.register(cfg, password); err != nil {
		return nil, err
	}
	r.providers.RegisterUserManager(password.Name(), authenticators.NewCredentialUserManager(stores.users))
	r.providers.RegisterTokenManager(password.Name(), tokens)

	bearer := authenticators.NewJWTAuthenticator("jwt", tokens, nowFn)
	if err := r.register(cfg, bearer); err != nil {
		return nil, err
	}
	r.providers.RegisterTokenManager(bearer.Name(), tokens)

	starters := make(map[string]httpadapter.AuthorizationStarter)
	if cfg.OIDCIssuerURL == "" {
		return starters, nil
	}
	client, err := security.NewOIDCClient(security.OIDCProviderConfig{
		IssuerURL:    cfg.OIDCIssuerURL,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		Scopes:       cfg.OIDCScopes,
	}, &http.Client{Timeout: cfg.OIDCHTTPTimeout}, nowFn)
	if err != nil {
		return nil, fmt.Errorf("init oidc client: %w", err)
	}
	sso := authenticators.NewOIDCAuthenticator(cfg.OIDCName, domain.ProviderOIDC, client, stores.oidcState, nowFn)
	if len(cfg.OIDCDefaultRoles) > 0 {
		if err := sso.Configure(map[string]string{"default_roles": strings.Join(cfg.OIDCDefaultRoles, ",")}); err != nil {
			return nil, fmt.Errorf("configure oidc provider: %w", err)
		}
	}
	if err := r.register(cfg, sso); err != nil {
		return nil, err
	}
	starters[sso.Name()] = sso
	return starters, nil
}

func (r *Runtime) register(cfg Config, auth ports.Authenticator) error {
	priority := providers.PriorityMedium
	if raw, ok := cfg.ProviderPriorities[auth.Name()]; ok {
		p, err := providers.ParsePriority(strings.ToUpper(raw))
		if err != nil {
			return err
		}
		priority = p
	}
	if err := r.providers.RegisterProvider(auth,
		providers.WithPriority(priority),
		providers.WithHealthCheckInterval(cfg.HealthCheckInterval),
		providers.WithFailover(true),
	); err != nil {
		return fmt.Errorf("register provider %s: %w", auth.Name(), err)
	}
	return nil
}

func buildMFA(cfg Config, stores *storeSet, events ports.EventPublisher, logger *slog.Logger, nowFn func() time.Time) (*mfa.Orchestrator, error) {
	codeOpts := mfa.CodeOptions{CodeTTL: cfg.MFACodeTTL, SendBurst: cfg.MFASendBurst, SendWindow: cfg.MFASendWindow}
	opts := []mfa.Option{mfa.WithLogger(logger), mfa.WithClock(nowFn)}
	for _, name := range cfg.MFAMethods {
		var svc mfa.MethodService
		switch domain.MFAMethod(strings.ToLower(strings.TrimSpace(name))) {
		case domain.MFATOTP:
			svc = mfa.NewTOTPService(cfg.MFAIssuer, nowFn)
		case domain.MFASMS:
			svc = mfa.NewSMSService(eventadapter.NewCodeSender(events, "sms", nowFn), codeOpts, nowFn)
		case domain.MFAEmail:
			svc = mfa.NewEmailService(eventadapter.NewCodeSender(events, "email", nowFn), codeOpts, nowFn)
		case domain.MFABackupCodes:
			svc = mfa.NewBackupCodeService(cfg.MFABackupCodeCount, cfg.MFAMaxAttempts, cfg.MFASendWindow, nowFn)
		case domain.MFASecurityKey:
			svc = mfa.NewSecurityKeyService(cfg.MFAChallengeTTL, nowFn)
		case domain.MFABiometric:
			svc = mfa.NewBiometricService(cfg.MFAChallengeTTL, nowFn)
		default:
			return nil, fmt.Errorf("%w: unknown mfa method %q", domain.ErrInvalidInput, name)
		}
		opts = append(opts, mfa.WithMethod(svc))
	}
	if len(opts) == 2 {
		return nil, nil
	}
	return mfa.NewOrchestrator(stores.enrollments, stores.challenges, mfa.Config{
		ChallengeTTL: cfg.MFAChallengeTTL,
		MaxAttempts:  cfg.MFAMaxAttempts,
	}, opts...), nil
}

// seedUser creates the configured bootstrap user unless the identifier already exists.
func seedUser(ctx context.Context, cfg Config, users ports.UserCredentialStore, hasher ports.PasswordHasher) error {
	if cfg.SeedUserEmail == "" {
		return nil
	}
	email := strings.ToLower(strings.TrimSpace(cfg.SeedUserEmail))
	_, err := users.FindByIdentifier(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("look up seed user: %w", err)
	}
	hash, err := hasher.Hash(cfg.SeedUserPassword)
	if err != nil {
		return fmt.Errorf("hash seed user password: %w", err)
	}
	roles := cfg.SeedUserRoles
	if len(roles) == 0 {
		roles = []string{"admin"}
	}
	return users.Save(ctx, ports.UserCredential{
		User:         domain.AuthUser{ID: uuid.NewString(), Email: email, Roles: roles},
		PasswordHash: hash,
		Active:       true,
	})
}

// Run serves HTTP and gRPC until ctx ends or SIGINT/SIGTERM, then drains.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if res, err := r.providers.InitializeAllProviders(ctx, r.cfg.HealthCheckTimeout); err != nil {
		r.logger.Warn("provider initialization incomplete", "failed", res.Failed, "error", err)
	}
	r.providers.StartHealthMonitoring(r.cfg.HealthCheckInterval)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sweepDone := make(chan struct{})
	go r.sweepPendingLogins(sweepCtx, sweepDone)

	eventsCtx, cancelEvents := context.WithCancel(context.Background())
	defer cancelEvents()
	eventsDone := make(chan error, 1)
	go func() { eventsDone <- r.events.Run(eventsCtx) }()

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	r.grpcHealth.Shutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("http shutdown incomplete", "error", err)
	}
	r.grpcServer.GracefulStop()
	stopSweep()
	<-sweepDone

	if res, err := r.service.Shutdown(shutdownCtx, r.cfg.ShutdownTimeout/2); err != nil {
		r.logger.Warn("provider shutdown incomplete", "failed", res.Failed, "error", err)
	}

	r.events.Close()
	select {
	case <-eventsDone:
	case <-shutdownCtx.Done():
		cancelEvents()
		<-eventsDone
	}
	r.closeBackends()
	return runErr
}

// sweepPendingLogins ends logins whose MFA challenge lapsed without a caller
// ever touching them again.
func (r *Runtime) sweepPendingLogins(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := r.cfg.MFAChallengeTTL
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.service.ExpirePendingLogins(ctx); n > 0 {
				r.logger.Info("expired pending mfa logins", "count", n)
			}
		}
	}
}

func (r *Runtime) closeBackends() {
	if r.broker != nil {
		if err := r.broker.Close(); err != nil {
			r.logger.Warn("kafka writer close failed", "error", err)
		}
	}
	if err := r.stores.close(); err != nil {
		r.logger.Warn("backend close failed", "error", err)
	}
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/chinmina/wechat-bridge/internal/appconfig"
	"github.com/chinmina/wechat-bridge/internal/audit"
	"github.com/chinmina/wechat-bridge/internal/cache"
	"github.com/chinmina/wechat-bridge/internal/config"
	"github.com/chinmina/wechat-bridge/internal/delegate"
	"github.com/chinmina/wechat-bridge/internal/jssdk"
	"github.com/chinmina/wechat-bridge/internal/jwt"
	"github.com/chinmina/wechat-bridge/internal/observe"
	"github.com/chinmina/wechat-bridge/internal/platform"
	"github.com/chinmina/wechat-bridge/internal/registry"
	"github.com/chinmina/wechat-bridge/internal/secrets"
	"github.com/chinmina/wechat-bridge/internal/server"
	"github.com/chinmina/wechat-bridge/internal/sweeper"
	"github.com/chinmina/wechat-bridge/internal/ticket"
	"github.com/chinmina/wechat-bridge/internal/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

// credentialCacheTTL bounds how long the backend keeps an entry. Entries carry
// their own expiry, which is always shorter.
const credentialCacheTTL = 2 * time.Hour

// bridge holds the credential components the routes are served from.
type bridge struct {
	tokens  *token.Provider
	tickets map[ticket.Kind]*ticket.Provider
	api     *platform.API
	signer  *jssdk.Signer
	cache   *cache.Loading[string]
	apps    *appconfig.Reloader
}

func (b *bridge) ticketServices() map[ticket.Kind]TicketService {
	services := make(map[ticket.Kind]TicketService, len(b.tickets))
	for kind, p := range b.tickets {
		services[kind] = p
	}
	return services
}

func newBridge(ctx context.Context, cfg config.Config, transport http.RoundTripper) (*bridge, error) {
	backend, err := cache.NewFromConfig[cache.Entry[string]](ctx, cfg.Cache, credentialCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("credential cache configuration failed: %w", err)
	}
	credentials := cache.NewLoading[string](backend)

	reg := registry.New(registry.WithEvictor(credentials))

	client, err := platform.NewClient(cfg.Platform, transport)
	if err != nil {
		return nil, fmt.Errorf("platform client configuration failed: %w", err)
	}

	tokenOptions := []token.Option{
		token.WithMargin(cfg.Platform.TokenMargin()),
		token.WithStaleCodes(cfg.Platform.StaleTokenCodes),
	}
	if cfg.Platform.FailureThreshold > 0 {
		tokenOptions = append(tokenOptions, token.WithFailureBreaker(cfg.Platform.FailureThreshold, cfg.Platform.FailureCooldown()))
	}
	tokens := token.New(reg, client, credentials, tokenOptions...)

	apiOptions := []platform.APIOption{
		platform.WithMaxAttempts(cfg.Platform.MaxAttempts),
		platform.WithStaleCodes(cfg.Platform.StaleTokenCodes),
	}

	var delegates *delegate.Client
	if cfg.Delegate.SigningKey != "" {
		delegates, err = delegate.New(cfg.Delegate, cfg.Platform, transport)
		if err != nil {
			return nil, fmt.Errorf("delegate configuration failed: %w", err)
		}
	}

	if cfg.Platform.FallbackDelegateURL != "" {
		fallback, err := delegates.TokenFactory(cfg.Platform.FallbackDelegateURL)
		if err != nil {
			return nil, fmt.Errorf("fallback delegate configuration failed: %w", err)
		}
		apiOptions = append(apiOptions, platform.WithFallback(fallback))
	}

	api := platform.NewAPI(client, tokens, apiOptions...)

	tickets := map[ticket.Kind]*ticket.Provider{}
	for _, kind := range []ticket.Kind{ticket.JSAPI, ticket.Card, ticket.SDK} {
		tickets[kind] = ticket.New(kind, reg, tokens, api, credentials, ticket.WithMargin(cfg.Platform.TicketMargin()))
	}

	b := &bridge{
		tokens:  tokens,
		tickets: tickets,
		api:     api,
		signer:  jssdk.NewSigner(tickets[ticket.JSAPI], tickets[ticket.SDK]),
		cache:   credentials,
	}

	b.apps, err = registerApps(ctx, cfg, b, delegates)
	if err != nil {
		_ = credentials.Close()
		return nil, err
	}

	return b, nil
}

// registerApps registers the apps in the configured file, returning a
// Reloader that picks up apps added later.
func registerApps(ctx context.Context, cfg config.Config, b *bridge, delegates *delegate.Client) (*appconfig.Reloader, error) {
	file, err := appconfig.Load(ctx, cfg.Apps.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("app configuration load failed: %w", err)
	}

	targets := appconfig.Targets{
		Tokens:  b.tokens,
		Tickets: map[ticket.Kind]appconfig.TicketRegistrar{},
	}
	for kind, p := range b.tickets {
		targets.Tickets[kind] = p
	}

	// nil implementations are left unset so that appconfig can report which
	// feature is missing
	if delegates != nil {
		targets.Delegates = delegates
	}
	if cfg.Secrets.KMSEnabled {
		decrypter, err := secrets.NewAWSDecrypter(ctx)
		if err != nil {
			return nil, fmt.Errorf("KMS configuration failed: %w", err)
		}
		targets.Decrypter = decrypter
	}

	n, err := appconfig.Register(ctx, file, targets)
	if err != nil {
		return nil, fmt.Errorf("app registration failed: %w", err)
	}

	log.Info().
		Int("registered", n).
		Int("invalid", len(file.InvalidApps)).
		Str("digest", file.Digest()).
		Msg("apps registered")

	return appconfig.NewReloader(cfg.Apps.ConfigFile, targets, file), nil
}

func configureServerRoutes(cfg config.Config, b *bridge) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	standardRouteMiddleware := alice.New(requestLimiter)

	tickets := b.ticketServices()

	mux.Handle("GET /apps/{appID}/token", authorizedRouteMiddleware.Then(handleGetToken(b.tokens)))
	mux.Handle("POST /apps/{appID}/token/refresh", authorizedRouteMiddleware.Then(handleRefreshToken(b.tokens)))
	mux.Handle("GET /apps/{appID}/tickets/{kind}", authorizedRouteMiddleware.Then(handleGetTicket(tickets)))
	mux.Handle("POST /apps/{appID}/tickets/{kind}/refresh", authorizedRouteMiddleware.Then(handleRefreshTicket(tickets)))
	mux.Handle("GET /apps/{appID}/jssdk", authorizedRouteMiddleware.Then(handleGetJSSDK(b.signer)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	b, err := newBridge(ctx, cfg, http.DefaultTransport)
	if err != nil {
		return err
	}

	handler, err := configureServerRoutes(cfg, b)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	if cfg.Sweeper.Enabled {
		go sweeper.Run(ctx, b.tokens, cfg.Sweeper.Interval())
	}
	if cfg.Apps.ReloadIntervalSeconds > 0 {
		go b.apps.Run(ctx, cfg.Apps.ReloadInterval())
	}

	hooks := &server.ShutdownHooks{}
	hooks.Add("background-tasks", func() error { cancel(); return nil })
	hooks.AddClose("credential-cache", b.cache)
	hooks.AddContext("telemetry", shutdownTelemetry)

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}

package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"
	"github.com/tendant/portal-oauth/pkg/config"
	"github.com/tendant/portal-oauth/pkg/externalprovider"
	"github.com/tendant/portal-oauth/pkg/interaction"
	"github.com/tendant/portal-oauth/pkg/linking"
	"github.com/tendant/portal-oauth/pkg/metrics"
	"github.com/tendant/portal-oauth/pkg/oauthapi"
	"github.com/tendant/portal-oauth/pkg/ratelimit"
	"github.com/tendant/portal-oauth/pkg/session"
	"github.com/tendant/portal-oauth/pkg/tokencodec"
)

type UrlConfig struct {
	RegistrationURL string `env:"REGISTRATION_URL" env-default:"/portal/register"`
	LoginSuccessURL string `env:"LOGIN_SUCCESS_URL" env-default:"/portal"`
}

type Config struct {
	SessionConfig   config.SessionConfig
	AccountConfig   config.AccountConfig
	JwtConfig       config.JWTConfig
	OAuthConfig     config.OAuthProvidersConfig
	RateLimitConfig config.RateLimitConfig
	UrlConfig       UrlConfig
}

func main() {
	cfg := Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed reading configuration", "err", err)
		os.Exit(-1)
	}
	if err := config.Validate(
		cfg.SessionConfig.Validate,
		cfg.AccountConfig.Validate,
		cfg.JwtConfig.Validate,
		cfg.OAuthConfig.Validate,
		cfg.RateLimitConfig.Validate,
	); err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(-1)
	}
	if config.IsProduction() && !cfg.JwtConfig.CookieSecure {
		slog.Warn("COOKIE_SECURE is disabled in production")
	}

	ctx := context.Background()
	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	server.R.Handle("/metrics", promhttp.Handler())

	store := newSessionStore(cfg.SessionConfig)
	accounts := newAccountRepository(ctx, cfg.AccountConfig)

	container := cfg.OAuthConfig.ContainerName
	registry := newRegistry(cfg.OAuthConfig, "/"+container+"/oauth")

	stateMaxAge := mustDuration("OAUTH_STATE_MAX_AGE")(cfg.SessionConfig.ParseStateMaxAge())
	orchestrator := interaction.New(store, registry,
		interaction.WithStateMaxAge(stateMaxAge),
		interaction.WithMetrics(m),
	)
	policy := linking.NewPolicy(accounts, registry, linking.WithMetrics(m))

	tokenTTL := mustDuration("LOGIN_TOKEN_EXPIRY")(cfg.JwtConfig.ParseLoginTokenTTL())
	registrationTTL := mustDuration("REGISTRATION_EXPIRY")(cfg.JwtConfig.ParseRegistrationTTL())
	tokenAuth := jwtauth.New("HS256", []byte(cfg.JwtConfig.Secret), nil)

	handlerOpts := []oauthapi.Option{
		oauthapi.WithRegistrationURL(cfg.UrlConfig.RegistrationURL),
		oauthapi.WithLoginSuccessURL(cfg.UrlConfig.LoginSuccessURL),
		oauthapi.WithCookieSecure(cfg.JwtConfig.CookieSecure),
		oauthapi.WithTokenTTL(tokenTTL),
		oauthapi.WithSessionTTL(registrationTTL),
	}
	if cfg.RateLimitConfig.Enabled {
		bucketTTL := mustDuration("RATE_LIMIT_BUCKET_TTL")(cfg.RateLimitConfig.ParseBucketTTL())
		limiter := ratelimit.NewLimiter(cfg.RateLimitConfig.PerMinute, cfg.RateLimitConfig.Burst, bucketTTL)
		handlerOpts = append(handlerOpts, oauthapi.WithRateLimit(ratelimit.NewMiddleware(limiter)))
	}
	handler := oauthapi.NewHandler(orchestrator, policy, registry, store, tokenAuth, handlerOpts...)

	server.R.Route("/"+container, func(r chi.Router) {
		r.Use(middleware.RealIP)
		handler.RegisterCallbackRoutes(r)
		r.Route("/oauth", handler.RegisterRoutes)
	})

	for _, p := range registry.Enabled() {
		slog.Info("OAuth provider enabled", "provider", p.ID, "init_url", p.InitURL)
	}

	server.Run()
}

func newSessionStore(cfg config.SessionConfig) session.Store {
	if cfg.Backend == config.SessionBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed connecting to redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(-1)
		}
		slog.Info("Using redis session store", "addr", cfg.RedisAddr)
		return session.NewRedisStore(client, session.WithKeyPrefix("portal-oauth:"))
	}
	slog.Info("Using in-memory session store")
	return session.NewMemoryStore(time.Hour, 10*time.Minute)
}

func newAccountRepository(ctx context.Context, cfg config.AccountConfig) linking.AccountRepository {
	switch cfg.Backend {
	case config.AccountBackendFile:
		repo, err := linking.NewFileAccountRepository(cfg.DataDir)
		if err != nil {
			slog.Error("Failed loading linked identities", "dir", cfg.DataDir, "err", err)
			os.Exit(-1)
		}
		return repo

	case config.AccountBackendPostgres:
		dbConfig := cfg.Db.ToDbConfig()
		pool, err := dbutils.NewDbPool(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
			os.Exit(-1)
		}
		repo, err := linking.NewPostgresAccountRepository(pool)
		if err != nil {
			slog.Error("Failed creating account repository", "err", err)
			os.Exit(-1)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			slog.Error("Failed creating linked identity schema", "err", err)
			os.Exit(-1)
		}
		return repo

	default:
		slog.Warn("Linked identities are kept in memory and lost on restart")
		return linking.NewInMemoryAccountRepository()
	}
}

func newRegistry(cfg config.OAuthProvidersConfig, pathPrefix string) *externalprovider.Registry {
	entries, err := cfg.Providers()
	if err != nil {
		slog.Error("Invalid provider configuration", "err", err)
		os.Exit(-1)
	}

	dialTimeout, totalTimeout, err := cfg.ParseTimeouts()
	if err != nil {
		slog.Error("Invalid provider timeouts", "err", err)
		os.Exit(-1)
	}
	opts := []externalprovider.AdapterOption{
		externalprovider.WithHTTPClient(externalprovider.NewHTTPClient(dialTimeout, totalTimeout)),
	}
	if cfg.TokenEncryptionKey != "" {
		sealer, err := tokencodec.NewSealer(cfg.TokenEncryptionKey)
		if err != nil {
			slog.Error("Failed creating token sealer", "err", err)
			os.Exit(-1)
		}
		opts = append(opts, externalprovider.WithCodec(tokencodec.NewSealedCodec(sealer)))
	} else {
		slog.Warn("TOKEN_ENCRYPTION_KEY is not set, provider tokens are stored unencrypted")
	}

	registry := externalprovider.NewRegistry(pathPrefix)
	for _, entry := range entries {
		adapter, err := newAdapter(entry.Settings, cfg.Deployment(), opts)
		if err == nil {
			err = registry.Register(adapter, entry.DisplayName, true)
		}
		if err != nil {
			if entry.Explicit {
				slog.Error("Failed registering OAuth provider", "provider", entry.Settings.ID, "err", err)
				os.Exit(-1)
			}
			slog.Warn("OAuth provider misconfigured, leaving it disabled", "provider", entry.Settings.ID, "err", err)
		}
	}
	return registry
}

func newAdapter(settings externalprovider.Settings, d externalprovider.Deployment, opts []externalprovider.AdapterOption) (externalprovider.Adapter, error) {
	providerConfig, err := externalprovider.NewProviderConfig(settings, d)
	if err != nil {
		return nil, err
	}
	return externalprovider.NewAdapter(providerConfig, opts...)
}

// mustDuration exits when a duration that Validate accepted fails to parse.
func mustDuration(name string) func(time.Duration, error) time.Duration {
	return func(d time.Duration, err error) time.Duration {
		if err != nil {
			slog.Error("Invalid duration", "setting", name, "err", err)
			os.Exit(-1)
		}
		return d
	}
}

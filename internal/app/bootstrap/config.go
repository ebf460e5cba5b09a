package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for authcore.
// Values come from defaults, then configs/default.yaml, then the environment.
type Config struct {
	ServiceID       string
	HTTPPort        int
	GRPCPort        int
	ShutdownTimeout time.Duration

	// Empty URLs select the in-memory adapters.
	DatabaseURL string
	RedisURL    string
	MaxDBConns  int

	KafkaBrokers   []string
	KafkaTopic     string
	KafkaCodeTopic string

	EventBufferSize     int
	EventMaxRetries     int
	EventRetryBackoff   time.Duration
	EventPublishTimeout time.Duration

	JWTPrivateKeyPEM  string
	JWTPublicKeyPEM   string
	JWTKeyID          string
	JWTIssuer         string
	AllowEphemeralJWT bool
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration

	BcryptCost       int
	LockoutThreshold int
	LockoutWindow    time.Duration

	// SeedUser* creates a password user at startup when both are set.
	SeedUserEmail    string
	SeedUserPassword string
	SeedUserRoles    []string

	SessionDuration   time.Duration
	WarningTime       time.Duration
	FinalWarningTime  time.Duration
	InactivityTimeout time.Duration
	MaxExtensions     int
	TimeoutTick       time.Duration

	RefreshInterval      time.Duration
	RefreshBuffer        time.Duration
	RefreshMaxRetries    int
	RefreshCircuitReset  time.Duration
	RefreshStrategy      string
	RefreshMultiTabSync  bool
	RefreshSecurityWatch bool

	MFAMethods         []string
	MFARequired        bool
	MFAIssuer          string
	MFAChallengeTTL    time.Duration
	MFAMaxAttempts     int
	MFABackupCodeCount int
	MFACodeTTL         time.Duration
	MFASendBurst       int
	MFASendWindow      time.Duration

	OIDCName         string
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCScopes       []string
	OIDCDefaultRoles []string
	OIDCHTTPTimeout  time.Duration

	// ProviderPriorities maps provider name to CRITICAL, HIGH, MEDIUM, LOW or BACKUP.
	ProviderPriorities  map[string]string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// configFile mirrors the YAML schema used by configs/default.yaml.
type configFile struct {
	Service struct {
		ID              string `yaml:"id"`
		HTTPPort        int    `yaml:"http_port"`
		GRPCPort        int    `yaml:"grpc_port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
		CodeTopic    string   `yaml:"kafka_code_topic"`
	} `yaml:"dependencies"`
	Tokens struct {
		KeyID      string `yaml:"key_id"`
		Issuer     string `yaml:"issuer"`
		AccessTTL  string `yaml:"access_ttl"`
		RefreshTTL string `yaml:"refresh_ttl"`
	} `yaml:"tokens"`
	Password struct {
		BcryptCost       int    `yaml:"bcrypt_cost"`
		LockoutThreshold int    `yaml:"lockout_threshold"`
		LockoutWindow    string `yaml:"lockout_window"`
	} `yaml:"password"`
	SessionTimeout struct {
		Duration          string `yaml:"duration"`
		Warning           string `yaml:"warning"`
		FinalWarning      string `yaml:"final_warning"`
		InactivityTimeout string `yaml:"inactivity_timeout"`
		MaxExtensions     *int   `yaml:"max_extensions"`
	} `yaml:"session_timeout"`
	TokenRefresh struct {
		Interval         string `yaml:"interval"`
		Buffer           string `yaml:"buffer"`
		MaxRetries       int    `yaml:"max_retries"`
		CircuitReset     string `yaml:"circuit_reset"`
		Strategy         string `yaml:"strategy"`
		MultiTabSync     *bool  `yaml:"multi_tab_sync"`
		SecurityWatching *bool  `yaml:"security_monitoring"`
	} `yaml:"token_refresh"`
	MFA struct {
		Methods         []string `yaml:"methods"`
		Required        *bool    `yaml:"required"`
		Issuer          string   `yaml:"issuer"`
		ChallengeTTL    string   `yaml:"challenge_ttl"`
		MaxAttempts     int      `yaml:"max_attempts"`
		BackupCodeCount int      `yaml:"backup_code_count"`
	} `yaml:"mfa"`
	OIDC struct {
		Name         string   `yaml:"name"`
		IssuerURL    string   `yaml:"issuer_url"`
		ClientID     string   `yaml:"client_id"`
		Scopes       []string `yaml:"scopes"`
		DefaultRoles []string `yaml:"default_roles"`
	} `yaml:"oidc"`
	Providers struct {
		Priorities          map[string]string `yaml:"priorities"`
		HealthCheckInterval string            `yaml:"health_check_interval"`
	} `yaml:"providers"`
}

func defaultConfig() Config {
	return Config{
		ServiceID:            "authcore",
		HTTPPort:             8080,
		GRPCPort:             9090,
		ShutdownTimeout:      10 * time.Second,
		MaxDBConns:           20,
		KafkaTopic:           "authcore.security-events",
		KafkaCodeTopic:       "authcore.mfa-code-delivery",
		EventBufferSize:      1024,
		EventMaxRetries:      5,
		EventRetryBackoff:    200 * time.Millisecond,
		EventPublishTimeout:  5 * time.Second,
		JWTKeyID:             "authcore-key-1",
		JWTIssuer:            "authcore",
		AllowEphemeralJWT:    true,
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      7 * 24 * time.Hour,
		BcryptCost:           12,
		LockoutThreshold:     5,
		LockoutWindow:        30 * time.Minute,
		SessionDuration:      30 * time.Minute,
		WarningTime:          5 * time.Minute,
		FinalWarningTime:     time.Minute,
		InactivityTimeout:    15 * time.Minute,
		MaxExtensions:        3,
		TimeoutTick:          time.Second,
		RefreshInterval:      time.Minute,
		RefreshBuffer:        5 * time.Minute,
		RefreshMaxRetries:    3,
		RefreshCircuitReset:  5 * time.Minute,
		RefreshStrategy:      "adaptive",
		RefreshMultiTabSync:  true,
		RefreshSecurityWatch: true,
		MFAMethods:           []string{"totp", "sms", "email", "backup-codes", "security-key", "biometric"},
		MFAIssuer:            "authcore",
		MFAChallengeTTL:      5 * time.Minute,
		MFAMaxAttempts:       5,
		MFABackupCodeCount:   10,
		MFACodeTTL:           10 * time.Minute,
		MFASendBurst:         3,
		MFASendWindow:        15 * time.Minute,
		OIDCName:             "oidc",
		OIDCScopes:           []string{"openid", "email", "profile"},
		OIDCHTTPTimeout:      8 * time.Second,
		ProviderPriorities: map[string]string{
			"password": "HIGH",
			"jwt":      "MEDIUM",
		},
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f configFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		if err := applyFile(&cfg, f); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) error {
	setString(&cfg.ServiceID, f.Service.ID)
	setInt(&cfg.HTTPPort, f.Service.HTTPPort)
	setInt(&cfg.GRPCPort, f.Service.GRPCPort)
	setString(&cfg.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&cfg.RedisURL, f.Dependencies.RedisURL)
	setStrings(&cfg.KafkaBrokers, f.Dependencies.KafkaBrokers)
	setString(&cfg.KafkaTopic, f.Dependencies.KafkaTopic)
	setString(&cfg.KafkaCodeTopic, f.Dependencies.CodeTopic)
	setString(&cfg.JWTKeyID, f.Tokens.KeyID)
	setString(&cfg.JWTIssuer, f.Tokens.Issuer)
	setInt(&cfg.BcryptCost, f.Password.BcryptCost)
	setInt(&cfg.LockoutThreshold, f.Password.LockoutThreshold)
	setInt(&cfg.RefreshMaxRetries, f.TokenRefresh.MaxRetries)
	setString(&cfg.RefreshStrategy, f.TokenRefresh.Strategy)
	setStrings(&cfg.MFAMethods, f.MFA.Methods)
	setString(&cfg.MFAIssuer, f.MFA.Issuer)
	setInt(&cfg.MFAMaxAttempts, f.MFA.MaxAttempts)
	setInt(&cfg.MFABackupCodeCount, f.MFA.BackupCodeCount)
	setString(&cfg.OIDCName, f.OIDC.Name)
	setString(&cfg.OIDCIssuerURL, f.OIDC.IssuerURL)
	setString(&cfg.OIDCClientID, f.OIDC.ClientID)
	setStrings(&cfg.OIDCScopes, f.OIDC.Scopes)
	setStrings(&cfg.OIDCDefaultRoles, f.OIDC.DefaultRoles)
	if f.SessionTimeout.MaxExtensions != nil {
		cfg.MaxExtensions = *f.SessionTimeout.MaxExtensions
	}
	if f.TokenRefresh.MultiTabSync != nil {
		cfg.RefreshMultiTabSync = *f.TokenRefresh.MultiTabSync
	}
	if f.TokenRefresh.SecurityWatching != nil {
		cfg.RefreshSecurityWatch = *f.TokenRefresh.SecurityWatching
	}
	if f.MFA.Required != nil {
		cfg.MFARequired = *f.MFA.Required
	}
	for name, p := range f.Providers.Priorities {
		cfg.ProviderPriorities[name] = p
	}

	durations := []struct {
		field *time.Duration
		raw   string
		name  string
	}{
		{&cfg.ShutdownTimeout, f.Service.ShutdownTimeout, "service.shutdown_timeout"},
		{&cfg.AccessTokenTTL, f.Tokens.AccessTTL, "tokens.access_ttl"},
		{&cfg.RefreshTokenTTL, f.Tokens.RefreshTTL, "tokens.refresh_ttl"},
		{&cfg.LockoutWindow, f.Password.LockoutWindow, "password.lockout_window"},
		{&cfg.SessionDuration, f.SessionTimeout.Duration, "session_timeout.duration"},
		{&cfg.WarningTime, f.SessionTimeout.Warning, "session_timeout.warning"},
		{&cfg.FinalWarningTime, f.SessionTimeout.FinalWarning, "session_timeout.final_warning"},
		{&cfg.InactivityTimeout, f.SessionTimeout.InactivityTimeout, "session_timeout.inactivity_timeout"},
		{&cfg.RefreshInterval, f.TokenRefresh.Interval, "token_refresh.interval"},
		{&cfg.RefreshBuffer, f.TokenRefresh.Buffer, "token_refresh.buffer"},
		{&cfg.RefreshCircuitReset, f.TokenRefresh.CircuitReset, "token_refresh.circuit_reset"},
		{&cfg.MFAChallengeTTL, f.MFA.ChallengeTTL, "mfa.challenge_ttl"},
		{&cfg.HealthCheckInterval, f.Providers.HealthCheckInterval, "providers.health_check_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.field = v
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.MaxDBConns = envInt("DB_MAX_CONNS", cfg.MaxDBConns)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.KafkaCodeTopic = envOrDefault("KAFKA_CODE_TOPIC", cfg.KafkaCodeTopic)
	cfg.EventBufferSize = envInt("EVENT_BUFFER_SIZE", cfg.EventBufferSize)
	cfg.EventMaxRetries = envInt("EVENT_MAX_RETRIES", cfg.EventMaxRetries)

	cfg.JWTPrivateKeyPEM = envOrDefault("JWT_PRIVATE_KEY_PEM", cfg.JWTPrivateKeyPEM)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTKeyID = envOrDefault("JWT_KEY_ID", cfg.JWTKeyID)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.AllowEphemeralJWT = envBool("JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)
	cfg.AccessTokenTTL = envDuration("ACCESS_TOKEN_TTL", cfg.AccessTokenTTL)
	cfg.RefreshTokenTTL = envDuration("REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL)

	cfg.BcryptCost = envInt("BCRYPT_ROUNDS", cfg.BcryptCost)
	cfg.LockoutThreshold = envInt("FAILED_LOGIN_THRESHOLD", cfg.LockoutThreshold)
	cfg.LockoutWindow = envDuration("ACCOUNT_LOCKOUT_WINDOW", cfg.LockoutWindow)
	cfg.SeedUserEmail = envOrDefault("SEED_USER_EMAIL", cfg.SeedUserEmail)
	cfg.SeedUserPassword = envOrDefault("SEED_USER_PASSWORD", cfg.SeedUserPassword)
	cfg.SeedUserRoles = envCSV("SEED_USER_ROLES", cfg.SeedUserRoles)

	cfg.SessionDuration = envDuration("SESSION_DURATION", cfg.SessionDuration)
	cfg.WarningTime = envDuration("SESSION_WARNING_TIME", cfg.WarningTime)
	cfg.FinalWarningTime = envDuration("SESSION_FINAL_WARNING_TIME", cfg.FinalWarningTime)
	cfg.InactivityTimeout = envDuration("SESSION_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	cfg.MaxExtensions = envInt("SESSION_MAX_EXTENSIONS", cfg.MaxExtensions)

	cfg.RefreshInterval = envDuration("TOKEN_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.RefreshBuffer = envDuration("TOKEN_REFRESH_BUFFER", cfg.RefreshBuffer)
	cfg.RefreshMaxRetries = envInt("TOKEN_REFRESH_MAX_RETRIES", cfg.RefreshMaxRetries)
	cfg.RefreshStrategy = envOrDefault("TOKEN_REFRESH_STRATEGY", cfg.RefreshStrategy)
	cfg.RefreshMultiTabSync = envBool("TOKEN_REFRESH_MULTI_TAB_SYNC", cfg.RefreshMultiTabSync)

	cfg.MFAMethods = envCSV("MFA_METHODS", cfg.MFAMethods)
	cfg.MFARequired = envBool("MFA_REQUIRED", cfg.MFARequired)
	cfg.MFAIssuer = envOrDefault("MFA_ISSUER", cfg.MFAIssuer)
	cfg.MFAChallengeTTL = envDuration("MFA_CHALLENGE_TTL", cfg.MFAChallengeTTL)

	cfg.OIDCName = envOrDefault("OIDC_NAME", cfg.OIDCName)
	cfg.OIDCIssuerURL = envOrDefault("OIDC_ISSUER_URL", cfg.OIDCIssuerURL)
	cfg.OIDCClientID = envOrDefault("OIDC_CLIENT_ID", cfg.OIDCClientID)
	cfg.OIDCClientSecret = envOrDefault("OIDC_CLIENT_SECRET", cfg.OIDCClientSecret)
	cfg.OIDCScopes = envCSV("OIDC_SCOPES", cfg.OIDCScopes)
	cfg.OIDCDefaultRoles = envCSV("OIDC_DEFAULT_ROLES", cfg.OIDCDefaultRoles)
	cfg.OIDCHTTPTimeout = envDuration("OIDC_HTTP_TIMEOUT", cfg.OIDCHTTPTimeout)

	cfg.HealthCheckInterval = envDuration("PROVIDER_HEALTH_INTERVAL", cfg.HealthCheckInterval)
	cfg.HealthCheckTimeout = envDuration("PROVIDER_HEALTH_TIMEOUT", cfg.HealthCheckTimeout)
}

func (c Config) validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.GRPCPort <= 0 {
		errs = append(errs, fmt.Errorf("http and grpc ports must be positive"))
	}
	if (c.JWTPrivateKeyPEM == "" || c.JWTPublicKeyPEM == "") && !c.AllowEphemeralJWT {
		errs = append(errs, fmt.Errorf("missing JWT_PRIVATE_KEY_PEM or JWT_PUBLIC_KEY_PEM"))
	}
	if c.WarningTime <= c.FinalWarningTime {
		errs = append(errs, fmt.Errorf("session warning time must exceed the final warning time"))
	}
	if c.SessionDuration <= c.WarningTime {
		errs = append(errs, fmt.Errorf("session duration must exceed the warning time"))
	}
	if c.OIDCIssuerURL != "" && c.OIDCClientID == "" {
		errs = append(errs, fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set"))
	}
	if (c.SeedUserEmail == "") != (c.SeedUserPassword == "") {
		errs = append(errs, fmt.Errorf("SEED_USER_EMAIL and SEED_USER_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setStrings(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envBool parses common boolean env forms while keeping a deterministic fallback.
func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

// envDuration accepts Go duration strings ("90s", "15m").
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}

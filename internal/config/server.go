package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerOpts holds process-wide settings recognized via flags and the
// environment keys documented in spec.md §6. This mirrors the shape of the
// teacher's internal/options.Opts but scoped to the gateway's own concerns
// (no session/TLS-termination settings; those belong to the fronting proxy).
type ServerOpts struct {
	LogLevel  zerolog.Level
	JSONLogs  bool
	Port      int
	Workers   int

	ClusterConfigPath string
	SecretsDir        string

	AllowedOrigins []string

	LDAPNetTimeout time.Duration
	LDAPOpTimeout  time.Duration

	PasswordCacheTTL time.Duration
	PoolIdleTTL      time.Duration
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

// envSecondsOrDefault parses a "_S"-suffixed env key as a plain integer
// count of seconds, per spec.md §6 (e.g. LDAP_NET_TIMEOUT_S=45).
func envSecondsOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, strconv.Itoa(int(d.Seconds())))

	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{Field: name, Message: "could not parse as integer seconds: " + err.Error()}
	}

	return time.Duration(secs) * time.Second, nil
}

func envIntOrDefault(name string, d int) (int, error) {
	raw := envStringOrDefault(name, strconv.Itoa(d))

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{Field: name, Message: "could not parse as int: " + err.Error()}
	}

	return v, nil
}

func envBoolOrDefault(name string, d bool) (bool, error) {
	raw := envStringOrDefault(name, strconv.FormatBool(d))

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ValidationError{Field: name, Message: "could not parse as bool: " + err.Error()}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{Field: name, Message: "could not parse as log level: " + err.Error()}
	}

	return raw, nil
}

func envOriginsOrDefault(name string) []string {
	raw := envStringOrDefault(name, "")
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))

	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}

	return origins
}

// ParseServerOpts parses environment variables and flags into ServerOpts. It
// loads .env/.env.local the way the teacher does, then layers flags on top
// so command-line invocation can still override the environment.
func ParseServerOpts() (*ServerOpts, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	jsonLogs, err := envBoolOrDefault("JSON_LOGS", false)
	if err != nil {
		return nil, err
	}

	port, err := envIntOrDefault("PORT", 8080)
	if err != nil {
		return nil, err
	}

	workers, err := envIntOrDefault("WORKERS", 4)
	if err != nil {
		return nil, err
	}

	ldapNetTimeout, err := envSecondsOrDefault("LDAP_NET_TIMEOUT_S", 30*time.Second)
	if err != nil {
		return nil, err
	}

	ldapOpTimeout, err := envSecondsOrDefault("LDAP_OP_TIMEOUT_S", 30*time.Second)
	if err != nil {
		return nil, err
	}

	passwordCacheTTL, err := envSecondsOrDefault("PASSWORD_CACHE_TTL_S", 3600*time.Second)
	if err != nil {
		return nil, err
	}

	poolIdleTTL, err := envSecondsOrDefault("POOL_IDLE_TTL_S", 300*time.Second)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")
		fClusterConfig = flag.String("cluster-config", envStringOrDefault("CLUSTER_CONFIG", "clusters.yaml"),
			"Path to the declarative cluster topology file.")
		fSecretsDir = flag.String("secrets-dir", envStringOrDefault("SECRETS_DIR", "./secrets"),
			"Directory holding the vault key file and per-cluster credential caches.")
		fPort    = flag.Int("port", port, "Listen port.")
		fWorkers = flag.Int("workers", workers, "Worker goroutine count hint for background tasks.")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	return &ServerOpts{
		LogLevel:          logLevel,
		JSONLogs:          jsonLogs,
		Port:              *fPort,
		Workers:           *fWorkers,
		ClusterConfigPath: *fClusterConfig,
		SecretsDir:        *fSecretsDir,
		AllowedOrigins:    envOriginsOrDefault("ALLOWED_ORIGINS"),
		LDAPNetTimeout:    ldapNetTimeout,
		LDAPOpTimeout:     ldapOpTimeout,
		PasswordCacheTTL:  passwordCacheTTL,
		PoolIdleTTL:       poolIdleTTL,
	}, nil
}

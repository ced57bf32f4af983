package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	AuthHMACSecret  string
	EnableLocalAuth bool
	AdminUser       string
	AdminPassHash   string // bcrypt

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	LogLevel string
	LogFile  string

	// SweepInterval enables the in-process scheduled-release sweep when > 0.
	SweepInterval      time.Duration
	RateLimitPerMinute int

	TracingEnabled  bool
	TracingEndpoint string

	NegativeMarkingDefault float64
	LatePenaltyDefault     float64
}

// CORSOrigins returns the allow-list for the current mode.
func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

// FromEnv reads the environment and an optional examd config file.
func FromEnv() Config {
	return Load(New())
}

// New returns a viper instance with defaults, env binding and config file search paths.
// Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("MODE", string(ModeOffline))
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("AUTH_HMAC_SECRET", "supersecret-dev-key")
	v.SetDefault("ENABLE_LOCAL_AUTH", true)
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("CORS_ORIGINS_ONLINE", "https://lms.mindengage.ai")
	v.SetDefault("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010,http://localhost:3020")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("SWEEP_INTERVAL", "0s")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 600)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_ENDPOINT", "http://localhost:14268/api/traces")
	v.SetDefault("NEGATIVE_MARKING_DEFAULT", 0.0)
	v.SetDefault("LATE_PENALTY_DEFAULT", 0.0)

	v.SetConfigName("examd")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examd")
	v.AddConfigPath("/etc/examd")
	return v
}

// Load reads the optional config file and materializes a Config.
func Load(v *viper.Viper) Config {
	_ = v.ReadInConfig() // the file is optional
	mode := Mode(strings.ToLower(v.GetString("MODE")))
	if mode != ModeOnline {
		mode = ModeOffline
	}
	return Config{
		Mode:                   mode,
		HTTPAddr:               v.GetString("HTTP_ADDR"),
		DBDriver:               v.GetString("DB_DRIVER"),
		DBDSN:                  v.GetString("DB_DSN"),
		AuthHMACSecret:         v.GetString("AUTH_HMAC_SECRET"),
		EnableLocalAuth:        v.GetBool("ENABLE_LOCAL_AUTH"),
		AdminUser:              v.GetString("ADMIN_USER"),
		AdminPassHash:          v.GetString("ADMIN_PASS_HASH"),
		CORSOriginsOnline:      csv(v.GetString("CORS_ORIGINS_ONLINE")),
		CORSOriginsOffline:     csv(v.GetString("CORS_ORIGINS_OFFLINE")),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogFile:                v.GetString("LOG_FILE"),
		SweepInterval:          v.GetDuration("SWEEP_INTERVAL"),
		RateLimitPerMinute:     v.GetInt("RATE_LIMIT_PER_MINUTE"),
		TracingEnabled:         v.GetBool("TRACING_ENABLED"),
		TracingEndpoint:        v.GetString("TRACING_ENDPOINT"),
		NegativeMarkingDefault: v.GetFloat64("NEGATIVE_MARKING_DEFAULT"),
		LatePenaltyDefault:     v.GetFloat64("LATE_PENALTY_DEFAULT"),
	}
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

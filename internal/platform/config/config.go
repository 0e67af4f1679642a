// Package config builds the runtime configuration from environment variables
// so main stays lean. A .env file in the working directory is honored the way
// the legacy deployments expect.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server captures HTTP server level configuration. PublicBaseURL is the
// externally reachable prefix used to build blockchain callback URLs.
type Server struct {
	Addr          string
	PublicBaseURL string
	JWTSigningKey string
}

// Database selects the document store backend. An empty DSN keeps the
// in-memory store, which is what development and tests run on.
type Database struct {
	DSN string
}

// Redis configures the partner response cache. An empty URL falls back to the
// in-process cache.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the lifecycle audit publisher. No brokers disables it.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Partner holds the endpoints and credentials of the university services the
// workflow talks to. Validation templates carry a literal {{uuid}} (or
// {{usuario}}/{{token}}) placeholder substituted at call time.
type Partner struct {
	BaseURL string

	TokenURL      string
	TokenUser     string
	TokenPassword string

	QRServiceURL  string
	StampsURL     string
	ChangeActaURL string

	ShortenURL string
	ShortenEnv string

	ActaValidationTemplate   string
	TituloValidationTemplate string
	OTPValidationTemplate    string

	StoreAPIURL      string
	StoreAPIUser     string
	StoreAPIPassword string

	RequestTimeout time.Duration
	RetryMax       int
}

// SLA configures the watchdog loop.
type SLA struct {
	ScanInterval    time.Duration
	OverrideMinutes map[string]int
	ExcludedSeries  []string
}

// Config is the root configuration for the service.
type Config struct {
	Server   Server
	Database Database
	Redis    Redis
	Kafka    Kafka
	Partner  Partner
	SLA      SLA

	TOTPBaseKey        string
	OTPValiditySeconds int
}

// FromEnv loads .env if present and reads every setting, applying development
// defaults where the variable is missing.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Server: Server{
			Addr:          getenv("DOCFLOW_ADDR", ":8080"),
			PublicBaseURL: getenv("DOCFLOW_PUBLIC_BASE_URL", "http://localhost:8080/ucasal/api"),
			JWTSigningKey: getenv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		},
		Database: Database{
			DSN: os.Getenv("DOCFLOW_DATABASE_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("DOCFLOW_REDIS_URL"),
			PoolSize:     getint("DOCFLOW_REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("DOCFLOW_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getseconds("DOCFLOW_REDIS_DIAL_TIMEOUT_SECONDS", 5),
			ReadTimeout:  getseconds("DOCFLOW_REDIS_READ_TIMEOUT_SECONDS", 3),
			WriteTimeout: getseconds("DOCFLOW_REDIS_WRITE_TIMEOUT_SECONDS", 3),
		},
		Kafka: Kafka{
			Brokers: split(os.Getenv("DOCFLOW_KAFKA_BROKERS")),
			Topic:   getenv("DOCFLOW_KAFKA_AUDIT_TOPIC", "docflow.lifecycle"),
		},
		Partner: Partner{
			BaseURL:       getenv("UCASAL_BASE_URL", "https://ucasal-uat.athento.com"),
			TokenURL:      getenv("UCASAL_TOKEN_SVC_URL", "https://api.ucasal.edu.ar/token"),
			TokenUser:     os.Getenv("UCASAL_TOKEN_SVC_USER"),
			TokenPassword: os.Getenv("UCASAL_TOKEN_SVC_PASSWORD"),
			QRServiceURL:  getenv("UCASAL_QR_SVC_URL", "https://api.qrserver.com/v1/create-qr-code/"),
			StampsURL:     getenv("UCASAL_STAMPS_SVC_URL", "https://api.ucasal.edu.ar/stamps"),
			ChangeActaURL: getenv("UCASAL_CHANGE_ACTA_SVC_URL", "https://api.ucasal.edu.ar/change-acta"),
			ShortenURL:    getenv("UCASAL_SHORTEN_URL_SVC_URL", "https://api.ucasal.edu.ar/shorten"),
			ShortenEnv:    getenv("UCASAL_SHORTEN_URL_SVC_ENV", "desarrollo"),
			ActaValidationTemplate: getenv("UCASAL_ACTA_VALIDATION_URL_TEMPLATE",
				"https://ucasal.edu.ar/validar/{{uuid}}"),
			TituloValidationTemplate: tituloValidationTemplate(),
			OTPValidationTemplate: getenv("UCASAL_OTP_VALIDATION_URL_TEMPLATE",
				"https://api.ucasal.edu.ar/otp/validate?usuario={{usuario}}&token={{token}}"),
			StoreAPIURL:      os.Getenv("ATHENTO_API_URL"),
			StoreAPIUser:     os.Getenv("ATHENTO_API_USER"),
			StoreAPIPassword: os.Getenv("ATHENTO_API_PASSWORD"),
			RequestTimeout:   getseconds("UCASAL_REQUEST_TIMEOUT_SECONDS", 30),
			RetryMax:         getint("UCASAL_RETRY_MAX", 3),
		},
		SLA: SLA{
			ScanInterval:    getseconds("DOCFLOW_SLA_SCAN_INTERVAL_SECONDS", 300),
			OverrideMinutes: minutesMap(os.Getenv("DOCFLOW_SLA_OVERRIDE_MINUTES")),
			ExcludedSeries:  split(getenv("DOCFLOW_SLA_EXCLUDED_SERIES", "actas_revisadas")),
		},
		TOTPBaseKey:        getenv("DOCFLOW_TOTP_BASE_KEY", "63f4d2f816aab7c7945278bce5bfc755"),
		OTPValiditySeconds: getint("UCASAL_OTP_VALIDITY_SECONDS", 300),
	}
}

// The título validation URL points at the testing validator outside
// production, matching what the legacy config did.
func tituloValidationTemplate() string {
	if v := os.Getenv("UCASAL_TITULO_VALIDATION_URL_TEMPLATE"); v != "" {
		return v
	}
	if getenv("UCASAL_SHORTEN_URL_SVC_ENV", "produccion") == "desarrollo" {
		return "https://www.ucasal.edu.ar/validar/index.php?d=titulo&e=testing&uuid={{uuid}}"
	}
	return "https://www.ucasal.edu.ar/validar/index.php?d=titulo&uuid={{uuid}}"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getseconds(key string, def int) time.Duration {
	return time.Duration(getint(key, def)) * time.Second
}

func split(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// minutesMap parses "State=minutes,State=minutes" pairs.
func minutesMap(v string) map[string]int {
	out := map[string]int{}
	for _, pair := range split(v) {
		name, mins, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(mins))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(name)] = n
	}
	return out
}

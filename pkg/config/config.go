package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DBConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

type DispatchConfig struct {
	Concurrency       int
	SendTimeout       time.Duration
	SendRatePerSec    float64
	ClaimLease        time.Duration
	FirstNameFallback string
}

type APIConfig struct {
	Port        string
	DB          DBConfig
	RMQURL      string
	EventsQueue string
	APIKeys     []string
	CORSOrigins []string
	SMTP        SMTPConfig
	Dispatch    DispatchConfig
}

type SweeperConfig struct {
	DB          DBConfig
	RMQURL      string
	EventsQueue string
	Schedule    string
	SMTP        SMTPConfig
	Dispatch    DispatchConfig
}

var (
	API     APIConfig
	Sweeper SweeperConfig
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

func getInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return n
}

func getFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return f
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("env %s: %v", k, err)
	}
	return d
}

func getList(k string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(k), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv reads .env when present; real environment variables win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env: %v", err)
	}
}

func loadDB() DBConfig {
	return DBConfig{
		DSN:          mustEnv("DB_DSN"),
		MaxOpenConns: getInt("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns: getInt("DB_MAX_IDLE_CONNS", 5),
	}
}

func loadSMTP() SMTPConfig {
	return SMTPConfig{
		Host:      getenv("SMTP_HOST", ""),
		Port:      getInt("SMTP_PORT", 587),
		Username:  getenv("SMTP_USERNAME", ""),
		Password:  getenv("SMTP_PASSWORD", ""),
		FromEmail: getenv("FROM_EMAIL", "no-reply@localhost"),
	}
}

func loadDispatch() DispatchConfig {
	d := DispatchConfig{
		Concurrency:       getInt("SWEEP_CONCURRENCY", 8),
		SendTimeout:       getDuration("SEND_TIMEOUT", 15*time.Second),
		SendRatePerSec:    getFloat("SEND_RATE_PER_SEC", 10),
		ClaimLease:        getDuration("CLAIM_LEASE", 10*time.Minute),
		FirstNameFallback: getenv("FIRST_NAME_FALLBACK", "there"),
	}
	if d.Concurrency < 1 {
		log.Fatalf("SWEEP_CONCURRENCY must be positive")
	}
	if d.ClaimLease <= d.SendTimeout {
		log.Fatalf("CLAIM_LEASE (%s) must be longer than SEND_TIMEOUT (%s)", d.ClaimLease, d.SendTimeout)
	}
	return d
}

func MustLoadAPI() {
	loadDotEnv()
	API = APIConfig{
		Port:        getenv("PORT", "8080"),
		DB:          loadDB(),
		RMQURL:      getenv("RMQ_URL", ""),
		EventsQueue: getenv("EVENTS_QUEUE", "campaign_events"),
		APIKeys:     getList("API_KEYS"),
		CORSOrigins: getList("CORS_ALLOW_ORIGINS"),
		SMTP:        loadSMTP(),
		Dispatch:    loadDispatch(),
	}
	if len(API.APIKeys) == 0 {
		log.Fatalf("required env API_KEYS is not set")
	}
}

func MustLoadSweeper() {
	loadDotEnv()
	Sweeper = SweeperConfig{
		DB:          loadDB(),
		RMQURL:      getenv("RMQ_URL", ""),
		EventsQueue: getenv("EVENTS_QUEUE", "campaign_events"),
		Schedule:    getenv("SWEEP_SCHEDULE", "@every 5m"),
		SMTP:        loadSMTP(),
		Dispatch:    loadDispatch(),
	}
}

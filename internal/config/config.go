package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the server.
type Config struct {
	Port int

	// Remote source
	APIBaseURL        string
	RequestTimeout    time.Duration
	MaxPages          int
	RequestsPerSecond float64
	RequestBurst      int

	// Draw policy
	AllowRepeatWinners bool

	// Session housekeeping
	SessionIdleTimeout time.Duration
	CleanupInterval    time.Duration

	Verbose bool
	GinMode string
}

// Default returns the settings used when neither flags nor environment say otherwise.
func Default() Config {
	return Config{
		Port:               8080,
		APIBaseURL:         "https://api.twitter.com/2",
		RequestTimeout:     15 * time.Second,
		MaxPages:           100,
		RequestsPerSecond:  1,
		RequestBurst:       5,
		AllowRepeatWinners: true,
		SessionIdleTimeout: time.Hour,
		CleanupInterval:    10 * time.Minute,
		Verbose:            true,
		GinMode:            "debug",
	}
}

// Parse reads flags from args, falling back to environment variables (and a
// .env file in the working directory, if present) for anything not set on the
// command line.
func Parse(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("roulette", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "p", cfg.Port, "Server port")
	fs.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "Base URL of the remote API")
	fs.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "Timeout for each remote request")
	fs.IntVar(&cfg.MaxPages, "max-pages", cfg.MaxPages, "Maximum pages fetched per collection")
	fs.Float64Var(&cfg.RequestsPerSecond, "rps", cfg.RequestsPerSecond, "Remote requests per second")
	fs.IntVar(&cfg.RequestBurst, "burst", cfg.RequestBurst, "Remote request burst")
	fs.BoolVar(&cfg.AllowRepeatWinners, "allow-repeat-winners", cfg.AllowRepeatWinners, "Allow the same retweeter to win more than once")
	fs.DurationVar(&cfg.SessionIdleTimeout, "session-idle", cfg.SessionIdleTimeout, "Drop sessions idle for longer than this")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "How often idle sessions are swept")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.GinMode, "gin-mode", cfg.GinMode, "gin mode (debug, release, test)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("invalid PORT env variable")
		}
		cfg.Port = port
	}
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("invalid REQUEST_TIMEOUT env variable")
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("MAX_PAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("invalid MAX_PAGES env variable")
		}
		cfg.MaxPages = n
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.New("invalid REQUESTS_PER_SECOND env variable")
		}
		cfg.RequestsPerSecond = f
	}
	if v := os.Getenv("REQUEST_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("invalid REQUEST_BURST env variable")
		}
		cfg.RequestBurst = n
	}
	if v := os.Getenv("ALLOW_REPEAT_WINNERS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("invalid ALLOW_REPEAT_WINNERS env variable")
		}
		cfg.AllowRepeatWinners = b
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("invalid SESSION_IDLE_TIMEOUT env variable")
		}
		cfg.SessionIdleTimeout = d
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("invalid CLEANUP_INTERVAL env variable")
		}
		cfg.CleanupInterval = d
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("invalid VERBOSE env variable")
		}
		cfg.Verbose = b
	}
	if v := os.Getenv("GIN_MODE"); v != "" {
		cfg.GinMode = v
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.APIBaseURL == "":
		return errors.New("API base URL required (use -api or API_BASE_URL env)")
	case c.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case c.MaxPages <= 0:
		return errors.New("max pages must be positive")
	case c.RequestsPerSecond <= 0:
		return errors.New("requests per second must be positive")
	case c.RequestBurst <= 0:
		return errors.New("request burst must be positive")
	case c.SessionIdleTimeout <= 0 || c.CleanupInterval <= 0:
		return errors.New("session timings must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

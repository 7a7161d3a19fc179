package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://reconciler.db"`

	Stripe Stripe `envPrefix:"STRIPE_"`
}

type Stripe struct {
	SecretKey        string        `env:"SECRET_KEY,notEmpty"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET,notEmpty"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host        string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port        string `env:"HTTP_PORT" envDefault:"8080"`
	MaxBodySize string `env:"WEBHOOK_MAX_BODY" envDefault:"64K"`
}

func (h HTTPServer) Address() string {
	return h.Host + ":" + h.Port
}

// Load parses the process environment. Missing processor credentials are
// reported here so the service never starts without them.
func Load() (*Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Stripe.WebhookTolerance <= 0 {
		return nil, fmt.Errorf("parse config: STRIPE_WEBHOOK_TOLERANCE must be positive")
	}

	return cfg, nil
}

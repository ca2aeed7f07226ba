package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcosimioni/messenger"
	"github.com/marcosimioni/messenger/management"
	"github.com/marcosimioni/messenger/rabbitmq"
)

// envPrefix prefixes the environment variables overriding the credentials file.
const envPrefix = "MESSENGER_"

const (
	defaultPort           = 5672
	defaultTLSPort        = 5671
	defaultManagementPort = 15672
	defaultHeartbeat      = 10 * time.Second
)

// Config broker credentials as found in a credentials file.
type Config struct {
	Host     string `json:"broker_host"`
	Port     int    `json:"broker_port"`
	Vhost    string `json:"broker_vhost"`
	User     string `json:"broker_user"`
	Password string `json:"broker_password"`
	// Cert a base64 encoded PEM CA bundle used to verify the broker.
	Cert string `json:"broker_cert_b64_enc"`
	TLS  bool   `json:"broker_tls"`

	ManagementURL      string `json:"management_url"`
	ManagementUser     string `json:"management_user"`
	ManagementPassword string `json:"management_password"`

	tls *tls.Config
}

// LoadConfig reads the credentials file at path, then applies MESSENGER_* environment overrides.
// An empty path loads from the environment only.
func LoadConfig(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err = json.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// getEnv returns the named variable or fallback when it is unset.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() error {
	for key, field := range map[string]*string{
		"BROKER_HOST":         &c.Host,
		"BROKER_VHOST":        &c.Vhost,
		"BROKER_USER":         &c.User,
		"BROKER_PASSWORD":     &c.Password,
		"BROKER_CERT_B64_ENC": &c.Cert,
		"MANAGEMENT_URL":      &c.ManagementURL,
		"MANAGEMENT_USER":     &c.ManagementUser,
		"MANAGEMENT_PASSWORD": &c.ManagementPassword,
	} {
		*field = getEnv(key, *field)
	}

	if v := getEnv("BROKER_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sBROKER_PORT: %w", envPrefix, err)
		}
		c.Port = port
	}
	if v := getEnv("BROKER_TLS", ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sBROKER_TLS: %w", envPrefix, err)
		}
		c.TLS = enabled
	}
	return nil
}

// Validate checks the required fields are set, fills in defaults and decodes the certificate.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("broker_host required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("broker_user required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker_port %d out of range", c.Port))
	}
	if c.Cert != "" && !c.TLS {
		errs = append(errs, errors.New("broker_cert_b64_enc set without broker_tls"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if c.Vhost == "" {
		c.Vhost = "/"
	}
	if c.Port == 0 {
		c.Port = defaultPort
		if c.TLS {
			c.Port = defaultTLSPort
		}
	}

	if c.TLS {
		c.tls = &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
		if c.Cert != "" {
			pool, err := certPool(c.Cert)
			if err != nil {
				return fmt.Errorf("config: broker_cert_b64_enc: %w", err)
			}
			c.tls.RootCAs = pool
		}
	}
	return nil
}

func certPool(encoded string) (*x509.CertPool, error) {
	pem, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificate found")
	}
	return pool, nil
}

// URL the AMQP url of the broker, credentials and vhost travel in the dial config instead.
func (c *Config) URL() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}).String()
}

// Dialer returns a dialer for the validated configuration.
func (c *Config) Dialer(ctx context.Context) messenger.Dialer {
	return rabbitmq.DialConfig(ctx, c.URL(), rabbitmq.Config{
		SASL:            []rabbitmq.Authentication{&rabbitmq.PlainAuth{Username: c.User, Password: c.Password}},
		Vhost:           c.Vhost,
		Heartbeat:       defaultHeartbeat,
		TLSClientConfig: c.tls,
	})
}

// Management the management API configuration, missing fields fall back to the broker host and credentials.
func (c *Config) Management() management.Config {
	cfg := management.Config{
		URL:      c.ManagementURL,
		Username: c.ManagementUser,
		Password: c.ManagementPassword,
	}
	if cfg.URL == "" {
		scheme := "http"
		if c.TLS {
			scheme = "https"
		}
		cfg.URL = (&url.URL{Scheme: scheme, Host: net.JoinHostPort(c.Host, strconv.Itoa(defaultManagementPort))}).String()
	}
	if cfg.Username == "" {
		cfg.Username, cfg.Password = c.User, c.Password
	}
	if c.tls != nil {
		cfg.Transport = &http.Transport{TLSClientConfig: c.tls}
	}
	return cfg
}

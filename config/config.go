// Package config loads the two configuration documents the filter needs:
// a TOML service config (bind address, logging, metrics, clusters) in the
// style of the project's older config.go, and a JSON filter config
// matching the wire schema consumed at filter construction.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"

	"github.com/BurntSushi/toml"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
)

const (
	defaultBindHost          = ""
	defaultBindPort          = 8080
	defaultMetricsBindPort   = 9090
	defaultJWKSRefreshDelay  = 60000
	defaultHeaderName        = "Authenticated-User-Jwt"
)

// ServiceConfig is the outer, operator-facing TOML document: where to
// listen, how to log, where upstream clusters live.
type ServiceConfig struct {
	BindHost         string            `toml:"bind-host"`
	BindPort         int               `toml:"bind-port"`
	MetricsBindPort  int               `toml:"metrics-bind-port"`
	PprofEnabled     bool              `toml:"pprof-enabled"`
	LogJSON          bool              `toml:"log-json-output"`
	TraceHeader      string            `toml:"trace-header-name"`
	HeaderName       string            `toml:"jwt-header-name"`
	FilterConfigPath string            `toml:"filter-config-path"`
	Upstream         string            `toml:"upstream-base-url"`
	Clusters         map[string]string `toml:"clusters"`
	Redis            RedisConfig       `toml:"redis"`
}

// RedisConfig configures the optional JWKS snapshot cache.
type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
}

// LoadServiceConfig reads and parses a TOML service config, applying the
// same reasonable-defaults-then-overlay pattern as the rest of this
// project's config loading.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := &ServiceConfig{
		BindHost:        defaultBindHost,
		BindPort:        defaultBindPort,
		MetricsBindPort: defaultMetricsBindPort,
		HeaderName:      defaultHeaderName,
	}
	if path != "" {
		bs, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading service config: %w", err)
		}
		if _, err := toml.Decode(string(bs), cfg); err != nil {
			return nil, fmt.Errorf("config: parsing service config: %w", err)
		}
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = defaultHeaderName
	}
	return cfg, nil
}

// FilterConfig is the JSON document consumed at filter construction,
// matching the external interface schema exactly.
type FilterConfig struct {
	Issuer             string            `json:"iss"`
	Audiences          []string          `json:"aud"`
	Keys               []json.RawMessage `json:"keys"`
	JWKSAPICluster     string            `json:"jwks_api_cluster"`
	JWKSAPIPath        string            `json:"jwks_api_path"`
	JWKSRefreshDelayMS int               `json:"jwks_refresh_delay_ms"`
}

// LoadFilterConfig reads and parses the JSON filter config from disk.
func LoadFilterConfig(path string) (*FilterConfig, error) {
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading filter config: %w", err)
	}
	var fc FilterConfig
	if err := json.Unmarshal(bs, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing filter config: %w", err)
	}
	if fc.JWKSRefreshDelayMS == 0 {
		fc.JWKSRefreshDelayMS = defaultJWKSRefreshDelay
	}
	return &fc, nil
}

// Validate enforces the schema's rejected-configuration rules. clusters is
// the set of upstream cluster names the service config knows about, used
// to reject an unknown jwks_api_cluster reference. It returns the static
// keys it was able to import, so callers don't need to re-parse Keys.
func (fc *FilterConfig) Validate(clusters map[string]string) ([]*jwt.PublicKey, error) {
	if fc.Issuer == "" {
		return nil, fmt.Errorf("config: iss must not be empty")
	}

	hasStaticKeys := len(fc.Keys) > 0
	if !hasStaticKeys && fc.JWKSAPICluster == "" {
		return nil, fmt.Errorf("config: one of keys or jwks_api_cluster is required")
	}

	var imported []*jwt.PublicKey
	for i, raw := range fc.Keys {
		pk, err := jwt.ImportJWK(raw)
		if err != nil {
			return nil, fmt.Errorf("config: static key %d: %w", i, err)
		}
		imported = append(imported, pk)
	}

	if !hasStaticKeys {
		if _, ok := clusters[fc.JWKSAPICluster]; !ok {
			return nil, fmt.Errorf("config: jwks_api_cluster %q is not a known upstream", fc.JWKSAPICluster)
		}
		if fc.JWKSAPIPath == "" {
			return nil, fmt.Errorf("config: jwks_api_path must not be empty when fetching")
		}
	}

	return imported, nil
}

// AudienceSet builds the allowed-audience lookup set the verifier needs.
func (fc *FilterConfig) AudienceSet() map[string]struct{} {
	set := make(map[string]struct{}, len(fc.Audiences))
	for _, a := range fc.Audiences {
		set[a] = struct{}{}
	}
	return set
}

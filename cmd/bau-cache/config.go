package main

import (
	"fmt"
	"os"
	"time"

	offlinecache "github.com/bau-structura/offline-cache"
	apiroutes "github.com/bau-structura/offline-cache/pkg/api-routes"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BAU_CACHE_"

type Config struct {
	Port         int    `yaml:"port" env:"PORT"`
	Upstream     string `yaml:"upstream" env:"UPSTREAM"`
	UpstreamHost string `yaml:"upstreamHost" env:"UPSTREAM_HOST"`
	AppOrigin    string `yaml:"appOrigin" env:"APP_ORIGIN"`
	// Cache DB file name, "memory" for an in-memory cache.
	DB                string           `yaml:"db" env:"DB"`
	StaticCache       string           `yaml:"staticCache" env:"STATIC_CACHE"`
	DynamicCache      string           `yaml:"dynamicCache" env:"DYNAMIC_CACHE"`
	Precache          []string         `yaml:"precache" env:"PRECACHE" envSeparator:","`
	APIPatterns       apiroutes.Routes `yaml:"apiPatterns" env:"API_PATTERNS" envSeparator:","`
	RevalidateTimeout time.Duration    `yaml:"revalidateTimeout" env:"REVALIDATE_TIMEOUT"`
	LogFile           string           `yaml:"logFile" env:"LOG_FILE"`
}

func defaultConfig() Config {
	return Config{
		Port:         8080,
		DB:           "cache.db",
		StaticCache:  offlinecache.StaticCacheName,
		DynamicCache: offlinecache.DynamicCacheName,
		Precache:     offlinecache.DefaultPrecache,
		APIPatterns:  apiroutes.Default(),
	}
}

// loadConfig reads the defaults, then the config file (if any), then the environment.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

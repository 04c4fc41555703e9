package offlinecache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file format.
type FileConfig struct {
	Origin                 string   `yaml:"origin"`
	Host                   string   `yaml:"host"`
	CacheName              string   `yaml:"cacheName"`
	Precache               []string `yaml:"precache"`
	ScopeFallbackToCurrent bool     `yaml:"scopeFallbackToCurrent"`
	CacheStatus            bool     `yaml:"cacheStatus"`
}

// ReadConfigFile reads the configuration file.
// Cache name and precache list default to the creation studio shell when not set.
func ReadConfigFile(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	if config.CacheName == "" {
		config.CacheName = DefaultCacheName
	}
	if config.Precache == nil {
		config.Precache = DefaultPrecacheURLs
	}
	return config, nil
}

package config

import "time"

// Config is the development host configuration.
type Config struct {
	Listen      string        `yaml:"listen"`
	AdminListen string        `yaml:"admin_listen"`
	Upstream    string        `yaml:"upstream"`
	Logging     LoggingConfig `yaml:"logging"`
	Tracing     TracingConfig `yaml:"tracing"`
	Wasm        WasmConfig    `yaml:"wasm"`
	Plugin      PluginConfig  `yaml:"plugin"`
}

// LoggingConfig defines host logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"` // empty means stdout
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes before rotation
	MaxBackups int  `yaml:"max_backups"` // rotated files to keep
	MaxAge     int  `yaml:"max_age"`     // days to retain rotated files
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// WasmConfig defines the shared wazero runtime settings
type WasmConfig struct {
	RuntimeMode      string `yaml:"runtime_mode"`       // "compiler" (default) or "interpreter"
	MaxMemoryPages   int    `yaml:"max_memory_pages"`   // 64KiB pages per instance
	CompileCacheSize int    `yaml:"compile_cache_size"` // compiled modules kept by checksum
}

// PluginConfig defines the proxy-wasm plugin served by the host
type PluginConfig struct {
	Name            string        `yaml:"name"`
	Path            string        `yaml:"path"`
	URL             string        `yaml:"url"`
	SHA256          string        `yaml:"sha256"`
	Native          bool          `yaml:"native"` // run the built-in filter in-process
	Configuration   string        `yaml:"configuration"`
	VMConfiguration string        `yaml:"vm_configuration"`
	FailOpen        bool          `yaml:"fail_open"`
	PoolSize        int           `yaml:"pool_size"`
	Timeout         time.Duration `yaml:"timeout"`       // per guest callback
	PauseTimeout    time.Duration `yaml:"pause_timeout"` // per paused phase
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig defines when repeated guest traps short-circuit the plugin
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen:      ":8080",
		AdminListen: ":9901",
		Logging: LoggingConfig{
			Level: "info",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "wasmfilter-host",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Wasm: WasmConfig{
			RuntimeMode:      "compiler",
			MaxMemoryPages:   256,
			CompileCacheSize: 16,
		},
		Plugin: PluginConfig{
			Name:         "custom-header",
			PoolSize:     4,
			Timeout:      50 * time.Millisecond,
			PauseTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
	}
}

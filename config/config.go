/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort            = 8080
	defaultProducerPort        = 50051
	defaultICAPPort            = 1344
	defaultProcessingTimeoutMS = 30000
	defaultInlineThreshold     = 64 * 1024
	defaultFileThresholdMB     = 10
	defaultMaxBodyBytes        = 2 << 30
	defaultChunkSize           = 1024 * 1024
	defaultResultTTLSeconds    = 60
	defaultCacheTTLSeconds     = 3600
	defaultReloadTimeoutSec    = 120
	defaultDrainTimeoutSec     = 30
	defaultBlockStatusCode     = 406
)

type AppConfig struct {
	Redis        Redis
	Clamd        Clamd
	Scan         Scan
	Producer     Producer
	Consumer     Consumer
	Cache        Cache
	HTTPServer   HTTPServer
	Notification Notification
}

type Redis struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required"`
	Password string
	UseTLS   bool
	Prefix   string
}

type Clamd struct {
	URL string `yaml:"url" mapstructure:"url" validate:"required"`
}

type Scan struct {
	TmpDir               string `yaml:"tmp_dir" mapstructure:"tmp_dir"`
	FileThresholdMB      int    `yaml:"file_threshold_mb" mapstructure:"file_threshold_mb"`
	InlineThresholdBytes int    `yaml:"inline_threshold_bytes" mapstructure:"inline_threshold_bytes"`
	MaxBodyBytes         int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ChunkSizeBytes       int    `yaml:"chunk_size_bytes" mapstructure:"chunk_size_bytes"`
	SharedMount          bool   `yaml:"shared_mount" mapstructure:"shared_mount"`
}

type Producer struct {
	Port                int
	ICAPPort            int  `yaml:"icap_port" mapstructure:"icap_port"`
	ICAPEnabled         bool `yaml:"icap_enabled" mapstructure:"icap_enabled"`
	ProcessingTimeoutMS int  `yaml:"processing_timeout_ms" mapstructure:"processing_timeout_ms"`
	FailureModeAllow    bool `yaml:"failure_mode_allow" mapstructure:"failure_mode_allow"`
	BlockStatusCode     int  `yaml:"block_status_code" mapstructure:"block_status_code"`
	ScanResponseHeaders bool `yaml:"scan_response_headers" mapstructure:"scan_response_headers"`
	// EnqueuePerMinute bounds task emission; zero disables congestion control.
	EnqueuePerMinute int `yaml:"enqueue_per_minute" mapstructure:"enqueue_per_minute"`
}

type Consumer struct {
	Workers          int
	DrainTimeoutSec  int    `yaml:"drain_timeout_sec" mapstructure:"drain_timeout_sec"`
	ReloadTimeoutSec int    `yaml:"reload_timeout_sec" mapstructure:"reload_timeout_sec"`
	NodeID           string `yaml:"node_id" mapstructure:"node_id"`
}

type Cache struct {
	TrustedHosts []string `yaml:"trusted_hosts" mapstructure:"trusted_hosts"`
	BypassHosts  []string `yaml:"bypass_hosts" mapstructure:"bypass_hosts"`
	TTLSeconds   int      `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

type HTTPServer struct {
	Port     int
	Profiler bool
	Metrics  bool
	DebugLog bool `yaml:"debug_log" mapstructure:"debug_log"`
}

type Notification struct {
	Slack Slack
}

type Slack struct {
	Webhook   string
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id"`
}

func NewConfig() *AppConfig {
	return &AppConfig{
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Clamd: Clamd{
			URL: "tcp://127.0.0.1:3310",
		},
		Scan: Scan{
			TmpDir:               "/tmp/virusscan",
			FileThresholdMB:      defaultFileThresholdMB,
			InlineThresholdBytes: defaultInlineThreshold,
			MaxBodyBytes:         defaultMaxBodyBytes,
			ChunkSizeBytes:       defaultChunkSize,
		},
		Producer: Producer{
			Port:                defaultProducerPort,
			ICAPPort:            defaultICAPPort,
			ProcessingTimeoutMS: defaultProcessingTimeoutMS,
			FailureModeAllow:    true,
			BlockStatusCode:     defaultBlockStatusCode,
			ScanResponseHeaders: true,
		},
		Consumer: Consumer{
			DrainTimeoutSec:  defaultDrainTimeoutSec,
			ReloadTimeoutSec: defaultReloadTimeoutSec,
		},
		Cache: Cache{
			TTLSeconds: defaultCacheTTLSeconds,
		},
		HTTPServer: HTTPServer{
			Port:    defaultHTTPPort,
			Metrics: true,
		},
	}
}

// RegisterFlags declares the CLI mirror of the environment variables.
// Flags take precedence over env, env over the config file, file over defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("redis-host", "localhost", "Redis host")
	fs.Int("redis-port", 6379, "Redis port")
	fs.String("clamd-url", "tcp://127.0.0.1:3310", "clamd URL (tcp://host:port or unix:///path)")
	fs.String("scan-tmp-dir", "/tmp/virusscan", "shared mount for SHARED_DISK tasks")
	fs.Int("scan-file-threshold-mb", defaultFileThresholdMB, "buffer-to-disk spill threshold in MiB")
	fs.Int("producer-port", defaultProducerPort, "gRPC ext_proc listen port")
	fs.Int("processing-timeout-ms", defaultProcessingTimeoutMS, "verdict wait timeout in milliseconds")
	fs.Bool("failure-mode-allow", true, "admit traffic when scanning fails or times out")
	fs.Int("workers", 0, "consumer workers (0 = number of CPU cores)")
}

var flagBindings = map[string]string{
	"redis/host":                     "redis-host",
	"redis/port":                     "redis-port",
	"clamd/url":                      "clamd-url",
	"scan/tmp_dir":                   "scan-tmp-dir",
	"scan/file_threshold_mb":         "scan-file-threshold-mb",
	"producer/port":                  "producer-port",
	"producer/processing_timeout_ms": "processing-timeout-ms",
	"producer/failure_mode_allow":    "failure-mode-allow",
	"consumer/workers":               "workers",
}

// Spec-mandated env names that do not follow the section_key derivation.
var envBindings = map[string][]string{
	"scan/tmp_dir":                   {"SCAN_TMP_DIR"},
	"scan/file_threshold_mb":         {"SCAN_FILE_THRESHOLD_MB"},
	"producer/processing_timeout_ms": {"PROCESSING_TIMEOUT_MS"},
	"producer/failure_mode_allow":    {"FAILURE_MODE_ALLOW"},
	"clamd/url":                      {"CLAMD_URL"},
}

func validateConfig(config AppConfig) error {
	if err := validator.New().Struct(config); err != nil {
		return err
	}

	if config.Scan.InlineThresholdBytes <= 0 {
		return fmt.Errorf("inline threshold must be positive")
	}

	if int64(config.Scan.FileThresholdMB)*1024*1024 > config.Scan.MaxBodyBytes {
		return fmt.Errorf("file threshold exceeds absolute body cap")
	}

	return nil
}

// see supershal approach https://github.com/spf13/viper/issues/188
func LoadConfig(fs *pflag.FlagSet) (AppConfig, error) {
	const keyDelimiter = "/"
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))

	// set default values in viper.
	// Viper needs to know if a key exists in order to override it.
	// https://github.com/spf13/viper/issues/188
	b, err := yaml.Marshal(NewConfig())
	if err != nil {
		return AppConfig{}, err
	}

	defaultConfig := bytes.NewReader(b)

	v.AddConfigPath(os.Getenv("CONFIG_DIR"))
	v.AddConfigPath(".")
	v.AddConfigPath("/app/data/")
	v.AddConfigPath("/app/config/")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.MergeConfig(defaultConfig); err != nil {
		return AppConfig{}, err
	}

	// Config file is optional; env and flags carry the full surface.
	if err := v.MergeInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return AppConfig{}, err
		}
	}

	// tell viper to overwrite env variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return AppConfig{}, err
		}
	}

	if fs != nil {
		for key, flagName := range flagBindings {
			flag := fs.Lookup(flagName)
			if flag == nil {
				continue
			}
			// Only explicitly-set flags override env and file values.
			if flag.Changed {
				v.Set(key, flag.Value.String())
			}
		}
	}

	// refresh configuration with all merged values
	config := AppConfig{}
	err = v.Unmarshal(&config)

	if err != nil {
		return AppConfig{}, err
	}

	err = validateConfig(config)
	if err != nil {
		return AppConfig{}, err
	}

	return config, nil
}

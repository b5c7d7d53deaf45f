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
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

func TestDefaultsLoadWithoutConfigFile(t *testing.T) {
	cfg, err := LoadConfig(nil)
	assert.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "tcp://127.0.0.1:3310", cfg.Clamd.URL)
	assert.Equal(t, "/tmp/virusscan", cfg.Scan.TmpDir)
	assert.Equal(t, 10, cfg.Scan.FileThresholdMB)
	assert.Equal(t, 64*1024, cfg.Scan.InlineThresholdBytes)
	assert.Equal(t, int64(2<<30), cfg.Scan.MaxBodyBytes)
	assert.Equal(t, 50051, cfg.Producer.Port)
	assert.Equal(t, 30000, cfg.Producer.ProcessingTimeoutMS)
	assert.True(t, cfg.Producer.FailureModeAllow)
	assert.Equal(t, 406, cfg.Producer.BlockStatusCode)
	assert.Equal(t, 8080, cfg.HTTPServer.Port)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("CLAMD_URL", "unix:///run/clamd.sock")
	t.Setenv("SCAN_TMP_DIR", "/mnt/scan")
	t.Setenv("SCAN_FILE_THRESHOLD_MB", "25")
	t.Setenv("PROCESSING_TIMEOUT_MS", "15000")
	t.Setenv("FAILURE_MODE_ALLOW", "false")

	cfg, err := LoadConfig(nil)
	assert.NoError(t, err)

	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "unix:///run/clamd.sock", cfg.Clamd.URL)
	assert.Equal(t, "/mnt/scan", cfg.Scan.TmpDir)
	assert.Equal(t, 25, cfg.Scan.FileThresholdMB)
	assert.Equal(t, 15000, cfg.Producer.ProcessingTimeoutMS)
	assert.False(t, cfg.Producer.FailureModeAllow)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("REDIS_HOST", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	assert.NoError(t, fs.Parse([]string{"--redis-host=from-flag", "--processing-timeout-ms=5000"}))

	cfg, err := LoadConfig(fs)
	assert.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Redis.Host)
	assert.Equal(t, 5000, cfg.Producer.ProcessingTimeoutMS)
}

func TestInvalidThresholdsRejected(t *testing.T) {
	t.Setenv("SCAN_FILE_THRESHOLD_MB", "999999")

	_, err := LoadConfig(nil)
	assert.Error(t, err)
}

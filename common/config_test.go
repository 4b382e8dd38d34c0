// Copyright 2024-2025 The tracksync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValues(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))

	validate := validator.New()
	assert.Nil(validate.Struct(&config))

	// Gateway defaults
	assert.Equal("0.0.0.0", config.Gateway.HTTPSetting.Server.ListenOn)
	assert.Equal(uint16(3000), config.Gateway.HTTPSetting.Server.Port)
	assert.Equal("/", config.Gateway.Endpoints.PathPrefix)
	assert.Equal(
		"Tracksync-Request-ID", config.Gateway.HTTPSetting.Logging.RequestIDHeader,
	)
	assert.Equal(64, config.Gateway.Websocket.SendQueueDepth)
	assert.Greater(config.Gateway.Websocket.PongWait, config.Gateway.Websocket.WriteWait)

	// Validation pipeline defaults
	assert.Equal("memory", config.Validation.QueueBackend)
	assert.Equal(256, config.Validation.QueueDepth)
	assert.GreaterOrEqual(config.Validation.Retry.MaxAttempts, 2)
	assert.GreaterOrEqual(
		config.Validation.Retry.MaxBackoff, config.Validation.Retry.InitialBackoff,
	)

	// NATS defaults only matter with the jetstream backend, but stay valid
	assert.NotNil(config.NATS)
	assert.Equal("nats://127.0.0.1:4222", config.NATS.ServerURI)
	assert.Equal(-1, config.NATS.Reconnect.MaxAttempts)

	// Broadcast defaults
	assert.Equal(64, config.Broadcast.TaskBuffer)
	assert.Equal(4, config.Broadcast.Workers)
}

func TestConfigOverride(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()
	viper.Set("validation.queue_backend", "jetstream")
	viper.Set("validation.workers", 8)
	viper.Set("gateway.api_server.server_config.listen_port", 9000)

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.Nil(validator.New().Struct(&config))

	assert.Equal("jetstream", config.Validation.QueueBackend)
	assert.Equal(8, config.Validation.Workers)
	assert.Equal(uint16(9000), config.Gateway.HTTPSetting.Server.Port)
}

func TestConfigValidation(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()
	viper.Set("validation.queue_backend", "carrier-pigeon")

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.NotNil(validator.New().Struct(&config))
}

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

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebsocketConfig defines per-connection websocket transport parameters
type WebsocketConfig struct {
	// ReadBufferSize is the websocket read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=256"`
	// WriteBufferSize is the websocket write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=256"`
	// SendQueueDepth is the max number of outbound frames buffered per
	// connection. A connection whose queue overflows is dropped.
	SendQueueDepth int `mapstructure:"send_queue_depth" json:"send_queue_depth" validate:"gte=1"`
	// PongWait is the max duration to wait for a pong reply in seconds
	PongWait int `mapstructure:"pong_wait_sec" json:"pong_wait_sec" validate:"gte=1"`
	// WriteWait is the max duration for a single frame write in seconds
	WriteWait int `mapstructure:"write_wait_sec" json:"write_wait_sec" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the realtime gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Websocket is the websocket transport parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
}

// ===============================================================================
// Validation Pipeline Related Config

// ValidationRetryConfig defines rule engine retry parameters
type ValidationRetryConfig struct {
	// MaxAttempts is the max number of rule engine calls per job, first try included
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=2"`
	// InitialBackoff is the backoff after the first failed attempt in milliseconds
	InitialBackoff int `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms" validate:"gte=1"`
	// MaxBackoff caps the exponential backoff in milliseconds
	MaxBackoff int `mapstructure:"max_backoff_ms" json:"max_backoff_ms" validate:"gte=1"`
}

// ValidationConfig defines configuration for the validation job pipeline
type ValidationConfig struct {
	// QueueBackend selects the job queue backing: in-process or JetStream
	QueueBackend string `mapstructure:"queue_backend" json:"queue_backend" validate:"required,oneof=memory jetstream"`
	// QueueDepth is the in-process queue depth
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
	// Workers is the number of validation worker tasks
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// StreamName is the JetStream stream holding validation jobs
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// SubjectName is the JetStream subject validation jobs are published under
	SubjectName string `mapstructure:"subject_name" json:"subject_name" validate:"required"`
	// ConsumerName is the JetStream consumer the workers claim jobs through
	ConsumerName string `mapstructure:"consumer_name" json:"consumer_name" validate:"required"`
	// Retry defines rule engine retry parameters
	Retry ValidationRetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
}

// ===============================================================================
// Broadcast Related Config

// BroadcastConfig defines configuration for the activity change fan-out engine
type BroadcastConfig struct {
	// TaskBuffer is the depth of the fan-out task queue
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// Workers is the number of parallel fan-out workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway server
type SystemConfig struct {
	// NATS are the NATS related config parameters. Only required when the
	// validation queue backend is "jetstream".
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Gateway are the realtime gateway server configs
	Gateway GatewayServerConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Validation are the validation pipeline configs
	Validation ValidationConfig `mapstructure:"validation" json:"validation" validate:"required,dive"`
	// Broadcast are the fan-out engine configs
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Tracksync-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.websocket.read_buffer_size", 4096)
	viper.SetDefault("gateway.websocket.write_buffer_size", 4096)
	viper.SetDefault("gateway.websocket.send_queue_depth", 64)
	viper.SetDefault("gateway.websocket.pong_wait_sec", 60)
	viper.SetDefault("gateway.websocket.write_wait_sec", 10)

	// Default validation pipeline settings
	viper.SetDefault("validation.queue_backend", "memory")
	viper.SetDefault("validation.queue_depth", 256)
	viper.SetDefault("validation.workers", 2)
	viper.SetDefault("validation.stream_name", "tracksyncValidation")
	viper.SetDefault("validation.subject_name", "tracksync.validation.jobs")
	viper.SetDefault("validation.consumer_name", "tracksync-validators")
	viper.SetDefault("validation.retry.max_attempts", 3)
	viper.SetDefault("validation.retry.initial_backoff_ms", 100)
	viper.SetDefault("validation.retry.max_backoff_ms", 2000)

	// Default broadcast settings
	viper.SetDefault("broadcast.task_buffer", 64)
	viper.SetDefault("broadcast.workers", 4)
}

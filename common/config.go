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
// Cluster Related Config

// ClusterConfig defines parameters for inter-node messaging
type ClusterConfig struct {
	// SubjectPrefix is the NATS subject prefix used by all inter-node traffic
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// RequestTimeout is the max duration for a node-to-node request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
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

// MetadataConfig defines connection metadata handling parameters
type MetadataConfig struct {
	// IndexedFields is the list of metadata field names which must be present in
	// every metadata record, and which are indexed cluster-wide
	IndexedFields []string `mapstructure:"indexed_fields" json:"indexed_fields" validate:"required,min=1,dive,required"`
	// JWTClaimMapping maps a local metadata field name to the JWT claim sourcing it.
	// JWT sourced fields take precedence over client supplied fields of the same name.
	JWTClaimMapping map[string]string `mapstructure:"jwt_claim_mapping" json:"jwt_claim_mapping"`
	// SupersedeField, if set, names the indexed field used to detect superseded
	// sessions; older sessions sharing this field's value are killed on update
	SupersedeField string `mapstructure:"supersede_field" json:"supersede_field"`
}

// SessionConfig defines connection session runtime parameters
type SessionConfig struct {
	// HeartbeatInterval is the duration between heartbeat pings in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// SubscriptionRefreshInterval is the duration between self-healing
	// subscription refresh cycles in seconds
	SubscriptionRefreshInterval int `mapstructure:"subscription_refresh_interval_sec" json:"subscription_refresh_interval_sec" validate:"gte=1"`
	// MailboxSize is the per-session task buffer depth
	MailboxSize int `mapstructure:"mailbox_size" json:"mailbox_size" validate:"gte=1"`
	// MatchWorkers is the number of event delivery workers
	MatchWorkers int `mapstructure:"match_workers" json:"match_workers" validate:"gte=1"`
}

// AuthConfig defines bearer token decode parameters
type AuthConfig struct {
	// HMACSecret is the shared secret for verifying HMAC signed bearer tokens.
	// When empty, bearer tokens contribute no metadata fields.
	HMACSecret string `mapstructure:"hmac_secret" json:"-"`
}

// GatewayServerConfig defines configuration for the gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session are the connection session runtime parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Metadata are the connection metadata handling parameters
	Metadata MetadataConfig `mapstructure:"metadata" json:"metadata" validate:"required,dive"`
	// Auth are the bearer token decode parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for a gateway node
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Cluster are the inter-node messaging configs
	Cluster ClusterConfig `mapstructure:"cluster" json:"cluster" validate:"required,dive"`
	// Gateway are the gateway API server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default cluster settings
	viper.SetDefault("cluster.subject_prefix", "evgate")
	viper.SetDefault("cluster.request_timeout_sec", 5)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	// Sessions are long lived; a write timeout would sever them
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Evgate-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.session.heartbeat_interval_sec", 15)
	viper.SetDefault("gateway.session.subscription_refresh_interval_sec", 60)
	viper.SetDefault("gateway.session.mailbox_size", 64)
	viper.SetDefault("gateway.session.match_workers", 4)
	viper.SetDefault("gateway.metadata.indexed_fields", []string{"userid"})
	viper.SetDefault("gateway.metadata.jwt_claim_mapping", map[string]string{"userid": "sub"})
	viper.SetDefault("gateway.metadata.supersede_field", "")
}

package common

import "github.com/spf13/viper"

// Supported hub transports
const (
	// TransportHTTP rooms and hub exchange messages through HTTP POST
	TransportHTTP = "http"
	// TransportNATS rooms and hub exchange messages through NATS
	TransportNATS = "nats"
)

// Supported summary cache stores
const (
	// StoreMemory in process LRU store
	StoreMemory = "memory"
	// StoreRedis redis backed store
	StoreRedis = "redis"
)

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
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubjectPrefix is the prefix of every NATS subject used for hub <-> room messages
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Hub Server Related Config

// HubNotifyConfig defines how the hub pushes connection count updates to subscribed rooms
type HubNotifyConfig struct {
	// RoomServerURL is the base URL of the room server. Only used with the HTTP transport.
	RoomServerURL string `mapstructure:"room_server_url" json:"room_server_url" validate:"omitempty,url"`
	// RequestTimeout is the max duration of one notification in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// Workers is the number of parallel notification workers
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the notification queue depth of each worker
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// HubServerConfig defines configuration for the counter hub server
type HubServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the hub server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the hub server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// Notify defines update notification parameters
	Notify HubNotifyConfig `mapstructure:"notify" json:"notify" validate:"required"`
}

// ===============================================================================
// Room Server Related Config

// HubClientConfig defines how rooms reach the counter hub
type HubClientConfig struct {
	// HubURL is the base URL of the hub server. Only used with the HTTP transport.
	HubURL string `mapstructure:"hub_url" json:"hub_url" validate:"omitempty,url"`
	// RequestTimeout is the max duration of one hub request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// RedisConfig defines parameters for connecting to redis
type RedisConfig struct {
	// Addr is the redis server "host:port"
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the optional redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is the prefix of every summary key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
}

// SummaryCacheConfig defines the room summary cache parameters
type SummaryCacheConfig struct {
	// ExpiryCheckInterval is the delay in seconds between cache write / last check, and the
	// next check on whether the cache is still needed.
	ExpiryCheckInterval int `mapstructure:"expiry_sec" json:"expiry_sec" validate:"gte=1"`
	// Store selects the cache store: [memory redis]
	Store string `mapstructure:"store" json:"store" validate:"required,oneof=memory redis"`
	// MaxRooms is the max number of rooms hosted by one room server, and so the max number
	// of room summaries held by the memory store
	MaxRooms int `mapstructure:"max_rooms" json:"max_rooms" validate:"gte=1"`
	// Redis are the redis parameters when Store is "redis"
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required"`
}

// WebSocketConfig defines client websocket session parameters
type WebSocketConfig struct {
	// ReadLimit is the max size of one inbound client message in bytes
	ReadLimit int64 `mapstructure:"read_limit" json:"read_limit" validate:"gte=512"`
	// PingInterval is the interval between keep-alive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// WriteTimeout is the max duration of one websocket write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// SendQueueDepth is the number of outbound messages buffered per client
	SendQueueDepth int `mapstructure:"send_queue_depth" json:"send_queue_depth" validate:"gte=1"`
}

// RoomServerConfig defines configuration for the room server
type RoomServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the room server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the room server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// HubClient defines how the rooms reach the hub
	HubClient HubClientConfig `mapstructure:"hub_client" json:"hub_client" validate:"required"`
	// Cache defines the summary cache parameters
	Cache SummaryCacheConfig `mapstructure:"cache" json:"cache" validate:"required"`
	// WebSocket defines the client session parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// EventQueueDepth is the number of pending events buffered per room
	EventQueueDepth int `mapstructure:"event_queue_depth" json:"event_queue_depth" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either hub or room server
type SystemConfig struct {
	// Transport selects how rooms and the hub talk: [http nats]
	Transport string `mapstructure:"transport" json:"transport" validate:"required,oneof=http nats"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Hub are the hub server configs
	Hub *HubServerConfig `mapstructure:"hub,omitempty" json:"hub,omitempty" validate:"omitempty"`
	// Room are the room server configs
	Room *RoomServerConfig `mapstructure:"room,omitempty" json:"room,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	viper.SetDefault("transport", TransportHTTP)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "livecount")

	// Default Hub server settings
	viper.SetDefault("hub.endpoint_config.path_prefix", "/")
	viper.SetDefault("hub.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("hub.api_server.server_config.listen_port", 3000)
	viper.SetDefault("hub.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("hub.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("hub.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("hub.api_server.logging_config.request_id_header", "Livecount-Request-ID")
	viper.SetDefault(
		"hub.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("hub.notify.room_server_url", "http://127.0.0.1:3001")
	viper.SetDefault("hub.notify.request_timeout_sec", 10)
	viper.SetDefault("hub.notify.workers", 4)
	viper.SetDefault("hub.notify.queue_depth", 256)

	// Default Room server settings
	viper.SetDefault("room.endpoint_config.path_prefix", "/")
	viper.SetDefault("room.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("room.api_server.server_config.listen_port", 3001)
	viper.SetDefault("room.api_server.server_config.read_timeout_sec", 60)
	// Websocket sessions are long lived; no write timeout on the server
	viper.SetDefault("room.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("room.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("room.api_server.logging_config.request_id_header", "Livecount-Request-ID")
	viper.SetDefault(
		"room.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("room.hub_client.hub_url", "http://127.0.0.1:3000")
	viper.SetDefault("room.hub_client.request_timeout_sec", 10)
	viper.SetDefault("room.cache.expiry_sec", 3600)
	viper.SetDefault("room.cache.store", StoreMemory)
	viper.SetDefault("room.cache.max_rooms", 10000)
	viper.SetDefault("room.cache.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("room.cache.redis.db", 0)
	viper.SetDefault("room.cache.redis.key_prefix", "livecount:summary")
	viper.SetDefault("room.websocket.read_limit", 32768)
	viper.SetDefault("room.websocket.ping_interval_sec", 54)
	viper.SetDefault("room.websocket.write_timeout_sec", 5)
	viper.SetDefault("room.websocket.send_queue_depth", 32)
	viper.SetDefault("room.event_queue_depth", 64)
}

package types

// Config is the exporter configuration file.
type Config struct {
	ListenAddress  string    `yaml:"listen_address" validate:"required"`
	ExpositionPort int       `yaml:"exposition_port" validate:"min=1,max=65535"`
	MultiTenant    bool      `yaml:"multi_tenant"`
	Timeout        int       `yaml:"timeout" validate:"gt=0"`
	Env            string    `yaml:"env" validate:"omitempty,oneof=development production"`
	EncryptionKey  string    `yaml:"encryption_key" validate:"omitempty,len=32"`
	Hana           Hana      `yaml:"hana"`
	Logging        Logging   `yaml:"logging"`
	Server         Server    `yaml:"server"`
	BasicAuth      BasicAuth `yaml:"basic_auth"`
}

// Hana describes how to reach the system database.
type Hana struct {
	Host            string `yaml:"host" validate:"required"`
	Port            int    `yaml:"port" validate:"min=1,max=65535"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	UserKey         string `yaml:"userkey"`
	SSL             bool   `yaml:"ssl"`
	SSLValidateCert bool   `yaml:"ssl_validate_cert"`
	SSLTrustStore   string `yaml:"ssl_trust_store"`
	AWSSecretName   string `yaml:"aws_secret_name"`
}

// Logging configures the process logger.
type Logging struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR"`
	Format      string `yaml:"format" validate:"omitempty,oneof=json text"`
	FileEnabled bool   `yaml:"file_enabled"`
	LogFile     string `yaml:"log_file"`
	MaxSize     int    `yaml:"max_size" validate:"gte=0"` // MB
	MaxBackups  int    `yaml:"max_backups" validate:"gte=0"`
	MaxAge      int    `yaml:"max_age" validate:"gte=0"` // days
	Compress    bool   `yaml:"compress"`
}

// Server configures the exposition endpoint.
type Server struct {
	UseHTTPS          bool   `yaml:"use_https"`
	CertFile          string `yaml:"cert_file" validate:"required_if=UseHTTPS true"`
	KeyFile           string `yaml:"key_file" validate:"required_if=UseHTTPS true"`
	ClientCACertFile  string `yaml:"client_ca_cert_file"`
	RateLimitRequests int    `yaml:"rate_limit_requests" validate:"gte=0"`
	RateLimitBurst    int    `yaml:"rate_limit_burst" validate:"gte=0"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout" validate:"gte=0"`
}

// BasicAuth protects /metrics when Username is set.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

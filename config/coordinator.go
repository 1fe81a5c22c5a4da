package config

// CoordinatorConfig holds every setting of the coordinator binary.
// Values come from a TOML file with AI_LIGHTNING_* environment overrides.
type CoordinatorConfig struct {
	Server struct {
		Host      string `toml:"host" env:"AI_LIGHTNING_SERVER_HOST" env-default:"0.0.0.0"`
		Port      string `toml:"port" env:"AI_LIGHTNING_SERVER_PORT" env-default:"5000"`
		JWTSecret string `toml:"jwt_secret" env:"AI_LIGHTNING_JWT_SECRET"`
	} `toml:"server"`

	Database struct {
		Host            string `toml:"host" env:"AI_LIGHTNING_DB_HOST"`
		Port            string `toml:"port" env:"AI_LIGHTNING_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"AI_LIGHTNING_DB_USER"`
		Password        string `toml:"password" env:"AI_LIGHTNING_DB_PASSWORD"`
		DB              string `toml:"db" env:"AI_LIGHTNING_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"AI_LIGHTNING_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"AI_LIGHTNING_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"AI_LIGHTNING_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"AI_LIGHTNING_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"AI_LIGHTNING_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"AI_LIGHTNING_REDIS_HOST"`
		Port     string `toml:"port" env:"AI_LIGHTNING_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"AI_LIGHTNING_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"AI_LIGHTNING_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Lnd struct {
		GRPCHost              string `toml:"grpc_host" env:"AI_LIGHTNING_LND_GRPC_HOST" env-default:"localhost"`
		GRPCPort              string `toml:"grpc_port" env:"AI_LIGHTNING_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"AI_LIGHTNING_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"AI_LIGHTNING_LND_MACAROON_PATH"`
		Network               string `toml:"network" env:"AI_LIGHTNING_LND_NETWORK" env-default:"testnet"`
		InvoiceExpirySeconds  int    `toml:"invoice_expiry_seconds" env:"AI_LIGHTNING_LND_INVOICE_EXPIRY" env-default:"3600"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"AI_LIGHTNING_LND_PAYMENT_TIMEOUT" env-default:"30"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"AI_LIGHTNING_LND_MAX_FEE_SATS" env-default:"100"`
	} `toml:"lnd"`

	Pricing struct {
		CommissionRate      float64 `toml:"commission_rate" env:"AI_LIGHTNING_COMMISSION_RATE" env-default:"0.10"`
		RegistrationFeeSats int64   `toml:"registration_fee_sats" env:"AI_LIGHTNING_REGISTRATION_FEE" env-default:"1000"`
		HouseUserID         string  `toml:"house_user_id" env:"AI_LIGHTNING_HOUSE_USER_ID"`
		MinMinutes          int     `toml:"min_minutes" env:"AI_LIGHTNING_MIN_MINUTES" env-default:"1"`
		MaxMinutes          int     `toml:"max_minutes" env:"AI_LIGHTNING_MAX_MINUTES" env-default:"120"`
	} `toml:"pricing"`

	Timeouts struct {
		HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds" env:"AI_LIGHTNING_HEARTBEAT_TIMEOUT" env-default:"60"`
		HeartbeatPollSeconds    int `toml:"heartbeat_poll_seconds" env:"AI_LIGHTNING_HEARTBEAT_POLL" env-default:"5"`
		InvoicePollSeconds      int `toml:"invoice_poll_seconds" env:"AI_LIGHTNING_INVOICE_POLL" env-default:"3"`
		StartingDeadlineSeconds int `toml:"starting_deadline_seconds" env:"AI_LIGHTNING_STARTING_DEADLINE" env-default:"600"`
		DownloadDeadlineSeconds int `toml:"download_deadline_seconds" env:"AI_LIGHTNING_DOWNLOAD_DEADLINE" env-default:"1800"`
		TokenIdleSeconds        int `toml:"token_idle_seconds" env:"AI_LIGHTNING_TOKEN_IDLE" env-default:"180"`
	} `toml:"timeouts"`
}

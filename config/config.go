package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config es la configuración completa del copy trader.
type Config struct {
	Traders     []string          `yaml:"traders"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Copy        CopyConfig        `yaml:"copy"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Lock        LockConfig        `yaml:"lock"`
	Log         LogConfig         `yaml:"log"`
}

// WalletConfig identifies the local wallet. The private key only comes from the environment.
type WalletConfig struct {
	PrivateKey   string `yaml:"-"`
	ProxyAddress string `yaml:"proxy_address"` // funder; empty = signer address
}

// CopyConfig controla cómo se dimensiona cada orden copiada.
type CopyConfig struct {
	Strategy            string  `yaml:"strategy"`  // PERCENTAGE | FIXED | ADAPTIVE
	CopySize            float64 `yaml:"copy_size"` // percent for PERCENTAGE/ADAPTIVE, USDC for FIXED
	MaxOrderUSD         float64 `yaml:"max_order_usd"`
	MinOrderUSD         float64 `yaml:"min_order_usd"`
	BalanceSafetyBuffer float64 `yaml:"balance_safety_buffer"`
	MaxPriceSlippage    float64 `yaml:"max_price_slippage"`
	MaxPositionUSD      float64 `yaml:"max_position_usd"` // 0 = no per-market cap
}

// AggregationConfig controla el batching de trades pequeños.
type AggregationConfig struct {
	Enabled       bool    `yaml:"enabled"`
	WindowSeconds int     `yaml:"window_seconds"`
	MinTotalUSD   float64 `yaml:"min_total_usd"`
}

// ExecutionConfig bounds the retry behaviour of the executor.
type ExecutionConfig struct {
	RetryLimit          int     `yaml:"retry_limit"`
	NetworkRetryLimit   int     `yaml:"network_retry_limit"`
	NetworkRetryBaseMS  int     `yaml:"network_retry_base_ms"`
	PollIntervalMS      int     `yaml:"poll_interval_ms"`
	MinPositionTokens   float64 `yaml:"min_position_tokens"`
	FillToleranceAmount float64 `yaml:"fill_tolerance"`
}

// MonitorConfig controla el polling de actividad de los traders.
type MonitorConfig struct {
	FetchIntervalSeconds int `yaml:"fetch_interval_seconds"`
	TooOldHours          int `yaml:"too_old_hours"`
}

// APIConfig contiene los endpoints externos.
type APIConfig struct {
	CLOBBase string `yaml:"clob_base"`
	DataBase string `yaml:"data_base"`
	RPCURL   string `yaml:"rpc_url"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LockConfig enables the Redis single-owner lock. Empty RedisAddr disables it.
type LockConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del entorno sobreescriben los del YAML. El resultado ya está validado.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs error

	if len(c.Traders) == 0 {
		errs = multierr.Append(errs, errors.New("traders: at least one counterparty address is required"))
	}
	for _, t := range c.Traders {
		if !isHexAddress(t) {
			errs = multierr.Append(errs, fmt.Errorf("traders: %q is not a 0x-prefixed 20-byte address", t))
		}
	}
	if c.Wallet.ProxyAddress != "" && !isHexAddress(c.Wallet.ProxyAddress) {
		errs = multierr.Append(errs, fmt.Errorf("wallet.proxy_address: %q is not a valid address", c.Wallet.ProxyAddress))
	}

	switch strings.ToUpper(c.Copy.Strategy) {
	case "PERCENTAGE", "FIXED", "ADAPTIVE":
	default:
		errs = multierr.Append(errs, fmt.Errorf("copy.strategy: unknown strategy %q", c.Copy.Strategy))
	}
	if c.Copy.CopySize <= 0 {
		errs = multierr.Append(errs, errors.New("copy.copy_size: must be positive"))
	}
	if c.Copy.MinOrderUSD < 0 {
		errs = multierr.Append(errs, errors.New("copy.min_order_usd: must not be negative"))
	}
	if c.Copy.MaxOrderUSD < c.Copy.MinOrderUSD {
		errs = multierr.Append(errs, fmt.Errorf("copy.max_order_usd: %.2f is below min_order_usd %.2f",
			c.Copy.MaxOrderUSD, c.Copy.MinOrderUSD))
	}
	if c.Copy.BalanceSafetyBuffer <= 0 || c.Copy.BalanceSafetyBuffer > 1 {
		errs = multierr.Append(errs, errors.New("copy.balance_safety_buffer: must be in (0, 1]"))
	}
	if c.Copy.MaxPositionUSD < 0 {
		errs = multierr.Append(errs, errors.New("copy.max_position_usd: must not be negative"))
	}
	if c.Copy.MaxPriceSlippage < 0 {
		errs = multierr.Append(errs, errors.New("copy.max_price_slippage: must not be negative"))
	}
	if c.Aggregation.Enabled && c.Aggregation.MinTotalUSD <= 0 {
		errs = multierr.Append(errs, errors.New("aggregation.min_total_usd: must be positive when aggregation is enabled"))
	}
	if c.Execution.RetryLimit < 1 {
		errs = multierr.Append(errs, errors.New("execution.retry_limit: must be at least 1"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// RequireTrading checks the settings only needed when real orders are submitted.
func (c *Config) RequireTrading() error {
	var errs error
	if c.Wallet.PrivateKey == "" {
		errs = multierr.Append(errs, errors.New("wallet: POLY_PRIVATE_KEY is required to trade"))
	}
	if c.API.RPCURL == "" {
		errs = multierr.Append(errs, errors.New("api.rpc_url: required for the balance lookup"))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// AggregationWindow devuelve la ventana de agregación como time.Duration.
func (c *Config) AggregationWindow() time.Duration {
	return time.Duration(c.Aggregation.WindowSeconds) * time.Second
}

// PollInterval is how often the copier pulls pending trades.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Execution.PollIntervalMS) * time.Millisecond
}

// NetworkRetryBase is the first backoff step for balance and position lookups.
func (c *Config) NetworkRetryBase() time.Duration {
	return time.Duration(c.Execution.NetworkRetryBaseMS) * time.Millisecond
}

// FetchInterval is how often the monitor polls trader activity.
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.Monitor.FetchIntervalSeconds) * time.Second
}

// TooOld is the maximum age of a detected trade.
func (c *Config) TooOld() time.Duration {
	return time.Duration(c.Monitor.TooOldHours) * time.Hour
}

// LockTTL is the Redis lock lease.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
// Los nombres son compatibles con el .env de la versión anterior del bot.
func applyEnvOverrides(cfg *Config) error {
	var errs error

	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = strings.TrimPrefix(v, "0x")
	} else if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.Wallet.PrivateKey = strings.TrimPrefix(v, "0x")
	}
	if v := os.Getenv("USER_ADDRESSES"); v != "" {
		cfg.Traders = splitList(v)
	}
	if v := os.Getenv("PROXY_WALLET"); v != "" {
		cfg.Wallet.ProxyAddress = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.API.RPCURL = v
	}
	if v := os.Getenv("CLOB_HTTP_URL"); v != "" {
		cfg.API.CLOBBase = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("COPY_STRATEGY"); v != "" {
		cfg.Copy.Strategy = strings.ToUpper(v)
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Lock.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	errs = multierr.Append(errs, envFloat("COPY_SIZE", &cfg.Copy.CopySize))
	errs = multierr.Append(errs, envFloat("MAX_ORDER_SIZE_USD", &cfg.Copy.MaxOrderUSD))
	errs = multierr.Append(errs, envFloat("MIN_ORDER_SIZE_USD", &cfg.Copy.MinOrderUSD))
	errs = multierr.Append(errs, envFloat("TRADE_AGGREGATION_MIN_TOTAL_USD", &cfg.Aggregation.MinTotalUSD))
	errs = multierr.Append(errs, envInt("TRADE_AGGREGATION_WINDOW_SECONDS", &cfg.Aggregation.WindowSeconds))
	errs = multierr.Append(errs, envInt("RETRY_LIMIT", &cfg.Execution.RetryLimit))
	errs = multierr.Append(errs, envInt("NETWORK_RETRY_LIMIT", &cfg.Execution.NetworkRetryLimit))
	errs = multierr.Append(errs, envInt("FETCH_INTERVAL", &cfg.Monitor.FetchIntervalSeconds))
	errs = multierr.Append(errs, envInt("TOO_OLD_TIMESTAMP", &cfg.Monitor.TooOldHours))
	if v := os.Getenv("TRADE_AGGREGATION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("TRADE_AGGREGATION_ENABLED: %w", err))
		} else {
			cfg.Aggregation.Enabled = b
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	for i, t := range cfg.Traders {
		cfg.Traders[i] = strings.ToLower(strings.TrimSpace(t))
	}
	if cfg.Copy.Strategy == "" {
		cfg.Copy.Strategy = "PERCENTAGE"
	}
	cfg.Copy.Strategy = strings.ToUpper(cfg.Copy.Strategy)
	if cfg.Copy.CopySize == 0 {
		cfg.Copy.CopySize = 10
	}
	if cfg.Copy.MaxOrderUSD == 0 {
		cfg.Copy.MaxOrderUSD = 100
	}
	if cfg.Copy.MinOrderUSD == 0 {
		cfg.Copy.MinOrderUSD = 1
	}
	if cfg.Copy.BalanceSafetyBuffer == 0 {
		cfg.Copy.BalanceSafetyBuffer = 0.99
	}
	if cfg.Copy.MaxPriceSlippage == 0 {
		cfg.Copy.MaxPriceSlippage = 0.05
	}
	if cfg.Aggregation.WindowSeconds <= 0 {
		cfg.Aggregation.WindowSeconds = 300
	}
	if cfg.Aggregation.MinTotalUSD == 0 {
		cfg.Aggregation.MinTotalUSD = 1
	}
	if cfg.Execution.RetryLimit == 0 {
		cfg.Execution.RetryLimit = 3
	}
	if cfg.Execution.NetworkRetryLimit <= 0 {
		cfg.Execution.NetworkRetryLimit = 3
	}
	if cfg.Execution.NetworkRetryBaseMS <= 0 {
		cfg.Execution.NetworkRetryBaseMS = 500
	}
	if cfg.Execution.PollIntervalMS <= 0 {
		cfg.Execution.PollIntervalMS = 1000
	}
	if cfg.Execution.MinPositionTokens <= 0 {
		cfg.Execution.MinPositionTokens = 1
	}
	if cfg.Execution.FillToleranceAmount <= 0 {
		cfg.Execution.FillToleranceAmount = 0.01
	}
	if cfg.Monitor.FetchIntervalSeconds <= 0 {
		cfg.Monitor.FetchIntervalSeconds = 1
	}
	if cfg.Monitor.TooOldHours <= 0 {
		cfg.Monitor.TooOldHours = 24
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polycopy.db"
	}
	if cfg.Lock.TTLSeconds <= 0 {
		cfg.Lock.TTLSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// splitList acepta direcciones separadas por comas, con o sin corchetes estilo JSON.
func splitList(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

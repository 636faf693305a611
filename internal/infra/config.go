package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Транспорты до удаленной платформы
const (
	TransportMemory = "memory" // Встроенный симулятор (локальная разработка, тесты)
	TransportHTTP   = "http"   // JSON ProcessQuery по HTTPS
	TransportGRPC   = "grpc"   // protobuf Struct поверх gRPC
)

// Config: корневая структура конфигурации шлюза политик.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr возвращает адрес для net.Listen
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RemoteConfig описывает, как добраться до платформы с политиками сайтов.
type RemoteConfig struct {
	Transport   string        `mapstructure:"transport"`
	Endpoint    string        `mapstructure:"endpoint"` // host:port для gRPC, базовый URL для HTTP (пусто: URL самого сайта)
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"` // Предел на один сетевой вызов внутри адаптера

	// Хосты сайтов, с которыми разрешено работать: "contoso.example" или "*.contoso.example".
	// Пусто: любой хост (только если access_token не уходит на URL сайта).
	AllowedHosts []string `mapstructure:"allowed_hosts"`

	// Политики, которыми наполняется симулятор при transport=memory
	SeedPolicies []SeedPolicyConfig `mapstructure:"seed_policies"`
}

type SeedPolicyConfig struct {
	Name                     string        `mapstructure:"name"`
	Description              string        `mapstructure:"description"`
	EmailSubject             string        `mapstructure:"email_subject"`
	EmailBody                string        `mapstructure:"email_body"`
	EmailBodyWithTeamMailbox string        `mapstructure:"email_body_with_team_mailbox"`
	CloseAfter               time.Duration `mapstructure:"close_after"`
	ExpireAfter              time.Duration `mapstructure:"expire_after"`
}

// ReliabilityConfig настраивает конвейер ExecuteQueryRetry (лимитер, предохранитель, ретраи).
type ReliabilityConfig struct {
	Attempts    uint          `mapstructure:"attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"` // Таймаут одной попытки

	RateLimit float64 `mapstructure:"rate_limit"` // Запросов в секунду
	RateBurst int     `mapstructure:"rate_burst"`

	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBFailureThreshold uint32        `mapstructure:"cb_failure_threshold"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал аудита).
// Пустой URL: аудит пишется в лог.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналов о смене состояния).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам, настройки JWT и список операторов.
type AuthConfig struct {
	PublicKeyPath  string           `mapstructure:"public_key_path"`
	PrivateKeyPath string           `mapstructure:"private_key_path"`
	TokenTTL       time.Duration    `mapstructure:"token_ttl"`
	Issuer         string           `mapstructure:"issuer"`
	Operators      []OperatorConfig `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// OperatorConfig: учетка оператора. Пароль хранится только как bcrypt-хэш.
type OperatorConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Scopes       []string `mapstructure:"scopes"`
}

// AuditConfig настраивает буфер журнала мутаций.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Пустой configFile: ищем config.yaml в корне и в ./configs.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV перекрывает файл: REMOTE_TRANSPORT=grpc перекроет remote.transport
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 6. Ключи из ENV (Docker/K8s) или из файла по пути
	// Указанный, но нечитаемый ключ: ошибка, а не тихий запуск без аутентификации
	var err error
	if cfg.Auth.PublicKey, err = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA"); err != nil {
		return nil, fmt.Errorf("config: auth.public_key_path: %w", err)
	}
	if cfg.Auth.PrivateKey, err = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA"); err != nil {
		return nil, fmt.Errorf("config: auth.private_key_path: %w", err)
	}

	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми шлюз заведомо не поднимется.
func (c *Config) Validate() error {
	switch c.Remote.Transport {
	case TransportMemory:
	case TransportHTTP:
		// Без endpoint запрос вместе с access_token уходит на хост из ?site=
		if c.Remote.Endpoint == "" && len(c.Remote.AllowedHosts) == 0 {
			return errors.New("config: http transport needs remote.endpoint or remote.allowed_hosts")
		}
	case TransportGRPC:
		if c.Remote.Endpoint == "" {
			return errors.New("config: remote.endpoint is required for grpc transport")
		}
	default:
		return fmt.Errorf("config: unknown remote.transport %q", c.Remote.Transport)
	}
	if c.Reliability.Attempts == 0 {
		return errors.New("config: reliability.attempts must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("remote.transport", TransportMemory)
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.access_token", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.allowed_hosts", []string{})

	v.SetDefault("reliability.attempts", 3)
	v.SetDefault("reliability.delay", 200*time.Millisecond)
	v.SetDefault("reliability.max_delay", 10*time.Second)
	v.SetDefault("reliability.call_timeout", 10*time.Second)
	v.SetDefault("reliability.rate_limit", 50.0)
	v.SetDefault("reliability.rate_burst", 10)
	v.SetDefault("reliability.cb_max_requests", 3)
	v.SetDefault("reliability.cb_interval", 5*time.Second)
	v.SetDefault("reliability.cb_timeout", 30*time.Second)
	v.SetDefault("reliability.cb_failure_threshold", 5)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", 8*time.Hour)
	v.SetDefault("auth.issuer", "sitepolicy-console")

	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 1*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: сначала PEM из ENV, иначе файл по пути из конфига.
// Пустой путь без ENV: ключа нет, это не ошибка.
func loadKeyResource(path string, envDataKey string) ([]byte, error) {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data), nil
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("key file %s is empty", path)
	}
	return data, nil
}

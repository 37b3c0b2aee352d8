package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-roomsocket/internal/utils"
	"github.com/spf13/viper"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "ROOMSOCKET"
)

type Database struct {
	Host               string `mapstructure:"host"`
	Port               uint64 `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Database           string `mapstructure:"database"`
	URI                string `mapstructure:"uri"` // 非空时覆盖 host/port/username/password
	UseTLS             bool   `mapstructure:"use_tls"`
	CollectionPrefix   string `mapstructure:"collection_prefix"`
	ConnectTimeout     string `mapstructure:"connect_timeout"`
	SocketTimeout      string `mapstructure:"socket_timeout"`
	ConnectIdleTimeout string `mapstructure:"connect_idle_timeout"`
	OperationTimeout   string `mapstructure:"operation_timeout"`
	Heartbeat          string `mapstructure:"heartbeat"`
	MinPoolSize        uint64 `mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `mapstructure:"max_pool_size"`
}

// Presence 断线清理的租约参数
type Presence struct {
	LeaseTTL     string `mapstructure:"lease_ttl"`
	ReapInterval string `mapstructure:"reap_interval"`
}

type Socket struct {
	OperationTimeout string `mapstructure:"operation_timeout"`
	DedupeSize       int    `mapstructure:"dedupe_size"`
	DedupeTTL        string `mapstructure:"dedupe_ttl"`
}

type Config struct {
	Database    Database `mapstructure:"database"`
	Presence    Presence `mapstructure:"presence"`
	Socket      Socket   `mapstructure:"socket"`
	DebugMode   bool     `mapstructure:"debug_mode"`
	AppName     string   `mapstructure:"app_name"`
	LogDir      string   `mapstructure:"log_dir"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
}

var config Config
var initialized = false

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 27017)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "roomsocket")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.use_tls", false)
	v.SetDefault("database.collection_prefix", "")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.socket_timeout", "30s")
	v.SetDefault("database.connect_idle_timeout", "5m")
	v.SetDefault("database.operation_timeout", "5s")
	v.SetDefault("database.heartbeat", "10s")
	v.SetDefault("database.min_pool_size", 1)
	v.SetDefault("database.max_pool_size", 20)

	v.SetDefault("presence.lease_ttl", "30s")
	v.SetDefault("presence.reap_interval", "10s")

	v.SetDefault("socket.operation_timeout", "5s")
	v.SetDefault("socket.dedupe_size", 1024)
	v.SetDefault("socket.dedupe_ttl", "10m")

	v.SetDefault("debug_mode", false)
	v.SetDefault("app_name", "roomsocket")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("metrics_addr", ":9464")
}

// ReadConfig 从当前目录的 config.json 读取配置，环境变量 ROOMSOCKET_* 优先
func ReadConfig() (Config, error) {
	return ReadConfigFrom(DefaultPath)
}

// ReadConfigFrom 读取指定路径的配置文件，文件不存在时写入默认配置并返回错误
func ReadConfigFrom(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			_ = v.WriteConfigAs(path)
			return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
		}
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	var result Config
	if err := v.Unmarshal(&result); err != nil {
		return config, errors.New("the configuration file does not match the expected layout")
	}

	config = result
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

func (d Database) OperationTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(d.OperationTimeout, 5*time.Second)
}

func (p Presence) LeaseTTLDuration() time.Duration {
	return utils.ParseStringTimeOr(p.LeaseTTL, 30*time.Second)
}

func (p Presence) ReapIntervalDuration() time.Duration {
	return utils.ParseStringTimeOr(p.ReapInterval, 10*time.Second)
}

func (s Socket) OperationTimeoutDuration() time.Duration {
	return utils.ParseStringTimeOr(s.OperationTimeout, 5*time.Second)
}

func (s Socket) DedupeTTLDuration() time.Duration {
	return utils.ParseStringTimeOr(s.DedupeTTL, 10*time.Minute)
}

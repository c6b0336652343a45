package configure

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func checkErr(err error) {
	if err != nil {
		zap.S().Fatalw("config",
			"error", err,
		)
	}
}

func New() *Config {
	initLogging("info")

	config := viper.New()

	// Default config
	b, _ := json.Marshal(DefaultConfig())
	tmp := viper.New()
	defaultConfig := bytes.NewReader(b)

	tmp.SetConfigType("json")
	checkErr(tmp.ReadConfig(defaultConfig))
	checkErr(config.MergeConfigMap(tmp.AllSettings()))

	pflag.String("config", "config.yaml", "Config file location")
	pflag.Bool("noheader", false, "Disable the startup header")

	pflag.Parse()
	checkErr(config.BindPFlags(pflag.CommandLine))

	// File
	config.SetConfigFile(config.GetString("config"))
	config.AddConfigPath(".")

	if err := config.ReadInConfig(); err == nil {
		checkErr(config.MergeInConfig())
	}

	bindEnvs(config, Config{})

	// Environment
	config.AutomaticEnv()
	config.SetEnvPrefix("REALTIME")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AllowEmptyEnv(true)

	c := &Config{}
	checkErr(config.Unmarshal(&c))

	initLogging(c.Level)

	return c
}

func bindEnvs(config *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)

	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)

		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			bindEnvs(config, v.Interface(), append(parts, tv)...)
		default:
			_ = config.BindEnv(strings.Join(append(parts, tv), "."))
		}
	}
}

type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	ConfigFile string `mapstructure:"config" json:"config"`
	NoHeader   bool   `mapstructure:"noheader" json:"noheader"`

	InstanceID string `mapstructure:"instance_id" json:"instance_id"`

	K8S struct {
		NodeName string `mapstructure:"node_name" json:"node_name"`
		PodName  string `mapstructure:"pod_name" json:"pod_name"`
	} `mapstructure:"k8s" json:"k8s"`

	Redis struct {
		Username   string   `mapstructure:"username" json:"username"`
		Password   string   `mapstructure:"password" json:"password"`
		Database   int      `mapstructure:"db" json:"db"`
		Sentinel   bool     `mapstructure:"sentinel" json:"sentinel"`
		Addresses  []string `mapstructure:"addresses" json:"addresses"`
		MasterName string   `mapstructure:"master_name" json:"master_name"`
	} `mapstructure:"redis" json:"redis"`

	Mongo struct {
		URI    string `mapstructure:"uri" json:"uri"`
		DB     string `mapstructure:"db" json:"db"`
		Direct bool   `mapstructure:"direct" json:"direct"`
	} `mapstructure:"mongo" json:"mongo"`

	Nats struct {
		URI           string `mapstructure:"uri" json:"uri"`
		MaxReconnects int    `mapstructure:"max_reconnects" json:"max_reconnects"`
		TopicPrefix   string `mapstructure:"topic_prefix" json:"topic_prefix"`
	} `mapstructure:"nats" json:"nats"`

	Health struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Bind    string `mapstructure:"bind" json:"bind"`
	} `mapstructure:"health" json:"health"`

	Monitoring struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Bind    string `mapstructure:"bind" json:"bind"`
	} `mapstructure:"monitoring" json:"monitoring"`

	PProf struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Bind    string `mapstructure:"bind" json:"bind"`
	} `mapstructure:"pprof" json:"pprof"`

	Gateway struct {
		Addr        string        `mapstructure:"addr" json:"addr"`
		Port        int           `mapstructure:"port" json:"port"`
		AuthTimeout time.Duration `mapstructure:"auth_timeout" json:"auth_timeout"`
	} `mapstructure:"gateway" json:"gateway"`

	Presence struct {
		IdleAfter     time.Duration `mapstructure:"idle_after" json:"idle_after"`
		AwayAfter     time.Duration `mapstructure:"away_after" json:"away_after"`
		SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
		Retention     time.Duration `mapstructure:"retention" json:"retention"`
	} `mapstructure:"presence" json:"presence"`

	Queue struct {
		NotificationCap int           `mapstructure:"notification_cap" json:"notification_cap"`
		NotificationTTL time.Duration `mapstructure:"notification_ttl" json:"notification_ttl"`
		EventCap        int           `mapstructure:"event_cap" json:"event_cap"`
		EventTTL        time.Duration `mapstructure:"event_ttl" json:"event_ttl"`
	} `mapstructure:"queue" json:"queue"`

	Limits struct {
		DefaultCeiling   int64         `mapstructure:"default_ceiling" json:"default_ceiling"`
		SensitiveCeiling int64         `mapstructure:"sensitive_ceiling" json:"sensitive_ceiling"`
		Window           time.Duration `mapstructure:"window" json:"window"`
	} `mapstructure:"limits" json:"limits"`

	Push struct {
		Enabled  bool   `mapstructure:"enabled" json:"enabled"`
		Endpoint string `mapstructure:"endpoint" json:"endpoint"`
		APIKey   string `mapstructure:"api_key" json:"api_key"`
	} `mapstructure:"push" json:"push"`

	Credentials struct {
		JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
	} `mapstructure:"credentials" json:"credentials"`
}

// DefaultConfig carries the reference thresholds; anything here can be
// overridden by file, flag or environment.
func DefaultConfig() Config {
	cfg := Config{
		ConfigFile: "config.yaml",
	}

	cfg.Gateway.Port = 3000
	cfg.Gateway.AuthTimeout = time.Second * 10

	cfg.Presence.IdleAfter = time.Minute * 5
	cfg.Presence.AwayAfter = time.Minute * 15
	cfg.Presence.SweepInterval = time.Second * 30
	cfg.Presence.Retention = time.Hour * 24

	cfg.Queue.NotificationCap = 200
	cfg.Queue.NotificationTTL = time.Hour * 24 * 30
	cfg.Queue.EventCap = 100
	cfg.Queue.EventTTL = time.Hour * 24

	cfg.Limits.DefaultCeiling = 100
	cfg.Limits.SensitiveCeiling = 10
	cfg.Limits.Window = time.Minute

	cfg.Nats.MaxReconnects = 10
	cfg.Nats.TopicPrefix = "realtime"

	return cfg
}

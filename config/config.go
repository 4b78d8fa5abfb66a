package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Log      LogConfig             `mapstructure:"log"`
	Registry RegistryConfig        `mapstructure:"registry"`
	Room     RoomConfig            `mapstructure:"room"`
	Database DatabaseConfig        `mapstructure:"database"`
	Games    map[string]GameConfig `mapstructure:"games"`
}

type ServerConfig struct {
	HTTPAddress      string        `mapstructure:"http_address"`
	RPCAddress       string        `mapstructure:"rpc_address"`
	GRPCAddress      string        `mapstructure:"grpc_address"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// PingPeriod must stay below PongWait so the peer answers before the read deadline.
func (c ServerConfig) PingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RegistryConfig struct {
	EvictAfter      time.Duration `mapstructure:"evict_after"`
	TimerResolution time.Duration `mapstructure:"timer_resolution"`
}

type RoomConfig struct {
	ReassignHost bool `mapstructure:"reassign_host"`
}

type DatabaseConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Driver   string         `mapstructure:"driver"` // "gorm" or "sql"
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// GameConfig overrides a game type's descriptor. Zero values keep the game's own defaults
// except for the boolean flags, which are taken as given.
type GameConfig struct {
	InitialTeams      int  `mapstructure:"initial_teams"`
	MaxTeamPlayers    int  `mapstructure:"max_team_players"`
	MaxTeams          int  `mapstructure:"max_teams"`
	RoomCapacity      int  `mapstructure:"room_capacity"`
	ShowTeamNames     bool `mapstructure:"show_team_names"`
	AutoStartOnFull   bool `mapstructure:"auto_start_on_full"`
	AdvanceTurnOnMove bool `mapstructure:"advance_turn_on_move"`
	EnforceTurnOrder  bool `mapstructure:"enforce_turn_order"`
	DetectOutcome     bool `mapstructure:"detect_outcome"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.rpc_address", ":8081")
	v.SetDefault("server.grpc_address", ":8082")
	v.SetDefault("server.metrics_namespace", "roomserver")
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.max_message_size", 4096)
	v.SetDefault("server.write_wait", 10*time.Second)
	v.SetDefault("server.pong_wait", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("registry.evict_after", 30*time.Second)
	v.SetDefault("registry.timer_resolution", 100*time.Millisecond)

	v.SetDefault("room.reassign_host", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "gorm")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.dbname", "roomserver")

	v.SetDefault("games.tic-tac-toe.auto_start_on_full", true)
}

// LoadConfig reads config.yaml from path. A missing file is not an error; defaults and
// ROOMSERVER_* environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("roomserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

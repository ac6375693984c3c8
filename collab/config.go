package collab

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon-level configuration. Unset fields fall back to the
// environment and then to defaults, so a bare `collabd` works against a
// local stack.
type Config struct {
	Listen string `yaml:"listen"`

	// postgres dsn for the pages store. empty selects the in-memory store
	DatabaseUrl string `yaml:"database_url"`
	// optional redis address for the snapshot cache
	RedisAddr string `yaml:"redis_addr"`

	// hmac secret for unsealing auth tokens
	AuthSecret string `yaml:"auth_secret"`

	Hub       *HubSettings             `yaml:"hub"`
	Transport *TransportSettings       `yaml:"transport"`
	Session   *SessionRegistrySettings `yaml:"session"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8080",
		Hub:       DefaultHubSettings(),
		Transport: DefaultTransportSettings(),
		Session:   DefaultSessionRegistrySettings(),
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("bad config %s: %w", path, err)
		}
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) applyEnv() {
	if self.DatabaseUrl == "" {
		self.DatabaseUrl = os.Getenv("DATABASE_URL")
	}
	if self.RedisAddr == "" {
		self.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if self.AuthSecret == "" {
		self.AuthSecret = os.Getenv("COLLAB_AUTH_SECRET")
	}
}

func (self *Config) Validate() error {
	if self.AuthSecret == "" {
		return fmt.Errorf("auth secret required (auth_secret or COLLAB_AUTH_SECRET)")
	}
	if self.Hub == nil {
		self.Hub = DefaultHubSettings()
	}
	if self.Hub.RoomSettings == nil {
		self.Hub.RoomSettings = DefaultRoomSettings()
	}
	if self.Transport == nil {
		self.Transport = DefaultTransportSettings()
	}
	if self.Session == nil {
		self.Session = DefaultSessionRegistrySettings()
	}
	if self.Hub.RoomSettings.HistoryLength < 1 {
		return fmt.Errorf("history_length must be at least 1")
	}
	if self.Hub.RoomSettings.SaveInterval < 1 {
		return fmt.Errorf("save_interval must be at least 1")
	}
	return nil
}

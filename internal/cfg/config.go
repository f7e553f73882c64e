// Package cfg loads the depsync configuration file.
package cfg

import (
	"errors"
	"io"

	"github.com/pelletier/go-toml"
)

// Config is the depsync configuration, loaded from a TOML file.
type Config struct {
	GerritHost    string `toml:"gerrit_host"`
	GerritPort    string `toml:"gerrit_port"`
	ReviewURL     string `toml:"review_url"`
	ReposDir      string `toml:"repos_dir"`
	RootModule    string `toml:"root_module"`
	BotUser       string `toml:"bot_user"`
	BotSSHKeyFile string `toml:"bot_ssh_key_file"`

	SlackWebhookURL string `toml:"slack_webhook_url"`
	PushgatewayURL  string `toml:"pushgateway_url"`

	LogFormat  string `toml:"log_format"`
	LogLevel   string `toml:"log_level"`
	LogTimeKey string `toml:"log_time_key"`

	Autorun Autorun `toml:"autorun"`
}

// Autorun lists the branches that are processed when depsync runs in autorun
// mode, plus optional per-branch fetch-ref overrides.
type Autorun struct {
	Branches    []string          `toml:"branches"`
	ProductRefs map[string]string `toml:"product_refs"`
}

func Load(reader io.Reader) (*Config, error) {
	result := Config{
		GerritPort: "29418",
		ReposDir:   "git-repos",
		LogFormat:  "logfmt",
		LogLevel:   "info",
		LogTimeKey: "time",
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) validate() error {
	if c.GerritHost == "" {
		return errors.New("gerrit_host must be set")
	}

	if c.RootModule == "" {
		return errors.New("root_module must be set")
	}

	return nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

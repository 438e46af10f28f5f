package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultContract     = "0x015C507e3E79D5049b003C3bE5b2E208A4Bb7e56"
	DefaultListen       = "0.0.0.0:8080"
	DefaultBasePath     = "/v0"
	DefaultPollInterval = 5 * time.Second
	DefaultCallTimeout  = 15 * time.Second
	DefaultDecimals     = 18
	DefaultMaxRetries   = 3
	DefaultMaxFileSize  = 10 << 20
	DefaultMaxAgents    = 3
	DefaultAgentModel   = "gemini-2.5-flash"
	DefaultRouterModel  = "gemini-2.0-flash-lite"
	DefaultDetailsModel = "gemini-2.0-flash-lite"
)

var (
	MinPrice = decimal.NewFromInt(1)
	MaxPrice = decimal.NewFromInt(50_000_000)
)

// Config models enclava.yml.
type Config struct {
	Workspace string `yaml:"workspace"`
	Database  string `yaml:"database"`
	Listen    string `yaml:"listen"`
	BasePath  string `yaml:"base_path"`
	Ledger    Ledger `yaml:"ledger"`
	Models    Models `yaml:"models"`
	Uploads   struct {
		Dir         string `yaml:"dir"`
		MaxFileSize int64  `yaml:"max_file_size"`
	} `yaml:"uploads"`
	Chat struct {
		MaxSelectedAgents int `yaml:"max_selected_agents"`
	} `yaml:"chat"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

type Ledger struct {
	RPCURL          string        `yaml:"rpc_url"`
	WSURL           string        `yaml:"ws_url"`
	ContractAddress string        `yaml:"contract_address"`
	TokenDecimals   int32         `yaml:"token_decimals"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

// Contract returns the configured contract address.
func (l Ledger) Contract() common.Address {
	return common.HexToAddress(l.ContractAddress)
}

type Models struct {
	// Provider selects the completion backend: "gemini" or "echo".
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Agent    string `yaml:"agent"`
	Router   string `yaml:"router"`
	Details  string `yaml:"details"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	cfg := &Config{
		Workspace: ".",
		Listen:    DefaultListen,
		BasePath:  DefaultBasePath,
		Ledger: Ledger{
			ContractAddress: DefaultContract,
			TokenDecimals:   DefaultDecimals,
			PollInterval:    DefaultPollInterval,
			CallTimeout:     DefaultCallTimeout,
			MaxRetries:      DefaultMaxRetries,
		},
		Models: Models{
			Provider: "gemini",
			Agent:    DefaultAgentModel,
			Router:   DefaultRouterModel,
			Details:  DefaultDetailsModel,
		},
	}
	cfg.Uploads.Dir = "./uploads"
	cfg.Uploads.MaxFileSize = DefaultMaxFileSize
	cfg.Chat.MaxSelectedAgents = DefaultMaxAgents
	cfg.Log.Level = "info"
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("config.listen is required")
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("config.base_path must start with /")
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("config.ledger.contract_address %q is not a hex address", c.Ledger.ContractAddress)
	}
	if c.Ledger.TokenDecimals < 0 || c.Ledger.TokenDecimals > 77 {
		return fmt.Errorf("config.ledger.token_decimals must be between 0 and 77")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("config.ledger.poll_interval must be positive")
	}
	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("config.ledger.call_timeout must be positive")
	}
	switch c.Models.Provider {
	case "gemini", "echo":
	default:
		return fmt.Errorf("config.models.provider must be gemini or echo, got %q", c.Models.Provider)
	}
	if c.Models.Agent == "" || c.Models.Router == "" || c.Models.Details == "" {
		return fmt.Errorf("config.models agent, router and details are required")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("config.uploads.dir is required")
	}
	if c.Uploads.MaxFileSize <= 0 {
		return fmt.Errorf("config.uploads.max_file_size must be positive")
	}
	if c.Chat.MaxSelectedAgents < 1 {
		return fmt.Errorf("config.chat.max_selected_agents must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "enclava.yml")
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `listen: 0.0.0.0:8080
base_path: /v0

ledger:
  rpc_url: http://127.0.0.1:8545
  # ws_url: ws://127.0.0.1:8546
  contract_address: "0x015C507e3E79D5049b003C3bE5b2E208A4Bb7e56"
  token_decimals: 18
  poll_interval: 5s
  call_timeout: 15s
  max_retries: 3

models:
  provider: gemini
  agent: gemini-2.5-flash
  router: gemini-2.0-flash-lite
  details: gemini-2.0-flash-lite

uploads:
  dir: ./uploads
  max_file_size: 10485760

chat:
  max_selected_agents: 3

log:
  level: info
  # file: ./logs/enclava.log
`

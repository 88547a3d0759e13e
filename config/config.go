package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/khengleng/mycard-pay-protocol/crypto"
)

// EnvironmentVariable overrides Config.Environment when set.
const EnvironmentVariable = "CARDPAY_ENV"

type Config struct {
	DataDir              string `toml:"DataDir"`
	RPCAddress           string `toml:"RPCAddress"`
	MetricsAddress       string `toml:"MetricsAddress"`
	Environment          string `toml:"Environment"`
	ChainID              uint64 `toml:"ChainID"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	IndexerPath          string `toml:"IndexerPath"`

	Accounts  Accounts  `toml:"Accounts"`
	Prepaid   Prepaid   `toml:"Prepaid"`
	Revenue   Revenue   `toml:"Revenue"`
	Tokens    []Token   `toml:"Tokens"`
	Feeds     []Feed    `toml:"Feeds"`
	Oracles   []Oracle  `toml:"Oracles"`
	Telemetry Telemetry `toml:"Telemetry"`
	RPC       RPC       `toml:"RPC"`
}

type loadOptions struct {
	passphrase    string
	hasPassphrase bool
}

// Option customises Load.
type Option func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase protecting the operator
// keystore created alongside a fresh configuration.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) {
		o.passphrase = passphrase
		o.hasPassphrase = true
	}
}

// Load loads the configuration from the given path. A missing file is replaced
// by a default configuration together with a new operator keystore.
func Load(path string, opts ...Option) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if env := strings.TrimSpace(os.Getenv(EnvironmentVariable)); env != "" {
		cfg.Environment = env
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./cardpay-data"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.Prepaid.MinimumAmount == 0 {
		cfg.Prepaid.MinimumAmount = 100
	}
	if cfg.Prepaid.MaximumAmount == 0 {
		cfg.Prepaid.MaximumAmount = 10_000_000
	}
	if cfg.RPC.RateLimitPerSecond == 0 {
		cfg.RPC.RateLimitPerSecond = 20
	}
	if cfg.RPC.RateLimitBurst == 0 {
		cfg.RPC.RateLimitBurst = 40
	}
	if cfg.RPC.ReadHeaderTimeout == 0 {
		cfg.RPC.ReadHeaderTimeout = 5
	}
	if cfg.IndexerPath == "" {
		cfg.IndexerPath = filepath.Join(cfg.DataDir, "index.sqlite")
	}
}

// createDefault writes a single-operator development configuration. The
// generated operator key owns every role and stands in for every account.
func createDefault(path string, options loadOptions) (*Config, error) {
	if !options.hasPassphrase {
		return nil, fmt.Errorf("config %s does not exist and no keystore passphrase was supplied", path)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, options.passphrase); err != nil {
		return nil, err
	}
	operator := key.Address().Hex()

	cfg := &Config{
		OperatorKeystorePath: keystorePath,
		Accounts: Accounts{
			Owner:         operator,
			Tally:         operator,
			Manager:       "0x0000000000000000000000000000000000c4a2d0",
			RevenuePool:   "0x0000000000000000000000000000000000f00d01",
			WalletFactory: "0x0000000000000000000000000000000000fac701",
		},
		Prepaid: Prepaid{PayableTokens: []string{"DAI.CPXD"}},
		Revenue: Revenue{
			SpendToken:    "SPD",
			PayableTokens: []string{"DAI.CPXD"},
		},
		Tokens: []Token{
			{Symbol: "DAI.CPXD", Name: "Dai Stablecoin (CPXD)", Address: "0x00000000000000000000000000000000000da1c0", Decimals: 18},
			{Symbol: "SPD", Name: "Spend", Address: "0x00000000000000000000000000000000005bd000", Decimals: 0},
		},
		Feeds: []Feed{
			{Name: "DAI/USD", Address: "0x0000000000000000000000000000000000fee001", Description: "DAI", Decimals: 8, InitialAnswer: "100000000"},
			{Name: "ETH/USD", Address: "0x0000000000000000000000000000000000fee002", Description: "ETH", Decimals: 8, InitialAnswer: "300000000000"},
		},
		Oracles: []Oracle{{
			Exchange:      "DAI",
			Address:       "0x00000000000000000000000000000000000a0da1",
			Kind:          "chainlink",
			TokenFeed:     "DAI/USD",
			ETHFeed:       "ETH/USD",
			DAIFeed:       "DAI/USD",
			CanSnapToUSD:  true,
			SnapThreshold: "5000000",
		}},
		RPC: RPC{AdminSecretEnv: "CARDPAY_ADMIN_SECRET"},
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

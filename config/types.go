package config

// Accounts names the deployment's well-known addresses. Values may be hex or
// bech32 ("card1...", "merchant1...").
type Accounts struct {
	Owner         string `toml:"Owner"`
	Tally         string `toml:"Tally"`
	Manager       string `toml:"Manager"`
	RevenuePool   string `toml:"RevenuePool"`
	WalletFactory string `toml:"WalletFactory"`
}

// Prepaid configures the card manager. Bounds are in SPEND.
type Prepaid struct {
	MinimumAmount uint64   `toml:"MinimumAmount"`
	MaximumAmount uint64   `toml:"MaximumAmount"`
	PayableTokens []string `toml:"PayableTokens"`
}

// Revenue configures the revenue pool.
type Revenue struct {
	SpendToken          string   `toml:"SpendToken"`
	PayableTokens       []string `toml:"PayableTokens"`
	MerchantFeeReceiver string   `toml:"MerchantFeeReceiver"`
	MerchantFeePPM      uint64   `toml:"MerchantFeePPM"`
}

// Token registers a token on the ledger.
type Token struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
}

// Feed is a manually updated price feed.
type Feed struct {
	Name        string `toml:"Name"`
	Address     string `toml:"Address"`
	Description string `toml:"Description"`
	Decimals    uint8  `toml:"Decimals"`
	// InitialAnswer seeds the first round when non-empty.
	InitialAnswer string `toml:"InitialAnswer"`
}

// Oracle is a price adapter bound to an exchange symbol.
type Oracle struct {
	Exchange      string `toml:"Exchange"`
	Address       string `toml:"Address"`
	Kind          string `toml:"Kind"`
	TokenFeed     string `toml:"TokenFeed"`
	ETHFeed       string `toml:"ETHFeed"`
	DAIFeed       string `toml:"DAIFeed"`
	CanSnapToUSD  bool   `toml:"CanSnapToUSD"`
	SnapThreshold string `toml:"SnapThreshold"`
	DIASource     string `toml:"DIASource"`
	DIASymbol     string `toml:"DIASymbol"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	Headers  string `toml:"Headers"`
}

// RPC configures the HTTP API.
type RPC struct {
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
	// AdminSecretEnv names the environment variable holding the HMAC secret
	// for admin bearer tokens. Admin routes are disabled when unset.
	AdminSecretEnv    string `toml:"AdminSecretEnv"`
	ReadHeaderTimeout int    `toml:"ReadHeaderTimeout"`
}

package notegate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"notegate/chain"
	"notegate/core/access"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for notegate.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	Network         NetworkConfig   `yaml:"network"`
	ContractAddress string          `yaml:"contract"`
	Wallet          WalletConfig    `yaml:"wallet"`
	Registry        RegistryConfig  `yaml:"registry"`
	Pinata          PinataConfig    `yaml:"pinata"`
	Access          AccessConfig    `yaml:"access"`
	Transactions    TxConfig        `yaml:"transactions"`
	JournalPath     string          `yaml:"journal"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Webhook         WebhookConfig   `yaml:"webhook"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	LogFile         string          `yaml:"log_file"`
}

// NetworkConfig describes the required chain. Unset fields fall back to EDU Chain testnet.
type NetworkConfig struct {
	ChainID       string `yaml:"chain_id"`
	chain.Network `yaml:",inline"`
}

// WalletConfig locates the keystore backing the signing provider.
type WalletConfig struct {
	KeystoreDir    string `yaml:"keystore_dir"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
	Account        string `yaml:"account"`
	Approval       string `yaml:"approval"`
}

// Wallet approval modes.
const (
	ApprovalAuto   = "auto"
	ApprovalPrompt = "prompt"
)

// RegistryConfig points at the note registry. SigningKeyID turns on HMAC signing of
// writes for a registry that enforces write_auth.
type RegistryConfig struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	TokenEnv         string `yaml:"token_env"`
	TokenFile        string `yaml:"token_file"`
	SigningKeyID     string `yaml:"signing_key_id"`
	SigningSecretEnv string `yaml:"signing_secret_env"`
	SigningSecret    string `yaml:"-"`
}

// PinataConfig carries the pinning credentials. Either JWT or the key pair is required.
type PinataConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`
	JWTEnv       string `yaml:"jwt_env"`
	APIKey       string `yaml:"-"`
	APISecret    string `yaml:"-"`
	JWT          string `yaml:"-"`
}

// AccessConfig selects the access predicate.
type AccessConfig struct {
	Mode        string `yaml:"mode"`
	Concurrency int    `yaml:"concurrency"`
}

// TxConfig tunes the orchestrator.
type TxConfig struct {
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	ReadRetries    int      `yaml:"read_retries"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

// AuthConfig controls bearer token verification on the API. Writes need the notes:write
// scope and wallet controls need wallet:control.
type AuthConfig struct {
	Enabled             bool   `yaml:"enabled"`
	HMACSecret          string `yaml:"hmac_secret"`
	HMACSecretEnv       string `yaml:"hmac_secret_env"`
	Issuer              string `yaml:"issuer"`
	Audience            string `yaml:"audience"`
	AllowAnonymousReads bool   `yaml:"allow_anonymous_reads"`
}

// RateLimitConfig bounds write requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WebhookConfig enables lifecycle notifications.
type WebhookConfig struct {
	URL       string `yaml:"url"`
	SecretEnv string `yaml:"secret_env"`
	Secret    string `yaml:"-"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalise() error {
	applyDefaults(c)
	if err := c.Network.resolve(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.Wallet.normalise(); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	if err := c.Registry.normalise(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	c.Pinata.resolve()
	c.Webhook.Secret = envValue(c.Webhook.SecretEnv)
	if c.Auth.HMACSecret == "" {
		c.Auth.HMACSecret = envValue(c.Auth.HMACSecretEnv)
	}
	return validateConfig(*c)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Registry.URL == "" {
		cfg.Registry.URL = "http://localhost:5000"
	}
	if cfg.Access.Mode == "" {
		cfg.Access.Mode = string(access.ModeContract)
	}
	if cfg.Access.Concurrency <= 0 {
		cfg.Access.Concurrency = 8
	}
	if cfg.Transactions.ConfirmTimeout.Duration == 0 {
		cfg.Transactions.ConfirmTimeout.Duration = 300 * time.Second
	}
	if cfg.Transactions.PollInterval.Duration == 0 {
		cfg.Transactions.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Transactions.ReadRetries == 0 {
		cfg.Transactions.ReadRetries = 2
	}
	if cfg.Transactions.RetryDelay.Duration == 0 {
		cfg.Transactions.RetryDelay.Duration = 3 * time.Second
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "notegate-journal.db"
	}
	if cfg.Wallet.Approval == "" {
		cfg.Wallet.Approval = ApprovalAuto
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}
}

func validateConfig(cfg Config) error {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("contract must be a hex address")
	}
	if strings.TrimSpace(cfg.Wallet.KeystoreDir) == "" {
		return fmt.Errorf("wallet keystore_dir must be configured")
	}
	if cfg.Wallet.Account != "" && !common.IsHexAddress(cfg.Wallet.Account) {
		return fmt.Errorf("wallet account must be a hex address")
	}
	switch cfg.Wallet.Approval {
	case ApprovalAuto, ApprovalPrompt:
	default:
		return fmt.Errorf("wallet approval must be %q or %q", ApprovalAuto, ApprovalPrompt)
	}
	if _, err := access.ParseMode(cfg.Access.Mode); err != nil {
		return err
	}
	if cfg.Pinata.JWT == "" && (cfg.Pinata.APIKey == "" || cfg.Pinata.APISecret == "") {
		return fmt.Errorf("pinata credentials must be configured")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth enabled without hmac secret")
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook url configured without secret")
	}
	return nil
}

func (n *NetworkConfig) resolve() error {
	defaults := chain.EDUChainTestnet()
	if strings.TrimSpace(n.ChainID) == "" {
		n.Network.ChainID = defaults.ChainID
	} else {
		id, err := chain.ParseChainID(n.ChainID)
		if err != nil {
			return err
		}
		n.Network.ChainID = id
	}
	if n.ChainName == "" {
		n.ChainName = defaults.ChainName
	}
	if n.NativeCurrency.Symbol == "" {
		n.NativeCurrency = defaults.NativeCurrency
	}
	if len(n.RPCURLs) == 0 {
		n.RPCURLs = defaults.RPCURLs
	}
	if len(n.BlockExplorerURLs) == 0 {
		n.BlockExplorerURLs = defaults.BlockExplorerURLs
	}
	return n.Network.Validate()
}

func (w *WalletConfig) normalise() error {
	w.KeystoreDir = strings.TrimSpace(w.KeystoreDir)
	w.Account = strings.TrimSpace(w.Account)
	w.Approval = strings.ToLower(strings.TrimSpace(w.Approval))
	if w.Passphrase != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(w.PassphraseEnv) != "":
		w.Passphrase = os.Getenv(strings.TrimSpace(w.PassphraseEnv))
	case strings.TrimSpace(w.PassphraseFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(w.PassphraseFile))
		if err != nil {
			return fmt.Errorf("read passphrase_file: %w", err)
		}
		w.Passphrase = strings.TrimRight(string(contents), "\r\n")
	}
	return nil
}

func (r *RegistryConfig) normalise() error {
	r.URL = strings.TrimSpace(r.URL)
	r.SigningKeyID = strings.TrimSpace(r.SigningKeyID)
	if r.SigningKeyID != "" {
		r.SigningSecret = envValue(r.SigningSecretEnv)
		if r.SigningSecret == "" {
			return fmt.Errorf("signing_secret_env %q is empty", r.SigningSecretEnv)
		}
	}
	r.Token = strings.TrimSpace(r.Token)
	if r.Token != "" {
		return nil
	}
	switch {
	case strings.TrimSpace(r.TokenEnv) != "":
		r.Token = envValue(r.TokenEnv)
	case strings.TrimSpace(r.TokenFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(r.TokenFile))
		if err != nil {
			return fmt.Errorf("read token_file: %w", err)
		}
		r.Token = strings.TrimSpace(string(contents))
	}
	return nil
}

func (p *PinataConfig) resolve() {
	if p.APIKeyEnv == "" && p.APISecretEnv == "" && p.JWTEnv == "" {
		p.APIKeyEnv = "PINATA_API_KEY"
		p.APISecretEnv = "PINATA_SECRET_KEY"
		p.JWTEnv = "PINATA_JWT"
	}
	p.APIKey = envValue(p.APIKeyEnv)
	p.APISecret = envValue(p.APISecretEnv)
	p.JWT = envValue(p.JWTEnv)
}

func envValue(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

package notegate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notegate/chain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PINATA_JWT", "jwt-token")
	t.Setenv("PINATA_API_KEY", "")
	t.Setenv("PINATA_SECRET_KEY", "")
	path := writeConfig(t, `
contract: "0x1111111111111111111111111111111111111111"
wallet:
  keystore_dir: ./keys
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, "http://localhost:5000", cfg.Registry.URL)
	require.Equal(t, chain.EDUChainTestnet().ChainID, cfg.Network.Network.ChainID)
	require.Equal(t, chain.EDUChainTestnet().ChainName, cfg.Network.ChainName)
	require.Equal(t, 300*time.Second, cfg.Transactions.ConfirmTimeout.Duration)
	require.Equal(t, 2*time.Second, cfg.Transactions.PollInterval.Duration)
	require.Equal(t, 2, cfg.Transactions.ReadRetries)
	require.Equal(t, 3*time.Second, cfg.Transactions.RetryDelay.Duration)
	require.Equal(t, "contract", cfg.Access.Mode)
	require.Equal(t, 8, cfg.Access.Concurrency)
	require.Equal(t, ApprovalAuto, cfg.Wallet.Approval)
	require.Equal(t, "jwt-token", cfg.Pinata.JWT)
}

func TestLoadConfigCustomNetworkAndSecrets(t *testing.T) {
	t.Setenv("NOTEGATE_TEST_PASS", "hunter2")
	t.Setenv("NOTEGATE_TEST_PIN_KEY", "key")
	t.Setenv("NOTEGATE_TEST_PIN_SECRET", "secret")
	t.Setenv("NOTEGATE_TEST_REGISTRY_HMAC", "hmac-secret")
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("registry-token\n"), 0o600))
	path := writeConfig(t, `
contract: "0x1111111111111111111111111111111111111111"
network:
  chain_id: "0x7a69"
  chain_name: Local
  native_currency:
    name: Ether
    symbol: ETH
    decimals: 18
  rpc_urls: ["http://127.0.0.1:8545"]
wallet:
  keystore_dir: ./keys
  passphrase_env: NOTEGATE_TEST_PASS
  approval: PROMPT
registry:
  token_file: `+tokenFile+`
  signing_key_id: notegate
  signing_secret_env: NOTEGATE_TEST_REGISTRY_HMAC
pinata:
  api_key_env: NOTEGATE_TEST_PIN_KEY
  api_secret_env: NOTEGATE_TEST_PIN_SECRET
transactions:
  confirm_timeout: 45s
access:
  mode: balance
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, uint64(31337), cfg.Network.Network.ChainID)
	require.Equal(t, "Local", cfg.Network.ChainName)
	require.Equal(t, "hunter2", cfg.Wallet.Passphrase)
	require.Equal(t, ApprovalPrompt, cfg.Wallet.Approval)
	require.Equal(t, "registry-token", cfg.Registry.Token)
	require.Equal(t, "notegate", cfg.Registry.SigningKeyID)
	require.Equal(t, "hmac-secret", cfg.Registry.SigningSecret)
	require.Equal(t, "key", cfg.Pinata.APIKey)
	require.Equal(t, "secret", cfg.Pinata.APISecret)
	require.Equal(t, 45*time.Second, cfg.Transactions.ConfirmTimeout.Duration)
	require.Equal(t, "balance", cfg.Access.Mode)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("PINATA_JWT", "jwt-token")
	cases := map[string]string{
		"contract": `
contract: "not-an-address"
wallet: {keystore_dir: ./keys}
`,
		"keystore": `
contract: "0x1111111111111111111111111111111111111111"
`,
		"approval": `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys, approval: sometimes}
`,
		"access mode": `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys}
access: {mode: oracle}
`,
		"auth secret": `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys}
auth: {enabled: true}
`,
		"registry signing": `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys}
registry: {signing_key_id: notegate, signing_secret_env: NOTEGATE_TEST_UNSET_HMAC}
`,
		"duration": `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys}
transactions: {poll_interval: soon}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigRequiresPinataCredentials(t *testing.T) {
	t.Setenv("PINATA_JWT", "")
	t.Setenv("PINATA_API_KEY", "key-only")
	t.Setenv("PINATA_SECRET_KEY", "")
	_, err := LoadConfig(writeConfig(t, `
contract: "0x1111111111111111111111111111111111111111"
wallet: {keystore_dir: ./keys}
`))
	require.ErrorContains(t, err, "pinata")
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysig/relay/keypair"
)

func writeKeyFile(t *testing.T, dir string) string {
	t.Helper()
	kp, err := keypair.Generate()
	require.NoError(t, err)
	path := filepath.Join(dir, "server.pem")
	require.NoError(t, os.WriteFile(path, []byte(keypair.Encode(kp)), 0o600))
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir)

	toml := "key = \"" + keyPath + "\"\n" +
		"[session]\n" +
		"timeout = 120\n" +
		"interval = 30\n" +
		"wait_interval = 2\n" +
		"wait_timeout = 10\n" +
		"[cors]\n" +
		"origins = [\"https://example.com\"]\n"
	cfgPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o600))

	cfg, kp, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), cfg.Session.Timeout)
	assert.Equal(t, uint64(30), cfg.Session.Interval)
	assert.Equal(t, []string{"https://example.com"}, cfg.CORS.Origins)
	assert.NotEmpty(t, kp.Public)
	assert.NotEmpty(t, kp.Private)
}

func TestLoadDefaultsSessionConfig(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir)

	cfgPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("key = \""+keyPath+"\"\n"), 0o600))

	cfg, _, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, defaultSessionConfig(), cfg.Session)
}

func TestLoadAddrOptional(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir)

	cfgPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("key = \""+keyPath+"\"\naddr = \":9443\"\n"), 0o600))

	cfg, _, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Addr)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	var notFound *ErrNotFile
	require.ErrorAs(t, err, &notFound)
}

func TestLoadMissingKeyFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("key = \""+filepath.Join(dir, "nope.pem")+"\"\n"), 0o600))

	_, _, err := Load(cfgPath)
	var notFound *ErrNotFile
	require.ErrorAs(t, err, &notFound)
}

func TestLoadRequiresKeyPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("# no key\n"), 0o600))

	_, _, err := Load(cfgPath)
	require.ErrorIs(t, err, ErrKeyFileRequired)
}

func TestLoadResolvesRelativeTLSPaths(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeKeyFile(t, dir)
	cfgPath := filepath.Join(dir, "relay.toml")
	toml := "key = \"" + keyPath + "\"\n" +
		"[tls]\n" +
		"cert = \"cert.pem\"\n" +
		"key = \"key.pem\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(toml), 0o600))

	cfg, _, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cert.pem"), cfg.TLS.Cert)
	assert.Equal(t, filepath.Join(dir, "key.pem"), cfg.TLS.Key)
}

package configreader

import (
	"testing"

	"agentd/internal/testutil"
)

// Load reads both a YAML config file and an optional sibling .env
// overlay from disk (spec.md §4.4); a testutil.Sandbox gives each test
// its own throwaway directory tree to write those fixtures into, the
// same isolation spec.md §4.4's real chroot jail provides the deployed
// config-reader child.
func TestLoadParsesConfigAndEnvOverlay(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	yaml := `
logdir: /var/log/agentd
listen_address: 0.0.0.0
listen_port: 7777
chroot: /var/run/agentd/jail
user: agentd
group: agentd
block_max_transactions: 250
private_key_file: private.key
endorser_key_file: endorser.pub
public_key_file: public.pub
`
	if err := sb.WriteFile("agentd.yaml", []byte(yaml), 0600); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	if err := sb.WriteFile(".env", []byte("AGENTD_LOGLEVEL=debug\n"), 0600); err != nil {
		t.Fatalf("WriteFile env: %v", err)
	}

	cfg, err := Load(sb.Path("agentd.yaml"), sb.Path(".env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("expected .env overlay to set loglevel=debug, got %q", cfg.LogLevel)
	}
	if cfg.ListenAddress != "0.0.0.0" || cfg.ListenPort != 7777 {
		t.Fatalf("unexpected listen address: %+v", cfg)
	}
	if cfg.Chroot != "/var/run/agentd/jail" || cfg.User != "agentd" || cfg.Group != "agentd" {
		t.Fatalf("unexpected privsep fields: %+v", cfg)
	}
	if cfg.BlockMaxTransactions != 250 {
		t.Fatalf("expected explicit block_max_transactions to override default, got %d", cfg.BlockMaxTransactions)
	}
	if cfg.BlockMaxMilliseconds != 1000 {
		t.Fatalf("expected default block_max_milliseconds, got %d", cfg.BlockMaxMilliseconds)
	}
	if cfg.PrivateKeyFile != "private.key" || cfg.EndorserKeyFile != "endorser.pub" || cfg.PublicKeyFile != "public.pub" {
		t.Fatalf("unexpected key file fields: %+v", cfg)
	}
}

func TestLoadMissingConfigFileFails(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if _, err := Load(sb.Path("missing.yaml"), ""); err == nil {
		t.Fatal("expected error loading nonexistent config file")
	}
}

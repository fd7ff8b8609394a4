// Package configreader implements the config-reader child of spec.md
// §4.4: a throwaway, privilege-dropped process that parses the config
// file and key material the supervisor cannot safely open itself, then
// streams the results back as a sequence of BOM/EOM-tagged records
// (§6.3).
package configreader

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"agentd/pkg/utils"
)

// AgentConfig is this repository's schema for the fields spec.md §6.3
// names: logdir, loglevel, listen address, chroot, user/group,
// block-max-milliseconds, block-max-transactions, private/endorser/public
// key filenames.
type AgentConfig struct {
	LogDir               string `mapstructure:"logdir"`
	LogLevel             string `mapstructure:"loglevel"`
	ListenAddress        string `mapstructure:"listen_address"`
	ListenPort           int    `mapstructure:"listen_port"`
	Chroot               string `mapstructure:"chroot"`
	User                 string `mapstructure:"user"`
	Group                string `mapstructure:"group"`
	BlockMaxMilliseconds int    `mapstructure:"block_max_milliseconds"`
	BlockMaxTransactions int    `mapstructure:"block_max_transactions"`
	PrivateKeyFile       string `mapstructure:"private_key_file"`
	EndorserKeyFile      string `mapstructure:"endorser_key_file"`
	PublicKeyFile        string `mapstructure:"public_key_file"`
}

// Load parses configPath (YAML, mirroring pkg/config.Load's
// viper.SetConfigFile pattern) and merges a sibling .env file at envPath
// (if present) for secrets the operator does not want in the YAML —
// SPEC_FULL.md §4.4's godotenv addition, matching walletserver/config's
// godotenv.Load usage in the teacher.
func Load(configPath, envPath string) (*AgentConfig, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !strings.Contains(err.Error(), "no such file") {
			return nil, utils.Wrap(err, "configreader: loading .env")
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("AGENTD")
	v.AutomaticEnv()
	v.SetDefault("loglevel", utils.EnvOrDefault("AGENTD_LOGLEVEL", "info"))
	v.SetDefault("block_max_milliseconds", utils.EnvOrDefaultInt("AGENTD_BLOCK_MAX_MILLISECONDS", 1000))
	v.SetDefault("block_max_transactions", utils.EnvOrDefaultInt("AGENTD_BLOCK_MAX_TRANSACTIONS", 500))

	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "configreader: reading config")
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "configreader: unmarshal")
	}
	return &cfg, nil
}

package configreader

import (
	"fmt"
	"io"

	"agentd/internal/ipc"
	"agentd/pkg/utils"
)

// recordMarker distinguishes a BOM/EOM delimiter frame from an ordinary
// field frame on the wire. Both are carried as TypeU8 frames — §6.3 does
// not dedicate a wire type to record boundaries, so this package reserves
// two sentinel byte values within TypeU8 for that purpose; field frames
// never use TypeU8 with these exact values in this stream (field order is
// fixed per record, so a reader always knows whether the next frame is
// expected to be a delimiter or a field).
type recordMarker uint8

const (
	markerBOM recordMarker = 0xB0
	markerEOM recordMarker = 0xE0
	markerTopEOM recordMarker = 0xFE
)

// fieldOrder is the fixed field sequence of one AgentConfig record,
// spec.md §6.3's "distinct record shapes" flattened into a single
// ordered record for this implementation's wire stream.
var fieldOrder = []string{
	"logdir", "loglevel", "listen_address", "listen_port", "chroot",
	"user", "group", "block_max_milliseconds", "block_max_transactions",
	"private_key_file", "endorser_key_file", "public_key_file",
}

// WriteConfigStream emits cfg as one BOM-delimited record of framed
// fields, followed by the terminating top-level EOM (spec.md §6.3) — the
// config-reader child's side of the handoff.
func WriteConfigStream(w io.Writer, cfg *AgentConfig) error {
	iw := ipc.NewWriter(w)
	if err := iw.WriteU8(uint8(markerBOM)); err != nil {
		return err
	}
	fields := map[string]func() error{
		"logdir":                  func() error { return iw.WriteString(cfg.LogDir) },
		"loglevel":                func() error { return iw.WriteString(cfg.LogLevel) },
		"listen_address":          func() error { return iw.WriteString(cfg.ListenAddress) },
		"listen_port":             func() error { return iw.WriteU64(uint64(cfg.ListenPort)) },
		"chroot":                  func() error { return iw.WriteString(cfg.Chroot) },
		"user":                    func() error { return iw.WriteString(cfg.User) },
		"group":                   func() error { return iw.WriteString(cfg.Group) },
		"block_max_milliseconds":  func() error { return iw.WriteU64(uint64(cfg.BlockMaxMilliseconds)) },
		"block_max_transactions":  func() error { return iw.WriteU64(uint64(cfg.BlockMaxTransactions)) },
		"private_key_file":        func() error { return iw.WriteString(cfg.PrivateKeyFile) },
		"endorser_key_file":       func() error { return iw.WriteString(cfg.EndorserKeyFile) },
		"public_key_file":         func() error { return iw.WriteString(cfg.PublicKeyFile) },
	}
	for _, name := range fieldOrder {
		if err := fields[name](); err != nil {
			return utils.Wrap(err, fmt.Sprintf("configreader: writing field %s", name))
		}
	}
	if err := iw.WriteU8(uint8(markerEOM)); err != nil {
		return err
	}
	return iw.WriteU8(uint8(markerTopEOM))
}

// ReadConfigStream decodes a stream written by WriteConfigStream — the
// supervisor's side of the handoff.
func ReadConfigStream(r io.Reader) (*AgentConfig, error) {
	ir := ipc.NewReader(r)

	bom, err := ir.ReadFrame()
	if err != nil {
		return nil, utils.Wrap(err, "configreader: reading BOM")
	}
	if v, _ := bom.U8(); v != uint8(markerBOM) {
		return nil, fmt.Errorf("configreader: expected BOM, got frame type %v", bom.Type)
	}

	var cfg AgentConfig
	for _, name := range fieldOrder {
		f, err := ir.ReadFrame()
		if err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("configreader: reading field %s", name))
		}
		switch name {
		case "logdir":
			cfg.LogDir, err = f.String()
		case "loglevel":
			cfg.LogLevel, err = f.String()
		case "listen_address":
			cfg.ListenAddress, err = f.String()
		case "listen_port":
			var v uint64
			v, err = f.U64()
			cfg.ListenPort = int(v)
		case "chroot":
			cfg.Chroot, err = f.String()
		case "user":
			cfg.User, err = f.String()
		case "group":
			cfg.Group, err = f.String()
		case "block_max_milliseconds":
			var v uint64
			v, err = f.U64()
			cfg.BlockMaxMilliseconds = int(v)
		case "block_max_transactions":
			var v uint64
			v, err = f.U64()
			cfg.BlockMaxTransactions = int(v)
		case "private_key_file":
			cfg.PrivateKeyFile, err = f.String()
		case "endorser_key_file":
			cfg.EndorserKeyFile, err = f.String()
		case "public_key_file":
			cfg.PublicKeyFile, err = f.String()
		}
		if err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("configreader: decoding field %s", name))
		}
	}

	eom, err := ir.ReadFrame()
	if err != nil {
		return nil, utils.Wrap(err, "configreader: reading EOM")
	}
	if v, _ := eom.U8(); v != uint8(markerEOM) {
		return nil, fmt.Errorf("configreader: expected EOM, got frame type %v", eom.Type)
	}

	topEOM, err := ir.ReadFrame()
	if err != nil {
		return nil, utils.Wrap(err, "configreader: reading top-level EOM")
	}
	if v, _ := topEOM.U8(); v != uint8(markerTopEOM) {
		return nil, fmt.Errorf("configreader: expected top-level EOM, got frame type %v", topEOM.Type)
	}

	return &cfg, nil
}

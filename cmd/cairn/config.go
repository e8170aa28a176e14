package main

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// loadConfig builds the store configuration mapping. Values of the TOML
// file are overridden by the device flags, and those by --set.
func loadConfig(args *Args) (map[string]string, error) {
	cfg := make(map[string]string)
	if args.ConfigPath != "" {
		tree, err := toml.LoadFile(args.ConfigPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %q", args.ConfigPath)
		}
		if err := flatten(tree.ToMap(), cfg); err != nil {
			return nil, errors.Wrapf(err, "invalid config file %q", args.ConfigPath)
		}
	}

	for key, v := range map[string]string{
		"data_device":    args.DataDevice,
		"meta_device":    args.MetaDevice,
		"journal_device": args.JournalDevice,
	} {
		if v != "" {
			cfg[key] = v
		}
	}
	for _, kv := range args.Set.Value() {
		key, v, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("invalid --set %q, expected key=value", kv)
		}
		cfg[strings.TrimSpace(key)] = strings.TrimSpace(v)
	}
	return cfg, nil
}

// flatten copies the scalar values of a parsed TOML document into cfg.
// Store options are flat, so tables and arrays are rejected.
func flatten(doc map[string]interface{}, cfg map[string]string) error {
	for key, v := range doc {
		switch v := v.(type) {
		case string:
			cfg[key] = v
		case bool, int64, uint64, float64:
			cfg[key] = fmt.Sprint(v)
		default:
			return errors.Errorf("key %q: unsupported value of type %T", key, v)
		}
	}
	return nil
}

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/asnowfix/wifimgr/internal/config"
	"github.com/asnowfix/wifimgr/internal/options"
	"github.com/asnowfix/wifimgr/pkg/eeprom"
	"github.com/asnowfix/wifimgr/pkg/kvs"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const hexPrefix = "hex:"

var storeFs = afero.NewOsFs()

var storeType string

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect or edit the configuration store offline",
}

func init() {
	storeSetCmd.Flags().StringVarP(&storeType, "type", "t", "string", "value encoding: string, long, ulong, bool or hex")
	storeCmd.AddCommand(storeDumpCmd, storeGetCmd, storeSetCmd, storeDeleteCmd, storeImportCmd, storeFormatCmd)
}

func openStore(cmd *cobra.Command, fs afero.Fs) (*kvs.Store, error) {
	log := logr.FromContextOrDiscard(cmd.Context())
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, err
	}
	region, err := eeprom.OpenFile(log, fs, cfg.Store.Path, cfg.Store.RegionSize)
	if err != nil {
		return nil, err
	}
	s := kvs.NewStore(log, region)
	s.Configure(cfg.Store.Start, cfg.Store.Size)
	return s, nil
}

// displayValue shows text values as-is and binary ones (packed integers,
// booleans) in hex.
func displayValue(b []byte) string {
	if utf8.Valid(b) && !strings.ContainsFunc(string(b), func(r rune) bool { return r < 0x20 && r != '\t' && r != '\n' }) {
		return string(b)
	}
	return hexPrefix + hex.EncodeToString(b)
}

// parseValue is the inverse of displayValue for the given encoding.
func parseValue(kind, value string) ([]byte, error) {
	switch kind {
	case "string":
		if strings.HasPrefix(value, hexPrefix) {
			return hex.DecodeString(strings.TrimPrefix(value, hexPrefix))
		}
		return []byte(value), nil
	case "hex":
		return hex.DecodeString(strings.TrimPrefix(value, hexPrefix))
	case "long":
		n, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, nil
	case "ulong":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, nil
	case "bool":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", kind)
	}
}

func dumpStore(s *kvs.Store) (map[string]string, error) {
	if err := s.Load(); err != nil {
		return nil, err
	}
	out := make(map[string]string, s.Len())
	for _, k := range s.Keys() {
		v, _ := s.GetBytes(k)
		out[k] = displayValue(v)
	}
	return out, nil
}

// importValues sets every value of in and commits once.
func importValues(s *kvs.Store, in map[string]string) error {
	for k, v := range in {
		b, err := parseValue("string", v)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		if err := s.SetBytes(k, b); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return s.Commit()
}

var storeDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		out, err := dumpStore(s)
		if err != nil {
			return err
		}
		return options.PrintResult(cmd.OutOrStdout(), out)
	},
}

var storeGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		if err := s.Load(); err != nil {
			return err
		}
		v, ok := s.GetBytes(args[0])
		if !ok {
			return fmt.Errorf("%w: %q", kvs.ErrNotFound, args[0])
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), displayValue(v))
		return err
	},
}

var storeSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Create or replace an entry and commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		b, err := parseValue(storeType, args[1])
		if err != nil {
			return err
		}
		if err := s.SetBytes(args[0], b); err != nil {
			return err
		}
		return s.Commit()
	},
}

var storeDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Remove an entry and commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		if err := s.Delete(args[0]); err != nil {
			return err
		}
		return s.Commit()
	},
}

var storeImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Set the entries of a YAML mapping and commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		var in map[string]string
		if err := yaml.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		return importValues(s, in)
	},
}

var storeFormatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase every entry and write an empty store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd, storeFs)
		if err != nil {
			return err
		}
		s.Format()
		return s.Commit()
	},
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/reportd/internal/config"
)

var (
	configJSON   bool
	configReveal bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	configCmd.PersistentFlags().BoolVar(&configReveal, "reveal", false, "print secrets in clear text")
	configListCmd.Flags().BoolVar(&configJSON, "json", false, "print values as a JSON object")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the daemon configuration file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every configuration key with its effective value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		if configJSON {
			return writeValuesJSON(cmd.OutOrStdout(), values)
		}
		return writeValues(cmd.OutOrStdout(), values)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value stored in the config file for one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if err := checkKey(key); err != nil {
			return err
		}
		val, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), displayValue(key, val))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a value in the config file",
	Long:  "Store a value in the config file. Values that parse as JSON numbers or booleans are stored typed.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, raw := args[0], args[1]
		if err := checkKey(key); err != nil {
			return err
		}
		if err := config.SetValue(cfgPath, key, raw); err != nil {
			return err
		}
		if _, err := config.Load(cfgPath); err != nil {
			return fmt.Errorf("%s was written but the file no longer loads: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, displayValue(key, raw))
		return nil
	},
}

// knownKeys returns the dot keys of the configuration struct.
func knownKeys() ([]string, error) {
	m, err := config.ToMap(&config.Config{})
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(config.Flatten(m))), nil
}

// checkKey rejects keys the daemon would never read.
func checkKey(key string) error {
	keys, err := knownKeys()
	if err != nil {
		return err
	}
	if _, found := slices.BinarySearch(keys, key); !found {
		return fmt.Errorf("unknown config key %q (see 'reportd config list')", key)
	}
	return nil
}

func displayValue(key string, val any) any {
	if configReveal {
		return val
	}
	return config.MaskSecrets(map[string]any{key: val})[key]
}

// writeValues prints values as aligned key/value rows sorted by key. Secret
// keys are flagged so a masked value is not mistaken for the real one.
func writeValues(w io.Writer, values map[string]any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range slices.Sorted(maps.Keys(values)) {
		note := ""
		if config.IsSecretKey(k) {
			note = "secret"
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\n", k, values[k], note)
	}
	return tw.Flush()
}

func writeValuesJSON(w io.Writer, values map[string]any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(values)
}

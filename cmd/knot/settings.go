package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pher-lab/knot/internal/settings"
)

// settingFields maps setting keys to accessors. Values are stored as
// strings on the command line and converted here.
var settingFields = map[string]struct {
	get func(settings.Settings) string
	set func(*settings.Settings, string) error
}{
	"theme": {
		get: func(s settings.Settings) string { return s.Theme },
		set: func(s *settings.Settings, v string) error { s.Theme = v; return nil },
	},
	"language": {
		get: func(s settings.Settings) string { return s.Language },
		set: func(s *settings.Settings, v string) error { s.Language = v; return nil },
	},
	"auto_lock_minutes": {
		get: func(s settings.Settings) string { return strconv.Itoa(s.AutoLockMinutes) },
		set: func(s *settings.Settings, v string) (err error) {
			s.AutoLockMinutes, err = strconv.Atoi(v)
			return err
		},
	},
	"font_size": {
		get: func(s settings.Settings) string { return strconv.Itoa(s.FontSize) },
		set: func(s *settings.Settings, v string) (err error) {
			s.FontSize, err = strconv.Atoi(v)
			return err
		},
	},
}

func settingKeys() []string {
	keys := make([]string, 0, len(settingFields))
	for k := range settingFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change preferences (stored unencrypted in settings.json)",
}

var settingsGetCmd = &cobra.Command{
	Use:       "get [key]",
	Short:     "Print one or all settings",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: settingKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.NewStore(cfg.VaultDir).Load(cmd.Context())
		if err != nil {
			logger.Warn("using default settings", "error", err)
		}

		if len(args) == 1 {
			field, ok := settingFields[args[0]]
			if !ok {
				return fmt.Errorf("unknown setting '%s'", args[0])
			}
			fmt.Println(field.get(s))
			return nil
		}
		for _, key := range settingKeys() {
			fmt.Printf("%s = %s\n", key, settingFields[key].get(s))
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Change a setting",
	Args:      cobra.ExactArgs(2),
	ValidArgs: settingKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, ok := settingFields[args[0]]
		if !ok {
			return fmt.Errorf("unknown setting '%s'", args[0])
		}

		// Reject unparsable values before anything is written.
		candidate := settings.Default()
		if err := field.set(&candidate, args[1]); err != nil {
			return fmt.Errorf("invalid value for %s: %w", args[0], err)
		}

		_, err := settings.NewStore(cfg.VaultDir).Update(cmd.Context(), func(s *settings.Settings) {
			_ = field.set(s, args[1])
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

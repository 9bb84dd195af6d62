package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/livepreview/internal/logging"
)

// bindFlags binds each named flag of fs to its viper key. A missing flag is
// an error so a renamed flag can't silently drop its binding.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	for name, key := range bindings {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag --%s is not defined", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding --%s to %s: %w", name, key, err)
		}
	}
	return nil
}

// addFlagValidation checks every value given to the flag before it is set.
func addFlagValidation(cmd *cobra.Command, name string, validator func(string) error) {
	fs := cmd.Flags()
	flag := fs.Lookup(name)
	if flag == nil {
		fs = cmd.PersistentFlags()
		flag = fs.Lookup(name)
	}
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validator(val); err != nil {
		return err
	}
	return v.Value.Set(val)
}

// validatePort accepts 0, which asks the OS for a free port.
func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", s)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

func validateLogLevel(s string) error {
	_, err := logging.ParseLevel(s)
	return err
}

func validateLogFormat(s string) error {
	switch s {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("invalid log format %q, must be text or json", s)
}

func validateFileExists(name string) error {
	if name == "" {
		return nil
	}
	if _, err := os.Stat(name); err != nil {
		return fmt.Errorf("config file %s: %w", name, err)
	}
	return nil
}

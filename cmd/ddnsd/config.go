package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	ddns "github.com/Travis-Britz/ddnsd"
	"github.com/crewjam/errset"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// loadConfig reads the configuration file at path. Settings under wan can be overridden
// from the environment, e.g. DDNSD_WAN_MODE=indirect, including from a .env file in the
// working directory. Password files are read into the accounts; when interactive is set a
// missing one is created by prompting for its content.
func loadConfig(path string, interactive bool) (ddns.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ddns.Config{}, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DDNSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("wan.mode", string(ddns.ModeDirect))
	v.SetDefault("wan.interface", ddns.DefaultInterface)

	// Bind environment variables explicitly so they appear in Unmarshal
	for _, key := range []string{
		"wan.mode", "wan.interface", "wan.host", "wan.port", "wan.path",
		"wan.interval", "wan.resolver", "wan.query", "wan.address",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		return ddns.Config{}, fmt.Errorf("error reading config file %q: %w", path, err)
	}

	var cfg ddns.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return ddns.Config{}, fmt.Errorf("error decoding config file %q: %w", path, err)
	}
	if err := readPasswords(cfg.Accounts, interactive); err != nil {
		return ddns.Config{}, err
	}
	return cfg, nil
}

// readPasswords fills in the password of every account that names a password file.
func readPasswords(accounts []ddns.AccountConfig, interactive bool) error {
	errs := errset.ErrSet{}
	for i := range accounts {
		a := &accounts[i]
		if a.PasswordFile == "" {
			continue
		}
		if a.Password != "" {
			errs = append(errs, fmt.Errorf("account %s: password and password_file are both set", a.Name))
			continue
		}
		if _, err := os.Stat(a.PasswordFile); errors.Is(err, fs.ErrNotExist) && interactive {
			if err := runSetup(*a); err != nil {
				errs = append(errs, fmt.Errorf("account %s: setup: %w", a.Name, err))
				continue
			}
		}
		if err := verifyPermissions(a.PasswordFile); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", a.Name, err))
			continue
		}
		key, err := readKey(a.PasswordFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", a.Name, err))
			continue
		}
		a.Password = key
	}
	return errs.ReturnValue()
}

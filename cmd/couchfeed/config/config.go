// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package config resolves couchfeed settings from flags, the environment,
// a .env file and an optional couchfeed.yaml.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-kivik/couchstream"
	"github.com/go-kivik/couchstream/chttp"
	"github.com/go-kivik/couchstream/cmd/couchfeed/errors"
	"github.com/go-kivik/couchstream/log"
)

const envPrefix = "COUCHFEED"

// Setting keys. Each is also the name of the persistent flag bound to it, and
// COUCHFEED_ followed by the upper-cased key is the environment variable.
const (
	KeyDSN              = "dsn"
	KeyUsername         = "username"
	KeyPassword         = "password"
	KeyHeartbeat        = "heartbeat"
	KeyHeartbeatTimeout = "heartbeat-timeout"
	KeyCookieAuth       = "cookie-auth"
)

// Config is the resolved configuration.
type Config struct {
	v *viper.Viper
}

// New returns an empty configuration which reads COUCHFEED_* environment
// variables.
func New() *Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyHeartbeat, "5s")
	return &Config{v: v}
}

// BindFlags makes the settings overridable from fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	for _, key := range []string{KeyDSN, KeyUsername, KeyPassword, KeyHeartbeat, KeyHeartbeatTimeout, KeyCookieAuth} {
		if flag := fs.Lookup(key); flag != nil {
			if err := c.v.BindPFlag(key, flag); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read loads envFile, if it exists, into the environment, then reads the
// config file. An empty file searches for couchfeed.yaml in the working
// directory and ~/.couchfeed, and finding none is not an error. An explicit
// file must exist.
func (c *Config) Read(file, envFile string, lg log.Logger) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return errors.Code(errors.ErrData, err)
			}
		} else {
			lg.Debugf("Loaded environment from %s", envFile)
		}
	}
	if file != "" {
		c.v.SetConfigFile(file)
		if err := c.v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return errors.Code(errors.ErrNoInput, err)
			}
			return errors.Code(errors.ErrData, err)
		}
		lg.Debugf("Read config from %s", file)
		return nil
	}
	c.v.SetConfigName("couchfeed")
	c.v.SetConfigType("yaml")
	c.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(filepath.Join(home, ".couchfeed"))
	}
	err := c.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		return nil
	case err != nil:
		return errors.Code(errors.ErrData, err)
	}
	lg.Debugf("Read config from %s", c.v.ConfigFileUsed())
	return nil
}

// Set overrides a setting.
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// DSN returns the server URL.
func (c *Config) DSN() (string, error) {
	dsn := c.v.GetString(KeyDSN)
	if dsn == "" {
		return "", errors.Code(errors.ErrUsage, "no server DSN configured; set --dsn or "+envPrefix+"_DSN")
	}
	return dsn, nil
}

func (c *Config) duration(key string) (time.Duration, error) {
	val := c.v.GetString(key)
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Codef(errors.ErrUsage, "invalid %s: %s", key, err)
	}
	if d < 0 {
		return 0, errors.Codef(errors.ErrUsage, "negative %s not permitted", key)
	}
	return d, nil
}

// ClientOptions returns the options for a client built from the
// configuration.
func (c *Config) ClientOptions() ([]couchstream.Option, error) {
	var opts []couchstream.Option
	heartbeat, err := c.duration(KeyHeartbeat)
	if err != nil {
		return nil, err
	}
	if heartbeat > 0 {
		opts = append(opts, couchstream.WithHeartbeat(heartbeat))
	}
	timeout, err := c.duration(KeyHeartbeatTimeout)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		opts = append(opts, couchstream.WithHeartbeatTimeout(timeout))
	}
	if user := c.v.GetString(KeyUsername); user != "" {
		pass := c.v.GetString(KeyPassword)
		if c.v.GetBool(KeyCookieAuth) {
			opts = append(opts, chttp.CookieAuth(user, pass))
		} else {
			opts = append(opts, chttp.BasicAuth(user, pass))
		}
	}
	return opts, nil
}

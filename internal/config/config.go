// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration: accounts, the cloud
// and local mailboxes built on them, and the rules routing cloud
// messages to local mailboxes.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/matta/cloudmdir/internal/homedir"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	TypeOffice365 = "office365"
	TypeGmail     = "gmail"
)

type Config struct {
	DBDir      string        `mapstructure:"db_dir"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	LogLevel   string        `mapstructure:"log_level"`
	TraceFile  string        `mapstructure:"trace_file"`
	OAuth      OAuth         `mapstructure:"oauth"`
	NATS       NATS          `mapstructure:"nats"`
	Accounts   []Account     `mapstructure:"accounts"`
	Cloud      []Cloud       `mapstructure:"cloud"`
	Local      []Local       `mapstructure:"local"`
	Routes     []Route       `mapstructure:"routes"`

	// Policy, when set, replaces Routes.  It returns the name of the
	// local mailbox msg belongs in.
	Policy func(msg *mailbox.Record) string `mapstructure:"-"`
}

type OAuth struct {
	// Listen is the host:port of the authentication broker.
	Listen string `mapstructure:"listen"`
}

type NATS struct {
	// URL of the NATS server receiving cycle events.  Empty
	// disables publishing.
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type Account struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// Office365.  An empty User lets the browser choose.
	User   string `mapstructure:"user"`
	Tenant string `mapstructure:"tenant"`

	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	APIKey       string `mapstructure:"api_key"`
}

type Cloud struct {
	Name    string `mapstructure:"name"`
	Account string `mapstructure:"account"`

	// Folder is the Graph folder id or well known name; Label the
	// Gmail label id.
	Folder string `mapstructure:"folder"`
	Label  string `mapstructure:"label"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Local struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`

	// UploadTo names the cloud mailbox receiving messages created
	// here.  Empty means the first cloud mailbox.
	UploadTo string `mapstructure:"upload_to"`
}

// Route sends every message of a cloud mailbox to a local one.
type Route struct {
	Cloud string `mapstructure:"cloud"`
	Local string `mapstructure:"local"`
}

const defaultPollInterval = time.Minute

// SetDefaults installs the default values into v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_dir", "~/mail/.cms/")
	v.SetDefault("retry_delay", 10*time.Second)
	v.SetDefault("log_level", "debug")
	v.SetDefault("trace_file", "")
	v.SetDefault("oauth.listen", "localhost:8080")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "cms")
}

// Load decodes and validates the configuration held by v.  Paths are
// expanded and per mailbox defaults filled in.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	c.DBDir = homedir.Expand(c.DBDir)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Type == TypeOffice365 && a.Tenant == "" {
			a.Tenant = "common"
		}
	}
	for i := range c.Cloud {
		cl := &c.Cloud[i]
		if cl.Folder == "" {
			cl.Folder = "inbox"
		}
		if cl.Label == "" {
			cl.Label = "INBOX"
		}
		if cl.PollInterval == 0 {
			cl.PollInterval = defaultPollInterval
		}
	}
	for i := range c.Local {
		c.Local[i].Path = homedir.Expand(c.Local[i].Path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names and references.
func (c *Config) Validate() error {
	names := map[string]string{}
	unique := func(kind, name string) error {
		if name == "" {
			return errors.Errorf("%s with no name", kind)
		}
		if prev, ok := names[name]; ok {
			return errors.Errorf("%s %q: name already used by a %s", kind, name, prev)
		}
		names[name] = kind
		return nil
	}

	accounts := map[string]bool{}
	for _, a := range c.Accounts {
		if err := unique("account", a.Name); err != nil {
			return err
		}
		switch a.Type {
		case TypeOffice365, TypeGmail:
		default:
			return errors.Errorf("account %q: unknown type %q", a.Name, a.Type)
		}
		if a.ClientID == "" {
			return errors.Errorf("account %q: client_id is required", a.Name)
		}
		accounts[a.Name] = true
	}

	clouds := map[string]bool{}
	for _, cl := range c.Cloud {
		if err := unique("cloud mailbox", cl.Name); err != nil {
			return err
		}
		if !accounts[cl.Account] {
			return errors.Errorf("cloud mailbox %q: unknown account %q", cl.Name, cl.Account)
		}
		if cl.PollInterval < 0 {
			return errors.Errorf("cloud mailbox %q: negative poll_interval", cl.Name)
		}
		clouds[cl.Name] = true
	}

	locals := map[string]bool{}
	for _, l := range c.Local {
		if err := unique("local mailbox", l.Name); err != nil {
			return err
		}
		if l.Path == "" {
			return errors.Errorf("local mailbox %q: path is required", l.Name)
		}
		if l.UploadTo != "" && !clouds[l.UploadTo] {
			return errors.Errorf("local mailbox %q: unknown upload_to %q", l.Name, l.UploadTo)
		}
		locals[l.Name] = true
	}
	if len(c.Cloud) > 0 && len(c.Local) == 0 {
		return errors.New("cloud mailboxes configured without a local mailbox")
	}

	for _, r := range c.Routes {
		if !clouds[r.Cloud] {
			return errors.Errorf("route: unknown cloud mailbox %q", r.Cloud)
		}
		if !locals[r.Local] {
			return errors.Errorf("route: unknown local mailbox %q", r.Local)
		}
	}
	if c.RetryDelay <= 0 {
		return errors.Errorf("retry_delay must be positive, got %v", c.RetryDelay)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Account returns the account named name.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return l, nil
}

// Direct returns the routing policy over the constructed local
// mailboxes, keyed by name.  Messages of a cloud mailbox without a
// route go to the first local mailbox.
func (c *Config) Direct(locals map[string]mailbox.Local) (mailbox.DirectFunc, error) {
	var fallback mailbox.Local
	if len(c.Local) > 0 {
		fallback = locals[c.Local[0].Name]
	}
	if c.Policy != nil {
		return func(msg *mailbox.Record) mailbox.Local {
			return locals[c.Policy(msg)]
		}, nil
	}

	byCloud := make(map[string]mailbox.Local, len(c.Routes))
	for _, r := range c.Routes {
		l, ok := locals[r.Local]
		if !ok {
			return nil, errors.Errorf("route to unknown local mailbox %q", r.Local)
		}
		byCloud[r.Cloud] = l
	}
	return func(msg *mailbox.Record) mailbox.Local {
		if msg.Mailbox != nil {
			if l, ok := byCloud[msg.Mailbox.Name()]; ok {
				return l
			}
		}
		return fallback
	}, nil
}

// UploadTargets maps every local mailbox with upload_to set to its
// cloud mailbox.
func (c *Config) UploadTargets(locals map[string]mailbox.Local, clouds map[string]mailbox.Cloud) map[mailbox.Local]mailbox.Cloud {
	targets := make(map[mailbox.Local]mailbox.Cloud)
	for _, l := range c.Local {
		if l.UploadTo == "" {
			continue
		}
		local, lok := locals[l.Name]
		cloud, cok := clouds[l.UploadTo]
		if lok && cok {
			targets[local] = cloud
		}
	}
	return targets
}

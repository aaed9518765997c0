package config

import (
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config is loaded from the YAML file named by CONFIG_FILE, then overridden
// by environment variables. Each field maps to the snake_case form of its
// name, so ServerPort reads the server_port key and the SERVER_PORT variable.
type Config struct {
	BanClients                bool          `default:"true"`
	BanDuration               time.Duration `default:"10m"`
	CatalogLanguage           string        `default:"en"`
	ConverterPath             string
	Credentials               string
	DataDirectory             string        `default:"./data"`
	DatabaseBusyTimeout       time.Duration `default:"5s"`
	DatabaseConnectRetryCount int           `default:"5"`
	DatabaseConnectRetryDelay time.Duration `default:"2s"`
	DatabaseDebug             bool
	DatabaseFilePath          string
	DatabaseMaxRetries        int    `default:"3"`
	ItemsPerPage              int    `default:"100"`
	LibraryPath               string
	LogLevel                  string `default:"info"`
	NewBooksPeriod            int    `default:"3"`
	OPDSStructure             int    `default:"63"`
	OpenNATPort               bool
	RememberClients           bool   `default:"true"`
	RootPrefix                string `default:"opds"`
	ServerHost                string `default:"0.0.0.0"`
	ServerName                string `default:"TinyOPDS server"`
	ServerPort                int    `default:"8080"`
	SortOrder                 string `default:"cyrillic-first"`
	UpdatesCheck              string `default:"never"`
	UseAuthorsAliases         bool   `default:"true"`
	UseHTTPAuth               bool
	UseUPnP                   bool
	UseWatcher                bool `default:"true"`
	WrongAttemptsCount        int  `default:"3"`
}

// newBooksPeriods is the set of windows the new-books feeds may use;
// NewBooksPeriod is an index into it.
var newBooksPeriods = [...]int{7, 14, 21, 30, 44, 60, 90}

const defaultConfigFile = "config.yaml"

func New() (*Config, error) {
	cfg := &Config{}
	err := defaults.Set(cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	err = k.Load(file.Provider(configFile), yaml.Parser())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.WithStack(err)
	}

	// Only variables whose lowercase form is a known config key are loaded,
	// so ambient variables like PATH never leak into the config.
	known := knownKeys()
	err = k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if !known[key] {
			return ""
		}
		return key
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           cfg,
			MatchName: func(mapKey, fieldName string) bool {
				return mapKey == toSnakeCase(fieldName)
			},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if cfg.LibraryPath == "" {
		return nil, errors.Errorf("missing required config: LIBRARY_PATH (library_path)")
	}

	cfg.Validate(nil)

	return cfg, nil
}

// NewForTest returns a config suitable for unit tests: in-memory database and
// loopback-only server.
func NewForTest() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	cfg.DatabaseFilePath = ":memory:"
	cfg.LibraryPath = "."
	cfg.ServerHost = "127.0.0.1"
	return cfg
}

// Validate clamps out-of-range fields. An invalid field falls back to prev's
// value when prev is given, otherwise to the built-in default. The returned
// list names the reset fields in snake_case, for logging.
func (c *Config) Validate(prev *Config) []string {
	var reset []string
	def := &Config{}
	_ = defaults.Set(def)
	fallback := def
	if prev != nil {
		fallback = prev
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		c.ServerPort = fallback.ServerPort
		reset = append(reset, "server_port")
	}
	if c.ItemsPerPage < 1 {
		c.ItemsPerPage = fallback.ItemsPerPage
		reset = append(reset, "items_per_page")
	}
	if c.NewBooksPeriod < 0 || c.NewBooksPeriod >= len(newBooksPeriods) {
		c.NewBooksPeriod = fallback.NewBooksPeriod
		reset = append(reset, "new_books_period")
	}
	if c.WrongAttemptsCount < 1 {
		c.WrongAttemptsCount = fallback.WrongAttemptsCount
		reset = append(reset, "wrong_attempts_count")
	}
	if c.SortOrder != "cyrillic-first" && c.SortOrder != "latin-first" {
		c.SortOrder = fallback.SortOrder
		reset = append(reset, "sort_order")
	}
	c.RootPrefix = strings.Trim(c.RootPrefix, "/")

	// A library path that no longer resolves to a directory keeps the
	// previous one. On first load there is no previous value, so the path is
	// left alone and the scanner reports it as an empty library instead.
	if prev != nil && c.LibraryPath != prev.LibraryPath {
		if fi, err := os.Stat(c.LibraryPath); err != nil || !fi.IsDir() {
			c.LibraryPath = prev.LibraryPath
			reset = append(reset, "library_path")
		}
	}

	return reset
}

// Save writes the configuration back to the YAML file it was loaded from, so
// settings changed through the admin API survive a restart.
func (c *Config) Save() error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = defaultConfigFile
	}
	return c.SaveTo(path)
}

func (c *Config) SaveTo(path string) error {
	m := map[string]interface{}{}
	v := reflect.ValueOf(*c)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		val := v.Field(i).Interface()
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		m[toSnakeCase(t.Field(i).Name)] = val
	}

	out, err := yaml.Parser().Marshal(m)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, out, 0600))
}

// NewBooksPeriodDays resolves the configured period index into days.
func (c *Config) NewBooksPeriodDays() int {
	i := c.NewBooksPeriod
	if i < 0 || i >= len(newBooksPeriods) {
		i = 3
	}
	return newBooksPeriods[i]
}

// CyrillicFirst reports whether catalog indexes should collate Cyrillic
// entries ahead of Latin ones.
func (c *Config) CyrillicFirst() bool {
	return c.SortOrder != "latin-first"
}

func toSnakeCase(s string) string {
	return strcase.ToSnake(s)
}

func knownKeys() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		keys[toSnakeCase(t.Field(i).Name)] = true
	}
	return keys
}

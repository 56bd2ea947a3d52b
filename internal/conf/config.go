// Package conf holds the application settings, loaded from config file,
// environment and command line flags through viper.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled  bool         // true to enable this log
	Path     string       // path to log file
	Rotation RotationType // rotation type
	MaxSize  int64        // max size in bytes for RotationSize
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// MainSettings contains main program settings
type MainSettings struct {
	Name string    // name of this node, can be used to identify the instance
	Log  LogConfig // main log file configuration
}

// SQLiteSettings contains SQLite database settings
type SQLiteSettings struct {
	Enabled bool   // true to enable SQLite
	Path    string // path to database file
}

// MySQLSettings contains MySQL database settings
type MySQLSettings struct {
	Enabled  bool   // true to enable MySQL
	Username string // username for MySQL connection
	Password string // password for MySQL connection
	Database string // database name
	Host     string // host for MySQL connection
	Port     string // port for MySQL connection
}

// OutputSettings contains settings for the persisted store
type OutputSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// ProxySettings contains outbound proxy settings for catalog requests
type ProxySettings struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

// CatalogSettings contains settings for the upstream catalog client
type CatalogSettings struct {
	APIURL         string        // base URL of the catalog products API
	ResponseGroups string        // response groups requested per product
	UserAgent      string        // user agent sent with catalog requests
	RateRPS        float64       // process wide request rate limit
	RateBurst      int           // burst allowance for the rate limiter
	Timeout        time.Duration // per request timeout
	CacheTTL       time.Duration // product cache TTL, 0 disables caching
	Proxy          ProxySettings
}

// RefreshSettings contains the auto refresh scheduler settings
type RefreshSettings struct {
	AutoEnabled           bool          // true to run the 24h refresh scheduler
	CycleSeconds          int           // length of the refresh distribution cycle
	SchedulerInterval     time.Duration // scheduler tick interval
	BatchSize             int           // max probes enqueued per tick
	ManualIntervalMinutes int           // window used by reschedule-all
	RescheduleDelay       time.Duration // delay before a deferred reschedule-all runs
}

// NotifySettings contains the notification sweep settings
type NotifySettings struct {
	SweepInterval time.Duration // interval between release/new-item sweeps
	ReleaseWindow time.Duration // how far back a publication time still counts as a release
	SendTimeout   time.Duration // timeout for a single multi-channel send
}

// JobSettings contains job audit record retention settings
type JobSettings struct {
	MaxHistory    int           // number of job records kept by the daily prune
	PruneInterval time.Duration // how often the retention prune runs
}

// Settings contains all runtime settings
type Settings struct {
	Debug bool // true to enable debug logging

	Main    MainSettings
	Output  OutputSettings
	Catalog CatalogSettings
	Refresh RefreshSettings
	Notify  NotifySettings
	Jobs    JobSettings
}

// Load reads the configuration file and environment into a Settings struct.
// The result is handed explicitly to the commands and services that need it;
// there is no global settings state.
func Load() (*Settings, error) {
	settings := &Settings{}

	initViper()

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

func initViper() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths := configDirs()
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	viper.SetEnvPrefix("serieswatch")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) {
			// A malformed file is worth surfacing, a missing one is not.
			fmt.Fprintf(os.Stderr, "error reading config file: %v\n", err)
		}
	}
}

// configDirs returns the directories searched for a config file, most
// specific first.
func configDirs() []string {
	dirs := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "serieswatch"))
	}
	dirs = append(dirs, "/etc/serieswatch")
	return dirs
}

func validateSettings(s *Settings) error {
	if !s.Output.SQLite.Enabled && !s.Output.MySQL.Enabled {
		return fmt.Errorf("no database output enabled, enable either sqlite or mysql")
	}
	if s.Refresh.CycleSeconds <= 0 {
		return fmt.Errorf("refresh.cycleseconds must be positive, got %d", s.Refresh.CycleSeconds)
	}
	if s.Refresh.BatchSize <= 0 {
		return fmt.Errorf("refresh.batchsize must be positive, got %d", s.Refresh.BatchSize)
	}
	if s.Catalog.RateRPS <= 0 {
		return fmt.Errorf("catalog.raterps must be positive, got %f", s.Catalog.RateRPS)
	}
	return nil
}

// CycleDuration returns the refresh cycle as a time.Duration.
func (r *RefreshSettings) CycleDuration() time.Duration {
	return time.Duration(r.CycleSeconds) * time.Second
}

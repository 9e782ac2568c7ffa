// Package config loads the service configuration from XML or YAML.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverDuckDB = "duckdb"
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"SheetFlow" yaml:"-"`

	Server     ServerConfig     `xml:"Server" yaml:"server"`
	Storage    StorageConfig    `xml:"Storage" yaml:"storage"`
	Database   DatabaseConfig   `xml:"Database" yaml:"database"`
	Processing ProcessingConfig `xml:"Processing" yaml:"processing"`
	Progress   ProgressConfig   `xml:"Progress" yaml:"progress"`
	Logging    LoggingConfig    `xml:"Logging" yaml:"logging"`
	Advanced   AdvancedConfig   `xml:"Advanced" yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int    `xml:"Port" yaml:"port"`
	BindAddress     string `xml:"BindAddress" yaml:"bind_address"`
	EnableCORS      bool   `xml:"EnableCORS" yaml:"enable_cors"`
	AllowOrigins    string `xml:"AllowOrigins" yaml:"allow_origins"`
	ReadTimeout     int    `xml:"ReadTimeoutSeconds" yaml:"read_timeout_seconds"`
	WriteTimeout    int    `xml:"WriteTimeoutSeconds" yaml:"write_timeout_seconds"`
	IdleTimeout     int    `xml:"IdleTimeoutSeconds" yaml:"idle_timeout_seconds"`
	ShutdownTimeout int    `xml:"ShutdownTimeoutSeconds" yaml:"shutdown_timeout_seconds"`
	BodyLimit       string `xml:"BodyLimit" yaml:"body_limit"`
	PublicBaseURL   string `xml:"PublicBaseURL" yaml:"public_base_url"`
}

// StorageConfig contains raw upload settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory" yaml:"data_directory"`
	UploadsDirectory string `xml:"UploadsDirectory" yaml:"uploads_directory"`
	MaxUploadSize    string `xml:"MaxUploadSize" yaml:"max_upload_size"`
	StaleUploadHours int    `xml:"StaleUploadHours" yaml:"stale_upload_hours"`
}

// DatabaseConfig selects and tunes the record store
type DatabaseConfig struct {
	Driver            string `xml:"Driver" yaml:"driver"`
	DuckDBPath        string `xml:"DuckDBPath" yaml:"duckdb_path"`
	DuckDBThreads     int    `xml:"DuckDBThreads" yaml:"duckdb_threads"`
	DuckDBMemoryLimit string `xml:"DuckDBMemoryLimit" yaml:"duckdb_memory_limit"`
	MySQLDSN          string `xml:"MySQLDSN" yaml:"mysql_dsn"`
}

// ProcessingConfig contains pipeline settings
type ProcessingConfig struct {
	Workers            int   `xml:"Workers" yaml:"workers"`
	QueueSize          int   `xml:"QueueSize" yaml:"queue_size"`
	ThrottleMinMs      int   `xml:"ThrottleMinMs" yaml:"throttle_min_ms"`
	ThrottleMaxMs      int   `xml:"ThrottleMaxMs" yaml:"throttle_max_ms"`
	ThrottleBytesPerMs int64 `xml:"ThrottleBytesPerMs" yaml:"throttle_bytes_per_ms"`
	NominalDurationMs  int   `xml:"NominalDurationMs" yaml:"nominal_duration_ms"`
}

// ProgressConfig controls the live progress store
type ProgressConfig struct {
	RetentionHours       int `xml:"RetentionHours" yaml:"retention_hours"`
	SweepIntervalMinutes int `xml:"SweepIntervalMinutes" yaml:"sweep_interval_minutes"` // 0 = retention/24
	PushIntervalMs       int `xml:"PushIntervalMs" yaml:"push_interval_ms"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level                string `xml:"Level" yaml:"level"`
	File                 string `xml:"File" yaml:"file"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging" yaml:"enable_request_logging"`
}

// AdvancedConfig contains tuning options
type AdvancedConfig struct {
	EnableCompression         bool `xml:"EnableCompression" yaml:"enable_compression"`
	CompressionLevel          int  `xml:"CompressionLevel" yaml:"compression_level"`
	WebSocketMaxMessageSizeKB int  `xml:"WebSocketMaxMessageSizeKB" yaml:"websocket_max_message_size_kb"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:            4040,
			BindAddress:     "0.0.0.0",
			EnableCORS:      true,
			AllowOrigins:    "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			IdleTimeout:     120,
			ShutdownTimeout: 15,
			BodyLimit:       "512M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			MaxUploadSize:    "500M",
			StaleUploadHours: 24,
		},
		Database: DatabaseConfig{
			Driver:            DriverDuckDB,
			DuckDBThreads:     4,
			DuckDBMemoryLimit: "1GB",
		},
		Processing: ProcessingConfig{
			Workers:            4,
			QueueSize:          64,
			ThrottleMinMs:      500,
			ThrottleMaxMs:      2000,
			ThrottleBytesPerMs: 1000,
			NominalDurationMs:  5000,
		},
		Progress: ProgressConfig{
			RetentionHours: 24,
			PushIntervalMs: 250,
		},
		Logging: LoggingConfig{
			Level:                "info",
			EnableRequestLogging: true,
		},
		Advanced: AdvancedConfig{
			EnableCompression:         true,
			CompressionLevel:          5,
			WebSocketMaxMessageSizeKB: 64,
		},
	}
}

// LoadConfig loads configuration from an XML or YAML file. A missing file is
// created with defaults. Environment overrides and path resolution are
// applied in both cases.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := decode(configPath, data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, config *AppConfig) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, config)
	}
	return xml.Unmarshal(data, config)
}

// Save writes the configuration, as YAML when the path ends in .yaml/.yml
// and XML otherwise.
func (c *AppConfig) Save(configPath string) error {
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var content []byte
	if isYAML(configPath) {
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		content = append([]byte("# SheetFlow configuration, generated on first run\n"), out...)
	} else {
		out, err := xml.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		header := []byte(xml.Header + "<!-- SheetFlow configuration, generated on first run -->\n")
		content = append(header, out...)
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = strings.ToLower(driver)
	}
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		c.Database.MySQLDSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// resolvePaths converts relative paths to absolute based on config file
// location and derives unset paths from the data directory.
func (c *AppConfig) resolvePaths(configDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}

	c.Storage.DataDirectory = abs(c.Storage.DataDirectory)
	if c.Storage.UploadsDirectory == "" {
		c.Storage.UploadsDirectory = filepath.Join(c.Storage.DataDirectory, "uploads")
	} else {
		c.Storage.UploadsDirectory = abs(c.Storage.UploadsDirectory)
	}
	if c.Database.DuckDBPath == "" {
		c.Database.DuckDBPath = filepath.Join(c.Storage.DataDirectory, "sheetflow.duckdb")
	} else if c.Database.DuckDBPath != ":memory:" {
		c.Database.DuckDBPath = abs(c.Database.DuckDBPath)
	}
	if c.Logging.File != "" && c.Logging.File != "-" {
		c.Logging.File = abs(c.Logging.File)
	}
}

// Validate reports the first setting that cannot work.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case DriverDuckDB, DriverMemory:
	case DriverMySQL:
		if c.Database.MySQLDSN == "" {
			return errors.New("config: database driver mysql requires MySQLDSN")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Processing.Workers)
	}
	if _, err := ParseSize(c.Storage.MaxUploadSize); err != nil {
		return fmt.Errorf("config: MaxUploadSize: %w", err)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// MaxUploadBytes returns the parsed upload ceiling.
func (c *AppConfig) MaxUploadBytes() int64 {
	n, _ := ParseSize(c.Storage.MaxUploadSize)
	return n
}

// Retention returns how long progress entries live.
func (c *AppConfig) Retention() time.Duration {
	return time.Duration(c.Progress.RetentionHours) * time.Hour
}

// SweepInterval returns the sweeper period; zero lets the sweeper derive it.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.Progress.SweepIntervalMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}
	if c.Database.Driver == DriverDuckDB && c.Database.DuckDBPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Database.DuckDBPath))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ParseSize converts "500M", "2G", "64KB" or a plain byte count into bytes.
func ParseSize(s string) (int64, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if t == "" {
		return 0, errors.New("empty size")
	}
	t = strings.TrimSuffix(t, "B")

	mult := int64(1)
	switch {
	case strings.HasSuffix(t, "K"):
		mult, t = 1<<10, strings.TrimSuffix(t, "K")
	case strings.HasSuffix(t, "M"):
		mult, t = 1<<20, strings.TrimSuffix(t, "M")
	case strings.HasSuffix(t, "G"):
		mult, t = 1<<30, strings.TrimSuffix(t, "G")
	case strings.HasSuffix(t, "T"):
		mult, t = 1<<40, strings.TrimSuffix(t, "T")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

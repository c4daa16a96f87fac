package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        Log        `yaml:"log"`
	Bandcamp   Bandcamp   `yaml:"bandcamp"`
	Downloader Downloader `yaml:"downloader"`
	Paths      Paths      `yaml:"paths"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("bandcamp", c.Bandcamp.ToDict()).
		Dict("downloader", c.Downloader.ToDict()).
		Dict("paths", c.Paths.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Bandcamp.setDefaults()
	c.Downloader.setDefaults()
	c.Paths.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Bandcamp.validate(); nil != err {
		return fmt.Errorf("bandcamp config validation failed: %v", err)
	}

	if err := c.Downloader.validate(); nil != err {
		return fmt.Errorf("downloader config validation failed: %v", err)
	}

	if err := c.Paths.validate(); nil != err {
		return fmt.Errorf("paths config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: trace, debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

// Formats Bandcamp offers for purchased items, in the spelling the
// download pages use.
var KnownFormats = []string{
	"aac-hi",
	"aiff-lossless",
	"alac",
	"flac",
	"mp3-320",
	"mp3-v0",
	"vorbis",
	"wav",
}

type Bandcamp struct {
	Username    string   `yaml:"username"`
	CookiesFile string   `yaml:"cookies_file"`
	Formats     []string `yaml:"formats"`
}

func (c *Bandcamp) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("username", c.Username).
		Str("cookies_file", c.CookiesFile).
		Strs("formats", c.Formats)
}

func (c *Bandcamp) setDefaults() {
	if c.CookiesFile == "" {
		c.CookiesFile = "cookies.txt"
	}

	if len(c.Formats) == 0 {
		c.Formats = []string{"mp3-320"}
	}
}

func (c *Bandcamp) validate() error {
	if c.Username == "" {
		return errors.New("username is required")
	}

	for _, f := range c.Formats {
		if !slices.Contains(KnownFormats, f) {
			return fmt.Errorf("unknown format %q, must be one of: %v", f, KnownFormats)
		}
	}

	return nil
}

type Downloader struct {
	Concurrency       int                `yaml:"concurrency"`
	MaxAttempts       int                `yaml:"max_attempts"`
	RetryBaseSeconds  int                `yaml:"retry_base_seconds"`
	PostDownloadPause int                `yaml:"post_download_pause"`
	Timeouts          DownloaderTimeouts `yaml:"timeouts"`
}

func (c *Downloader) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("concurrency", c.Concurrency).
		Int("max_attempts", c.MaxAttempts).
		Int("retry_base_seconds", c.RetryBaseSeconds).
		Int("post_download_pause", c.PostDownloadPause).
		Dict("timeouts", c.Timeouts.ToDict())
}

func (c *Downloader) setDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 5
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}

	if c.RetryBaseSeconds == 0 {
		c.RetryBaseSeconds = 5
	}

	if c.PostDownloadPause == 0 {
		c.PostDownloadPause = 1
	}

	c.Timeouts.setDefaults()
}

const maxConcurrency = 32

func (c *Downloader) validate() error {
	if c.Concurrency < 1 || c.Concurrency > maxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d", maxConcurrency)
	}

	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be greater than 0")
	}

	if c.RetryBaseSeconds < 0 {
		return errors.New("retry_base_seconds must be greater than 0")
	}

	if c.PostDownloadPause < 0 {
		return errors.New("post_download_pause must be greater than 0")
	}

	if err := c.Timeouts.validate(); nil != err {
		return fmt.Errorf("timeouts config validation failed: %v", err)
	}

	return nil
}

type DownloaderTimeouts struct {
	VerifySession  int `yaml:"verify_session"`
	GetFanPage     int `yaml:"get_fan_page"`
	GetItemsPage   int `yaml:"get_items_page"`
	GetDetailPage  int `yaml:"get_detail_page"`
	DownloadItem   int `yaml:"download_item"`
	ConnectSeconds int `yaml:"connect"`
}

func (c *DownloaderTimeouts) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("verify_session", c.VerifySession).
		Int("get_fan_page", c.GetFanPage).
		Int("get_items_page", c.GetItemsPage).
		Int("get_detail_page", c.GetDetailPage).
		Int("download_item", c.DownloadItem).
		Int("connect", c.ConnectSeconds)
}

func (c *DownloaderTimeouts) setDefaults() {
	if c.VerifySession == 0 {
		c.VerifySession = 15
	}

	if c.GetFanPage == 0 {
		c.GetFanPage = 30
	}

	if c.GetItemsPage == 0 {
		c.GetItemsPage = 30
	}

	if c.GetDetailPage == 0 {
		c.GetDetailPage = 30
	}

	if c.DownloadItem == 0 {
		c.DownloadItem = 3600
	}

	if c.ConnectSeconds == 0 {
		c.ConnectSeconds = 10
	}
}

func (c *DownloaderTimeouts) validate() error {
	if c.VerifySession < 0 {
		return errors.New("verify_session must be greater than 0")
	}

	if c.GetFanPage < 0 {
		return errors.New("get_fan_page must be greater than 0")
	}

	if c.GetItemsPage < 0 {
		return errors.New("get_items_page must be greater than 0")
	}

	if c.GetDetailPage < 0 {
		return errors.New("get_detail_page must be greater than 0")
	}

	if c.DownloadItem < 0 {
		return errors.New("download_item must be greater than 0")
	}

	if c.ConnectSeconds < 0 {
		return errors.New("connect must be greater than 0")
	}

	return nil
}

type Paths struct {
	DownloadsDir string `yaml:"downloads_dir"`
	StateFile    string `yaml:"state_file"`
}

func (c *Paths) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("downloads_dir", c.DownloadsDir).
		Str("state_file", c.StateFile)
}

func (c *Paths) setDefaults() {
	if c.DownloadsDir == "" {
		c.DownloadsDir = "./downloads"
	}

	if c.StateFile == "" {
		c.StateFile = "downloads.db"
	}
}

func (c *Paths) validate() error {
	// A missing downloads_dir is created on demand by the first download.
	if i, err := os.Stat(c.DownloadsDir); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat downloads_dir: %v", err)
		}
	} else if !i.IsDir() {
		return errors.New("downloads_dir must be a directory")
	}

	return nil
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(lo.Ternary(len(filename) > 0, filename, "config.yaml"))
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config file %s: %v", filename, err)
	}

	if username := os.Getenv("BANDCAMP_USERNAME"); username != "" {
		conf.Bandcamp.Username = username
	}

	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}

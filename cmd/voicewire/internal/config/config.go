// Package config loads the voicewire configuration file.
//
// The file lives under os.UserConfigDir()/voicewire/:
//
//	~/Library/Application Support/voicewire/voicewire.yaml   (macOS)
//	~/.config/voicewire/voicewire.yaml                       (Linux)
//	%AppData%/voicewire/voicewire.yaml                       (Windows)
//
// An explicit --config path overrides the default location.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/voicewire/voicewire/pkg/ari"
	"github.com/voicewire/voicewire/pkg/bridge"
	"github.com/voicewire/voicewire/pkg/voiceai"
)

const (
	appDir   = "voicewire"
	fileName = "voicewire.yaml"
)

// MediaConfig selects and configures the media transport.
type MediaConfig struct {
	// Transport is "rtp" or "extmedia".
	Transport string `yaml:"transport"`
	// RTPListenAddr is the local UDP address for the RTP transport.
	RTPListenAddr string `yaml:"rtp_listen_addr"`
	// RTPRemoteAddr is where outbound RTP is sent.
	RTPRemoteAddr string `yaml:"rtp_remote_addr"`
	// ExtMediaAddr is the listen address of the external media server.
	ExtMediaAddr string `yaml:"extmedia_addr"`
}

// Config is the full voicewire configuration.
type Config struct {
	ARI     ari.Config     `yaml:"ari"`
	VoiceAI voiceai.Config `yaml:"voiceai"`
	Media   MediaConfig    `yaml:"media"`
	Bridge  bridge.Config  `yaml:"bridge"`
	// StatusAddr is the HTTP status listen address.
	StatusAddr string `yaml:"status_addr"`

	// Path is where the config was loaded from. Not part of the file.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ARI: ari.Config{
			BaseURL:     "http://127.0.0.1:8088/ari",
			Application: "voicewire",
		},
		Media: MediaConfig{
			Transport:     bridge.TransportExternalMedia,
			RTPListenAddr: "0.0.0.0:12000",
			ExtMediaAddr:  "0.0.0.0:8090",
		},
		Bridge: bridge.Config{
			TransportKind: bridge.TransportExternalMedia,
			AutoAnswer:    true,
		},
		StatusAddr: "127.0.0.1:8091",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, fileName), nil
}

// Load reads the config from path, or from the default location when
// path is empty. A missing default file yields the built-in defaults; a
// missing explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			cfg := Default()
			cfg.Path = path
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Media.Transport {
	case bridge.TransportRTP, bridge.TransportExternalMedia:
	default:
		return fmt.Errorf("media.transport must be %q or %q, got %q",
			bridge.TransportRTP, bridge.TransportExternalMedia, c.Media.Transport)
	}
	if c.ARI.BaseURL == "" {
		return fmt.Errorf("ari.base_url is required")
	}
	if c.ARI.Application == "" {
		return fmt.Errorf("ari.application is required")
	}
	// The bridge follows the media section's transport choice.
	c.Bridge.TransportKind = c.Media.Transport
	return nil
}

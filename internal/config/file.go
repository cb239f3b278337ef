package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML overlay named by TABWARDEN_CONFIG. Only the keys
// present in the file override the environment.
type FileConfig struct {
	CDP struct {
		Address *string `yaml:"address"`
		Port    *int    `yaml:"port"`
	} `yaml:"cdp"`
	API struct {
		BindAddr         *string  `yaml:"bind_addr"`
		PortCandidates   []string `yaml:"port_candidates"`
		PortAutoFallback *bool    `yaml:"port_auto_fallback"`
	} `yaml:"api"`
	SettingsFile *string `yaml:"settings_file"`
	Notify       struct {
		Mode      *string `yaml:"mode"`
		NTFY      *string `yaml:"ntfy_endpoint"`
		Desktop   *bool   `yaml:"desktop"`
		TimeoutMS *int    `yaml:"timeout_ms"`
	} `yaml:"notify"`
	Admission struct {
		EvalTimeoutMS *int     `yaml:"eval_timeout_ms"`
		ExemptURLs    []string `yaml:"exempt_urls"`
	} `yaml:"admission"`
	Browser struct {
		Launch     *bool    `yaml:"launch"`
		ProfileDir *string  `yaml:"profile_dir"`
		StartURLs  []string `yaml:"start_urls"`
	} `yaml:"browser"`
	Log struct {
		Level   *string `yaml:"level"`
		File    *string `yaml:"file"`
		History *string `yaml:"history_file"`
	} `yaml:"log"`
}

// LoadFile reads and validates a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tabwarden config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("tabwarden config: %w", err)
	}
	if fc.CDP.Port != nil && (*fc.CDP.Port < 1 || *fc.CDP.Port > 65535) {
		return nil, fmt.Errorf("tabwarden config: cdp.port %d out of range", *fc.CDP.Port)
	}
	if fc.Notify.Mode != nil {
		switch *fc.Notify.Mode {
		case "popup", "challenge":
		default:
			return nil, fmt.Errorf("tabwarden config: notify.mode %q must be popup or challenge", *fc.Notify.Mode)
		}
	}
	return &fc, nil
}

// Apply overlays the keys set in the file onto cfg.
func (fc *FileConfig) Apply(cfg *Config) {
	setString(&cfg.CDPAddress, fc.CDP.Address)
	setInt(&cfg.CDPPort, fc.CDP.Port)
	setString(&cfg.BindAddr, fc.API.BindAddr)
	if fc.API.PortCandidates != nil {
		cfg.PortCandidates = fc.API.PortCandidates
	}
	setBool(&cfg.PortAutoFallback, fc.API.PortAutoFallback)
	setString(&cfg.SettingsFile, fc.SettingsFile)
	setString(&cfg.NotifyMode, fc.Notify.Mode)
	setString(&cfg.NTFYEndpoint, fc.Notify.NTFY)
	setBool(&cfg.DesktopNotify, fc.Notify.Desktop)
	setInt(&cfg.MessageTimeoutMS, fc.Notify.TimeoutMS)
	setInt(&cfg.EvalTimeoutMS, fc.Admission.EvalTimeoutMS)
	if fc.Admission.ExemptURLs != nil {
		cfg.ExemptURLs = fc.Admission.ExemptURLs
	}
	setBool(&cfg.LaunchBrowser, fc.Browser.Launch)
	setString(&cfg.BrowserProfileDir, fc.Browser.ProfileDir)
	if fc.Browser.StartURLs != nil {
		cfg.BrowserStartURLs = fc.Browser.StartURLs
	}
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFile, fc.Log.File)
	setString(&cfg.HistoryFile, fc.Log.History)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

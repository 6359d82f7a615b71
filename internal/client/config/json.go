package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/quackmore/mycoRegister/internal/flagx"
	"github.com/quackmore/mycoRegister/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerURL   string `json:"server_url"`
	StateDir    string `json:"state_dir"`
	InstallMode string `json:"install_mode"`

	CheckTimeout         timex.Duration `json:"check_timeout"`
	InitialRetryInterval timex.Duration `json:"initial_retry_interval"`
	MaxRetryInterval     timex.Duration `json:"max_retry_interval"`
	PollingInterval      timex.Duration `json:"polling_interval"`

	RefreshThreshold   timex.Duration `json:"refresh_threshold"`
	SessionTTL         timex.Duration `json:"session_ttl"`
	SessionTTLRemember timex.Duration `json:"session_ttl_remember"`

	SyncDebounce timex.Duration `json:"sync_debounce"`
	SyncInterval timex.Duration `json:"sync_interval"`
	SyncBatch    int            `json:"sync_batch"`
}

// parseJson overlays Config with values loaded from a JSON file resolved
// from the -c/-config flags. Missing file path means no JSON is loaded.
// Panics on read or unmarshal errors (caller should recover if desired).
// Zero-valued JSON fields leave the corresponding Config field untouched.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.StateDir != "" {
		cfg.StateDir = jc.StateDir
	}
	if jc.InstallMode != "" {
		cfg.InstallMode = jc.InstallMode
	}

	overlay := func(dst *time.Duration, src timex.Duration) {
		if src.Duration != 0 {
			*dst = src.Duration
		}
	}
	overlay(&cfg.CheckTimeout, jc.CheckTimeout)
	overlay(&cfg.InitialRetryInterval, jc.InitialRetryInterval)
	overlay(&cfg.MaxRetryInterval, jc.MaxRetryInterval)
	overlay(&cfg.PollingInterval, jc.PollingInterval)
	overlay(&cfg.RefreshThreshold, jc.RefreshThreshold)
	overlay(&cfg.SessionTTL, jc.SessionTTL)
	overlay(&cfg.SessionTTLRemember, jc.SessionTTLRemember)
	overlay(&cfg.SyncDebounce, jc.SyncDebounce)
	overlay(&cfg.SyncInterval, jc.SyncInterval)

	if jc.SyncBatch != 0 {
		cfg.SyncBatch = jc.SyncBatch
	}
}

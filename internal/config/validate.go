package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field constraints that strict decoding can't.
// It is installed as the Watch validator so a bad edit never commits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.OperatorID == 0 {
		return fmt.Errorf("telegram.operator_id is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	if ig := cfg.Instagram; ig != nil {
		if strings.TrimSpace(ig.Username) == "" {
			return fmt.Errorf("instagram.username is required when the section is set")
		}
		if strings.TrimSpace(ig.Password) == "" &&
			strings.TrimSpace(ig.SessionID) == "" &&
			strings.TrimSpace(ig.SessionFile) == "" {
			return fmt.Errorf("instagram: need password, session_id or session_file")
		}
	}

	if vk := cfg.VK; vk != nil {
		if strings.TrimSpace(vk.Token) == "" {
			return fmt.Errorf("vk.token is required when the section is set")
		}
		if vk.GroupID <= 0 {
			return fmt.Errorf("vk.group_id must be a positive community id")
		}
	}

	if _, err := ParseDurationField("media.connect_timeout", cfg.Media.ConnectTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"publish.retry_base", cfg.Publish.RetryBase},
		{"publish.retry_max_delay", cfg.Publish.RetryMaxDelay},
		{"publish.adapter_timeout", cfg.Publish.AdapterTimeout},
		{"scheduler.tick", cfg.Scheduler.Tick},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	for _, h := range cfg.Scheduler.SlotHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("scheduler.slot_hours: hour %d out of range", h)
		}
	}

	if st := cfg.Storage; st != nil {
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}

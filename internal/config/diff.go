package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	logx "medalarmd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the telegram token) are reported
// only as presence flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTPAddr()))
	}

	if oldCfg.WakerExact() != newCfg.WakerExact() ||
		strings.TrimSpace(oldCfg.Waker.CoarseGranularity) != strings.TrimSpace(newCfg.Waker.CoarseGranularity) {
		changed = append(changed, "waker")
		attrs = append(attrs,
			logx.Bool("waker.exact", newCfg.WakerExact()),
			logx.String("waker.coarse_granularity", strings.TrimSpace(newCfg.Waker.CoarseGranularity)),
		)
	}

	// Notifier: nil means disabled; the token itself never reaches the log.
	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.telegram_set", newCfg.Notifier != nil && newCfg.Notifier.Telegram != nil),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_spec", newCfg.SweepSpec()),
			logx.String("maintenance.prune_spec", newCfg.PruneSpec()),
			logx.Int("maintenance.history_retention_days", newCfg.Maintenance.HistoryRetentionDays),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// derefNotifier flattens the section for comparison, reducing the token to
// its hash so a rotation still registers as a change without the value
// itself being inspected downstream.
func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	out := *n
	if n.Telegram != nil {
		out.Telegram = &TelegramConfig{
			ChatID: n.Telegram.ChatID,
		}
		if tok := strings.TrimSpace(n.Telegram.Token); tok != "" {
			out.Telegram.Token = fmt.Sprintf("%x", hashBytes([]byte(tok)))
		}
	}
	return out
}

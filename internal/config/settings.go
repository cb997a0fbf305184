package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Keys of the runtime settings stored in the database. They override the environment.
const (
	SettingRefreshInterval       = "refresh_interval_sec"
	SettingDeparturesPerFavorite = "departures_per_favorite"
	SettingWidgetMaxFavorites    = "widget_max_favorites"
)

var ErrUnknownSetting = errors.New("unknown setting")

var settingBounds = map[string][2]int{
	SettingRefreshInterval:       {15, 3600},
	SettingDeparturesPerFavorite: {1, 10},
	SettingWidgetMaxFavorites:    {1, 12},
}

// SettingKeys lists the accepted setting keys, sorted.
func SettingKeys() []string {
	keys := make([]string, 0, len(settingBounds))
	for k := range settingBounds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseSetting validates value for key and returns it as an integer.
func ParseSetting(key, value string) (int, error) {
	b, ok := settingBounds[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < b[0] || n > b[1] {
		return 0, fmt.Errorf("invalid %s: %q (want %d..%d)", key, value, b[0], b[1])
	}
	return n, nil
}

// ApplySettings overrides c with stored settings. Unknown keys are ignored; invalid values are
// reported and leave the field unchanged.
func (c *Config) ApplySettings(stored map[string]string) error {
	var errs []error
	for k, v := range stored {
		if _, known := settingBounds[k]; !known {
			continue
		}
		n, err := ParseSetting(k, v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch k {
		case SettingRefreshInterval:
			c.RefreshInterval = time.Duration(n) * time.Second
		case SettingDeparturesPerFavorite:
			c.DeparturesPerFavorite = n
		case SettingWidgetMaxFavorites:
			c.WidgetMaxFavorites = n
		}
	}
	return errors.Join(errs...)
}

// Settings renders the runtime-tunable fields of c under their setting keys.
func (c *Config) Settings() map[string]string {
	return map[string]string{
		SettingRefreshInterval:       strconv.Itoa(int(c.RefreshInterval / time.Second)),
		SettingDeparturesPerFavorite: strconv.Itoa(c.DeparturesPerFavorite),
		SettingWidgetMaxFavorites:    strconv.Itoa(c.WidgetMaxFavorites),
	}
}

package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// PowerSource reports the remaining battery charge. ok is false when no
// sensor is available, in which case the battery limit never trips.
type PowerSource interface {
	BatteryPercent() (percent int, ok bool)
}

// SysfsBattery reads the Linux power-supply class, e.g. /sys/class/power_supply
type SysfsBattery struct {
	Root string
}

// BatteryPercent returns the capacity of the first battery under Root
func (b SysfsBattery) BatteryPercent() (int, bool) {
	root := b.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}

	matches, err := filepath.Glob(filepath.Join(root, "*", "capacity"))
	if err != nil || len(matches) == 0 {
		return 0, false
	}
	sort.Strings(matches)

	for _, path := range matches {
		typ, err := os.ReadFile(filepath.Join(filepath.Dir(path), "type"))
		if err == nil && strings.TrimSpace(string(typ)) != "Battery" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		percent, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			continue
		}
		return percent, true
	}
	return 0, false
}

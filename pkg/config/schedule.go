package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScheduleEntry is one beat entry: a named task enqueued on a queue at a
// cron cadence.
type ScheduleEntry struct {
	Name  string `yaml:"name"`
	Task  string `yaml:"task"`
	Queue string `yaml:"queue"`
	Cron  string `yaml:"cron"`
}

// ScheduleFile is the on-disk shape of the schedule configuration.
type ScheduleFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// DefaultSchedules returns the built-in beat entries used when no schedule
// file exists: retention cleanup once per day on the analytics queue, metric
// snapshots every five minutes on monitoring.
func DefaultSchedules() []ScheduleEntry {
	return []ScheduleEntry{
		{Name: "data-retention-cleanup", Task: "data-retention-cleanup", Queue: "analytics", Cron: "0 3 * * *"},
		{Name: "metric-snapshot", Task: "monitoring_collection.snapshot", Queue: "monitoring", Cron: "*/5 * * * *"},
	}
}

// LoadSchedules reads the schedule file. A missing file yields the defaults;
// a malformed file is an error so a bad deploy fails loudly at startup.
func LoadSchedules(path string) ([]ScheduleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSchedules(), nil
		}
		return nil, fmt.Errorf("read schedule file %s: %w", path, err)
	}

	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule file %s: %w", path, err)
	}

	for i, entry := range file.Schedules {
		if entry.Name == "" || entry.Task == "" || entry.Cron == "" {
			return nil, fmt.Errorf("schedule entry %d incomplete: name, task and cron are required", i)
		}
		if entry.Queue == "" {
			file.Schedules[i].Queue = "analytics"
		}
	}
	return file.Schedules, nil
}

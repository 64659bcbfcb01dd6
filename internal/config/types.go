package config

// Config is the daemon configuration. It decodes from YAML or JSON; all
// duration fields are Go duration strings ("500ms", "1m30s").
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Spool     SpoolConfig     `json:"spool" yaml:"spool"`
	Jobs      []JobConfig     `json:"jobs" yaml:"jobs"`
}

type LoggingConfig struct {
	Level   string     `json:"level" yaml:"level"`
	Console *bool      `json:"console" yaml:"console"`
	File    FileConfig `json:"file" yaml:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// SchedulerConfig maps onto scheduler options. Zero values fall back to
// the library defaults.
type SchedulerConfig struct {
	PaceInterval string   `json:"pace_interval" yaml:"pace_interval"`
	Concurrency  int      `json:"concurrency" yaml:"concurrency"`
	AutoStart    *bool    `json:"auto_start" yaml:"auto_start"`
	Ordered      *bool    `json:"ordered" yaml:"ordered"`
	Policy       string   `json:"policy" yaml:"policy"`
	Backoff      []string `json:"backoff" yaml:"backoff"`
	AlwaysRetry  bool     `json:"always_retry" yaml:"always_retry"`
}

type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path" yaml:"path"`
	BusyTimeout string `json:"busy_timeout" yaml:"busy_timeout"`
}

// SpoolConfig points at the drop directory for ad-hoc jobs.
type SpoolConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
}

// JobConfig defines a recurring job: Schedule is a cron spec, an @every
// spec, a bare duration, or HH:MM (see cronfeed.ParseSchedule).
type JobConfig struct {
	Name     string `json:"name" yaml:"name"`
	Schedule string `json:"schedule" yaml:"schedule"`
	Command  string `json:"command" yaml:"command"`
	Timeout  string `json:"timeout" yaml:"timeout"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// AutoStartEnabled defaults to true when omitted.
func (s SchedulerConfig) AutoStartEnabled() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// OrderedEnabled defaults to true when omitted.
func (s SchedulerConfig) OrderedEnabled() bool {
	return s.Ordered == nil || *s.Ordered
}

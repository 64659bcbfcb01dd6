package spool

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Job is a one-shot job parsed from a spool file.
type Job struct {
	Name    string
	Command string
	Timeout time.Duration
}

type jobFile struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Timeout string `yaml:"timeout"`
}

// ParseJob decodes a spool file body. Unknown fields are rejected so typos
// surface instead of being silently ignored.
func ParseJob(data []byte) (Job, error) {
	var jf jobFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&jf); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}

	j := Job{
		Name:    strings.TrimSpace(jf.Name),
		Command: strings.TrimSpace(jf.Command),
	}
	if j.Name == "" {
		return Job{}, fmt.Errorf("job name required")
	}
	if j.Command == "" {
		return Job{}, fmt.Errorf("job command required")
	}
	if raw := strings.TrimSpace(jf.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Job{}, fmt.Errorf("invalid timeout %q: %w", jf.Timeout, err)
		}
		if d < 0 {
			return Job{}, fmt.Errorf("timeout must be >= 0")
		}
		j.Timeout = d
	}
	return j, nil
}

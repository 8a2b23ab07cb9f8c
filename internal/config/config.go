// Package config provides YAML configuration loading, environment-variable
// expansion, and validation for TinyWatcher. It is the external-collaborator
// boundary described in SPEC_FULL.md §6: the monitoring engine
// (internal/rule, internal/alert, internal/logmonitor, ...) consumes the
// typed Config this package produces and never parses YAML itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level TinyWatcher configuration.
type Config struct {
	Identity  Identity            `yaml:"identity"`
	Inputs    Inputs              `yaml:"inputs"`
	Alerts    map[string]Alert    `yaml:"alerts"`
	Rules     []Rule              `yaml:"rules"`
	Resources *ResourceConfig     `yaml:"resources"`
	Checks    []HealthCheckConfig `yaml:"system_checks"`
	Heartbeat *HeartbeatConfig    `yaml:"heartbeat"`
}

// Identity identifies this TinyWatcher instance in recovery/heartbeat
// messages.
type Identity struct {
	Name string `yaml:"name"`
}

// Inputs lists the sources the monitoring engine ingests from.
type Inputs struct {
	// Files may contain glob patterns (*, ?, [...]); expanded at load time.
	Files      []string           `yaml:"files"`
	Containers []string           `yaml:"containers"`
	Streams    []StreamSourceYAML `yaml:"streams"`
}

// StreamSourceYAML is the YAML shape of a stream source descriptor.
type StreamSourceYAML struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	ReconnectDelay int               `yaml:"reconnect_delay"`
}

// Alert is the tagged configuration for one alert handler. Only the fields
// relevant to Type are expected to be populated; the rest are ignored by
// the handler constructor.
type Alert struct {
	Type string `yaml:"type"`

	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	ChatID    string `yaml:"chat_id"`
	Channel   string `yaml:"channel"`
	APIKey    string `yaml:"api_key"`
	Recipient string `yaml:"recipient"`
	Sender    string `yaml:"sender"`
	Topic     string `yaml:"topic"`
}

// rawRule mirrors the YAML shape of a rule, including the `alert` field's
// string-or-list polymorphism.
type rawRule struct {
	Name      string       `yaml:"name"`
	Text      string       `yaml:"text"`
	Pattern   string       `yaml:"pattern"`
	Alert     yaml.Node    `yaml:"alert"`
	Cooldown  int          `yaml:"cooldown"`
	Sources   *RuleSources `yaml:"sources"`
	Threshold string       `yaml:"threshold"`
}

// Rule is the fully decoded, still-uncompiled rule configuration.
type Rule struct {
	Name      string
	Text      string
	Pattern   string
	Alert     []string
	Cooldown  int
	Sources   *RuleSources
	Threshold string
}

// UnmarshalYAML implements custom decoding so that Rule.Alert accepts either
// a single string or a list of strings.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var raw rawRule
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Name = raw.Name
	r.Text = raw.Text
	r.Pattern = raw.Pattern
	r.Cooldown = raw.Cooldown
	r.Sources = raw.Sources
	r.Threshold = raw.Threshold

	alert, err := decodeStringOrList(raw.Alert)
	if err != nil {
		return fmt.Errorf("rule %q: alert: %w", raw.Name, err)
	}
	r.Alert = alert
	return nil
}

// decodeStringOrList decodes a YAML node that may be absent, a scalar
// string, or a sequence of strings, normalizing all three into a []string.
func decodeStringOrList(node yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, errors.New("must be a string or list of strings")
	}
}

// RuleSources restricts which sources a rule applies to. A nil *RuleSources
// means "any source"; within a non-nil RuleSources, a source matches only if
// it is listed under its own kind, so both an absent key and a
// present-but-empty list match none of that kind.
type RuleSources struct {
	Files      []string `yaml:"files"`
	Containers []string `yaml:"containers"`
	Streams    []string `yaml:"streams"`

	filesSet      bool
	containersSet bool
	streamsSet    bool
}

// UnmarshalYAML records which of files/containers/streams keys were
// present, as reported by FilesSet, ContainersSet and StreamsSet.
func (s *RuleSources) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		Files      []string `yaml:"files"`
		Containers []string `yaml:"containers"`
		Streams    []string `yaml:"streams"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	s.Files = p.Files
	s.Containers = p.Containers
	s.Streams = p.Streams

	for i := 0; i+1 < len(value.Content); i += 2 {
		switch value.Content[i].Value {
		case "files":
			s.filesSet = true
		case "containers":
			s.containersSet = true
		case "streams":
			s.streamsSet = true
		}
	}
	return nil
}

// FilesSet reports whether the `files` key was present under `sources`.
func (s *RuleSources) FilesSet() bool { return s != nil && s.filesSet }

// ContainersSet reports whether the `containers` key was present under `sources`.
func (s *RuleSources) ContainersSet() bool { return s != nil && s.containersSet }

// StreamsSet reports whether the `streams` key was present under `sources`.
func (s *RuleSources) StreamsSet() bool { return s != nil && s.streamsSet }

// ResourceConfig configures ResourceMonitor.
type ResourceConfig struct {
	Interval   int                `yaml:"interval"`
	Thresholds ResourceThresholds `yaml:"thresholds"`
}

// ResourceThresholds is the set of optional CPU/memory/disk thresholds and
// the alert targets to notify when any is exceeded.
type ResourceThresholds struct {
	CPUPercent    *float64  `yaml:"cpu_percent"`
	MemoryPercent *float64  `yaml:"memory_percent"`
	DiskPercent   *float64  `yaml:"disk_percent"`
	Alert         yaml.Node `yaml:"alert"`
}

// AlertTargets decodes the Alert field, accepting either a single string or
// a list.
func (t ResourceThresholds) AlertTargets() ([]string, error) {
	list, err := decodeStringOrList(t.Alert)
	if err != nil {
		return nil, fmt.Errorf("resources.thresholds.alert: %w", err)
	}
	return list, nil
}

// HealthCheckConfig configures one HealthMonitor check.
type HealthCheckConfig struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	URL             string `yaml:"url"`
	Interval        int    `yaml:"interval"`
	Timeout         int    `yaml:"timeout"`
	MissedThreshold int    `yaml:"missed_threshold"`
	Alert           []string
	Threshold       string `yaml:"threshold"`
}

// UnmarshalYAML accepts alert as a string or list, same as Rule.Alert.
func (h *HealthCheckConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		Name            string    `yaml:"name"`
		Type            string    `yaml:"type"`
		URL             string    `yaml:"url"`
		Interval        int       `yaml:"interval"`
		Timeout         int       `yaml:"timeout"`
		MissedThreshold int       `yaml:"missed_threshold"`
		Alert           yaml.Node `yaml:"alert"`
		Threshold       string    `yaml:"threshold"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	h.Name = p.Name
	h.Type = p.Type
	h.URL = p.URL
	h.Interval = p.Interval
	h.Timeout = p.Timeout
	h.MissedThreshold = p.MissedThreshold
	h.Threshold = p.Threshold

	alert, err := decodeStringOrList(p.Alert)
	if err != nil {
		return fmt.Errorf("system_checks %q: alert: %w", p.Name, err)
	}
	h.Alert = alert
	return nil
}

// HeartbeatConfig configures HeartbeatEmitter.
type HeartbeatConfig struct {
	URL      string `yaml:"url"`
	Interval int    `yaml:"interval"`
}

// Defaults applied when the corresponding YAML field is the zero value.
const (
	DefaultRuleCooldown      = 60
	DefaultStreamReconnect   = 5
	DefaultResourceInterval  = 10
	DefaultCheckInterval     = 30
	DefaultCheckTimeout      = 5
	DefaultMissedThreshold   = 2
	DefaultHeartbeatInterval = 60
)

var thresholdGrammar = regexp.MustCompile(`^\s*\d+\s+in\s+\d+(ms|s|m|h)\s*$`)

// ParseThreshold parses the "N in V{ms|s|m|h}" grammar into a count and
// window duration.
func ParseThreshold(s string) (count int, window time.Duration, err error) {
	if !thresholdGrammar.MatchString(s) {
		return 0, 0, fmt.Errorf("invalid threshold grammar %q: want \"N in V{ms|s|m|h}\"", s)
	}
	fields := strings.Fields(strings.TrimSpace(s))
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid threshold count in %q", s)
	}
	valueStr := fields[2]
	var unit string
	for _, u := range []string{"ms", "s", "m", "h"} {
		if strings.HasSuffix(valueStr, u) {
			unit = u
			break
		}
	}
	numPart := strings.TrimSuffix(valueStr, unit)
	v, err := strconv.Atoi(numPart)
	if err != nil || v <= 0 {
		return 0, 0, fmt.Errorf("invalid threshold window in %q", s)
	}
	var dur time.Duration
	switch unit {
	case "ms":
		dur = time.Duration(v) * time.Millisecond
	case "s":
		dur = time.Duration(v) * time.Second
	case "m":
		dur = time.Duration(v) * time.Minute
	case "h":
		dur = time.Duration(v) * time.Hour
	}
	return n, dur, nil
}

// LoadConfig reads the YAML file at path, expands ${VAR}/$VAR references,
// applies defaults, expands file globs, and validates the result. It
// returns an errors.Join of every validation problem found, not just the
// first, so `tinywatcher test` can report everything in one run.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	expandEnv(&cfg)
	applyDefaults(&cfg)

	if err := expandFileGlobs(&cfg); err != nil {
		return nil, fmt.Errorf("config: expanding file globs: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// expandEnvString replaces ${VAR} and $VAR references with the environment
// value, warning on stderr and expanding to "" for unknown variables.
func expandEnvString(s string) string {
	return os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "tinywatcher: config: warning: environment variable %q is not set, expanding to empty string\n", name)
			return ""
		}
		return v
	})
}

// expandEnv walks every field that supports ${VAR}/$VAR expansion: alert
// URLs/tokens, stream URLs/headers, system-check URLs, heartbeat URL, and
// identity name.
func expandEnv(cfg *Config) {
	cfg.Identity.Name = expandEnvString(cfg.Identity.Name)

	for i := range cfg.Inputs.Streams {
		s := &cfg.Inputs.Streams[i]
		s.URL = expandEnvString(s.URL)
		for k, v := range s.Headers {
			s.Headers[k] = expandEnvString(v)
		}
	}

	for name, a := range cfg.Alerts {
		a.URL = expandEnvString(a.URL)
		a.Token = expandEnvString(a.Token)
		a.APIKey = expandEnvString(a.APIKey)
		a.ChatID = expandEnvString(a.ChatID)
		a.Channel = expandEnvString(a.Channel)
		a.Recipient = expandEnvString(a.Recipient)
		a.Sender = expandEnvString(a.Sender)
		a.Topic = expandEnvString(a.Topic)
		cfg.Alerts[name] = a
	}

	for i := range cfg.Checks {
		cfg.Checks[i].URL = expandEnvString(cfg.Checks[i].URL)
	}

	if cfg.Heartbeat != nil {
		cfg.Heartbeat.URL = expandEnvString(cfg.Heartbeat.URL)
	}
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Identity.Name == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.Identity.Name = h
		} else {
			cfg.Identity.Name = "unknown"
		}
	}

	for i := range cfg.Rules {
		if cfg.Rules[i].Cooldown == 0 {
			cfg.Rules[i].Cooldown = DefaultRuleCooldown
		}
	}

	for i := range cfg.Inputs.Streams {
		if cfg.Inputs.Streams[i].ReconnectDelay == 0 {
			cfg.Inputs.Streams[i].ReconnectDelay = DefaultStreamReconnect
		}
	}

	if cfg.Resources != nil && cfg.Resources.Interval == 0 {
		cfg.Resources.Interval = DefaultResourceInterval
	}

	for i := range cfg.Checks {
		c := &cfg.Checks[i]
		if c.Type == "" {
			c.Type = "http"
		}
		if c.Interval == 0 {
			c.Interval = DefaultCheckInterval
		}
		if c.Timeout == 0 {
			c.Timeout = DefaultCheckTimeout
		}
		if c.MissedThreshold == 0 {
			c.MissedThreshold = DefaultMissedThreshold
		}
	}

	if cfg.Heartbeat != nil && cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = DefaultHeartbeatInterval
	}
}

// expandFileGlobs expands glob patterns in Inputs.Files against the
// filesystem, filtering out directories.
func expandFileGlobs(cfg *Config) error {
	var expanded []string
	for _, pattern := range cfg.Inputs.Files {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		if matches == nil {
			// No metacharacters matched, or the pattern is a literal path:
			// keep it so a missing file surfaces a clear "does not exist"
			// error at watch-start rather than silently vanishing.
			expanded = append(expanded, pattern)
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			expanded = append(expanded, m)
		}
	}
	cfg.Inputs.Files = expanded
	return nil
}

var validStreamTypes = map[string]bool{"websocket": true, "http": true, "tcp": true}

// validate checks every invariant the configuration must satisfy at
// startup, collecting every problem instead of stopping at the first.
func validate(cfg *Config) error {
	var errs []error

	for name, a := range cfg.Alerts {
		if a.Type == "" {
			errs = append(errs, fmt.Errorf("alerts[%s]: type is required", name))
		}
	}

	for i, s := range cfg.Inputs.Streams {
		if !validStreamTypes[s.Type] {
			errs = append(errs, fmt.Errorf("inputs.streams[%d]: type %q must be one of: websocket, http, tcp", i, s.Type))
		}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("inputs.streams[%d]: url is required", i))
		}
	}

	seenRuleNames := map[string]bool{}
	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seenRuleNames[r.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate rule name %q", prefix, r.Name))
		}
		seenRuleNames[r.Name] = true

		hasText := r.Text != ""
		hasPattern := r.Pattern != ""
		if hasText == hasPattern {
			errs = append(errs, fmt.Errorf("%s (%s): exactly one of text/pattern must be set", prefix, r.Name))
		}
		if hasPattern {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("%s (%s): invalid regex %q: %w", prefix, r.Name, r.Pattern, err))
			}
		}
		if len(r.Alert) == 0 {
			errs = append(errs, fmt.Errorf("%s (%s): alert must name at least one handler", prefix, r.Name))
		}
		for _, a := range r.Alert {
			if _, ok := cfg.Alerts[a]; !ok {
				errs = append(errs, fmt.Errorf("%s (%s): unknown alert handler %q", prefix, r.Name, a))
			}
		}
		if r.Threshold != "" {
			if _, _, err := ParseThreshold(r.Threshold); err != nil {
				errs = append(errs, fmt.Errorf("%s (%s): %w", prefix, r.Name, err))
			}
		}
	}

	if cfg.Resources != nil {
		targets, err := cfg.Resources.Thresholds.AlertTargets()
		if err != nil {
			errs = append(errs, fmt.Errorf("resources.thresholds: %w", err))
		} else {
			for _, a := range targets {
				if _, ok := cfg.Alerts[a]; !ok {
					errs = append(errs, fmt.Errorf("resources.thresholds: unknown alert handler %q", a))
				}
			}
		}
	}

	for i, c := range cfg.Checks {
		prefix := fmt.Sprintf("system_checks[%d]", i)
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("%s (%s): url is required", prefix, c.Name))
		}
		for _, a := range c.Alert {
			if _, ok := cfg.Alerts[a]; !ok {
				errs = append(errs, fmt.Errorf("%s (%s): unknown alert handler %q", prefix, c.Name, a))
			}
		}
		if c.Threshold != "" {
			if _, _, err := ParseThreshold(c.Threshold); err != nil {
				errs = append(errs, fmt.Errorf("%s (%s): %w", prefix, c.Name, err))
			}
		}
	}

	if cfg.Heartbeat != nil && cfg.Heartbeat.URL == "" {
		errs = append(errs, errors.New("heartbeat.url is required when heartbeat is configured"))
	}

	return errors.Join(errs...)
}

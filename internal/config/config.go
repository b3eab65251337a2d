package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when a setting is not given explicitly.
const (
	EnvTTSURL     = "DUBBER_TTS_URL"
	EnvTTSAPIKey  = "DUBBER_TTS_API_KEY"
	EnvTTSCommand = "DUBBER_TTS_COMMAND"
	EnvFFmpeg     = "DUBBER_FFMPEG"
	EnvS3Bucket   = "DUBBER_S3_BUCKET"
	EnvAWSRegion  = "AWS_REGION"
)

const (
	DefaultExaggeration  = 0.6
	DefaultCFGWeight     = 0.7
	DefaultRetimeWorkers = 1
)

// SynthConfig selects the synthesis adapter.
type SynthConfig struct {
	Adapter    string   `yaml:"adapter"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	URL        string   `yaml:"url"`
	APIKey     string   `yaml:"api_key"`
	GoogleAuth bool     `yaml:"google_auth"`
	Timeout    Duration `yaml:"timeout"`
}

// Job is a complete dubbing job description. It can be loaded from YAML and
// is then overlaid with command-line flags.
type Job struct {
	Transcript       string      `yaml:"transcript"`
	Format           string      `yaml:"format"`
	References       []string    `yaml:"references"`
	Exaggeration     float64     `yaml:"exaggeration"`
	CFGWeight        float64     `yaml:"cfg_weight"`
	Speed            *float64    `yaml:"speed"`
	MatchTimestamps  bool        `yaml:"match_timestamps"`
	OnSynthesisError string      `yaml:"on_synthesis_error"`
	RetimeWorkers    int         `yaml:"retime_workers"`
	FFmpeg           string      `yaml:"ffmpeg"`
	Synth            SynthConfig `yaml:"synth"`
}

// Default returns a job with built-in defaults and environment fallbacks applied.
func Default() *Job {
	return &Job{
		Format:           "auto",
		Exaggeration:     DefaultExaggeration,
		CFGWeight:        DefaultCFGWeight,
		OnSynthesisError: string(FailAbort),
		RetimeWorkers:    DefaultRetimeWorkers,
		FFmpeg:           EnvOr(EnvFFmpeg, "ffmpeg"),
		Synth: SynthConfig{
			Adapter: "command",
			Command: EnvOr(EnvTTSCommand, ""),
			URL:     EnvOr(EnvTTSURL, ""),
			APIKey:  EnvOr(EnvTTSAPIKey, ""),
		},
	}
}

// Load reads a YAML job file on top of Default. Relative transcript and
// reference paths are resolved against the file's directory.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	job := Default()
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	job.Transcript = resolve(base, job.Transcript)
	for i, r := range job.References {
		job.References[i] = resolve(base, r)
	}
	return job, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// SpeedPolicy builds the speed policy described by the job.
func (j *Job) SpeedPolicy() (SpeedPolicy, error) {
	factor, set := 1.0, false
	if j.Speed != nil {
		factor, set = *j.Speed, true
	}
	return NewSpeedPolicy(j.MatchTimestamps, factor, set)
}

// FailurePolicy parses the job's synthesis failure policy.
func (j *Job) FailurePolicy() (FailurePolicy, error) {
	return ParseFailurePolicy(j.OnSynthesisError)
}

// Validate checks the job for missing or contradictory settings.
func (j *Job) Validate() error {
	var errs []error
	if j.Transcript == "" {
		errs = append(errs, errors.New("a transcript is required (--transcript / -t)"))
	}
	if len(j.References) == 0 {
		errs = append(errs, errors.New("at least one reference voice is required (--reference / -r)"))
	}
	if j.RetimeWorkers < 1 {
		errs = append(errs, fmt.Errorf("retime workers must be at least 1 (got %d)", j.RetimeWorkers))
	}
	if _, err := j.SpeedPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := j.FailurePolicy(); err != nil {
		errs = append(errs, err)
	}
	switch j.Synth.Adapter {
	case "", "command":
	case "http":
		if j.Synth.URL == "" {
			errs = append(errs, fmt.Errorf("the http synthesizer needs a URL (--synth-url or %s)", EnvTTSURL))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid synthesizer %q: must be command or http", j.Synth.Adapter))
	}
	return errors.Join(errs...)
}

// EnvOr returns the value of the environment variable key, or def when it is unset or empty.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Duration is a time.Duration that unmarshals from strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

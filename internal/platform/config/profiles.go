package config

import (
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Dependency names with built-in profiles.
const (
	Transcription = "transcription"
	Scoring       = "scoring"
)

// Profile is the resilience tuning for one external dependency.
type Profile struct {
	Breaker BreakerProfile `yaml:"breaker"`
	Queue   QueueProfile   `yaml:"queue"`
	Retry   RetryProfile   `yaml:"retry"`
	// CacheTTL is how long successful results are memoized.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type BreakerProfile struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type QueueProfile struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	MaxRequestsPerWindow int           `yaml:"max_requests_per_window"`
	Window               time.Duration `yaml:"window"`
	// AdaptiveConcurrency lowers MaxConcurrent by one per rate-limited call;
	// RecoverAfter consecutive successes raise it again.
	AdaptiveConcurrency bool `yaml:"adaptive_concurrency"`
	RecoverAfter        int  `yaml:"recover_after"`
}

type RetryProfile struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultProfiles returns the built-in transcription and scoring profiles.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		Transcription: {
			Breaker:  BreakerProfile{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second},
			Queue:    QueueProfile{MaxConcurrent: 3, MaxRequestsPerWindow: 50, Window: 60 * time.Second},
			Retry:    RetryProfile{MaxRetries: 2, InitialInterval: 2 * time.Second, MaxInterval: 5 * time.Second},
			CacheTTL: 5 * time.Minute,
		},
		Scoring: {
			Breaker: BreakerProfile{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
			Queue: QueueProfile{
				MaxConcurrent: 5, MaxRequestsPerWindow: 100, Window: 60 * time.Second,
				AdaptiveConcurrency: true, RecoverAfter: 10,
			},
			Retry:    RetryProfile{MaxRetries: 2, InitialInterval: 2 * time.Second, MaxInterval: 5 * time.Second},
			CacheTTL: 5 * time.Minute,
		},
	}
}

// LoadProfiles reads a YAML file of the form
//
//	profiles:
//	  scoring:
//	    breaker: {failure_threshold: 3, timeout: 45s}
//	    queue: {max_concurrent: 2}
//
// and overlays it on base. Fields left out keep the base value; unknown
// profile names start from zero values and must be complete.
func LoadProfiles(path string, base map[string]Profile) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resilience config: %w", err)
	}

	var file struct {
		Profiles map[string]yaml.Node `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse resilience config %s: %w", path, err)
	}

	out := maps.Clone(base)
	if out == nil {
		out = map[string]Profile{}
	}
	for name, node := range file.Profiles {
		p := out[name]
		if err := node.Decode(&p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", name, err)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

func (p Profile) validate() error {
	switch {
	case p.Breaker.FailureThreshold < 1:
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	case p.Breaker.SuccessThreshold < 1:
		return fmt.Errorf("breaker.success_threshold must be at least 1")
	case p.Breaker.Timeout <= 0:
		return fmt.Errorf("breaker.timeout must be positive")
	case p.Queue.MaxConcurrent < 1:
		return fmt.Errorf("queue.max_concurrent must be at least 1")
	case p.Queue.MaxRequestsPerWindow < 1:
		return fmt.Errorf("queue.max_requests_per_window must be at least 1")
	case p.Queue.Window <= 0:
		return fmt.Errorf("queue.window must be positive")
	}
	return nil
}

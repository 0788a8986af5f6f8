package multikernel

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kernelworks/axon/event"
	"github.com/kernelworks/axon/persist"
)

type (
	// Config enumerates the kernels to host and the bridges between them.
	Config struct {
		// Kernels lists the kernel specs, one per namespace.
		Kernels []KernelSpec `yaml:"kernels"`
		// Bridges lists the cross-kernel propagation rules.
		Bridges []BridgeSpec `yaml:"bridges"`
	}

	// KernelSpec declares one hosted kernel.
	KernelSpec struct {
		// KernelID identifies the kernel; must be unique.
		KernelID string `yaml:"kernelId"`
		// Namespace is the event-type namespace the kernel serves.
		Namespace string `yaml:"namespace"`
		// Workflow labels the kernel's purpose in status reports.
		Workflow string `yaml:"workflow"`
		// TenantID scopes the kernel's context store.
		TenantID string `yaml:"tenantId"`
		// NeedsPersistence attaches a snapshot persistor.
		NeedsPersistence bool `yaml:"needsPersistence"`
		// NeedsSnapshots includes the kernel in pause-all snapshot ids.
		NeedsSnapshots bool `yaml:"needsSnapshots"`
		// Persistence selects the snapshot backend; defaults to memory.
		Persistence persist.AdapterConfig `yaml:"persistence"`
		// Quotas overrides the kernel quota defaults.
		Quotas QuotaSpec `yaml:"quotas"`
		// Performance overrides queue and batch sizing.
		Performance PerformanceSpec `yaml:"performance"`
	}

	// QuotaSpec mirrors kernel quotas in config form.
	QuotaSpec struct {
		MaxEvents     int    `yaml:"maxEvents"`
		MaxDurationMS int64  `yaml:"maxDurationMs"`
		MaxMemory     uint64 `yaml:"maxMemory"`
	}

	// PerformanceSpec tunes the kernel's queue.
	PerformanceSpec struct {
		QueueSize  int  `yaml:"queueSize"`
		BatchSize  int  `yaml:"batchSize"`
		EnableAcks bool `yaml:"enableAcks"`
	}

	// BridgeSpec declares a unidirectional propagation rule between two
	// kernel namespaces, filtered by event-type pattern ("*", "prefix.*" or
	// exact).
	BridgeSpec struct {
		FromNamespace string `yaml:"fromNamespace"`
		ToNamespace   string `yaml:"toNamespace"`
		EventPattern  string `yaml:"eventPattern"`
		EnableLogging bool   `yaml:"enableLogging"`

		// Transform optionally rewrites the event before it enters the
		// target kernel. Set programmatically; not configurable in YAML.
		Transform func(*event.Event) *event.Event `yaml:"-"`
	}
)

// MaxDuration returns the configured duration quota.
func (q QuotaSpec) MaxDuration() time.Duration {
	return time.Duration(q.MaxDurationMS) * time.Millisecond
}

// ParseConfig decodes a YAML manager configuration and validates it.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse manager config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks spec uniqueness and bridge endpoint references.
func (c Config) Validate() error {
	if len(c.Kernels) == 0 {
		return errors.New("config declares no kernels")
	}
	namespaces := make(map[string]bool, len(c.Kernels))
	ids := make(map[string]bool, len(c.Kernels))
	for _, spec := range c.Kernels {
		if spec.KernelID == "" || spec.Namespace == "" {
			return fmt.Errorf("kernel spec requires kernelId and namespace: %+v", spec)
		}
		if ids[spec.KernelID] {
			return fmt.Errorf("duplicate kernel id %q", spec.KernelID)
		}
		if namespaces[spec.Namespace] {
			return fmt.Errorf("duplicate kernel namespace %q", spec.Namespace)
		}
		ids[spec.KernelID] = true
		namespaces[spec.Namespace] = true
	}
	for _, b := range c.Bridges {
		if !namespaces[b.FromNamespace] {
			return fmt.Errorf("bridge references unknown source namespace %q", b.FromNamespace)
		}
		if !namespaces[b.ToNamespace] {
			return fmt.Errorf("bridge references unknown target namespace %q", b.ToNamespace)
		}
		if b.FromNamespace == b.ToNamespace {
			return fmt.Errorf("bridge cannot loop namespace %q onto itself", b.FromNamespace)
		}
		if b.EventPattern == "" {
			return fmt.Errorf("bridge %s to %s requires an event pattern", b.FromNamespace, b.ToNamespace)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/core-tools/hsu-telemetry-control/pkg/errors"
	"github.com/core-tools/hsu-telemetry-control/pkg/logging"
)

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *ControlConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateServices(config.Services); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}

	if err := validateArtifacts(config); err != nil {
		return errors.NewValidationError("invalid artifacts configuration", err)
	}

	if err := validateOptions(config); err != nil {
		return errors.NewValidationError("invalid options", err)
	}

	return nil
}

// ValidateServiceID validates service ID format and constraints
func ValidateServiceID(id string) error {
	if id == "" {
		return errors.NewValidationError("service ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("service ID cannot exceed 64 characters", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("service ID contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("id", id)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("port must be between 1 and 65535, got %d", port), nil).
			WithContext("valid_range", "1-65535")
	}
	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}

func validateServices(services []ServiceDescriptor) error {
	if len(services) == 0 {
		return errors.NewValidationError("at least one service must be configured", nil)
	}

	seen := make(map[string]string)
	for i, s := range services {
		if err := ValidateServiceID(s.ID); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid service at index %d", i), err)
		}

		names := append([]string{s.ID}, s.Aliases...)
		for _, name := range names {
			key := strings.ToLower(name)
			if owner, dup := seen[key]; dup {
				return errors.NewValidationError(fmt.Sprintf("duplicate service name or alias: %s", name), nil).
					WithContext("first", owner).WithContext("second", s.ID)
			}
			seen[key] = s.ID
		}

		if s.Port != 0 {
			if err := ValidatePort(s.Port); err != nil {
				return errors.NewValidationError(fmt.Sprintf("invalid port for service %s", s.ID), err)
			}
		}

		switch s.Protocol {
		case ProtocolTCP, ProtocolUDP:
		default:
			return errors.NewValidationError(fmt.Sprintf("unsupported protocol for service %s: %s", s.ID, s.Protocol), nil).
				WithContext("supported", "tcp, udp")
		}

		if strings.TrimSpace(s.ProcessMatch) == "" {
			return errors.NewValidationError(fmt.Sprintf("process match token is required for service %s", s.ID), nil)
		}
	}

	return nil
}

func validateArtifacts(config *ControlConfig) error {
	kinds := make(map[ArtifactKind]bool)
	fields := make(map[string]ArtifactKind)

	for i, a := range config.Artifacts {
		if !isKnownArtifactKind(a.Kind) {
			return errors.NewValidationError(fmt.Sprintf("unsupported artifact kind at index %d: %s", i, a.Kind), nil)
		}
		if kinds[a.Kind] {
			return errors.NewValidationError(fmt.Sprintf("duplicate artifact kind: %s", a.Kind), nil)
		}
		kinds[a.Kind] = true

		if strings.TrimSpace(a.Path) == "" {
			return errors.NewValidationError(fmt.Sprintf("path is required for artifact %s", a.Kind), nil)
		}

		if _, ok := config.ResolveService(a.Service); !ok {
			return errors.NewValidationError(fmt.Sprintf("artifact %s references unknown service: %s", a.Kind, a.Service), nil)
		}

		if len(a.Targets) == 0 {
			return errors.NewValidationError(fmt.Sprintf("artifact %s has no targets", a.Kind), nil)
		}

		for _, t := range a.Targets {
			if !isKnownField(t.Field) {
				return errors.NewValidationError(fmt.Sprintf("artifact %s targets unknown field: %s", a.Kind, t.Field), nil)
			}
			if owner, dup := fields[t.Field]; dup {
				return errors.NewValidationError(fmt.Sprintf("field %s is bound to both %s and %s", t.Field, owner, a.Kind), nil)
			}
			fields[t.Field] = a.Kind

			if err := validateTarget(a, t); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateTarget(a ArtifactConfig, t PatchTarget) error {
	switch a.Strategy {
	case StrategyLine:
		if strings.TrimSpace(a.Anchor) == "" {
			return errors.NewValidationError(fmt.Sprintf("anchor is required for line artifact %s", a.Kind), nil)
		}
		if strings.TrimSpace(t.Key) == "" {
			return errors.NewValidationError(fmt.Sprintf("key is required for field %s of artifact %s", t.Field, a.Kind), nil)
		}
		format := t.ValueFormat
		if format == "" {
			format = "%s"
		}
		if strings.Count(format, "%s") != 1 || strings.Count(format, "%") != 1 {
			return errors.NewValidationError(fmt.Sprintf("value format of field %s must contain exactly one %%s: %q", t.Field, t.ValueFormat), nil)
		}
	case StrategyToken:
		if t.Token == "" {
			return errors.NewValidationError(fmt.Sprintf("token is required for field %s of artifact %s", t.Field, a.Kind), nil)
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported strategy for artifact %s: %s", a.Kind, a.Strategy), nil).
			WithContext("supported", "line, token")
	}
	return nil
}

func validateOptions(config *ControlConfig) error {
	if err := ValidateTimeout(config.Health.ProbeTimeout, "probe"); err != nil {
		return err
	}
	if err := ValidateTimeout(config.Health.SweepTimeout, "sweep"); err != nil {
		return err
	}
	if err := ValidateTimeout(config.Restart.CallTimeout, "restart call"); err != nil {
		return err
	}
	if err := ValidateTimeout(config.Restart.BatchTimeout, "restart batch"); err != nil {
		return err
	}
	if strings.TrimSpace(config.Restart.Command) == "" {
		return errors.NewValidationError("control command cannot be empty", nil)
	}
	if config.Restart.MaxConcurrency < 1 {
		return errors.NewValidationError("restart max concurrency must be at least 1", nil)
	}
	if config.Restart.MaxMessageBytes < 1 {
		return errors.NewValidationError("restart max message bytes must be positive", nil)
	}
	if config.Patch.BackupLimit() < 0 {
		return errors.NewValidationError("max backups cannot be negative", nil)
	}
	if _, err := logging.ParseLevel(config.Logging.Level); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid log level: %s", config.Logging.Level), err).
			WithContext("valid_levels", "debug, info, warn, error")
	}
	return nil
}

func isKnownArtifactKind(kind ArtifactKind) bool {
	for _, k := range KnownArtifactKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Helper function to check if character is valid for ID
func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}

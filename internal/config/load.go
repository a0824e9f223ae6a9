package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tensorplex-labs/phenocluster/internal/core"
)

// EnvPrefix prefixes every environment override, e.g. PHENO_SWEEP_RESOLUTIONS=0.5,1,2.
const EnvPrefix = "PHENO_"

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// LoadConfig builds the configuration from defaults, an optional YAML file,
// an optional .env file and PHENO_* environment variables, then validates it.
func LoadConfig(path string) (PipelineConfig, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return PipelineConfig{}, core.Configurationf("config.LoadConfig", "read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return PipelineConfig{}, core.Configurationf("config.LoadConfig", "parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env not loaded; continuing with existing environment")
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return PipelineConfig{}, core.Configurationf("config.LoadConfig", "environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints. Every failure is a
// configuration error.
func (c PipelineConfig) Validate() error {
	const op = "config.Validate"

	if err := structValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return core.Configurationf(op, "%s", strings.Join(msgs, "; "))
		}
		return core.Configurationf(op, "%w", err)
	}

	if c.ControlRule().IsZero() {
		return core.Configurationf(op, "no control rule: set normalization.control_prefix or control_column with control_values")
	}
	if c.Reduction.Manifold && c.Reduction.DiffusionTime > c.Reduction.MaxDiffusionTime {
		return core.Configurationf(op, "diffusion_time %d exceeds max_diffusion_time %d",
			c.Reduction.DiffusionTime, c.Reduction.MaxDiffusionTime)
	}
	for _, col := range c.Normalization.BatchColumns {
		if col == c.Input.IDColumn {
			return core.Configurationf(op, "batch column %q is the id column", col)
		}
	}
	return nil
}

// ControlRule returns the control identification rule.
func (c PipelineConfig) ControlRule() core.ControlRule {
	return core.ControlRule{
		Prefix: c.Normalization.ControlPrefix,
		Column: c.Normalization.ControlColumn,
		Values: c.Normalization.ControlValues,
	}
}

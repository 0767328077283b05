package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-audit/pkg/documents"
	"github.com/Mindburn-Labs/helm-audit/pkg/extraction"
	"github.com/Mindburn-Labs/helm-audit/pkg/rules"
)

// Profile tunes an audit run. Fields left out of the YAML keep their
// defaults.
type Profile struct {
	Name          string                           `yaml:"name" validate:"required"`
	RateTolerance float64                          `yaml:"rate_tolerance" validate:"gt=0,lte=0.01"`
	Workers       int                              `yaml:"workers" validate:"gte=1,lte=64"`
	Extraction    extraction.Config                `yaml:"extraction"`
	Recognition   *extraction.HTTPRecognizerConfig `yaml:"recognition,omitempty"`
	RuleFiles     []string                         `yaml:"rule_files" validate:"dive,required"`
	Vault         documents.Config                 `yaml:"vault"`
}

// DefaultProfile is used when no profile file is given.
func DefaultProfile() *Profile {
	return &Profile{
		Name:          "default",
		RateTolerance: rules.DefaultRateTolerance,
		Workers:       4,
		Extraction:    extraction.DefaultConfig(),
	}
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes YAML over the defaults and validates the result.
func ParseProfile(data []byte) (*Profile, error) {
	p := DefaultProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var profileValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks field bounds and reports every violation by YAML path.
func (p *Profile) Validate() error {
	err := profileValidator.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate profile: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", path, fe.Tag()))
	}
	return fmt.Errorf("invalid profile: %s", strings.Join(msgs, "; "))
}

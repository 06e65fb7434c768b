package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/headpos.report/internal/chpi"
	"github.com/banshee-data/headpos.report/internal/chpi/filter"
	"github.com/banshee-data/headpos.report/internal/chpi/l4motion"
	"github.com/banshee-data/headpos.report/internal/chpi/pipeline"
)

// DefaultConfigPath is the path to the canonical estimation defaults file.
const DefaultConfigPath = "config/chpi.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ChpiConfig holds the user-facing estimation settings. Omitted fields fall
// back to the defaults returned by the Get* methods, so partial files are
// safe. Lengths are in metres and times in seconds.
type ChpiConfig struct {
	// Amplitude extraction
	TStepMin *float64 `json:"t_step_min,omitempty" yaml:"t_step_min,omitempty"`
	TWindow  *Window  `json:"t_window,omitempty" yaml:"t_window,omitempty"`
	TMin     *float64 `json:"t_min,omitempty" yaml:"t_min,omitempty"`
	TMax     *float64 `json:"t_max,omitempty" yaml:"t_max,omitempty"`
	ExtOrder *int     `json:"ext_order,omitempty" yaml:"ext_order,omitempty"`

	// Line harmonics, shared by estimation and filtering
	IncludeLine   *bool    `json:"include_line,omitempty" yaml:"include_line,omitempty"`
	AllowLineOnly *bool    `json:"allow_line_only,omitempty" yaml:"allow_line_only,omitempty"`
	FilterTStep   *float64 `json:"filter_t_step,omitempty" yaml:"filter_t_step,omitempty"`

	// Localization
	TStepMax *float64 `json:"t_step_max,omitempty" yaml:"t_step_max,omitempty"`
	TooClose *string  `json:"too_close,omitempty" yaml:"too_close,omitempty"`
	MaxIter  *int     `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
	Workers  *int     `json:"workers,omitempty" yaml:"workers,omitempty"`

	// Motion
	DistLimit *float64 `json:"dist_limit,omitempty" yaml:"dist_limit,omitempty"`
	GOFLimit  *float64 `json:"gof_limit,omitempty" yaml:"gof_limit,omitempty"`
	Aggregate *string  `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`

	OnMissing *string `json:"on_missing,omitempty" yaml:"on_missing,omitempty"`
}

// Window is a window length in seconds; zero means automatic. It is
// written as "auto" or a number.
type Window float64

// AutoWindow selects the automatic window length.
const AutoWindow Window = 0

func parseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "auto") {
		return AutoWindow, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("t_window must be \"auto\" or seconds, got %q", s)
	}
	return Window(v), nil
}

func (w Window) String() string {
	if w == AutoWindow {
		return "auto"
	}
	return strconv.FormatFloat(float64(w), 'g', -1, 64)
}

func (w Window) MarshalJSON() ([]byte, error) {
	if w == AutoWindow {
		return json.Marshal("auto")
	}
	return json.Marshal(float64(w))
}

func (w *Window) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseWindow(s)
		if err != nil {
			return err
		}
		*w = v
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("t_window must be \"auto\" or seconds: %w", err)
	}
	*w = Window(f)
	return nil
}

func (w Window) MarshalYAML() (interface{}, error) {
	if w == AutoWindow {
		return "auto", nil
	}
	return float64(w), nil
}

func (w *Window) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: t_window must be a scalar", value.Line)
	}
	v, err := parseWindow(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*w = v
	return nil
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrWindow(v Window) *Window    { return &v }

// EmptyChpiConfig returns a ChpiConfig with all fields set to nil.
func EmptyChpiConfig() *ChpiConfig {
	return &ChpiConfig{}
}

// DefaultChpiConfig returns a ChpiConfig with every field set to its
// default. It matches config/chpi.defaults.json.
func DefaultChpiConfig() *ChpiConfig {
	return &ChpiConfig{
		TStepMin:      ptrFloat64(0.01),
		TWindow:       ptrWindow(AutoWindow),
		TMin:          ptrFloat64(0),
		TMax:          ptrFloat64(0),
		ExtOrder:      ptrInt(1),
		IncludeLine:   ptrBool(true),
		AllowLineOnly: ptrBool(false),
		FilterTStep:   ptrFloat64(0.01),
		TStepMax:      ptrFloat64(1),
		TooClose:      ptrString("warn"),
		MaxIter:       ptrInt(100),
		Workers:       ptrInt(1),
		DistLimit:     ptrFloat64(0.005),
		GOFLimit:      ptrFloat64(0.98),
		Aggregate:     ptrString("min"),
		OnMissing:     ptrString("raise"),
	}
}

// LoadConfig loads a ChpiConfig from a .json, .yaml or .yml file of at most
// 1MB and validates it.
func LoadConfig(path string) (*ChpiConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyChpiConfig()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves every field at its default.
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded, intended for test setup.
func MustLoadDefaultConfig() *ChpiConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *ChpiConfig) Validate() error {
	positive := map[string]*float64{
		"t_step_min":    c.TStepMin,
		"dist_limit":    c.DistLimit,
		"filter_t_step": c.FilterTStep,
	}
	for name, v := range positive {
		if v != nil && !(*v > 0) {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}
	if c.TStepMax != nil && *c.TStepMax < 0 {
		return fmt.Errorf("t_step_max must be non-negative, got %g", *c.TStepMax)
	}
	if c.TWindow != nil && *c.TWindow < 0 {
		return fmt.Errorf("t_window must be \"auto\" or positive, got %s", c.TWindow)
	}
	if c.TMin != nil && *c.TMin < 0 {
		return fmt.Errorf("t_min must be non-negative, got %g", *c.TMin)
	}
	if c.TMin != nil && c.TMax != nil && *c.TMax > 0 && *c.TMax < *c.TMin {
		return fmt.Errorf("t_max (%g) must not precede t_min (%g)", *c.TMax, *c.TMin)
	}
	if c.GOFLimit != nil && (*c.GOFLimit < 0 || *c.GOFLimit > 1) {
		return fmt.Errorf("gof_limit must be between 0 and 1, got %g", *c.GOFLimit)
	}
	if c.ExtOrder != nil && (*c.ExtOrder < 0 || *c.ExtOrder > 3) {
		return fmt.Errorf("ext_order must be between 0 and 3, got %d", *c.ExtOrder)
	}
	if c.MaxIter != nil && *c.MaxIter < 1 {
		return fmt.Errorf("max_iter must be at least 1, got %d", *c.MaxIter)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	for name, v := range map[string]*string{"too_close": c.TooClose, "on_missing": c.OnMissing} {
		if v == nil {
			continue
		}
		if _, err := chpi.ParsePolicy(*v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Aggregate != nil {
		if _, err := l4motion.ParseAggregate(*c.Aggregate); err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
	}
	return nil
}

// GetTStepMin returns the t_step_min value or the default.
func (c *ChpiConfig) GetTStepMin() float64 {
	if c.TStepMin == nil {
		return 0.01
	}
	return *c.TStepMin
}

// GetTWindow returns the t_window value or the default (automatic).
func (c *ChpiConfig) GetTWindow() Window {
	if c.TWindow == nil {
		return AutoWindow
	}
	return *c.TWindow
}

// GetTMin returns the t_min value or the default.
func (c *ChpiConfig) GetTMin() float64 {
	if c.TMin == nil {
		return 0
	}
	return *c.TMin
}

// GetTMax returns the t_max value or the default (end of data).
func (c *ChpiConfig) GetTMax() float64 {
	if c.TMax == nil {
		return 0
	}
	return *c.TMax
}

// GetExtOrder returns the ext_order value or the default.
func (c *ChpiConfig) GetExtOrder() int {
	if c.ExtOrder == nil {
		return 1
	}
	return *c.ExtOrder
}

// GetIncludeLine returns the include_line value or the default.
func (c *ChpiConfig) GetIncludeLine() bool {
	if c.IncludeLine == nil {
		return true
	}
	return *c.IncludeLine
}

// GetAllowLineOnly returns the allow_line_only value or the default.
func (c *ChpiConfig) GetAllowLineOnly() bool {
	if c.AllowLineOnly == nil {
		return false
	}
	return *c.AllowLineOnly
}

// GetFilterTStep returns the filter_t_step value or the default.
func (c *ChpiConfig) GetFilterTStep() float64 {
	if c.FilterTStep == nil {
		return 0.01
	}
	return *c.FilterTStep
}

// GetTStepMax returns the t_step_max value or the default.
func (c *ChpiConfig) GetTStepMax() float64 {
	if c.TStepMax == nil {
		return 1
	}
	return *c.TStepMax
}

// GetTooClose returns the too_close policy or the default (warn).
func (c *ChpiConfig) GetTooClose() chpi.Policy {
	return getPolicy(c.TooClose, chpi.PolicyWarn)
}

// GetOnMissing returns the on_missing policy or the default (raise).
func (c *ChpiConfig) GetOnMissing() chpi.Policy {
	return getPolicy(c.OnMissing, chpi.PolicyRaise)
}

func getPolicy(s *string, def chpi.Policy) chpi.Policy {
	if s == nil {
		return def
	}
	p, err := chpi.ParsePolicy(*s)
	if err != nil {
		return def
	}
	return p
}

// GetMaxIter returns the max_iter value or the default.
func (c *ChpiConfig) GetMaxIter() int {
	if c.MaxIter == nil {
		return 100
	}
	return *c.MaxIter
}

// GetWorkers returns the workers value or the default.
func (c *ChpiConfig) GetWorkers() int {
	if c.Workers == nil {
		return 1
	}
	return *c.Workers
}

// GetDistLimit returns the dist_limit value or the default.
func (c *ChpiConfig) GetDistLimit() float64 {
	if c.DistLimit == nil {
		return 0.005
	}
	return *c.DistLimit
}

// GetGOFLimit returns the gof_limit value or the default.
func (c *ChpiConfig) GetGOFLimit() float64 {
	if c.GOFLimit == nil {
		return 0.98
	}
	return *c.GOFLimit
}

// GetAggregate returns the aggregate mode or the default (min).
func (c *ChpiConfig) GetAggregate() l4motion.Aggregate {
	if c.Aggregate == nil {
		return l4motion.AggregateMin
	}
	a, err := l4motion.ParseAggregate(*c.Aggregate)
	if err != nil {
		return l4motion.AggregateMin
	}
	return a
}

// ToPipelineConfig maps the settings onto the estimation stages.
func (c *ChpiConfig) ToPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.OnMissing = c.GetOnMissing()

	cfg.Resolve.DistLimit = c.GetDistLimit()
	cfg.Resolve.GOFLimit = c.GetGOFLimit()
	cfg.Resolve.OnMissing = c.GetOnMissing()

	cfg.Amplitudes.TStepMin = c.GetTStepMin()
	cfg.Amplitudes.TWindow = float64(c.GetTWindow())
	cfg.Amplitudes.TMin = c.GetTMin()
	cfg.Amplitudes.TMax = c.GetTMax()
	cfg.Amplitudes.ExtOrder = c.GetExtOrder()
	cfg.Amplitudes.IncludeLine = c.GetIncludeLine()

	cfg.Locations.TStepMax = c.GetTStepMax()
	cfg.Locations.GOFLimit = c.GetGOFLimit()
	cfg.Locations.MaxIter = c.GetMaxIter()
	cfg.Locations.TooClose = c.GetTooClose()
	cfg.Locations.Workers = c.GetWorkers()

	cfg.Motion.DistLimit = c.GetDistLimit()
	cfg.Motion.GOFLimit = c.GetGOFLimit()
	cfg.Motion.Aggregate = c.GetAggregate()
	return cfg
}

// ToFilterOptions maps the settings onto the cHPI filter.
func (c *ChpiConfig) ToFilterOptions() filter.Options {
	return filter.Options{
		IncludeLine:   c.GetIncludeLine(),
		TStep:         c.GetFilterTStep(),
		TWindow:       float64(c.GetTWindow()),
		AllowLineOnly: c.GetAllowLineOnly(),
	}
}

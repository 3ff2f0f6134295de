package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidMetricName is returned for names outside [a-zA-Z_:][a-zA-Z0-9_:]*
	ErrInvalidMetricName = errors.New("invalid metric name")
	// ErrInvalidLabelName is returned for reserved or malformed label names
	ErrInvalidLabelName = errors.New("invalid label name")
)

var (
	metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	labelNameRE  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// ValidateMetricName checks a metric name against the exposition format rules.
func ValidateMetricName(name string) error {
	if !metricNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidMetricName, name)
	}
	return nil
}

// ValidateLabelNames checks every label name; names starting with "__" are reserved.
func ValidateLabelNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if !labelNameRE.MatchString(name) || strings.HasPrefix(name, "__") {
			return fmt.Errorf("%w: %q", ErrInvalidLabelName, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidLabelName, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// BuildFQName joins the non-empty parts with "_".
func BuildFQName(namespace, subsystem, name string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{namespace, subsystem, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

// DurationBuckets are the default latency buckets in seconds.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

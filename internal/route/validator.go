package route

import (
	"net/url"
	"strings"
)

// Validate 校验路由集合，无副作用，返回遇到的第一个 *ValidationError
func Validate(routes []Definition) error {
	if len(routes) == 0 {
		return &ValidationError{Index: -1, Err: ErrEmptyConfiguration}
	}

	seen := make(map[string]int, len(routes))
	for i, r := range routes {
		if err := validateRoute(i, r); err != nil {
			return err
		}
		if prev, dup := seen[r.ID]; dup {
			return invalid(i, r.ID, ErrDuplicateRouteID, "already declared at index %d", prev)
		}
		seen[r.ID] = i
	}
	return nil
}

func validateRoute(i int, r Definition) error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid(i, r.ID, ErrInvalidRouteID, "id must not be empty")
	}

	if err := ValidateURI(r.URI); err != nil {
		return invalid(i, r.ID, ErrInvalidURI, "%q: %v", r.URI, err)
	}

	if len(r.Predicates) == 0 {
		return invalid(i, r.ID, ErrMissingPredicate, "at least one predicate is required")
	}
	for _, p := range r.Predicates {
		if !IsSupportedPredicate(p.Name) {
			return invalid(i, r.ID, ErrUnsupportedPredicate, "%q", p.Name)
		}
		if p.Name == PredicatePath {
			if err := validatePathPatterns(i, r.ID, p); err != nil {
				return err
			}
		}
	}

	for _, f := range r.Filters {
		if !IsSupportedFilter(f.Name) {
			return invalid(i, r.ID, ErrUnsupportedFilter, "%q", f.Name)
		}
	}

	if r.Metadata.Timeout < 0 {
		return invalid(i, r.ID, ErrInvalidMetadata, "timeout must be >= 0, got %d", r.Metadata.Timeout)
	}
	if r.Metadata.Order < 0 {
		return invalid(i, r.ID, ErrInvalidMetadata, "order must be >= 0, got %d", r.Metadata.Order)
	}
	return nil
}

func validatePathPatterns(i int, id string, p PredicateDefinition) error {
	patterns := SplitList(p.Arg("patterns"))
	if len(patterns) == 0 {
		return invalid(i, id, ErrInvalidPathPattern, "no pattern given")
	}
	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, "/") {
			return invalid(i, id, ErrInvalidPathPattern, "%q must start with '/'", pattern)
		}
	}
	return nil
}

// ValidateURI 校验后端地址：必须是带主机的绝对 http(s) 地址
func ValidateURI(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errMissing
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return errNotAbsolute
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errScheme
	}
	if u.Host == "" {
		return errNoHost
	}
	return nil
}

type uriError string

func (e uriError) Error() string { return string(e) }

const (
	errMissing     uriError = "uri is required"
	errNotAbsolute uriError = "uri must be absolute"
	errScheme      uriError = "scheme must be http or https"
	errNoHost      uriError = "uri has no host"
)

// Package validation checks caller-supplied stack parameters before any
// record or platform resource is touched.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bcnelson/stack-provisioner/internal/domain"
)

const (
	// MaxNameLength is the DNS label limit; the name becomes a subdomain.
	MaxNameLength   = 63
	maxDomainLength = 253
	maxTenantLength = 64
)

// isLower returns true if the byte is a lowercase ASCII letter.
func isLower(b byte) bool {
	return b >= 'a' && b <= 'z'
}

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return isLower(b) || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// ValidateStackName checks that name only uses lowercase letters, digits
// and hyphens, and fits in a DNS label.
func ValidateStackName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name must be at most %d characters", MaxNameLength)
	}
	for _, b := range []byte(name) {
		if !isLower(b) && !isNum(b) && b != '-' {
			return fmt.Errorf("name can only contain lowercase letters, numbers, or hyphens")
		}
	}
	return nil
}

// ValidateTenantID checks a tenant identifier. It is embedded in the platform
// project name, so it is limited to letters, digits, hyphens and underscores.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("tenant_id must not be empty")
	}
	if len(id) > maxTenantLength {
		return fmt.Errorf("tenant_id must be at most %d characters", maxTenantLength)
	}
	for _, b := range []byte(id) {
		if !isAlpha(b) && !isNum(b) && b != '-' && b != '_' {
			return fmt.Errorf("tenant_id can only contain letters, numbers, hyphens, or underscores")
		}
	}
	return nil
}

// ValidateDomain checks a custom hostname. Empty is allowed; the renderer
// derives one from the stack name.
func ValidateDomain(host string) error {
	if host == "" {
		return nil
	}
	if len(host) > maxDomainLength {
		return fmt.Errorf("domain must be at most %d characters", maxDomainLength)
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain must contain at least two labels")
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("domain must not contain empty labels")
		}
		if len(label) > MaxNameLength {
			return fmt.Errorf("domain labels must be at most %d characters", MaxNameLength)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("domain labels must not start or end with a hyphen")
		}
		for _, b := range []byte(label) {
			if !isLower(b) && !isNum(b) && b != '-' {
				return fmt.Errorf("domain can only contain lowercase letters, numbers, hyphens, or dots")
			}
		}
	}
	return nil
}

// ValidateEnvKey checks an environment variable name.
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("variable name must not be empty")
	}
	if !isAlpha(key[0]) && key[0] != '_' {
		return fmt.Errorf("variable name must start with a letter or underscore")
	}
	for _, b := range []byte(key) {
		if !isAlpha(b) && !isNum(b) && b != '_' {
			return fmt.Errorf("variable names can only contain letters, numbers, or underscores")
		}
	}
	return nil
}

// ValidateCPUs checks a compose cpus value such as "0.5" or "2".
func ValidateCPUs(cpus string) error {
	v, err := strconv.ParseFloat(cpus, 64)
	if err != nil {
		return fmt.Errorf("cpus must be a decimal number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("cpus must be a finite number")
	}
	if v <= 0 {
		return fmt.Errorf("cpus must be positive")
	}
	return nil
}

// ValidateMemory checks a compose memory value: a positive integer with an
// optional b, k, m or g suffix (case-insensitive).
func ValidateMemory(mem string) error {
	if mem == "" {
		return fmt.Errorf("memory must not be empty")
	}
	digits := mem
	switch strings.ToLower(mem[len(mem)-1:]) {
	case "b", "k", "m", "g":
		digits = mem[:len(mem)-1]
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n == 0 {
		return fmt.Errorf("memory must be a positive size like 512m or 2g")
	}
	return nil
}

// ValidateResourceLimits checks the optional limits block.
func ValidateResourceLimits(rl *domain.ResourceLimits) ValidationErrors {
	var errs ValidationErrors
	if rl.IsZero() {
		return errs
	}
	if rl.CPUs != "" {
		if err := ValidateCPUs(rl.CPUs); err != nil {
			errs.Add("resource_limits.cpus", rl.CPUs, err.Error(), domain.ErrInvalidInput)
		}
	}
	if rl.Memory != "" {
		if err := ValidateMemory(rl.Memory); err != nil {
			errs.Add("resource_limits.memory", rl.Memory, err.Error(), domain.ErrInvalidInput)
		}
	}
	return errs
}

// TemplateSet reports whether a template id is known.
type TemplateSet interface {
	Has(id string) bool
}

// ValidateDeployRequest checks every field of a deploy request. The returned
// errors wrap domain.ErrInvalidName, domain.ErrUnknownTemplate or
// domain.ErrInvalidInput.
func ValidateDeployRequest(req *domain.DeployRequest, templates TemplateSet) error {
	var errs ValidationErrors

	if err := ValidateTenantID(req.TenantID); err != nil {
		errs.Add("tenant_id", req.TenantID, err.Error(), domain.ErrInvalidInput)
	}
	if err := ValidateStackName(req.Name); err != nil {
		errs.Add("name", req.Name, err.Error(), domain.ErrInvalidName)
	}
	if req.Template == "" {
		errs.Add("template", req.Template, "template must not be empty", domain.ErrUnknownTemplate)
	} else if templates != nil && !templates.Has(req.Template) {
		errs.Add("template", req.Template, fmt.Sprintf("unknown template %q", req.Template), domain.ErrUnknownTemplate)
	}
	if err := ValidateDomain(req.Domain); err != nil {
		errs.Add("domain", req.Domain, err.Error(), domain.ErrInvalidInput)
	}

	keys := make([]string, 0, len(req.EnvVars))
	for k := range req.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ValidateEnvKey(k); err != nil {
			errs.Add("env_vars."+k, k, err.Error(), domain.ErrInvalidInput)
		}
	}

	errs = append(errs, ValidateResourceLimits(req.ResourceLimits)...)

	return errs.Err()
}

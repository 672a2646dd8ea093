package chromedriver

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultVersionConstraint is the oldest Chrome the scripts are written for.
const DefaultVersionConstraint = ">= 100.0.0"

// ParseBrowserVersion extracts the version from a CDP product string such as
// "HeadlessChrome/120.0.6099.109". Chrome's fourth component is dropped.
func ParseBrowserVersion(product string) (*semver.Version, error) {
	raw := product
	if i := strings.LastIndex(product, "/"); i >= 0 {
		raw = product[i+1:]
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("%s - invalid browser version %q: %w", logPrefix, product, err)
	}
	return v, nil
}

// CheckVersion fails when product does not satisfy constraint. An empty
// constraint accepts any browser.
func CheckVersion(product, constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid version constraint %q: %w", logPrefix, constraint, err)
	}
	v, err := ParseBrowserVersion(product)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%s - browser %s does not satisfy %q", logPrefix, v, constraint)
	}
	return nil
}

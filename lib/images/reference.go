package images

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// DefaultTag is used when a reference carries no tag.
const DefaultTag = "latest"

// Reference is a parsed image reference.
// It splits on the first colon: "alpine:3.18" -> name "alpine", tag "3.18".
// Single-component names live in the "library" namespace of the registry.
type Reference struct {
	name       string
	tag        string
	repository string
}

// ParseReference parses a user-provided image reference.
// Examples:
//   - "alpine" -> repository "library/alpine", tag "latest"
//   - "alpine:3.18" -> repository "library/alpine", tag "3.18"
//   - "bitnami/redis:7" -> repository "bitnami/redis", tag "7"
func ParseReference(s string) (*Reference, error) {
	name, tag, hasTag := strings.Cut(s, ":")
	if !hasTag {
		tag = DefaultTag
	}

	if name == "" {
		return nil, fmt.Errorf("%w: empty name in %q", ErrInvalidName, s)
	}

	repository := name
	if !strings.Contains(name, "/") {
		repository = "library/" + name
	}

	// Validate against the distribution grammar so the repository can be
	// used verbatim in registry URLs and token scopes.
	named, err := reference.WithName(repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}
	if _, err := reference.WithTag(named, tag); err != nil {
		return nil, fmt.Errorf("%w: tag %q: %v", ErrInvalidName, tag, err)
	}

	return &Reference{
		name:       name,
		tag:        tag,
		repository: repository,
	}, nil
}

// Name returns the name as given by the user (e.g. "alpine").
func (r *Reference) Name() string {
	return r.name
}

// Tag returns the tag, "latest" if none was given.
func (r *Reference) Tag() string {
	return r.tag
}

// Repository returns the registry repository path (e.g. "library/alpine").
func (r *Reference) Repository() string {
	return r.repository
}

// String returns "name:tag".
func (r *Reference) String() string {
	return r.name + ":" + r.tag
}

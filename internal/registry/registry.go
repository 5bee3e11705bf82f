// Package registry declares what autoprune needs from the container
// registry: namespace lookup, repository listing and the tag catalog.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrTagNotFound is returned by DeleteTag when the tag is already gone.
var ErrTagNotFound = errors.New("registry: tag not found")

// ErrRepositoryNotFound is returned when a repository id is unknown.
var ErrRepositoryNotFound = errors.New("registry: repository not found")

// Tag is one entry of a repository's tag snapshot.
type Tag struct {
	Name      string
	CreatedAt time.Time
}

// NamespaceResolver reports whether a namespace exists and is enabled.
type NamespaceResolver interface {
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
}

// RepositoryLister enumerates the repositories of a namespace. Repository
// ids have the form "namespace/name".
type RepositoryLister interface {
	ListRepositories(ctx context.Context, namespace string) ([]string, error)
}

// TagCatalog reads and removes tags.
type TagCatalog interface {
	ListTags(ctx context.Context, repository string) ([]Tag, error)
	DeleteTag(ctx context.Context, repository, tag string) error
}

// Catalog bundles the three interfaces, as most backends implement all of them.
type Catalog interface {
	NamespaceResolver
	RepositoryLister
	TagCatalog
}

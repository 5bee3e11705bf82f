// Package keys defines the metadata key layout.
//
//	/autoprune/v1/namespaces/<ns>/policies/<uuid>   policy record
//	/autoprune/v1/namespaces/<ns>/methods/<method>  uniqueness index -> uuid
//	/autoprune/v1/leases/<ns>                       ephemeral enforcement lease
//
// Namespace names are path-escaped so that a name can never introduce
// an extra path segment.
package keys

import (
	"errors"
	"net/url"
	"strings"
)

const (
	// Prefix is the root of every key written by autoprune.
	Prefix = "/autoprune/v1"

	// NamespacesPrefix holds per-namespace policy state.
	NamespacesPrefix = Prefix + "/namespaces/"

	// LeasesPrefix holds ephemeral enforcement leases.
	LeasesPrefix = Prefix + "/leases/"

	policiesSegment = "/policies/"
	methodsSegment  = "/methods/"
)

// ErrInvalidKey is returned when a key does not follow the layout.
var ErrInvalidKey = errors.New("keys: invalid key")

func escape(ns string) string {
	return url.PathEscape(ns)
}

// NamespacePrefix returns the key prefix, without trailing slash, for all
// state of a namespace. It is also the transaction scope for that namespace.
func NamespacePrefix(namespace string) string {
	return NamespacesPrefix + escape(namespace)
}

// PolicyKeyPath returns the record key of a policy.
func PolicyKeyPath(namespace, id string) string {
	return NamespacePrefix(namespace) + policiesSegment + id
}

// PoliciesPrefix returns the prefix under which a namespace's records live.
func PoliciesPrefix(namespace string) string {
	return NamespacePrefix(namespace) + policiesSegment
}

// MethodKeyPath returns the uniqueness index key for (namespace, method).
func MethodKeyPath(namespace, method string) string {
	return NamespacePrefix(namespace) + methodsSegment + method
}

// LeaseKeyPath returns the enforcement lease key of a namespace.
func LeaseKeyPath(namespace string) string {
	return LeasesPrefix + escape(namespace)
}

// ParseMethodKey extracts namespace and method from a uniqueness index key.
func ParseMethodKey(key string) (namespace, method string, err error) {
	rest, ok := strings.CutPrefix(key, NamespacesPrefix)
	if !ok {
		return "", "", ErrInvalidKey
	}
	escaped, method, ok := strings.Cut(rest, methodsSegment)
	if !ok || escaped == "" || method == "" || strings.Contains(method, "/") {
		return "", "", ErrInvalidKey
	}
	namespace, err = url.PathUnescape(escaped)
	if err != nil {
		return "", "", ErrInvalidKey
	}
	return namespace, method, nil
}

// ScopeKey returns the transaction scope of key: the namespace prefix for
// namespaced keys, "" otherwise.
func ScopeKey(key string) string {
	rest, ok := strings.CutPrefix(key, NamespacesPrefix)
	if !ok {
		return ""
	}
	escaped, _, _ := strings.Cut(rest, "/")
	if escaped == "" {
		return ""
	}
	return NamespacesPrefix + escaped
}

package objectstore

import (
	"fmt"
	"strings"
)

// ParseLocation splits "s3://bucket/prefix" into bucket and prefix. A bare
// "bucket/prefix" is accepted as well.
func ParseLocation(location string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("objectstore: location %q has no bucket", location)
	}
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return parts[0], prefix, nil
}

package queue

import (
	"fmt"
	"regexp"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,50}$`)

// TableName returns the table that holds the queue named by prefix.
func TableName(prefix string) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid queue prefix %q: must match %s", prefix, prefixPattern.String())
	}
	return prefix + "_queue", nil
}

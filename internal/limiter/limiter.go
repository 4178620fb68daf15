// Copyright 2025 James Ross
package limiter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
)

// Config gates moveToActive with a rolling counter per window. When
// GroupKeyPath is set, the group extracted from the payload at add time
// scopes the counter; accounting then happens per logical group.
type Config struct {
	Max          int64
	Duration     time.Duration
	GroupKeyPath string
}

func (c *Config) Enabled() bool {
	return c != nil && c.Max > 0 && c.Duration > 0
}

func (c *Config) Grouped() bool {
	return c.Enabled() && c.GroupKeyPath != ""
}

// GroupFromPayload resolves the configured JSONPath against the job payload
// and normalizes the result to a key-safe group token. A missing or
// non-scalar value is an error: a job configured for group limiting without
// a resolvable group would silently fall into the queue-wide bucket.
func (c *Config) GroupFromPayload(data []byte) (string, error) {
	if !c.Grouped() {
		return "", nil
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("limiter group: payload is not JSON: %w", err)
	}
	path := c.GroupKeyPath
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return "", fmt.Errorf("limiter group %q: %w", c.GroupKeyPath, err)
	}
	var group string
	switch t := v.(type) {
	case string:
		group = t
	case float64:
		group = strings.TrimSuffix(fmt.Sprintf("%v", t), ".0")
	case bool:
		group = fmt.Sprintf("%v", t)
	default:
		return "", fmt.Errorf("limiter group %q: non-scalar value %T", c.GroupKeyPath, v)
	}
	group = strings.ReplaceAll(group, ":", "_")
	if group == "" {
		return "", fmt.Errorf("limiter group %q: empty value", c.GroupKeyPath)
	}
	return group, nil
}

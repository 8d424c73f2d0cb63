package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "queue.workers". An address of the form "webhook:<name>"
// resolves to the endpoint whose provider or path matches name.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "webhook":
		if name == "*" {
			return c.Webhooks.Endpoints, nil
		}
		for _, ep := range c.Webhooks.Endpoints {
			if ep.Provider == name || ep.Path == name {
				return ep, nil
			}
		}
		return nil, fmt.Errorf("webhook %q not found", name)
	case "token":
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= len(c.API.Tokens) {
			return nil, fmt.Errorf("token %q not found", name)
		}
		return c.API.Tokens[i], nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// Redacted returns a copy with webhook secrets and API tokens masked, for
// printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.Webhooks.Endpoints = make([]WebhookEndpoint, len(c.Webhooks.Endpoints))
	for i, ep := range c.Webhooks.Endpoints {
		if ep.Secret != "" {
			ep.Secret = redacted
		}
		out.Webhooks.Endpoints[i] = ep
	}
	out.API.Tokens = make([]APIToken, len(c.API.Tokens))
	for i, tok := range c.API.Tokens {
		tok.Token = redacted
		tok.Scopes = append([]string(nil), tok.Scopes...)
		out.API.Tokens[i] = tok
	}
	return &out
}

// getValue walks maps by key and lists by numeric index, so
// "webhooks.endpoints.0.provider" addresses the first endpoint.
func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			val, exists := node[part]
			if !exists {
				return nil, fmt.Errorf("path %q: key %q not found", path, part)
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index %q out of range (len %d)", path, part, len(node))
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q breaks at %q (not a map or list)", path, part)
		}
	}
	return current, nil
}

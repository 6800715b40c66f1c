package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dot-separated path of JSON field names
// (e.g. "dispatch.batchSize").
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
		if cur, ok = obj[key]; !ok {
			return nil, fmt.Errorf("unknown config key: %s", path)
		}
	}
	return cur, nil
}

// SetByPath assigns raw to an existing leaf. raw is converted to the type
// the leaf already has, so "44" stays a string for phone.countryCode and
// becomes a number for dispatch.batchSize. Sections and unknown keys are
// rejected.
func SetByPath(cfg *Config, path, raw string) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config section %q in %s", key, path)
		}
		parent = child
	}

	leaf := parts[len(parts)-1]
	current, ok := parent[leaf]
	if !ok {
		// omitempty fields are absent while unset
		if current, ok = omittedTemplate(path); !ok {
			return fmt.Errorf("unknown config key: %s", path)
		}
	}
	v, err := coerce(current, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[leaf] = v

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case map[string]any:
		return nil, fmt.Errorf("is a section, set one of its keys")
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case float64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// omittedTemplate returns a value of the right JSON type for an omitempty
// field at path.
func omittedTemplate(path string) (any, bool) {
	full := Defaults()
	full.General.LogFormat, full.General.LogFile = "x", "x"
	full.General.LogMaxSizeMB, full.General.LogMaxBackups, full.General.LogMaxAgeDays = 1, 1, 1
	full.Server.APIKey = "x"
	full.Store.Path, full.Store.DSN = "x", "x"
	full.Alerts.Telegram.Token, full.Alerts.Telegram.ChatID = "x", 1
	v, ok := ListPaths(full)[path]
	return v, ok
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	if out.Server.APIKey != "" {
		out.Server.APIKey = maskString(out.Server.APIKey)
	}
	if out.Telegram.AppHash != "" {
		out.Telegram.AppHash = maskString(out.Telegram.AppHash)
	}
	if out.Alerts.Telegram.Token != "" {
		out.Alerts.Telegram.Token = maskString(out.Alerts.Telegram.Token)
	}
	if out.Store.DSN != "" {
		out.Store.DSN = maskDSN(out.Store.DSN)
	}
	return &out
}

// maskDSN hides the password of a postgres URL or key=value DSN.
func maskDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at > 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 {
			creds := dsn[scheme+3 : at]
			if colon := strings.Index(creds, ":"); colon >= 0 {
				return dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
			}
		}
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all settable config paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenMap(k, sub, result)
			continue
		}
		result[k] = v
	}
}

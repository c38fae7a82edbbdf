// cluster_env.go: Worker environment files and ${VAR} expansion
//
// Cluster workers keep their settings in a plain environment file, one
// KEY=VALUE per line with # comments. EnvFile edits such a file in place:
// comments, blank lines and the order of untouched keys survive a
// parse/modify/serialize round trip.
//
// The same file also provides ${VAR} and ${VAR:-default} expansion, applied
// to cluster configuration files before they are parsed.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Reserved environment keys understood by the cluster registry.
const (
	EnvClusterLabels     = "CLUSTER_LABELS"
	EnvClusterWorkerName = "CLUSTER_WORKER_NAME"
)

// maxEnvValueLength bounds a single environment value.
const maxEnvValueLength = 4096

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type envLine struct {
	key   string // empty for comments and blank lines
	value string
	raw   string
}

// EnvFile is an editable environment file.
type EnvFile struct {
	lines           []envLine
	trailingNewline bool
}

// EnvEntry is one KEY=VALUE assignment.
type EnvEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ParseEnvironment parses environment file text. Lines that are neither
// comments nor assignments are kept verbatim.
func ParseEnvironment(text string) *EnvFile {
	ef := &EnvFile{trailingNewline: strings.HasSuffix(text, "\n")}
	if text == "" {
		return ef
	}

	body := strings.TrimSuffix(text, "\n")
	for _, raw := range strings.Split(body, "\n") {
		raw = strings.TrimSuffix(raw, "\r")
		ef.lines = append(ef.lines, parseEnvLine(raw))
	}
	return ef
}

func parseEnvLine(raw string) envLine {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return envLine{raw: raw}
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return envLine{raw: raw}
	}
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	if !envKeyPattern.MatchString(key) {
		return envLine{raw: raw}
	}
	return envLine{key: key, value: unquoteEnvValue(strings.TrimSpace(value)), raw: raw}
}

func unquoteEnvValue(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Get returns the value of the last assignment of key.
func (ef *EnvFile) Get(key string) (string, bool) {
	for i := len(ef.lines) - 1; i >= 0; i-- {
		if ef.lines[i].key == key {
			return ef.lines[i].value, true
		}
	}
	return "", false
}

// Set assigns key. An existing assignment is rewritten in place, otherwise
// a new line is appended.
func (ef *EnvFile) Set(key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return NewConfigValidationError("invalid environment key: "+key, nil)
	}
	if err := validateEnvValue(value); err != nil {
		return err
	}
	if strings.ContainsAny(value, "\n\r") {
		return NewConfigValidationError("environment value spans lines", nil).
			WithContext("key", key)
	}

	line := envLine{key: key, value: value, raw: key + "=" + value}
	for i := len(ef.lines) - 1; i >= 0; i-- {
		if ef.lines[i].key == key {
			ef.lines[i] = line
			return nil
		}
	}
	ef.lines = append(ef.lines, line)
	ef.trailingNewline = true
	return nil
}

// Delete removes every assignment of key. It reports whether one existed.
func (ef *EnvFile) Delete(key string) bool {
	kept := ef.lines[:0]
	found := false
	for _, l := range ef.lines {
		if l.key == key {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	ef.lines = kept
	return found
}

// Entries returns the effective assignments sorted by key.
func (ef *EnvFile) Entries() []EnvEntry {
	seen := make(map[string]string)
	for _, l := range ef.lines {
		if l.key != "" {
			seen[l.key] = l.value
		}
	}
	out := make([]EnvEntry, 0, len(seen))
	for k, v := range seen {
		out = append(out, EnvEntry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// String serializes the file.
func (ef *EnvFile) String() string {
	if len(ef.lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range ef.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.raw)
	}
	if ef.trailingNewline {
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseLabels splits a comma separated label list, dropping blanks and
// duplicates while keeping first-seen order.
func ParseLabels(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		label := strings.TrimSpace(part)
		if label == "" || containsString(out, label) {
			continue
		}
		out = append(out, label)
	}
	return out
}

// FormatLabels joins labels for CLUSTER_LABELS.
func FormatLabels(labels []string) string {
	return strings.Join(ParseLabels(strings.Join(labels, ",")), ",")
}

func validateEnvValue(value string) error {
	if strings.Contains(value, "\x00") {
		return NewConfigValidationError("environment value contains null byte", nil)
	}
	if len(value) > maxEnvValueLength {
		return NewConfigValidationError(
			fmt.Sprintf("environment value too long: %d bytes (max %d)", len(value), maxEnvValueLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return NewConfigValidationError(
				fmt.Sprintf("environment value contains control character at position %d", i), nil)
		}
	}
	return nil
}

// EnvExpandOptions configures ${VAR} expansion.
type EnvExpandOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string `json:"prefix" yaml:"prefix"`

	// FailOnMissing turns unresolved variables into errors.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// Defaults resolve variables missing from the process environment.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Lookup replaces os.LookupEnv, mainly for tests.
	Lookup func(string) (string, bool) `json:"-" yaml:"-"`
}

// DefaultEnvExpandOptions returns the options used for cluster config files.
func DefaultEnvExpandOptions() EnvExpandOptions {
	return EnvExpandOptions{
		Prefix:   "PLUGIN_RPC_",
		Defaults: make(map[string]string),
	}
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} in input.
//
// Resolution order: prefixed variable, bare variable, inline default,
// Defaults. Unresolved variables expand to "" unless FailOnMissing is set.
func ExpandEnvironmentVariables(input string, options EnvExpandOptions) (string, error) {
	if input == "" {
		return input, nil
	}
	lookup := options.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := variablePattern.FindStringSubmatch(match)
		value, err := expandVariable(sub[1], sub[3], sub[2] != "", options, lookup)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandVariable(name, inlineDefault string, hasDefault bool, options EnvExpandOptions, lookup func(string) (string, bool)) (string, error) {
	if options.Prefix != "" {
		if value, ok := lookup(options.Prefix + name); ok && value != "" {
			return value, validateEnvValue(value)
		}
	}
	if value, ok := lookup(name); ok && value != "" {
		return value, validateEnvValue(value)
	}
	if hasDefault {
		return inlineDefault, validateEnvValue(inlineDefault)
	}
	if value, ok := options.Defaults[name]; ok {
		return value, validateEnvValue(value)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError("required environment variable not found: "+name, nil).
			WithContext("prefixed", options.Prefix+name)
	}
	return "", nil
}

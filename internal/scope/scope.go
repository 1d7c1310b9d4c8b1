// Package scope parses and validates OAuth scope strings and evaluates RBAC
// permissions into per-user effective permission sets.
package scope

import (
	"sort"
	"strings"

	"oauth-service/pkg/oautherr"
)

// Parse splits a space-delimited scope string into a deduplicated list,
// preserving first-seen order. Empty input yields an empty list.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return []string{}
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Format joins a scope list back into the wire representation.
func Format(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasAll reports whether every element of required is present in granted.
// An empty required list is vacuously satisfied.
func HasAll(granted, required []string) bool {
	for _, r := range required {
		if !contains(granted, r) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one element of required is present in
// granted. An empty required list is never satisfied.
func HasAny(granted, required []string) bool {
	for _, r := range required {
		if contains(granted, r) {
			return true
		}
	}
	return false
}

// Subset reports whether requested is a subset of granted.
func Subset(requested, granted []string) bool {
	return HasAll(granted, requested)
}

// ValidateAgainstList checks that every requested scope appears in allowed.
// On failure it returns an invalid_scope error naming the offending tokens.
func ValidateAgainstList(requested, allowed []string) error {
	var invalid []string
	for _, r := range requested {
		if !contains(allowed, r) {
			invalid = append(invalid, r)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return oautherr.WithDescription(oautherr.ErrInvalidScope,
			"scope not allowed: "+strings.Join(invalid, " "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"testing"
)

func TestParsePortRange(t *testing.T) {
	for _, tc := range []struct {
		value    string
		expected [2]uint16
		fail     bool
	}{
		{"40000:50000", [2]uint16{40000, 50000}, false},
		{"40000", [2]uint16{40000, 65535}, false},
		{":20000", [2]uint16{10000, 20000}, false},
		{"50000:40000", [2]uint16{}, true},
		{"abc:40000", [2]uint16{}, true},
		{"40000:70000", [2]uint16{}, true},
	} {
		portRange, err := parsePortRange(tc.value)
		if tc.fail {
			if err == nil {
				t.Errorf("%s: expected error", tc.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.value, err)
			continue
		}
		if portRange != tc.expected {
			t.Errorf("%s: expected %v, got %v", tc.value, tc.expected, portRange)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(true, "debug"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := newLogger(false, "verbose"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"testing"
)

func TestClassify_KnownTypes(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		dataType string
		want     Classification
	}{
		{"ais_position", PublicBroadcast},
		{"ais_identity", PublicBroadcast},
		{"current_position", Restricted},
		{"berth_number", Restricted},
		{"weather_preferences", Conditional},
		{"maintenance_schedule", Conditional},
		{"popular_routes", Anonymous},
		{"weather_reports", Anonymous},
		{"gps_history", Private},
		{"crew_personal_info", Private},
		{"api_keys", Private},
		{"vessel_identity", Private},
	}

	for _, tt := range tests {
		if got := table.Classify(tt.dataType); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.dataType, got, tt.want)
		}
	}
}

func TestClassify_UnknownDefaultsToPrivate(t *testing.T) {
	table := DefaultTable()

	for _, tag := range []string{"totally-unregistered-tag", "", "GPS_HISTORY", "current position"} {
		if got := table.Classify(tag); got != Private {
			t.Errorf("Classify(%q) = %v, want Private", tag, got)
		}
	}
	if table.Known("totally-unregistered-tag") {
		t.Error("Known() should be false for an unregistered tag")
	}
}

func TestDefaultTable_Valid(t *testing.T) {
	table := DefaultTable()
	if err := table.Validate(); err != nil {
		t.Fatalf("default table failed validation: %v", err)
	}
	if table.Version() < 1 {
		t.Errorf("default table version = %d, want >= 1", table.Version())
	}
	if len(table.DataTypes()) == 0 {
		t.Error("default table has no data types")
	}
}

func TestNewTable_Validation(t *testing.T) {
	if _, err := NewTable(0, map[string]Classification{"x": Private}); err == nil {
		t.Error("expected error for version 0")
	}
	if _, err := NewTable(1, map[string]Classification{}); err == nil {
		t.Error("expected error for empty table")
	}
	if _, err := NewTable(1, map[string]Classification{"": Private}); err == nil {
		t.Error("expected error for empty tag")
	}
	if _, err := NewTable(1, map[string]Classification{"x": Classification(99)}); err == nil {
		t.Error("expected error for out-of-range classification")
	}
	if _, err := NewTable(1, map[string]Classification{"x": Anonymous}); err != nil {
		t.Errorf("unexpected error for valid table: %v", err)
	}
}

func TestClassification_StringRoundTrip(t *testing.T) {
	classes := []Classification{PublicBroadcast, Restricted, Conditional, Anonymous, Private}
	for _, c := range classes {
		if got := ParseClassification(c.String()); got != c {
			t.Errorf("ParseClassification(%q) = %v, want %v", c.String(), got, c)
		}
	}
	if got := ParseClassification("nonsense"); got != Private {
		t.Errorf("ParseClassification(nonsense) = %v, want Private", got)
	}
}

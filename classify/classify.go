// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify maps vessel data-type tags to privacy classifications.
//
// The mapping is a closed, versioned table validated at construction time.
// Adding a data type is a deliberate table change, never a runtime default:
// a tag the table does not know is classified Private, the most restrictive
// class, so nothing unrecognized can auto-approve its way off the device.
package classify

import (
	"fmt"
	"sort"
)

// =============================================================================
// CLASSIFICATIONS
// =============================================================================

// Classification is the privacy-sensitivity tier of a data type.
type Classification int

const (
	// Private data always requires fresh or standing explicit authorization.
	// Never auto-approved, never simplified for trusted partners.
	Private Classification = iota

	// Conditional data needs consent but the consent may be standing.
	Conditional

	// Restricted data is operationally necessary and may be shared with a
	// trusted partner without a prompt.
	Restricted

	// Anonymous data carries no vessel or operator identity.
	Anonymous

	// PublicBroadcast data is already emitted on an independent public
	// channel (AIS position and identity) and is free to share.
	PublicBroadcast
)

func (c Classification) String() string {
	switch c {
	case PublicBroadcast:
		return "public_broadcast"
	case Restricted:
		return "restricted"
	case Conditional:
		return "conditional"
	case Anonymous:
		return "anonymous"
	case Private:
		return "private"
	default:
		return "private"
	}
}

// ParseClassification is the inverse of String. Unknown strings come back
// as Private, consistent with the fail-closed table default.
func ParseClassification(s string) Classification {
	switch s {
	case "public_broadcast":
		return PublicBroadcast
	case "restricted":
		return Restricted
	case "conditional":
		return Conditional
	case "anonymous":
		return Anonymous
	default:
		return Private
	}
}

// =============================================================================
// CLASSIFICATION TABLE
// =============================================================================

// Table is a versioned data-type to classification mapping.
type Table struct {
	version int
	entries map[string]Classification
}

// DefaultTable returns the built-in vessel data policy.
func DefaultTable() *Table {
	return &Table{
		version: 2,
		entries: map[string]Classification{
			// Already on the air via AIS; withholding it protects nothing.
			"ais_position": PublicBroadcast,
			"ais_identity": PublicBroadcast,

			// Operationally necessary for marinas and agents.
			"current_position":      Restricted,
			"vessel_specifications": Restricted,
			"arrival_time":          Restricted,
			"contact_info":          Restricted,
			"berth_number":          Restricted,

			// Shareable under consent, often standing.
			"weather_preferences":    Conditional,
			"route_planning_style":   Conditional,
			"fuel_consumption_stats": Conditional,
			"maintenance_schedule":   Conditional,

			// No identity attached.
			"popular_routes":    Anonymous,
			"anchorage_ratings": Anonymous,
			"weather_reports":   Anonymous,

			// Never leaves the device without an explicit grant.
			"gps_history":        Private,
			"communication_logs": Private,
			"financial_data":     Private,
			"crew_personal_info": Private,
			"sensor_raw_data":    Private,
			"security_cameras":   Private,
			"passwords":          Private,
			"api_keys":           Private,
			"vessel_identity":    Private,
		},
	}
}

// NewTable builds a table from an explicit mapping. Use DefaultTable unless
// a deployment ships its own policy.
func NewTable(version int, entries map[string]Classification) (*Table, error) {
	t := &Table{version: version, entries: make(map[string]Classification, len(entries))}
	for tag, class := range entries {
		t.entries[tag] = class
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table is usable: a positive version, at least one
// entry, non-empty tags and classifications within the known range.
func (t *Table) Validate() error {
	if t.version < 1 {
		return fmt.Errorf("classification table version must be >= 1, got %d", t.version)
	}
	if len(t.entries) == 0 {
		return fmt.Errorf("classification table is empty")
	}
	for tag, class := range t.entries {
		if tag == "" {
			return fmt.Errorf("classification table contains an empty data-type tag")
		}
		if class < Private || class > PublicBroadcast {
			return fmt.Errorf("data type %q has out-of-range classification %d", tag, class)
		}
	}
	return nil
}

// Classify returns the classification for a data-type tag. Unknown tags are
// Private: an unregistered type must never be more shareable than a
// registered one.
func (t *Table) Classify(dataType string) Classification {
	if class, ok := t.entries[dataType]; ok {
		return class
	}
	return Private
}

// Known reports whether the tag is registered in the table.
func (t *Table) Known(dataType string) bool {
	_, ok := t.entries[dataType]
	return ok
}

// Version returns the policy table version.
func (t *Table) Version() int {
	return t.version
}

// DataTypes returns the registered tags in sorted order.
func (t *Table) DataTypes() []string {
	tags := make([]string, 0, len(t.entries))
	for tag := range t.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

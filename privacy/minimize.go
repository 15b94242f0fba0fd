// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

// Data minimization: even an authorized transfer carries only the payload
// fields a destination needs for the stated data type. Fields not on the
// allow-list are stripped before encryption; an empty allow-list for an
// unknown data type strips everything, consistent with the fail-closed
// classification default.

var fieldAllowLists = map[string][]string{
	"ais_position":     {"lat", "lon", "timestamp", "heading", "speed"},
	"ais_identity":     {"mmsi", "call_sign", "vessel_name"},
	"current_position": {"lat", "lon", "timestamp"},
	"vessel_specifications": {
		"length_m", "beam_m", "draft_m", "vessel_type", "displacement_t",
	},
	"arrival_time": {"eta", "origin_port", "destination_port"},
	"contact_info": {"name", "phone", "email"},
	"berth_number": {"berth", "marina", "from", "until"},

	"weather_preferences":    {"wind_max_kn", "wave_max_m", "preferred_departure"},
	"route_planning_style":   {"style", "avoid_night", "max_leg_nm"},
	"fuel_consumption_stats": {"avg_lph", "range_nm", "tank_pct"},
	"maintenance_schedule":   {"next_service", "engine_hours", "items"},

	"popular_routes":    {"route", "season", "rating"},
	"anchorage_ratings": {"anchorage", "rating", "season"},
	"weather_reports":   {"area", "observed_at", "wind_kn", "wave_m", "pressure_hpa"},

	// Private data types are shared only under explicit consent, and even
	// then field-filtered.
	"gps_history":        {"points", "from", "until"},
	"communication_logs": {"entries", "from", "until"},
	"financial_data":     {"invoices", "period"},
	"crew_personal_info": {"names", "count"},
	"sensor_raw_data":    {"sensor", "samples", "from", "until"},
	"security_cameras":   {"camera", "clips", "from", "until"},
	"vessel_identity":    {"mmsi", "registration", "flag"},
	// passwords and api_keys have no allow-list on purpose: nothing of
	// them is ever eligible to leave the device.
}

// minimize returns a copy of payload containing only allow-listed fields
// for the data type.
func minimize(dataType string, payload map[string]any) map[string]any {
	allowed := fieldAllowLists[dataType]
	out := make(map[string]any, len(allowed))
	for _, field := range allowed {
		if v, ok := payload[field]; ok {
			out[field] = v
		}
	}
	return out
}

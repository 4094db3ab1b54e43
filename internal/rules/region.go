package rules

import "strings"

// Census-style regions used by RegionIn conditions and routing stats.
const (
	RegionNortheast = "Northeast"
	RegionSoutheast = "Southeast"
	RegionMidwest   = "Midwest"
	RegionSouthwest = "Southwest"
	RegionWest      = "West"
)

var stateRegions = map[string]string{
	"CT": RegionNortheast, "ME": RegionNortheast, "MA": RegionNortheast, "NH": RegionNortheast,
	"RI": RegionNortheast, "VT": RegionNortheast, "NY": RegionNortheast, "NJ": RegionNortheast,
	"PA": RegionNortheast,

	"DE": RegionSoutheast, "FL": RegionSoutheast, "GA": RegionSoutheast, "MD": RegionSoutheast,
	"NC": RegionSoutheast, "SC": RegionSoutheast, "VA": RegionSoutheast, "WV": RegionSoutheast,
	"KY": RegionSoutheast, "TN": RegionSoutheast, "AL": RegionSoutheast, "MS": RegionSoutheast,
	"AR": RegionSoutheast, "LA": RegionSoutheast,

	"IL": RegionMidwest, "IN": RegionMidwest, "MI": RegionMidwest, "OH": RegionMidwest,
	"WI": RegionMidwest, "IA": RegionMidwest, "KS": RegionMidwest, "MN": RegionMidwest,
	"MO": RegionMidwest, "NE": RegionMidwest, "ND": RegionMidwest, "SD": RegionMidwest,

	"AZ": RegionSouthwest, "NM": RegionSouthwest, "OK": RegionSouthwest, "TX": RegionSouthwest,

	"CO": RegionWest, "ID": RegionWest, "MT": RegionWest, "NV": RegionWest,
	"UT": RegionWest, "WY": RegionWest, "AK": RegionWest, "CA": RegionWest,
	"HI": RegionWest, "OR": RegionWest, "WA": RegionWest,
}

// CensusRegion maps a two-letter US state code to its region, or "" if unknown.
func CensusRegion(state string) string {
	return stateRegions[strings.ToUpper(strings.TrimSpace(state))]
}

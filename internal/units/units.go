// Package units maps observation types onto unit groups and unit groups onto
// the concrete unit used by each unit system. Converting to a display unit is
// left to the presentation layer.
package units

import (
	"fmt"

	"github.com/lox/climatenormals/internal/models"
)

type Group string

const (
	GroupTemperature Group = "group_temperature"
	GroupRain        Group = "group_rain"
	GroupCount       Group = "group_count"
)

// UnitCount is the unit of provenance years.
const UnitCount = "count"

var obsGroups = map[string]Group{
	models.ObsTypeOutTemp: GroupTemperature,
	models.ObsTypePrecip:  GroupRain,
}

var stdUnits = map[models.UnitSystem]map[Group]string{
	models.UnitSystemUS: {
		GroupTemperature: "degree_F",
		GroupRain:        "inch",
		GroupCount:       UnitCount,
	},
	models.UnitSystemMetric: {
		GroupTemperature: "degree_C",
		GroupRain:        "cm",
		GroupCount:       UnitCount,
	},
	models.UnitSystemMetricWX: {
		GroupTemperature: "degree_C",
		GroupRain:        "mm",
		GroupCount:       UnitCount,
	},
}

// GroupFor returns the unit group an observation type belongs to.
func GroupFor(obsType string) (Group, bool) {
	g, ok := obsGroups[obsType]
	return g, ok
}

// UnitFor returns the unit a value in group g is stored in under system us.
func UnitFor(g Group, us models.UnitSystem) (string, error) {
	groups, ok := stdUnits[us]
	if !ok {
		return "", fmt.Errorf("unknown unit system %d", int(us))
	}
	unit, ok := groups[g]
	if !ok {
		return "", fmt.Errorf("no %s unit for group %s", us, g)
	}
	return unit, nil
}

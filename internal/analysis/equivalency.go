package analysis

import "strings"

// DefaultElevationFactor credits 750 ft of climbing as one mile of flat distance
const DefaultElevationFactor = 5280.0 / 750.0

// Discipline is the closed set of sport families the normalizer knows about
type Discipline int

const (
	DisciplineUnknown Discipline = iota
	DisciplineRun
	DisciplineTrailRun
	DisciplineWalk
	DisciplineHike
	DisciplineRide
	DisciplineSwim
	DisciplinePaddle
)

var disciplineNames = map[Discipline]string{
	DisciplineUnknown:  "unknown",
	DisciplineRun:      "run",
	DisciplineTrailRun: "trail_run",
	DisciplineWalk:     "walk",
	DisciplineHike:     "hike",
	DisciplineRide:     "ride",
	DisciplineSwim:     "swim",
	DisciplinePaddle:   "paddle",
}

// disciplineAliases maps source sport labels (lower-cased) onto a discipline
var disciplineAliases = map[string]Discipline{
	"run":              DisciplineRun,
	"running":          DisciplineRun,
	"virtualrun":       DisciplineRun,
	"treadmill":        DisciplineRun,
	"trail_run":        DisciplineTrailRun,
	"trailrun":         DisciplineTrailRun,
	"walk":             DisciplineWalk,
	"walking":          DisciplineWalk,
	"hike":             DisciplineHike,
	"hiking":           DisciplineHike,
	"ride":             DisciplineRide,
	"cycling":          DisciplineRide,
	"virtualride":      DisciplineRide,
	"gravelride":       DisciplineRide,
	"mountainbikeride": DisciplineRide,
	"ebikeride":        DisciplineRide,
	"swim":             DisciplineSwim,
	"swimming":         DisciplineSwim,
	"paddle":           DisciplinePaddle,
	"kayaking":         DisciplinePaddle,
	"canoeing":         DisciplinePaddle,
	"standuppaddling":  DisciplinePaddle,
	"rowing":           DisciplinePaddle,
}

// ParseDiscipline maps a source label onto a discipline; unrecognised labels are DisciplineUnknown
func ParseDiscipline(label string) Discipline {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.ReplaceAll(key, " ", "")
	if d, ok := disciplineAliases[key]; ok {
		return d
	}
	return DisciplineUnknown
}

func (d Discipline) String() string {
	if name, ok := disciplineNames[d]; ok {
		return name
	}
	return "unknown"
}

// FootBased reports whether elevation is a comparable stressor for d
func (d Discipline) FootBased() bool {
	switch d {
	case DisciplineRide, DisciplineSwim, DisciplinePaddle:
		return false
	default:
		return true
	}
}

// RatioDisciplines lists the disciplines that need a ratio in Equivalency.Ratios
func RatioDisciplines() []Discipline {
	return []Discipline{DisciplineRide, DisciplineSwim, DisciplinePaddle}
}

// EquivalentResult is an equivalent distance plus whether the default rule was applied
type EquivalentResult struct {
	Distance    float64 // metres
	DefaultRule bool
}

// EquivalentDistance converts raw external work into equivalent distance (metres).
// Foot disciplines add climbing converted at the elevation factor; ride, swim and
// paddle scale distance by their ratio and ignore elevation. Unknown disciplines
// use the foot rule and report DefaultRule so the caller can warn.
func EquivalentDistance(d Discipline, distance, elevationGain float64, eq Equivalency) EquivalentResult {
	if distance < 0 || !isFinite(distance) {
		distance = 0
	}
	if elevationGain < 0 || !isFinite(elevationGain) {
		elevationGain = 0
	}

	if d.FootBased() {
		return EquivalentResult{
			Distance:    distance + elevationGain*eq.ElevationFactor,
			DefaultRule: d == DisciplineUnknown,
		}
	}

	ratio, ok := eq.Ratios[d.String()]
	if !ok {
		return EquivalentResult{
			Distance:    distance + elevationGain*eq.ElevationFactor,
			DefaultRule: true,
		}
	}
	return EquivalentResult{Distance: distance * ratio}
}

package rides

import (
	"math"

	"github.com/example/ride-coordination/internal/models"
)

// AllowedTransitions represents the ride state flow as code. COMPLETED and
// CANCELLED have no successors.
var AllowedTransitions = map[models.Status][]models.Status{
	models.StatusRequested: {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:  {models.StatusArriving, models.StatusStarted, models.StatusCancelled},
	models.StatusArriving:  {models.StatusStarted, models.StatusCancelled},
	models.StatusStarted:   {models.StatusCompleted},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// rank orders the main path so timelines can be checked for monotonicity.
var rank = map[models.Status]int{
	models.StatusRequested: 0,
	models.StatusAccepted:  1,
	models.StatusArriving:  2,
	models.StatusStarted:   3,
	models.StatusCompleted: 4,
	models.StatusCancelled: 4,
}

// ValidTimeline reports whether every consecutive pair of entries is a
// legal transition and at most one terminal entry exists, at the end.
func ValidTimeline(tl []models.TimelineEntry) bool {
	if len(tl) == 0 || tl[0].Status != models.StatusRequested {
		return false
	}
	for i := 1; i < len(tl); i++ {
		prev, cur := tl[i-1].Status, tl[i].Status
		if !CanTransition(prev, cur) || rank[cur] <= rank[prev] {
			return false
		}
	}
	return true
}

// FarePolicy prices a trip from its distance.
type FarePolicy struct {
	BaseFare float64
	PerKm    float64
}

// DefaultFarePolicy charges 10 per km with no base fare.
var DefaultFarePolicy = FarePolicy{PerKm: 10}

func (p FarePolicy) Quote(distanceKm float64) float64 {
	return math.Round(p.BaseFare + p.PerKm*distanceKm)
}

var activeStatuses = []models.Status{models.StatusAccepted, models.StatusArriving, models.StatusStarted}

package api

import (
	"net/http"

	"github.com/perimeterhq/perimeter/pkg/fusion"
	"github.com/perimeterhq/perimeter/pkg/geofence"
)

// strategyInfo documents one tuning choice for API consumers
type strategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default,omitempty"`
}

// strategiesCatalog is the static tuning catalog served to clients
type strategiesCatalog struct {
	BufferStrategies []strategyInfo `json:"bufferStrategies"`
	ExitPolicies     []strategyInfo `json:"exitPolicies"`
	Aggressiveness   []strategyInfo `json:"fusionAggressiveness"`
	Limits           catalogLimits  `json:"limits"`
}

type catalogLimits struct {
	MaxGeofencesPerRequest int     `json:"maxGeofencesPerRequest"`
	MaxHistoryPerRequest   int     `json:"maxHistoryPerRequest"`
	MinRadiusMeters        float64 `json:"minRadiusMeters"`
	MaxRadiusMeters        float64 `json:"maxRadiusMeters"`
}

var catalog = strategiesCatalog{
	BufferStrategies: []strategyInfo{
		{
			Name:        string(geofence.StrategyConservative),
			Description: "Widest buffer zones; prefers uncertain over wrong. Suited to safety-critical fences.",
		},
		{
			Name:        string(geofence.StrategyModerate),
			Description: "Balanced buffer sizing for general use.",
			Default:     true,
		},
		{
			Name:        string(geofence.StrategyAggressive),
			Description: "Narrow buffers; decides quickly and tolerates occasional flapping.",
		},
	},
	ExitPolicies: []strategyInfo{
		{
			Name:        string(geofence.ExitPolicyCount),
			Description: "Exit fires after N consecutive outside evaluations.",
			Default:     true,
		},
		{
			Name:        string(geofence.ExitPolicyDuration),
			Description: "Exit fires after the subject is continuously outside for the grace period in seconds.",
		},
	},
	Aggressiveness: []strategyInfo{
		{
			Name:        string(fusion.Conservative),
			Description: "Small corrections; fused positions stay close to the raw reading.",
		},
		{
			Name:        string(fusion.Moderate),
			Description: "Balanced smoothing and accuracy improvement.",
			Default:     true,
		},
		{
			Name:        string(fusion.Aggressive),
			Description: "Strong smoothing; allows large corrections when history supports them.",
		},
	},
	Limits: catalogLimits{
		MaxGeofencesPerRequest: geofence.MaxGeofencesPerRequest,
		MaxHistoryPerRequest:   geofence.MaxHistoryPerRequest,
		MinRadiusMeters:        geofence.MinRadiusMeters,
		MaxRadiusMeters:        geofence.MaxRadiusMeters,
	},
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

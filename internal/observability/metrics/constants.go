// Package metrics provides the Prometheus collectors for birdcam components.
package metrics

// Operation label values
const (
	OpSave    = "save"
	OpGet     = "get"
	OpList    = "list"
	OpStats   = "stats"
	OpRelabel = "relabel"
	OpEvict   = "evict"
	OpSidecar = "sidecar"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Inference outcome label values
const (
	OutcomeBird    = "bird"
	OutcomeNoBird  = "no_bird"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

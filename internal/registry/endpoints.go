package registry

const (
	LiFiBaseURL = "https://li.quest/v1"

	// LiFiIntegrator identifies routex in LI.FI analytics.
	LiFiIntegrator = "routex"
)

package monitor

// Score combines the sampled inputs into a bounded health score.
//
// Weights: 40 points for the fraction of agents idle or busy, 25 for the
// fraction of endpoints available, 25 for the success rate of the trailing
// call window, and a 5-point penalty per escalated task up to 20. Each term
// moves the same direction as its input (more failures or offline agents
// never raise the score), and the result is clamped to [0, 100]. A system
// with everything healthy and no escalations scores 90.
func Score(agentHealthyFrac, endpointAvailFrac, failureRate float64, escalated int) float64 {
	penalty := float64(escalated)
	if penalty > 4 {
		penalty = 4
	}
	score := 40*agentHealthyFrac + 25*endpointAvailFrac + 25*(1-failureRate) - 5*penalty
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

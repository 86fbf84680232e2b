// Package core provides the business logic and service layer for the cronicorn scheduling system.
package core

// QuotaConfig bounds how much schedule state a single user may create.
// MaxEndpointsPerUser is the tier limit counted across all of the user's
// live jobs. Zero or negative limits disable the corresponding check.
type QuotaConfig struct {
	MaxJobsPerUser      int `json:"max_jobs_per_user"`
	MaxEndpointsPerUser int `json:"max_endpoints_per_user"`
	MaxEndpointsPerJob  int `json:"max_endpoints_per_job"`
}

// DefaultQuotaConfig returns a QuotaConfig with sensible defaults.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxJobsPerUser:      20,
		MaxEndpointsPerUser: 50,
		MaxEndpointsPerJob:  25,
	}
}

package runner

// defaultHistogramBuckets are in seconds; tool launches and stops range from milliseconds to
// the configured timeouts.
var defaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var customBuckets = map[string][]float64{
	"migration_api_requests": {
		0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300,
	},
	"migration_logwatch_wait": {
		1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400, // 1s up to 1 day
	},
}

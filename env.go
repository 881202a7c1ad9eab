package txcoord

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names for RetryPolicyFromEnv.
const (
	EnvMaxAttempts = "TXCOORD_MAX_ATTEMPTS"
	EnvBaseDelay   = "TXCOORD_BASE_DELAY"
	EnvMaxDelay    = "TXCOORD_MAX_DELAY"
	EnvJitter      = "TXCOORD_JITTER"
)

// RetryPolicyFromEnv builds a RetryPolicy from the environment,
// starting from DefaultRetryPolicy and overriding any field whose
// variable is set. Delays use Go duration syntax ("50ms", "2s").
func RetryPolicyFromEnv() (RetryPolicy, error) {
	policy := DefaultRetryPolicy()

	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return RetryPolicy{}, fmt.Errorf("invalid %s: %q", EnvMaxAttempts, v)
		}
		policy.MaxAttempts = n
	}
	if v := os.Getenv(EnvBaseDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("invalid %s: %q", EnvBaseDelay, v)
		}
		policy.BaseDelay = d
	}
	if v := os.Getenv(EnvMaxDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return RetryPolicy{}, fmt.Errorf("invalid %s: %q", EnvMaxDelay, v)
		}
		policy.MaxDelay = d
	}
	if v := os.Getenv(EnvJitter); v != "" {
		j, err := strconv.ParseFloat(v, 64)
		if err != nil || j < 0 || j > 1 {
			return RetryPolicy{}, fmt.Errorf("invalid %s: %q", EnvJitter, v)
		}
		policy.Jitter = j
	}
	return policy, nil
}

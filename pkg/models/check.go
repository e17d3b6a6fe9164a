package models

// Token classifies a refused check.
type Token string

const (
	TokenBackpressure Token = "BACKPRESSURE"
	TokenRateLimit    Token = "RATE_LIMIT"
	TokenInternal     Token = "INTERNAL"
)

// CheckRequest asks whether a metered operation may proceed.
// A nil Qty means 1.
type CheckRequest struct {
	TenantID string `json:"tenant_id"`
	Meter    Meter  `json:"meter"`
	Qty      *int64 `json:"qty,omitempty"`
	OpKey    string `json:"op_key,omitempty"`
}

// Quantity returns the requested quantity with the default applied.
func (r CheckRequest) Quantity() int64 {
	if r.Qty == nil {
		return 1
	}
	return *r.Qty
}

// CheckResponse is the outcome of a check.
type CheckResponse struct {
	OK           bool     `json:"ok"`
	Cached       bool     `json:"cached,omitempty"`
	Token        Token    `json:"token,omitempty"`
	RetryAfterMs *int64   `json:"retry_after_ms,omitempty"`
	Remediation  []string `json:"remediation,omitempty"`
}

var (
	backpressureRemediation = []string{"Reduce call cadence", "Retry after retry_after_ms", "Upgrade plan if needed"}
	rateLimitRemediation    = []string{"Daily cap reached", "Try later", "Upgrade plan or add credits"}
	internalRemediation     = []string{"Retry later"}
)

// Allowed is the accepted response.
func Allowed() CheckResponse {
	return CheckResponse{OK: true}
}

// AllowedCached is the response to a replayed op key.
func AllowedCached() CheckResponse {
	return CheckResponse{OK: true, Cached: true}
}

// Backpressure refuses a call because the current window is exhausted.
func Backpressure(retryAfterMs int64) CheckResponse {
	return CheckResponse{
		Token:        TokenBackpressure,
		RetryAfterMs: Int64(retryAfterMs),
		Remediation:  append([]string(nil), backpressureRemediation...),
	}
}

// RateLimited refuses a call because the daily cap is reached.
func RateLimited() CheckResponse {
	return CheckResponse{
		Token:       TokenRateLimit,
		Remediation: append([]string(nil), rateLimitRemediation...),
	}
}

// Internal is the generic failure response. It never carries detail.
func Internal() CheckResponse {
	return CheckResponse{
		Token:       TokenInternal,
		Remediation: append([]string(nil), internalRemediation...),
	}
}

// Snapshot is the raw stored state of every meter of one tenant.
// A nil entry means the meter has never been written.
type Snapshot map[Meter]*MeterState

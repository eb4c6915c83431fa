package instrumentation

import "strings"

// ExtractUserDomain reduces an email address to its lowercased domain so
// user identity can be attached to metrics without exploding label
// cardinality. iManage login names without a domain map to "unknown".
//
//	ExtractUserDomain("Jane@Firm.com")  // "firm.com"
//	ExtractUserDomain("FIRM\\jdoe")     // "unknown"
//	ExtractUserDomain("")               // "unknown"
func ExtractUserDomain(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return "unknown"
	}
	return strings.ToLower(email[i+1:])
}

// iManage REST operations recorded by imanage_api_operations_total.
const (
	OperationToken    = "token"
	OperationSearch   = "search"
	OperationMetadata = "metadata"
	OperationDownload = "download"
	OperationProfile  = "profile"
)

// Outcomes recorded by search_strategy_total.
const (
	OutcomeHit      = "hit"
	OutcomeEmpty    = "empty"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

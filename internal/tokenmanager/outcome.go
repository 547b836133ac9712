package tokenmanager

// CallOutcome classifies how an outbound call to the upstream went, as
// reported by the caller of WithCredential after it has read (or failed to
// read) the upstream response.
type CallOutcome int

const (
	Success CallOutcome = iota
	AuthExpired
	RateLimited
	ServerError
	NetworkError
)

// failureThreshold is the number of *consecutive* failures after which a
// credential is disabled and a rotation is signalled.
const failureThreshold = 5

// maxRetryAlternatives bounds how many alternative credentials a single
// request may be retried on before surfacing failure.
const maxRetryAlternatives = 3

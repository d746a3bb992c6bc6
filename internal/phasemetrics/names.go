package phasemetrics

// Phase labels, one per transaction endpoint.
const (
	PhaseBegin   = "BeginTransaction"
	PhasePrepare = "PrepareTransaction"
	PhaseCommit  = "CommitTransaction"
	PhaseNotify  = "NotifyTransaction"
	PhaseAbort   = "AbortTransaction"
	PhaseEnd     = "EndTransaction"
	PhaseStatus  = "GetTransactionStatus"
)

// Counter names tracked for every phase.
const (
	TotalRequest = "total_request"
	ClientError  = "client_error"
	ServerError  = "server_error"
)

// Phases lists every phase label in protocol order.
var Phases = []string{PhaseBegin, PhasePrepare, PhaseCommit, PhaseNotify, PhaseAbort, PhaseEnd, PhaseStatus}

// CounterNames lists the counters built for each phase.
var CounterNames = []string{TotalRequest, ClientError, ServerError}

// InstrumentName is the OTel instrument backing a counter name.
func InstrumentName(counter string) string {
	return "pbs.frontend." + counter
}

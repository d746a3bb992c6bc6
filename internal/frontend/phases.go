package frontend

import (
	"net/http"

	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/phasemetrics"
	"pkt.systems/pbsd/internal/txnheader"
)

// BeginTransaction validates the transaction headers and acknowledges.
func (s *Service) BeginTransaction(ex *Exchange) error {
	return s.acknowledge(ex, phasemetrics.PhaseBegin, false)
}

// CommitTransaction validates the transaction headers and acknowledges.
func (s *Service) CommitTransaction(ex *Exchange) error {
	return s.acknowledge(ex, phasemetrics.PhaseCommit, true)
}

// NotifyTransaction validates the transaction headers and acknowledges.
func (s *Service) NotifyTransaction(ex *Exchange) error {
	return s.acknowledge(ex, phasemetrics.PhaseNotify, true)
}

// AbortTransaction validates the transaction headers and acknowledges.
func (s *Service) AbortTransaction(ex *Exchange) error {
	return s.acknowledge(ex, phasemetrics.PhaseAbort, true)
}

// EndTransaction validates the transaction headers and acknowledges.
func (s *Service) EndTransaction(ex *Exchange) error {
	return s.acknowledge(ex, phasemetrics.PhaseEnd, true)
}

// GetTransactionStatus is not supported by this protocol version.
func (s *Service) GetTransactionStatus(ex *Exchange) error {
	s.requestLogger(ex.Context(), phasemetrics.PhaseStatus).Debug("frontend.status.unsupported")
	return core.StatusNotSupported()
}

func (s *Service) acknowledge(ex *Exchange, phase string, withTimestamp bool) error {
	req, err := s.start(ex, phase, withTimestamp)
	if err != nil {
		return err
	}
	req.logger.Debug("frontend.phase.acknowledged")
	finishSuccess(ex)
	return nil
}

// finishSuccess attaches the compatibility header and completes ex.
func finishSuccess(ex *Exchange) {
	txnheader.InsertBackwardCompatible(ex.Response.Header)
	ex.Finish(nil)
}

func extractHeaders(req *Request, withTimestamp bool) (string, error) {
	if req == nil {
		return txnheader.ExtractBackwardCompatible(nil, withTimestamp)
	}
	return txnheader.ExtractBackwardCompatible(req.Header, withTimestamp)
}

func reportingOriginLabel(h http.Header, authorizedDomain, remoteIdentity string) string {
	if h == nil {
		h = http.Header{}
	}
	return txnheader.ReportingOriginLabel(h, authorizedDomain, remoteIdentity)
}

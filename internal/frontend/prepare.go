package frontend

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/pbsd/api"
	"pkt.systems/pbsd/internal/core"
	"pkt.systems/pbsd/internal/phasemetrics"
	"pkt.systems/pbsd/internal/txnheader"
)

// PrepareTransaction parses the requested budgets and hands them to the
// budget consumer on the executor. On success the exchange is finished by the
// consume continuation, never by this call.
func (s *Service) PrepareTransaction(ex *Exchange) error {
	req, err := s.start(ex, phasemetrics.PhasePrepare, true)
	if err != nil {
		return err
	}
	origin := txnheader.ResolveTransactionOrigin(ex.Request.Header, ex.Request.AuthorizedDomain)
	budgets, err := s.parser.Parse(ex.Request.Body, ex.Request.AuthorizedDomain, origin)
	if err != nil {
		req.clientError.Increment(req.label)
		req.logger.Debug("frontend.prepare.invalid_body", "error", err)
		return err
	}
	if len(budgets) == 0 {
		req.clientError.Increment(req.label)
		return core.NoKeysAvailable()
	}

	req.logger.Debug("frontend.prepare.dispatch", "keys", len(budgets), "parser", s.parser.Mode())
	for _, b := range budgets {
		req.logger.Trace("frontend.prepare.budget",
			"budget_key", b.BudgetKey,
			"time_bucket", b.TimeBucket,
			"tokens", b.TokenCount,
		)
	}

	consume := core.ConsumeBudgetsRequest{TransactionID: req.txnID, Budgets: budgets}
	ctx := context.WithoutCancel(ex.Context())
	if err := s.executor.Submit(func() {
		s.consumeBudgets(ctx, ex, req, consume)
	}); err != nil {
		req.clientError.Increment(req.label)
		req.logger.Warn("frontend.prepare.dispatch_failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) consumeBudgets(ctx context.Context, ex *Exchange, req *phaseRequest, consume core.ConsumeBudgetsRequest) {
	defer func() {
		if r := recover(); r != nil {
			req.logger.Error("frontend.prepare.consume_panic", "panic", fmt.Sprint(r))
			ex.Finish(core.Internal("budget consumption failed unexpectedly"))
		}
	}()
	resp, err := s.consumer.ConsumeBudgets(ctx, consume)
	s.onConsumeBudgets(ex, req, resp, err)
}

// onConsumeBudgets is the Prepare continuation. Exhausted indices are written
// to the response body; a failure to encode them is only logged so that the
// caller still sees the exhaustion result.
func (s *Service) onConsumeBudgets(ex *Exchange, req *phaseRequest, resp core.ConsumeBudgetsResponse, result error) {
	serverError, err := s.registry.Find(phasemetrics.PhasePrepare, phasemetrics.ServerError)
	if err != nil {
		req.logger.Error("frontend.metric.missing", "counter", phasemetrics.ServerError, "error", err)
		ex.Finish(err)
		return
	}
	if result != nil {
		req.logger.Warn("frontend.prepare.consume_failed", "error", result, "exhausted", len(resp.ExhaustedIndices))
		if core.IsBudgetExhausted(result) {
			body, serr := s.serializeExhausted(resp.ExhaustedIndices)
			if serr != nil {
				req.logger.Error("frontend.prepare.serialize_failed", "error", serr)
			} else {
				ex.Response.Body = body
			}
		}
		serverError.Increment(req.label)
		ex.Finish(result)
		return
	}
	req.logger.Debug("frontend.prepare.consumed")
	txnheader.InsertBackwardCompatible(ex.Response.Header)
	ex.Finish(nil)
}

func encodeExhausted(indices []int) ([]byte, error) {
	if indices == nil {
		indices = []int{}
	}
	return json.Marshal(api.BudgetExhaustedResponse{Version: api.BudgetRequestV1, FailedIndices: indices})
}

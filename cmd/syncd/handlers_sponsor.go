package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"ledgersync/pkg/audit"
	"ledgersync/pkg/auth"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"
	"ledgersync/pkg/sponsor"
)

// authenticateSponsor checks the body-protected signature for intent and
// applies the per-address limit. It returns the signer address.
func (s *Server) authenticateSponsor(w http.ResponseWriter, r *http.Request, intent string, body []byte) (string, bool) {
	if s.Sponsor == nil {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "sponsor_disabled", "gas sponsorship is not configured")
		return "", false
	}
	env, err := s.Signatures.Authenticate(r.Context(), auth.RequestAuth{
		Header:      r.Header,
		Intent:      intent,
		Body:        body,
		ProtectBody: true,
	})
	if err != nil {
		writeAuthError(w, err)
		return "", false
	}
	if !s.allow(w, r, intent, env.Address) {
		return "", false
	}
	return env.Address, true
}

func (s *Server) sponsorBuild(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	signer, ok := s.authenticateSponsor(w, r, intentSponsorBuild, body)
	if !ok {
		return
	}
	var req models.SponsoredTxRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object")
		return
	}
	if !ledger.SameAddress(req.Sender, signer) {
		s.auditSponsor(r.Context(), audit.ActionSponsorBuild, signer, audit.OutcomeRejected, "sender_mismatch", nil)
		httpx.ErrorCode(w, http.StatusForbidden, "sender_mismatch", "sender must be the authenticated address")
		return
	}
	kind, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.KindBytes))
	if err != nil || len(kind) == 0 {
		httpx.ErrorCode(w, http.StatusBadRequest, sponsor.CodeInvalidTransaction, "kindBytes must be non-empty base64")
		return
	}
	res, err := s.Sponsor.Build(r.Context(), req.Sender, kind)
	if err != nil {
		s.writeSponsorError(w, r.Context(), audit.ActionSponsorBuild, signer, err)
		return
	}
	s.auditSponsor(r.Context(), audit.ActionSponsorBuild, signer, audit.OutcomeOK, "", map[string]any{"gasBudget": res.GasBudget})
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) sponsorExecute(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	signer, ok := s.authenticateSponsor(w, r, intentSponsorExecute, body)
	if !ok {
		return
	}
	var req models.SponsoredExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object")
		return
	}
	txBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Bytes))
	if err != nil || len(txBytes) == 0 {
		httpx.ErrorCode(w, http.StatusBadRequest, sponsor.CodeInvalidTransaction, "bytes must be non-empty base64")
		return
	}
	if strings.TrimSpace(req.UserSignature) == "" {
		httpx.ErrorCode(w, http.StatusBadRequest, sponsor.CodeInvalidUserSignature, "userSignature required")
		return
	}
	res, err := s.Sponsor.Execute(r.Context(), txBytes, req.UserSignature)
	if err != nil {
		s.writeSponsorError(w, r.Context(), audit.ActionSponsorExecute, signer, err)
		return
	}
	s.auditSponsor(r.Context(), audit.ActionSponsorExecute, signer, audit.OutcomeOK, "", map[string]any{"digest": res.Digest})
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) writeSponsorError(w http.ResponseWriter, ctx context.Context, action, signer string, err error) {
	var rej *sponsor.Error
	var lex *sponsor.LedgerExecutionError
	switch {
	case errors.As(err, &rej):
		s.auditSponsor(ctx, action, signer, audit.OutcomeRejected, rej.Code, nil)
		status := http.StatusForbidden
		if rej.Code == sponsor.CodeInvalidSender || rej.Code == sponsor.CodeInvalidTransaction {
			status = http.StatusBadRequest
		}
		httpx.ErrorCode(w, status, rej.Code, rej.Message)
	case errors.As(err, &lex):
		s.auditSponsor(ctx, action, signer, audit.OutcomeFailed, sponsor.CodeLedgerExecution, map[string]any{"digest": lex.Digest})
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error":       "transaction executed but failed on the ledger",
			"code":        sponsor.CodeLedgerExecution,
			"digest":      lex.Digest,
			"ledgerError": lex.LedgerError,
		})
	default:
		log.Printf("%s for %s: %v", action, signer, err)
		s.auditSponsor(ctx, action, signer, audit.OutcomeFailed, "ledger_unavailable", nil)
		httpx.ErrorCode(w, http.StatusBadGateway, "ledger_unavailable", "ledger node request failed")
	}
}

func (s *Server) auditSponsor(ctx context.Context, action, signer, outcome, code string, detail map[string]any) {
	rec := audit.Record{Action: action, Actor: signer, Outcome: outcome, Code: code}
	if detail != nil {
		rec.Detail = audit.Detail(detail)
	}
	s.recordAudit(ctx, rec)
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"roster-alerts/pipeline"
	"roster-alerts/pkg/roster"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 100
	maxBodyBytes       = 1 << 20
)

type runMeta struct {
	Outcome               roster.Outcome `json:"outcome"`
	Changed               bool           `json:"changed"`
	ForceUsed             bool           `json:"forceUsed"`
	SendPushUsed          bool           `json:"sendPushUsed"`
	NewTransactions       int            `json:"newTransactions"`
	PushNotificationsSent int            `json:"pushNotificationsSent"`
}

type runResponse struct {
	Meta    runMeta              `json:"meta"`
	Data    []roster.Transaction `json:"data"`
	Message string               `json:"message,omitempty"`
}

type runErrorResponse struct {
	Error string         `json:"error"`
	Kind  pipeline.Kind  `json:"kind"`
	Stage pipeline.Stage `json:"stage"`
	Trace []string       `json:"trace"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	opts := pipeline.Options{
		Force:    flag(r, "force"),
		SendPush: flag(r, "sendPush"),
	}
	s.logger.Info("Poll endpoint triggered", "force", opts.Force, "send_push", opts.SendPush)

	res, err := s.runner.Run(r.Context(), opts)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{
		Meta: runMeta{
			Outcome:               res.Outcome,
			Changed:               res.Changed,
			ForceUsed:             res.Forced,
			SendPushUsed:          res.SendPush,
			NewTransactions:       res.NewCount,
			PushNotificationsSent: res.NotifiedCount,
		},
		Data:    res.Records,
		Message: res.Outcome.Message(),
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	re, ok := pipeline.AsRunError(err)
	if !ok {
		s.logger.Error("Pipeline run failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, runErrorResponse{Error: err.Error(), Kind: pipeline.KindStore, Trace: []string{err.Error()}})
		return
	}

	status := http.StatusInternalServerError
	switch re.Kind {
	case pipeline.KindUpstream:
		status = http.StatusBadGateway
	case pipeline.KindStructural:
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, runErrorResponse{
		Error: re.Error(),
		Kind:  re.Kind,
		Stage: re.Stage,
		Trace: re.Trace(),
	})
}

type manualInsertRequest struct {
	Transactions []roster.Candidate `json:"transactions"`
}

type insertMeta struct {
	TransactionsSent  int `json:"transactionsSent"`
	TransactionsAdded int `json:"transactionsAdded"`
}

type insertResponse struct {
	Meta insertMeta           `json:"meta"`
	Data []roster.Transaction `json:"data"`
}

func (s *Server) handleManualInsert(w http.ResponseWriter, r *http.Request) {
	var req manualInsertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Transactions) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]string{"message": "No transactions to add"})
		return
	}

	res, err := s.runner.Insert(r.Context(), req.Transactions)
	if err != nil {
		s.logger.Error("Manual insert failed", "error", err)
		s.writeRunError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, insertResponse{
		Meta: insertMeta{TransactionsSent: res.Received, TransactionsAdded: res.Added},
		Data: res.Records,
	})
}

type recentResponse struct {
	Data  []roster.Transaction `json:"data"`
	Count int                  `json:"count"`
	Limit int                  `json:"limit"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load recent transactions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load transactions")
		return
	}
	if records == nil {
		records = []roster.Transaction{}
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, recentResponse{Data: records, Count: len(records), Limit: limit})
}

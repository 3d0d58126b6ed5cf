package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/ngnasoro/pkg/amortization"
	"github.com/mcclellann/ngnasoro/pkg/config"
	"github.com/mcclellann/ngnasoro/pkg/ledger"
	"github.com/mcclellann/ngnasoro/pkg/metrics"
	"github.com/mcclellann/ngnasoro/pkg/middleware"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/mcclellann/ngnasoro/pkg/notify"
	"github.com/mcclellann/ngnasoro/pkg/reminder"
	"github.com/mcclellann/ngnasoro/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Roles allowed to trigger the batch sweeps by hand.
var adminRoles = []string{"admin", "meref_admin", "sfd_admin"}

// Server holds the ledger, the reminder sweep and everything the handlers share.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	scanner  *reminder.Scanner
	metrics  *metrics.Collector
	registry *prometheus.Registry
	log      *logrus.Logger

	location    *time.Location
	lateFeeRate decimal.Decimal
	jwtSecret   string
	now         func() time.Time
}

func NewServer(s store.Storage, cfg *config.Config, mailer *notify.Mailer, log *logrus.Logger) (*Server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	srv := &Server{
		ledger:      ledger.NewLedger(s, log),
		storage:     s,
		metrics:     m,
		registry:    reg,
		log:         log,
		location:    loc,
		lateFeeRate: cfg.LateFeeRate,
		jwtSecret:   cfg.JWTSecret,
		now:         time.Now,
	}
	srv.scanner = reminder.NewScanner(s, notify.NewDispatcher(s, mailer, log), m, log,
		reminder.WithLocation(loc),
		reminder.WithDedupe(cfg.ReminderDedupe),
		reminder.WithClock(func() time.Time { return srv.now() }),
	)
	return srv, nil
}

// routes builds the HTTP router.
func (s *Server) routes() *mux.Router {
	authed := middleware.Auth(s.jwtSecret)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireRole(s.jwtSecret != "", adminRoles...)(h))
	}
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/amortization/preview", s.previewHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.Handle("/loans", protect(s.createLoanHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.Handle("/loans/{id}/approve", protect(s.transitionHandler(s.ledger.ApproveLoan))).Methods("POST")
	router.Handle("/loans/{id}/withdraw", protect(s.transitionHandler(s.ledger.WithdrawLoan))).Methods("POST")
	router.Handle("/loans/{id}/default", protect(s.transitionHandler(s.ledger.DefaultLoan))).Methods("POST")
	router.Handle("/loans/{id}/disburse", protect(s.disburseHandler)).Methods("POST")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions", s.transactionsHandler).Methods("GET")

	router.Handle("/installments/overdue/run", admin(s.overdueRunHandler)).Methods("POST")
	router.Handle("/installments/{id}/payments", protect(s.recordPaymentHandler)).Methods("POST")
	router.Handle("/users/{id}/notifications", protect(s.notificationsHandler)).Methods("GET")
	router.Handle("/reminders/run", admin(s.reminderRunHandler)).Methods("POST")
	return router
}

func (s *Server) today() civil.Date {
	return civil.DateOf(s.now().In(s.location))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body and treats an empty body as no fields.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid "+what+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeLedgerError maps domain errors to status codes.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	var terms *amortization.InvalidLoanTermsError
	switch {
	case errors.Is(err, store.ErrLoanNotFound):
		http.Error(w, "Loan not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInstallmentNotFound):
		http.Error(w, "Installment not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, store.ErrDuplicateSchedule):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &terms), errors.Is(err, ledger.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Principal      decimal.Decimal `json:"principal"`
		InterestRate   decimal.Decimal `json:"interest_rate"`
		DurationMonths int             `json:"duration_months"`
		DisbursedAt    *civil.Date     `json:"disbursed_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start := s.today()
	if req.DisbursedAt != nil {
		start = *req.DisbursedAt
	}

	schedule, err := amortization.Calculate(amortization.Terms{
		Principal:      req.Principal,
		AnnualRate:     req.InterestRate,
		DurationMonths: req.DurationMonths,
	}, start)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) transitionHandler(apply func(ctx context.Context, id uuid.UUID) (*models.Loan, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, ok := pathID(w, r, "loan")
		if !ok {
			return
		}
		loan, err := apply(r.Context(), loanID)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

func (s *Server) disburseHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	var req struct {
		DisbursedAt *civil.Date `json:"disbursed_at"`
	}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	on := s.today()
	if req.DisbursedAt != nil {
		on = *req.DisbursedAt
	}

	loan, installments, err := s.ledger.DisburseLoan(r.Context(), loanID, on)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan, "schedule": installments})
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	installments, err := s.ledger.GetSchedule(r.Context(), loanID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}
	transactions, err := s.ledger.GetTransactions(r.Context(), loanID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

// recordPaymentHandler answers with generic messages; the specific failure
// is only logged.
func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	installmentID, ok := pathID(w, r, "installment")
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		PaidAt *time.Time      `json:"paid_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid payment request", http.StatusBadRequest)
		return
	}
	paidAt := s.now().UTC()
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}

	inst, err := s.ledger.RecordPayment(r.Context(), installmentID, req.Amount, paidAt)
	if err != nil {
		entry := s.log.WithError(err).WithField("installment_id", installmentID)
		switch {
		case errors.Is(err, store.ErrInstallmentNotFound):
			entry.Warn("Payment rejected: installment not found")
			s.metrics.PaymentFailed("not_found")
			http.Error(w, "Payment could not be recorded", http.StatusNotFound)
		case errors.Is(err, store.ErrAlreadyPaid):
			entry.Warn("Payment rejected: installment already paid")
			s.metrics.PaymentFailed("already_paid")
			http.Error(w, "Payment could not be recorded", http.StatusConflict)
		case errors.Is(err, ledger.ErrInvalidRequest):
			entry.Warn("Payment rejected: invalid amount")
			s.metrics.PaymentFailed("invalid_amount")
			http.Error(w, "Payment could not be recorded", http.StatusBadRequest)
		default:
			entry.Error("Payment failed")
			s.metrics.PaymentFailed("internal")
			http.Error(w, "Payment could not be recorded", http.StatusInternalServerError)
		}
		return
	}

	s.metrics.PaymentRecorded()
	writeJSON(w, http.StatusCreated, inst)
}

// notificationsHandler lists a user's notifications. Clients only see their
// own; admins see anyone's.
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok && claims.Subject != userID && !isAdmin(claims.Role) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	notifications, err := s.storage.GetNotificationsForUser(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func isAdmin(role string) bool {
	return slices.Contains(adminRoles, role)
}

func (s *Server) overdueRunHandler(w http.ResponseWriter, r *http.Request) {
	marked, err := s.runOverdue(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Overdue sweep failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "installmentsMarkedLate": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "installmentsMarkedLate": marked})
}

func (s *Server) reminderRunHandler(w http.ResponseWriter, r *http.Request) {
	res := s.scanner.Run(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"qms/walkin-service/internal/cancellation"
	"qms/walkin-service/internal/events"
	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/notify"
	"qms/walkin-service/internal/scheduler"
	"qms/walkin-service/internal/store"
)

const (
	maxNameLength           = 40
	anonymousName           = "(anonymous)"
	defaultMinutesPerPerson = 5
	maxMinutesPerPerson     = 120
)

type Runner interface {
	RunOnce(ctx context.Context) (scheduler.Report, bool)
}

type Canceller interface {
	Cancel(ctx context.Context, req cancellation.CancelRequest) error
}

type CancelTokens interface {
	Issue(customerID, locationID string) (string, error)
	Verify(raw, customerID, locationID string) error
}

type Recaller interface {
	Recall(ctx context.Context, locationID, customerID string) (models.Customer, notify.Delivery, error)
}

type Options struct {
	// InternalToken guards /api/internal. Empty disables those routes.
	InternalToken string
	// Tokens issues cancel tokens on join and checks them on subscribe. Nil
	// disables both.
	Tokens         CancelTokens
	Runner         Runner
	Recaller       Recaller
	Events         events.Publisher
	Logger         *zap.Logger
	VAPIDPublicKey string
}

type Handler struct {
	store          store.QueueStore
	canceller      Canceller
	tokens         CancelTokens
	runner         Runner
	recaller       Recaller
	events         events.Publisher
	logger         *zap.Logger
	internalToken  string
	vapidPublicKey string
	now            func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(st store.QueueStore, canceller Canceller, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := options.Events
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Handler{
		store:          st,
		canceller:      canceller,
		tokens:         options.Tokens,
		runner:         options.Runner,
		recaller:       options.Recaller,
		events:         publisher,
		logger:         logger,
		internalToken:  options.InternalToken,
		vapidPublicKey: options.VAPIDPublicKey,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/join/", h.handleJoinRoutes)
	mux.HandleFunc("/api/internal/autocaller/run", h.internalOnly(h.handleRunOnce))
	mux.HandleFunc("/api/internal/locations/", h.internalOnly(h.handleLocationRoutes))
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleJoinRoutes dispatches /api/join/{locationID}[/action].
func (h *Handler) handleJoinRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/join/")
	if len(parts) == 0 || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	locationID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodPost:
		h.handleJoin(w, r, locationID)
	case action == "waiting-time" && r.Method == http.MethodGet:
		h.handleWaitingTime(w, r, locationID)
	case action == "subscribe" && r.Method == http.MethodPost:
		h.handleSubscribe(w, r, locationID)
	case action == "cancel" && (r.Method == http.MethodDelete || r.Method == http.MethodPost):
		h.handleCancel(w, r, locationID)
	case action == "name" && r.Method == http.MethodGet:
		h.handleLocationName(w, r, locationID)
	case action == "public-key" && r.Method == http.MethodGet:
		if h.vapidPublicKey == "" {
			writeError(w, requestIDFromRequest(r), http.StatusNotFound, "push_disabled", "web push is not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublicKey})
	case action == "" || action == "waiting-time" || action == "subscribe" || action == "cancel" || action == "name" || action == "public-key":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type joinRequest struct {
	Name    string `json:"name"`
	Comment string `json:"comment"`
}

type joinResponse struct {
	CustomerID  string `json:"customer_id"`
	LocationID  string `json:"location_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CancelToken string `json:"cancel_token,omitempty"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, locationID string) {
	requestID := requestIDFromRequest(r)
	var req joinRequest
	if !decodeOptional(w, r, requestID, &req) {
		return
	}
	if _, ok, err := h.store.GetLocation(r.Context(), locationID); err != nil || !ok {
		if err == nil {
			err = store.ErrLocationNotFound
		}
		h.writeMappedError(w, requestID, err)
		return
	}

	customer, err := h.store.CreateCustomer(r.Context(), store.CreateCustomerInput{
		LocationID: locationID,
		Name:       displayName(req.Name),
		Comment:    strings.TrimSpace(req.Comment),
		JoinedAt:   h.now(),
	})
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}

	resp := joinResponse{
		CustomerID: customer.CustomerID,
		LocationID: customer.LocationID,
		Name:       customer.Name,
		Status:     customer.Status,
	}
	if h.tokens != nil {
		token, err := h.tokens.Issue(customer.CustomerID, customer.LocationID)
		if err != nil {
			h.logger.Error("issue cancel token", zap.Error(err))
		} else {
			resp.CancelToken = token
		}
	}
	events.Emit(r.Context(), h.events, h.logger, events.Event{
		Type:       events.CustomerJoined,
		LocationID: customer.LocationID,
		CustomerID: customer.CustomerID,
		Status:     customer.Status,
		OccurredAt: customer.JoinedAt,
	})
	writeJSON(w, http.StatusCreated, resp)
}

// displayName trims the name and caps it at maxNameLength runes.
func displayName(raw string) string {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) > maxNameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxNameLength]))
	}
	if name == "" {
		return anonymousName
	}
	return name
}

type waitingTimeResponse struct {
	WaitingCount     int `json:"waiting_count"`
	EstimatedMinutes int `json:"estimated_minutes"`
	MinutesPerPerson int `json:"minutes_per_person"`
}

func (h *Handler) handleWaitingTime(w http.ResponseWriter, r *http.Request, locationID string) {
	requestID := requestIDFromRequest(r)
	location, ok, err := h.store.GetLocation(r.Context(), locationID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	if !ok {
		h.writeMappedError(w, requestID, store.ErrLocationNotFound)
		return
	}
	perPerson := minutesPerPerson(location.Config.WaitMinutesPerPerson)

	var count int
	if customerID := strings.TrimSpace(r.URL.Query().Get("customer_id")); customerID != "" {
		customer, found, err := h.store.GetCustomer(r.Context(), customerID)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		if !found || customer.LocationID != locationID {
			h.writeMappedError(w, requestID, store.ErrCustomerNotFound)
			return
		}
		count, err = h.store.CountWaitingBefore(r.Context(), locationID, customer.JoinedAt, customer.Seq)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
	} else {
		waiting, err := h.store.FindWaiting(r.Context(), locationID)
		if err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
		count = len(waiting)
	}

	writeJSON(w, http.StatusOK, waitingTimeResponse{
		WaitingCount:     count,
		EstimatedMinutes: count * perPerson,
		MinutesPerPerson: perPerson,
	})
}

func minutesPerPerson(configured int) int {
	if configured <= 0 {
		return defaultMinutesPerPerson
	}
	if configured > maxMinutesPerPerson {
		return maxMinutesPerPerson
	}
	return configured
}

type pushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type subscribeRequest struct {
	CustomerID   string            `json:"customer_id"`
	CancelToken  string            `json:"cancel_token"`
	Subscription *pushSubscription `json:"subscription"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request, locationID string) {
	requestID := requestIDFromRequest(r)
	var req subscribeRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" || req.Subscription == nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "customer_id and subscription are required")
		return
	}
	if !validEndpoint(req.Subscription.Endpoint) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "subscription.endpoint must be an http(s) URL")
		return
	}

	customer, ok, err := h.store.GetCustomer(r.Context(), req.CustomerID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	if !ok || customer.LocationID != locationID {
		h.writeMappedError(w, requestID, store.ErrCustomerNotFound)
		return
	}
	// An endpoint on file later proves ownership for cancellation, so only the
	// holder of the join token may register one.
	if h.tokens != nil {
		if err := h.tokens.Verify(strings.TrimSpace(req.CancelToken), customer.CustomerID, locationID); err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
	}
	err = h.store.SaveSubscription(r.Context(), customer.CustomerID, models.Subscription{
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	})
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}

type cancelRequest struct {
	CustomerID   string            `json:"customer_id"`
	CancelToken  string            `json:"cancel_token"`
	Subscription *pushSubscription `json:"subscription"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, locationID string) {
	requestID := requestIDFromRequest(r)
	var req cancelRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}
	cancel := cancellation.CancelRequest{
		LocationID: locationID,
		CustomerID: req.CustomerID,
		Token:      strings.TrimSpace(req.CancelToken),
	}
	if req.Subscription != nil {
		cancel.Endpoint = req.Subscription.Endpoint
	}
	if err := h.canceller.Cancel(r.Context(), cancel); err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleLocationName(w http.ResponseWriter, r *http.Request, locationID string) {
	location, ok, err := h.store.GetLocation(r.Context(), locationID)
	if err == nil && !ok {
		err = store.ErrLocationNotFound
	}
	if err != nil {
		h.writeMappedError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": location.Name})
}

func (h *Handler) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)
	if h.runner == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "autocaller_disabled", "auto caller is not configured")
		return
	}
	// Milestones claimed during the tick must still be sent if the caller hangs up.
	report, ran := h.runner.RunOnce(context.WithoutCancel(r.Context()))
	if !ran {
		writeError(w, requestID, http.StatusConflict, "tick_running", "a tick is already running")
		return
	}
	if report.Err != nil {
		h.logger.Error("manual tick failed", zap.Error(report.Err))
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLocationRoutes dispatches /api/internal/locations/{locationID}/customers[/{customerID}/action].
func (h *Handler) handleLocationRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/internal/locations/")
	switch {
	case len(parts) == 2 && parts[1] == "customers":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleListCustomers(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "customers" && (parts[3] == "done" || parts[3] == "recall"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if parts[3] == "done" {
			h.handleCustomerDone(w, r, parts[0], parts[2])
		} else {
			h.handleRecall(w, r, parts[0], parts[2])
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type customerList struct {
	LocationID string            `json:"location_id"`
	Waiting    []models.Customer `json:"waiting,omitempty"`
	Serving    []models.Customer `json:"serving,omitempty"`
}

// handleListCustomers serves the staff view. status is waiting (default),
// serving or all.
func (h *Handler) handleListCustomers(w http.ResponseWriter, r *http.Request, locationID string) {
	requestID := requestIDFromRequest(r)
	mode := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if mode == "" {
		mode = models.StatusWaiting
	}
	if mode != models.StatusWaiting && mode != models.StatusServing && mode != "all" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "status must be waiting, serving or all")
		return
	}
	if _, ok, err := h.store.GetLocation(r.Context(), locationID); err != nil || !ok {
		if err == nil {
			err = store.ErrLocationNotFound
		}
		h.writeMappedError(w, requestID, err)
		return
	}

	out := customerList{LocationID: locationID}
	var err error
	if mode != models.StatusServing {
		if out.Waiting, err = h.store.FindWaiting(r.Context(), locationID); err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
	}
	if mode != models.StatusWaiting {
		if out.Serving, err = h.store.FindServing(r.Context(), locationID); err != nil {
			h.writeMappedError(w, requestID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type recallResponse struct {
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Pruned    int    `json:"pruned"`
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request, locationID, customerID string) {
	requestID := requestIDFromRequest(r)
	if h.recaller == nil {
		writeError(w, requestID, http.StatusServiceUnavailable, "recall_disabled", "recall is not configured")
		return
	}
	customer, delivery, err := h.recaller.Recall(context.WithoutCancel(r.Context()), locationID, customerID)
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	resp := recallResponse{
		Status:    "sent",
		Delivered: delivery.Delivered,
		Failed:    delivery.Transient,
		Pruned:    delivery.Pruned,
	}
	if len(customer.Subscriptions) == 0 {
		resp.Status = "no_subscription"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCustomerDone moves a serving customer to done and records history.
func (h *Handler) handleCustomerDone(w http.ResponseWriter, r *http.Request, locationID, customerID string) {
	requestID := requestIDFromRequest(r)

	customer, changed, err := h.store.CompleteCustomer(r.Context(), locationID, customerID, h.now())
	if err != nil {
		h.writeMappedError(w, requestID, err)
		return
	}
	if changed {
		event := events.Event{
			Type:       events.CustomerCompleted,
			LocationID: customer.LocationID,
			CustomerID: customer.CustomerID,
			Status:     customer.Status,
			OccurredAt: h.now(),
		}
		if customer.CalledAt != nil && customer.CompletedAt != nil {
			wait := store.MinutesBetween(customer.JoinedAt, *customer.CalledAt)
			service := store.MinutesBetween(*customer.CalledAt, *customer.CompletedAt)
			event.WaitMinutes, event.ServiceMinutes = &wait, &service
		}
		events.Emit(r.Context(), h.events, h.logger, event)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"customer":     customer,
		"already_done": !changed,
	})
}

func (h *Handler) internalOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Internal-Token")
		if h.internalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.internalToken)) != 1 {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "access denied")
			return
		}
		next(w, r)
	}
}

func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeRequest(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeRequest(w, r, requestID, target)
}

func (h *Handler) writeMappedError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found", "location not found"
	case errors.Is(err, store.ErrCustomerNotFound):
		return http.StatusNotFound, "customer_not_found", "customer not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "customer state does not allow this action"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrTooSoon):
		return http.StatusTooManyRequests, "too_soon", "customer was recalled too recently"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

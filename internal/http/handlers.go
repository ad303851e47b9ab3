package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/order-tracking/internal/eta"
	"github.com/example/order-tracking/internal/guard"
	"github.com/example/order-tracking/internal/mitigation"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/observability"
	"github.com/example/order-tracking/internal/push"
	"github.com/example/order-tracking/internal/rollout"
	"github.com/example/order-tracking/internal/snapshot"
	"github.com/example/order-tracking/internal/storage"
	"github.com/example/order-tracking/internal/wallet"
)

// ChangeEchoer publishes change events after successful writes so
// subscribed snapshots re-sync from the stream.
type ChangeEchoer interface {
	OrderChanged(typ models.EventType, newRow, oldRow *models.Order) error
	DeliveryChanged(typ models.EventType, d *models.Delivery) error
}

type Server struct {
	Store       storage.Store
	Guard       *guard.Guard
	Wallet      *wallet.Service
	Coordinator *mitigation.Coordinator
	Rollout     rollout.Source
	Push        *push.Registry
	Echo        ChangeEchoer // optional

	// MaxOrders caps bulk loads (list endpoint and websocket snapshots) to
	// the newest N orders. Zero means no cap.
	MaxOrders int

	etaCache *eta.Cache
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(store storage.Store, g *guard.Guard, w *wallet.Service, coord *mitigation.Coordinator, src rollout.Source, reg *push.Registry, echo ChangeEchoer, logger *slog.Logger) *Server {
	s := &Server{
		Store:       store,
		Guard:       g,
		Wallet:      w,
		Coordinator: coord,
		Rollout:     src,
		Push:        reg,
		Echo:        echo,
		etaCache:    eta.NewCache(30 * time.Second),
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders", s.handleListOrders).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/status", s.handleUpdateStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/payment-proof", s.handlePaymentProof).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/eta", s.handleTrustedETA).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{id}/credit", s.handleIssueCredit).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/reroute", s.handleReroute).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{id}/reroute/decline", s.handleDeclineReroute).Methods("POST")
	s.mux.HandleFunc("/api/v1/deliveries/{order_id}/status", s.handleDeliveryStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/payouts/initiate", s.handleInitiatePayout).Methods("POST")
	s.mux.HandleFunc("/api/v1/payouts/finalize", s.handleFinalizePayout).Methods("POST")
	s.mux.HandleFunc("/api/v1/wallets/{owner_id}", s.handleWallet).Methods("GET")
	s.mux.HandleFunc("/admin/v1/rollout", s.handleGetRollout).Methods("GET")
	s.mux.HandleFunc("/admin/v1/rollout", s.handlePutRollout).Methods("PUT")
	s.mux.HandleFunc("/admin/v1/rollout/killswitch", s.handleKillSwitch).Methods("POST")
	s.mux.HandleFunc("/admin/v1/metrics", s.handlePutMetrics).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

type createOrderRequest struct {
	UserID          string             `json:"user_id"`
	RestaurantID    string             `json:"restaurant_id"`
	Items           []models.OrderItem `json:"items"`
	Subtotal        int64              `json:"subtotal"`
	DeliveryFee     int64              `json:"delivery_fee"`
	Tax             int64              `json:"tax"`
	PlatformFee     int64              `json:"platform_fee"`
	Tip             int64              `json:"tip"`
	DeliveryAddress string             `json:"delivery_address"`
	DeliveryCoord   *models.Coord      `json:"delivery_coord"`
	// Restaurant supplies the pickup coordinate and the declared base
	// estimate the checkout ETA is blended from.
	Restaurant *models.Restaurant `json:"restaurant"`
	Traffic    string             `json:"traffic"`
	Weather    string             `json:"weather"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.RestaurantID == "" || len(req.Items) == 0 {
		http.Error(w, "user_id, restaurant_id and items are required", http.StatusBadRequest)
		return
	}
	now := time.Now()
	var pickup *models.Coord
	base := ""
	if req.Restaurant != nil {
		pickup = req.Restaurant.Coord
		base = req.Restaurant.BaseEstimateMins
	}
	mins := eta.EstimateMinutes(base, pickup, req.DeliveryCoord, eta.Traffic(req.Traffic), eta.Weather(req.Weather))
	o := &models.Order{
		ID:                    uuid.NewString(),
		UserID:                req.UserID,
		RestaurantID:          req.RestaurantID,
		Items:                 req.Items,
		Subtotal:              req.Subtotal,
		DeliveryFee:           req.DeliveryFee,
		Tax:                   req.Tax,
		PlatformFee:           req.PlatformFee,
		Tip:                   req.Tip,
		Total:                 req.Subtotal + req.DeliveryFee + req.Tax + req.PlatformFee + req.Tip,
		Status:                models.OrderPaymentPending,
		PaymentStatus:         models.PaymentPending,
		DeliveryAddress:       req.DeliveryAddress,
		DeliveryCoord:         req.DeliveryCoord,
		CreatedAt:             now,
		EstimatedDeliveryTime: now.Add(time.Duration(mins) * time.Minute),
		UpdatedAt:             now,
	}
	if err := s.Store.SaveOrder(r.Context(), o); err != nil {
		s.logger.Error("order create failed", "error", err)
		http.Error(w, "could not create order", http.StatusInternalServerError)
		return
	}
	s.echoOrder(models.EventInsert, o, nil)
	s.writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := snapshot.Scope{UserID: q.Get("user_id"), RestaurantID: q.Get("restaurant_id"), OrderIDs: q["id"]}
	if err := scope.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := scope.Filter()
	f.Limit = s.MaxOrders
	orders, err := s.Store.ListOrders(r.Context(), f)
	if err != nil {
		s.logger.Error("order list failed", "error", err)
		http.Error(w, "could not load orders", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
	Reason string             `json:"reason"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	old, _ := s.Store.GetOrder(r.Context(), id)
	ok := s.Guard.UpdateOrderStatus(r.Context(), id, req.Status, guard.Options{CancellationReason: req.Reason})
	if ok {
		if updated, err := s.Store.GetOrder(r.Context(), id); err == nil {
			s.echoOrder(models.EventUpdate, updated, old)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"updated": ok})
}

type paymentProofRequest struct {
	TxnID      string `json:"txn_id"`
	Amount     int64  `json:"reported_amount"`
	ReceiptURL string `json:"receipt_url"`
}

func (s *Server) handlePaymentProof(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req paymentProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	old, _ := s.Store.GetOrder(r.Context(), id)
	status, err := s.Wallet.SubmitPaymentProof(r.Context(), id, req.TxnID, req.Amount, req.ReceiptURL)
	if err != nil {
		s.logger.Error("payment proof failed", "order_id", id, "error", err)
		http.Error(w, "could not submit payment proof", http.StatusBadGateway)
		return
	}
	if updated, gerr := s.Store.GetOrder(r.Context(), id); gerr == nil {
		s.echoOrder(models.EventUpdate, updated, old)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleTrustedETA(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	mins, ok := s.etaCache.Get(id)
	if !ok {
		var from *models.Coord
		if o.Delivery != nil {
			from = o.Delivery.Pickup
		}
		mins = eta.EstimateMinutes(q.Get("base"), from, o.DeliveryCoord, eta.Traffic(q.Get("traffic")), eta.Weather(q.Get("weather")))
		s.etaCache.Set(id, mins)
	}
	atRisk := mitigation.AtRisk(o, mins, time.Now())

	offer, err := s.Coordinator.OfferFor(r.Context(), o, atRisk)
	if err != nil {
		// the ETA itself is still good; degrade to no offer
		offer = mitigation.Offer{}
	}
	credit, reroute := s.Coordinator.Status(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"minutes":        mins,
		"at_risk":        atRisk,
		"offer":          offer,
		"credit_status":  credit,
		"reroute_status": reroute,
	})
}

func (s *Server) handleIssueCredit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	status, err := s.Coordinator.IssueCredit(r.Context(), o)
	if errors.Is(err, mitigation.ErrNotAllowed) {
		http.Error(w, "credit not enabled for this order", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "credit unavailable, try again", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"credit_status": string(status)})
}

type rerouteRequest struct {
	BackupRestaurantID string `json:"backup_restaurant_id"`
}

func (s *Server) handleReroute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req rerouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BackupRestaurantID == "" {
		http.Error(w, "backup_restaurant_id required", http.StatusBadRequest)
		return
	}
	o, err := s.Store.GetOrder(r.Context(), id)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	newID, err := s.Coordinator.Reroute(r.Context(), o, req.BackupRestaurantID)
	if errors.Is(err, mitigation.ErrNotAllowed) {
		http.Error(w, "reroute not enabled for this order", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "reroute failed, try again", http.StatusBadGateway)
		return
	}
	_, status := s.Coordinator.Status(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"new_order_id": newID, "reroute_status": string(status)})
}

func (s *Server) handleDeclineReroute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.Coordinator.Decline(id)
	_, status := s.Coordinator.Status(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"reroute_status": string(status)})
}

type deliveryStatusRequest struct {
	Status   models.DeliveryStatus `json:"status"`
	DriverID string                `json:"driver_id"`
}

// handleDeliveryStatus is the driver surface: it owns Delivery.status.
// Order.status catches up separately through the guard once the courier
// reports delivered.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var req deliveryStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.Store.GetDeliveryByOrder(r.Context(), orderID)
	if err != nil {
		d = &models.Delivery{ID: uuid.NewString(), OrderID: orderID}
	}
	d.Status = req.Status
	if req.DriverID != "" {
		d.DriverID = req.DriverID
	}
	d.UpdatedAt = time.Now()
	if err := s.Store.SaveDelivery(r.Context(), d); err != nil {
		s.logger.Error("delivery update failed", "order_id", orderID, "error", err)
		http.Error(w, "could not update delivery", http.StatusInternalServerError)
		return
	}
	s.etaCache.Invalidate(orderID)
	if s.Echo != nil {
		if err := s.Echo.DeliveryChanged(models.EventUpdate, d); err != nil {
			s.logger.Error("delivery echo failed", "order_id", orderID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, d)
}

type payoutRequest struct {
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
	PayoutRef      string `json:"payout_ref"`
	Success        bool   `json:"success"`
}

func (s *Server) handleInitiatePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := s.Wallet.InitiatePayout(r.Context(), req.OrderID, req.IdempotencyKey, req.PayoutRef)
	if err != nil {
		s.logger.Error("payout initiate failed", "order_id", req.OrderID, "error", err)
		http.Error(w, "payout initiate failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleFinalizePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := s.Wallet.FinalizePayout(r.Context(), req.OrderID, req.IdempotencyKey, req.Success, req.PayoutRef)
	if err != nil {
		s.logger.Error("payout finalize failed", "order_id", req.OrderID, "error", err)
		http.Error(w, "payout finalize failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["owner_id"]
	wal, txs, err := s.Wallet.Overview(r.Context(), ownerID)
	if err != nil {
		http.Error(w, "wallet not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"wallet": wal, "transactions": txs})
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Rollout.Current(r.Context())
	if err != nil {
		http.Error(w, "rollout unavailable", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutRollout(w http.ResponseWriter, r *http.Request) {
	var cfg models.RolloutConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Rollout.Put(r.Context(), cfg); err != nil {
		http.Error(w, "rollout write failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

type killSwitchRequest struct {
	Day string `json:"day"`
}

// handleKillSwitch applies the configured thresholds against one day's
// trusted-arrival metrics and clears the allow-lists if any is breached.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := s.Store.GetArrivalMetrics(r.Context(), req.Day)
	if err != nil {
		http.Error(w, "metrics not found for day", http.StatusNotFound)
		return
	}
	cfg, err := s.Rollout.Current(r.Context())
	if err != nil {
		http.Error(w, "rollout unavailable", http.StatusBadGateway)
		return
	}
	next, tripped := rollout.EvaluateKillSwitch(cfg, *m)
	if tripped {
		if err := s.Rollout.Put(r.Context(), next); err != nil {
			http.Error(w, "rollout write failed", http.StatusBadGateway)
			return
		}
		s.logger.Warn("kill switch tripped", "day", req.Day, "on_time_pct", m.OnTimePct, "reroute_rate", m.RerouteRate, "credit_cost", m.CreditCost)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tripped": tripped, "config": next})
}

func (s *Server) handlePutMetrics(w http.ResponseWriter, r *http.Request) {
	var m models.ArrivalMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Store.SaveArrivalMetrics(r.Context(), &m); err != nil {
		http.Error(w, "metrics write failed", http.StatusInternalServerError)
		return
	}
	observability.OnTimePct.Set(m.OnTimePct)
	observability.RerouteRate.Set(m.RerouteRate)
	s.writeJSON(w, http.StatusOK, m)
}

var upgrader = websocket.Upgrader{}

// handleWS seeds a per-session snapshot for the requested scope and attaches
// it to the push registry. The bulk load happens before the upgrade so a
// failed load aborts the subscription instead of leaving a socket with no
// view behind it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := snapshot.Scope{UserID: q.Get("user_id"), RestaurantID: q.Get("restaurant_id"), OrderIDs: q["id"]}
	if err := scope.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap := snapshot.New(scope)
	snap.MaxOrders = s.MaxOrders
	if err := snap.Load(r.Context(), s.Store); err != nil {
		s.logger.Error("snapshot load failed", "error", err)
		http.Error(w, "could not load orders", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.Push.Add(snap, conn)
	// reads are discarded; the socket exists for server pushes, and the
	// read loop notices the close
	go func() {
		defer s.Push.Remove(sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) echoOrder(typ models.EventType, newRow, oldRow *models.Order) {
	if s.Echo == nil {
		return
	}
	if err := s.Echo.OrderChanged(typ, newRow, oldRow); err != nil {
		s.logger.Error("order echo failed", "error", err)
	}
}

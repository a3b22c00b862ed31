package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/catlab/drinks-services/internal/ledgersvc/broker"
	"github.com/catlab/drinks-services/internal/ledgersvc/cache"
	"github.com/catlab/drinks-services/internal/ledgersvc/models"
	"github.com/catlab/drinks-services/internal/ledgersvc/service"
	"github.com/catlab/drinks-services/internal/ledgersvc/store"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	tokenAuth    *jwtauth.JWTAuth
	cards        *store.CardStore
	transactions *store.PgTransactionStore
	devices      *store.DeviceStore
	merger       *service.MergerService
	broker       *broker.Broker
	keyCache     *cache.KeyCache
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

func NewHandler(cards *store.CardStore, transactions *store.PgTransactionStore,
	devices *store.DeviceStore, merger *service.MergerService,
	b *broker.Broker, keyCache *cache.KeyCache) *Handler {
	return &Handler{
		cards:        cards,
		transactions: transactions,
		devices:      devices,
		merger:       merger,
		broker:       b,
		keyCache:     keyCache,
	}
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

// claims pulls the calling device's identity out of the verified JWT.
func (h *Handler) claims(r *http.Request) (deviceUid string, organisationID int64) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return "", 0
	}
	if v, ok := claims["device_uid"].(string); ok {
		deviceUid = v
	}
	if v, ok := claims["organisation_id"].(float64); ok {
		organisationID = int64(v)
	}
	return deviceUid, organisationID
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	rsp := Response{Message: "ledger service is running", Code: 200}
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode health response: %v", err)
	}
}

// GetCard returns the authoritative card row plus its pending transactions.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	_, orgID := h.claims(r)

	card, err := h.cards.GetOrCreateByUid(r.Context(), uid, orgID)
	if err != nil {
		log.Errorf("Error [CardStore.GetOrCreateByUid] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load card"})
		return
	}

	pending, err := h.transactions.Pending(r.Context(), uid)
	if err != nil {
		log.Errorf("Error [TransactionStore.Pending] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load pending transactions"})
		return
	}

	balance, count, err := h.transactions.LedgerSummary(r.Context(), uid)
	if err != nil {
		log.Errorf("Error [TransactionStore.LedgerSummary] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot derive balance"})
		return
	}

	envelope := comm.CardEnvelope{
		Id:                card.ID,
		Uid:               card.Uid,
		Balance:           decimal.NewFromInt(balance).Div(decimal.NewFromInt(100)).StringFixed(2),
		TransactionCount:  count,
		OrderTokenAliases: card.OrderTokenAliases,
		PendingTransactions: comm.PendingTransactions{
			Items: toPayloads(pending),
		},
	}
	h.CreateResponse(w, Response{Code: 200, Data: envelope})
}

// SaveAliases persists a card's order token aliases.
func (h *Handler) SaveAliases(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid card id"})
		return
	}

	var req comm.AliasesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid request body"})
		return
	}

	// aliases are only writable on a card of the caller's organisation
	_, orgID := h.claims(r)
	card, err := h.cards.GetByID(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		h.CreateResponse(w, Response{Code: 404, Error: "card not found"})
		return
	}
	if err != nil {
		log.Errorf("Error [CardStore.GetByID] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load card"})
		return
	}
	if card.OrganisationID != orgID {
		h.CreateResponse(w, Response{Code: 404, Error: "card not found"})
		return
	}

	if err := h.cards.SaveAliases(r.Context(), id, req.OrderTokenAliases); err != nil {
		log.Errorf("Error [CardStore.SaveAliases] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot save aliases"})
		return
	}
	h.CreateResponse(w, Response{Code: 200, Message: "aliases saved"})
}

// MergeTransactions reconciles a terminal's uploaded deltas into the ledger.
func (h *Handler) MergeTransactions(w http.ResponseWriter, r *http.Request) {
	var req comm.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid request body"})
		return
	}

	items := make([]*models.Transaction, 0, len(req.Items))
	for _, p := range req.Items {
		items = append(items, fromPayload(p))
	}

	merged, err := h.merger.Merge(r.Context(), items)
	if err != nil {
		if errors.Is(err, service.ErrTransactionMergeConflict) {
			log.Errorf("merge conflict: %v", err)
			h.CreateResponse(w, Response{Code: 409, Error: err.Error()})
			return
		}
		log.Errorf("Error [MergerService.Merge] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "merge failed"})
		return
	}

	seen := make(map[string]int)
	for _, t := range merged {
		seen[t.CardUid]++
	}
	for cardUid, n := range seen {
		h.broker.PublishMergeResult(cardUid, n)
	}

	h.CreateResponse(w, Response{Code: 200, Data: comm.MergeResponse{Items: toPayloads(merged)}})
}

// CreateTopup records a web topup that a terminal will later write to the tag.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	_, orgID := h.claims(r)

	var req comm.TopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid topup request"})
		return
	}
	if req.TopupUid == "" {
		req.TopupUid = uuid.NewString()
	}

	// the card may not have been seen by any terminal yet
	if _, err := h.cards.GetOrCreateByUid(r.Context(), uid, orgID); err != nil {
		log.Errorf("Error [CardStore.GetOrCreateByUid] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load card"})
		return
	}

	t, err := h.transactions.CreatePendingTopup(r.Context(), uid, req.TopupUid, req.Amount)
	if err != nil {
		log.Errorf("Error [TransactionStore.CreatePendingTopup] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot create topup"})
		return
	}
	h.CreateResponse(w, Response{Code: 200, Data: toPayload(t)})
}

// RebuildCard marks every ledger row of a card pending again, the server half
// of the operator rebuild flow.
func (h *Handler) RebuildCard(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := h.transactions.MarkAllPending(r.Context(), uid); err != nil {
		log.Errorf("Error [TransactionStore.MarkAllPending] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot rebuild card"})
		return
	}
	h.CreateResponse(w, Response{Code: 200, Message: "card transactions marked pending"})
}

// RegisterDevice stores or rotates the calling device's public key. The key
// stays inert until an administrator approves it.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	deviceUid, orgID := h.claims(r)
	if deviceUid == "" {
		h.CreateResponse(w, Response{Code: 401, Error: "no device identity"})
		return
	}

	var req comm.RegisterKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid key registration"})
		return
	}

	d, err := h.devices.Register(r.Context(), deviceUid, orgID, req.PublicKey)
	if err != nil {
		log.Errorf("Error [DeviceStore.Register] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot register device"})
		return
	}

	h.keyCache.Invalidate(r.Context(), orgID)
	h.CreateResponse(w, Response{Code: 200, Data: comm.DeviceStatusPayload{Uid: d.Uid, Status: d.Status()}})
}

// DeviceStatus reports the calling device's approval state.
func (h *Handler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceUid, _ := h.claims(r)
	d, err := h.devices.GetByUid(r.Context(), deviceUid)
	if err != nil {
		log.Errorf("Error [DeviceStore.GetByUid] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load device"})
		return
	}
	h.CreateResponse(w, Response{Code: 200, Data: comm.DeviceStatusPayload{Uid: deviceUid, Status: d.Status()}})
}

// ApproveDevice grants the trust gate. Administrative action.
func (h *Handler) ApproveDevice(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	d, err := h.devices.Approve(r.Context(), uid)
	if err != nil {
		log.Errorf("Error [DeviceStore.Approve] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot approve device"})
		return
	}

	h.keyCache.Invalidate(r.Context(), d.OrganisationID)
	if d.ApprovedAt != nil {
		h.broker.PublishDeviceApproved(d.Uid, *d.ApprovedAt)
	}
	h.CreateResponse(w, Response{Code: 200, Data: comm.DeviceStatusPayload{Uid: d.Uid, Status: d.Status()}})
}

// ApprovedPublicKeys lists an organisation's usable verification keys.
func (h *Handler) ApprovedPublicKeys(w http.ResponseWriter, r *http.Request) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.CreateResponse(w, Response{Code: 400, Error: "invalid organisation id"})
		return
	}

	if entries, ok := h.keyCache.Get(r.Context(), orgID); ok {
		h.CreateResponse(w, Response{Code: 200, Data: entries})
		return
	}

	devices, err := h.devices.ApprovedKeys(r.Context(), orgID)
	if err != nil {
		log.Errorf("Error [DeviceStore.ApprovedKeys] %s", err)
		h.CreateResponse(w, Response{Code: 500, Error: "cannot load keys"})
		return
	}

	entries := make([]comm.PublicKeyEntryPayload, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, comm.PublicKeyEntryPayload{
			Id:         d.ID,
			Uid:        d.Uid,
			PublicKey:  d.PublicKey,
			ApprovedAt: d.ApprovedAt,
		})
	}

	h.keyCache.Set(r.Context(), orgID, entries)
	h.CreateResponse(w, Response{Code: 200, Data: entries})
}

func toPayload(t *models.Transaction) comm.TransactionPayload {
	return comm.TransactionPayload{
		Id:        t.ID,
		CardUid:   t.CardUid,
		SyncId:    t.SyncId,
		TType:     string(t.TType),
		Amount:    t.Amount,
		OrderUid:  t.OrderUid,
		TopupUid:  t.TopupUid,
		Discount:  t.Discount,
		HasSynced: t.HasSynced,
		CreatedAt: t.CreatedAt,
	}
}

func toPayloads(items []*models.Transaction) []comm.TransactionPayload {
	out := make([]comm.TransactionPayload, 0, len(items))
	for _, t := range items {
		out = append(out, toPayload(t))
	}
	return out
}

func fromPayload(p comm.TransactionPayload) *models.Transaction {
	return &models.Transaction{
		ID:        p.Id,
		CardUid:   p.CardUid,
		SyncId:    p.SyncId,
		TType:     models.TransactionType(p.TType),
		Amount:    p.Amount,
		OrderUid:  p.OrderUid,
		TopupUid:  p.TopupUid,
		Discount:  p.Discount,
		HasSynced: p.HasSynced,
	}
}

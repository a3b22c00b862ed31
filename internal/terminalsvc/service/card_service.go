package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/catlab/drinks-services/internal/keys"
	"github.com/catlab/drinks-services/internal/nfc"
	"github.com/catlab/drinks-services/internal/terminalsvc/store"

	log "github.com/sirupsen/logrus"
)

// States of one reader session.
type State string

const (
	StateIdle           State = "idle"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateLoaded         State = "loaded"
	StateReady          State = "ready"
	StateCorrupted      State = "corrupted"
	StateBlocked        State = "blocked"
	StateDisconnected   State = "disconnected"
)

// ErrCardBlocked means the terminal's key is not approved, so no card data
// is read or mutated.
var ErrCardBlocked = errors.New("card blocked: device not approved")

// ErrAmountOutOfRange rejects amounts that do not fit the tag's 32-bit
// delta field.
var ErrAmountOutOfRange = errors.New("amount out of range")

// API is the slice of the ledger service the terminal needs.
type API interface {
	Card(ctx context.Context, uid string) (*comm.CardEnvelope, error)
	MergeTransactions(ctx context.Context, items []comm.TransactionPayload) ([]comm.TransactionPayload, error)
	DeviceStatus(ctx context.Context) (string, error)
	RegisterPublicKey(ctx context.Context, publicKey string) (string, error)
	ApprovedPublicKeys(ctx context.Context, organisationID int64) ([]comm.PublicKeyEntryPayload, error)
	RebuildCard(ctx context.Context, uid string) error
}

type Config struct {
	TopupDomain    string
	OrganisationID int64
}

// CardService orchestrates reader events against the in-memory card, the
// offline store and the key manager. Exactly one card is current at a time;
// the mutex serializes every mutation so two gestures can never interleave
// on the same card.
type CardService struct {
	reader  nfc.Reader
	keys    *keys.Manager
	offline *store.OfflineStore
	api     API
	cfg     Config

	uploadMu sync.Mutex

	mu         sync.Mutex
	state      State
	card       *nfc.Card
	currentUid string
	approval   string
}

func NewCardService(reader nfc.Reader, km *keys.Manager, offline *store.OfflineStore, api API, cfg Config) *CardService {
	return &CardService{
		reader:  reader,
		keys:    km,
		offline: offline,
		api:     api,
		cfg:     cfg,
		state:   StateIdle,
	}
}

// Run consumes reader events until the context ends or the reader closes.
func (s *CardService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.reader.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *CardService) handleEvent(ctx context.Context, ev nfc.Event) {
	switch ev.Type {
	case nfc.EventCardConnect:
		s.mu.Lock()
		s.currentUid = ev.Uid
		s.card = nil
		s.state = StateConnected
		s.mu.Unlock()
		log.Infof("card connected: %s", ev.Uid)

	case nfc.EventCardData:
		s.onCardData(ctx, ev.Uid, ev.Ndef)

	case nfc.EventCardDisconnect:
		s.mu.Lock()
		if s.currentUid == ev.Uid {
			s.card = nil
			s.currentUid = ""
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		log.Infof("card disconnected: %s", ev.Uid)

	default:
		log.Warnf("unknown reader event: %s", ev.Type)
	}
}

func (s *CardService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Card returns a snapshot of the current card, or nil.
func (s *CardService) Card() *nfc.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return nil
	}
	cp := *s.card
	return &cp
}

// onCardData runs the load sequence: approval gate, parse with recovery,
// regression check, best-effort refresh, ready.
func (s *CardService) onCardData(ctx context.Context, uid string, ndef []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentUid = uid
	s.state = StateAuthenticating

	// an unapproved terminal reads nothing at all
	if s.keys.IsInitialized() && s.approvalStatus(ctx) != keys.StatusApproved {
		s.state = StateBlocked
		log.Warnf("card %s blocked: device not approved", uid)
		return
	}

	card, raw, err := s.parseCard(ctx, uid, ndef)
	if err != nil {
		s.state = StateCorrupted
		log.Errorf("card %s corrupted: %v", uid, err)
		return
	}
	s.card = card
	s.state = StateLoaded
	if err := s.offline.SetMirror(uid, raw); err != nil {
		log.Errorf("cannot mirror card %s: %v", uid, err)
	}

	// a tag whose counter regressed below the local watermark lost a write
	// or is a stale duplicate
	last, known, err := s.offline.LastSyncId(uid)
	if err != nil {
		log.Errorf("cannot read watermark for %s: %v", uid, err)
	}
	if known && last > card.TransactionCount {
		s.state = StateCorrupted
		log.Errorf("card %s regressed: local watermark %d, tag counter %d", uid, last, card.TransactionCount)
		return
	}
	if err := s.offline.SetLastSyncId(uid, card.TransactionCount); err != nil {
		log.Errorf("cannot advance watermark for %s: %v", uid, err)
	}

	if err := s.refreshCard(ctx, false); err != nil {
		log.Warnf("refresh for card %s skipped: %v", uid, err)
	}
	s.state = StateReady
}

// approvalStatus asks the server, falling back to the last known answer so a
// previously approved terminal keeps working offline.
func (s *CardService) approvalStatus(ctx context.Context) string {
	status, err := s.api.DeviceStatus(ctx)
	if err != nil {
		log.Warnf("device status unavailable, using cached %q: %v", s.approval, err)
		return s.approval
	}
	s.approval = status
	return status
}

// parseCard decodes raw tag bytes, trying a fresh read and then the local
// mirror before giving the card up as corrupted.
func (s *CardService) parseCard(ctx context.Context, uid string, ndef []byte) (*nfc.Card, []byte, error) {
	card, err := s.decode(ctx, uid, ndef)
	if err == nil {
		return card, ndef, nil
	}
	if errors.Is(err, nfc.ErrSignatureMismatch) {
		return nil, nil, err
	}

	log.Warnf("invalid message on card %s, recovering: %v", uid, err)
	if fresh, rerr := s.reader.RecoverInvalidContent(ctx, uid); rerr == nil {
		if card, derr := s.decode(ctx, uid, fresh); derr == nil {
			return card, fresh, nil
		}
	}

	mirror, merr := s.offline.Mirror(uid)
	if merr == nil && mirror != nil {
		if card, derr := s.decode(ctx, uid, mirror); derr == nil {
			log.Infof("card %s restored from local mirror", uid)
			return card, mirror, nil
		}
	}
	return nil, nil, nfc.ErrCorruptedCard
}

func (s *CardService) decode(ctx context.Context, uid string, ndef []byte) (*nfc.Card, error) {
	payload, err := nfc.PayloadFromMessage(ndef)
	if err != nil {
		return nil, err
	}
	return nfc.Decode(uid, payload, s.keys, s.hmacFunc(ctx))
}

func (s *CardService) hmacFunc(ctx context.Context) nfc.HmacFunc {
	return func(uid string, content []byte) ([]byte, error) {
		return s.reader.Hmac(ctx, uid, content)
	}
}

// signer returns the payload signer, or nil when this terminal still writes
// legacy payloads.
func (s *CardService) signer() nfc.Signer {
	if s.keys.IsInitialized() {
		return s.keys
	}
	return nil
}

// DiscountedCharge is the effective charge for a sale:
// ceil(amount × (1 − d/100)), zero once the discount reaches 100%.
func DiscountedCharge(amount int64, discountPercentage uint8) int64 {
	if discountPercentage >= 100 {
		return 0
	}
	return (amount*(100-int64(discountPercentage)) + 99) / 100
}

// Spend charges the card, applying its discount.
func (s *CardService) Spend(ctx context.Context, amount int64, orderUid string) (*nfc.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return nil, err
	}
	if amount < 0 || amount > math.MaxInt32 {
		return nil, ErrAmountOutOfRange
	}

	// settle any undelivered delta first: the funds check must run against
	// the balance the tag will actually carry
	s.recoverFailedWrite(ctx)

	charge := DiscountedCharge(amount, s.card.DiscountPercentage)
	if int64(s.card.Balance) < charge {
		return nil, nfc.ErrInsufficientFunds
	}

	discount := int(s.card.DiscountPercentage)
	return s.apply(ctx, comm.TypeSale, int32(-charge), orderUid, "", &discount)
}

// Topup credits the card.
func (s *CardService) Topup(ctx context.Context, amount int64, topupUid string) (*nfc.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return nil, err
	}
	if amount < 0 || amount > math.MaxInt32 {
		return nil, ErrAmountOutOfRange
	}
	s.recoverFailedWrite(ctx)
	return s.apply(ctx, comm.TypeTopup, int32(amount), "", topupUid, nil)
}

// Refund credits a previously charged order back to the card.
func (s *CardService) Refund(ctx context.Context, amount int64, orderUid string) (*nfc.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return nil, err
	}
	if amount < 0 || amount > math.MaxInt32 {
		return nil, ErrAmountOutOfRange
	}
	s.recoverFailedWrite(ctx)
	return s.apply(ctx, comm.TypeRefund, int32(amount), orderUid, "", nil)
}

// Reset zeroes the balance with an explicit compensating delta, so the
// ledger sum still reconstructs the balance.
func (s *CardService) Reset(ctx context.Context) (*nfc.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutable(); err != nil {
		return nil, err
	}
	s.recoverFailedWrite(ctx)
	return s.apply(ctx, comm.TypeReset, -s.card.Balance, "", "", nil)
}

func (s *CardService) mutable() error {
	switch {
	case s.state == StateCorrupted:
		return nfc.ErrCorruptedCard
	case s.state == StateBlocked:
		return ErrCardBlocked
	case s.card == nil:
		return nfc.ErrNoCardFound
	}
	return nil
}

// apply runs the shared mutation path. Callers hold the mutex and have run
// recoverFailedWrite already.
func (s *CardService) apply(ctx context.Context, ttype string, delta int32, orderUid, topupUid string, discount *int) (*nfc.Card, error) {
	uid := s.card.Uid
	syncId := s.card.Apply(delta, time.Now())

	if err := s.writeCard(ctx, uid); err != nil {
		log.Errorf("tag write failed for %s sync %d: %v", uid, syncId, err)
		fw := &store.FailedWrite{
			CardUid:    uid,
			SyncId:     syncId,
			Amount:     delta,
			TType:      ttype,
			RecordedAt: time.Now(),
		}
		if serr := s.offline.SetFailedWrite(fw); serr != nil {
			log.Errorf("cannot persist failed write for %s: %v", uid, serr)
		}
	}

	s.enqueue(uid, int64(syncId), ttype, int64(delta), orderUid, topupUid, discount)
	go s.uploadPending()

	cp := *s.card
	return &cp, nil
}

// recoverFailedWrite applies a compensating reversal when an earlier delta
// never reached the tag and is still riding the in-memory counter, so the
// next successful write cannot double-apply it.
func (s *CardService) recoverFailedWrite(ctx context.Context) {
	uid := s.card.Uid
	fw, err := s.offline.FailedWrite(uid)
	if err != nil {
		log.Errorf("cannot read failed write for %s: %v", uid, err)
		return
	}
	if fw == nil {
		return
	}
	if err := s.offline.ClearFailedWrite(uid); err != nil {
		log.Errorf("cannot clear failed write for %s: %v", uid, err)
	}

	if s.card.TransactionCount != fw.SyncId {
		// the write landed after all, or the card reloaded from the tag
		return
	}

	syncId := s.card.Apply(-fw.Amount, time.Now())
	log.Warnf("reversing undelivered delta %d on card %s as sync %d", fw.Amount, uid, syncId)
	s.enqueue(uid, int64(syncId), comm.TypeReversal, int64(-fw.Amount), "", "", nil)
}

func (s *CardService) enqueue(uid string, syncId int64, ttype string, amount int64, orderUid, topupUid string, discount *int) {
	err := s.offline.Enqueue(&store.QueuedTransaction{
		CardUid:   uid,
		SyncId:    syncId,
		TType:     ttype,
		Amount:    amount,
		OrderUid:  orderUid,
		TopupUid:  topupUid,
		Discount:  discount,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Errorf("cannot enqueue transaction for %s: %v", uid, err)
	}
}

// writeCard serializes and writes the current card. A uid mismatch means the
// card disconnected while the operation was in flight: the write becomes a
// no-op instead of corrupting a different tag.
func (s *CardService) writeCard(ctx context.Context, uid string) error {
	if s.card == nil || s.card.Uid != uid || s.currentUid != uid {
		log.Warnf("skipping write: card %s no longer current", uid)
		return nil
	}

	payload, err := nfc.Encode(s.card, s.signer(), s.hmacFunc(ctx))
	if err != nil {
		return err
	}
	ndef := nfc.BuildTagMessage(s.cfg.TopupDomain, uid, payload)

	if err := s.reader.Write(ctx, uid, ndef); err != nil {
		return err
	}

	if err := s.offline.SetLastSyncId(uid, s.card.TransactionCount); err != nil {
		log.Errorf("cannot advance watermark for %s: %v", uid, err)
	}
	if err := s.offline.SetMirror(uid, ndef); err != nil {
		log.Errorf("cannot mirror card %s: %v", uid, err)
	}
	return nil
}

// refreshCard pulls the server's authoritative row, applies its pending
// transactions to the tag and uploads the result. Callers hold the mutex.
func (s *CardService) refreshCard(ctx context.Context, mustWrite bool) error {
	uid := s.card.Uid
	env, err := s.api.Card(ctx, uid)
	if err != nil {
		return err
	}

	queued, err := s.offline.Pending()
	if err != nil {
		return err
	}
	alreadyQueued := make(map[string]bool, len(queued))
	for _, q := range queued {
		if q.TopupUid != "" {
			alreadyQueued[q.TopupUid] = true
		}
	}

	// the write may still fail; keep a snapshot so the in-memory card never
	// diverges from the tag
	snapshot := *s.card

	type appliedTx struct {
		syncId int64
		item   comm.TransactionPayload
	}
	var applied []appliedTx
	for _, item := range env.PendingTransactions.Items {
		if item.TopupUid != "" && alreadyQueued[item.TopupUid] {
			continue
		}
		syncId := s.card.Apply(int32(item.Amount), time.Now())
		applied = append(applied, appliedTx{syncId: int64(syncId), item: item})
	}

	if len(applied) > 0 || mustWrite {
		if err := s.writeCard(ctx, uid); err != nil {
			*s.card = snapshot
			return err
		}
		for _, a := range applied {
			s.enqueue(uid, a.syncId, a.item.TType, a.item.Amount, a.item.OrderUid, a.item.TopupUid, a.item.Discount)
		}
	}

	go s.uploadPending()
	return nil
}

// uploadPending pushes the durable queue to the server and removes entries
// the server confirmed. Never blocks a card operation.
func (s *CardService) uploadPending() {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	pending, err := s.offline.Pending()
	if err != nil {
		log.Errorf("cannot read pending queue: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	items := make([]comm.TransactionPayload, 0, len(pending))
	ids := make([]uint64, 0, len(pending))
	for _, q := range pending {
		syncId := q.SyncId
		items = append(items, comm.TransactionPayload{
			CardUid:   q.CardUid,
			SyncId:    &syncId,
			TType:     q.TType,
			Amount:    q.Amount,
			OrderUid:  q.OrderUid,
			TopupUid:  q.TopupUid,
			Discount:  q.Discount,
			HasSynced: true,
			CreatedAt: q.CreatedAt,
		})
		ids = append(ids, q.QueueID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.api.MergeTransactions(ctx, items); err != nil {
		if errors.Is(err, nfc.ErrOffline) {
			log.Infof("upload postponed, terminal offline")
		} else {
			log.Errorf("upload failed: %v", err)
		}
		return
	}

	if err := s.offline.Ack(ids); err != nil {
		log.Errorf("cannot ack uploaded transactions: %v", err)
	}
}

// Rebuild is the operator-invoked escape from a corrupted or blocked card.
// It is potentially lossy: anything never uploaded before the rebuild is
// permanently forgotten, which is why nothing triggers it implicitly.
func (s *CardService) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentUid == "" {
		return nfc.ErrNoCardFound
	}
	uid := s.currentUid

	if err := s.api.RebuildCard(ctx, uid); err != nil {
		return fmt.Errorf("mark server transactions pending: %w", err)
	}

	if err := s.offline.SetLastSyncId(uid, 0); err != nil {
		return err
	}
	if err := s.offline.ClearFailedWrite(uid); err != nil {
		log.Errorf("cannot clear failed write for %s: %v", uid, err)
	}

	if s.card == nil {
		s.card = nfc.NewCard(uid)
	}
	s.card.Zero()

	if err := s.refreshCard(ctx, true); err != nil {
		s.state = StateCorrupted
		return fmt.Errorf("rebuild refresh: %w", err)
	}
	s.state = StateReady
	log.Infof("card %s rebuilt", uid)
	return nil
}

// RegisterDevice sends the terminal's public key to the server. The key is
// inert until an administrator approves it.
func (s *CardService) RegisterDevice(ctx context.Context) error {
	pub, err := s.keys.PublicKey()
	if err != nil {
		return err
	}
	status, err := s.api.RegisterPublicKey(ctx, pub)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.approval = status
	s.mu.Unlock()
	return nil
}

// RefreshTrustedKeys replaces the verification key cache from the server.
func (s *CardService) RefreshTrustedKeys(ctx context.Context) error {
	entries, err := s.api.ApprovedPublicKeys(ctx, s.cfg.OrganisationID)
	if err != nil {
		return err
	}
	s.LoadTrustedKeys(entries)
	return nil
}

// LoadTrustedKeys feeds server key entries into the key manager.
func (s *CardService) LoadTrustedKeys(entries []comm.PublicKeyEntryPayload) {
	converted := make([]keys.PublicKeyEntry, 0, len(entries))
	for _, e := range entries {
		converted = append(converted, keys.PublicKeyEntry{
			Id:         e.Id,
			Uid:        e.Uid,
			PublicKey:  e.PublicKey,
			ApprovedAt: e.ApprovedAt,
		})
	}
	s.keys.LoadPublicKeys(converted)
}

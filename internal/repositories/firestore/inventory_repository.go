package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/voltvault/api/internal/domain"
	pfirestore "github.com/voltvault/api/internal/platform/firestore"
	"github.com/voltvault/api/internal/repositories"
)

const (
	inventoryCollection         = "inventory"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved = "reserved"
	reservationStatusReleased = "released"

	// Checkout bursts contend on the same stock documents.
	reserveTxAttempts = 8
)

// InventoryRepository stores per-variant stock counters and the reservations placed against them.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.Collection[stockDocument]
	reservations *pfirestore.Collection[reservationDocument]
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:     provider,
		stocks:       pfirestore.NewCollection[stockDocument](provider, inventoryCollection),
		reservations: pfirestore.NewCollection[reservationDocument](provider, stockReservationsCollection),
	}, nil
}

// Stocks reads the current counters for the given SKUs. Unknown SKUs are omitted.
func (r *InventoryRepository) Stocks(ctx context.Context, skus []string) (map[string]domain.InventoryStock, error) {
	if r == nil || r.stocks == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	docs, err := r.stocks.GetMany(ctx, skus)
	if err != nil {
		return nil, wrapInventoryError("inventory.stocks", err)
	}
	stocks := make(map[string]domain.InventoryStock, len(docs))
	for id, doc := range docs {
		stocks[id] = doc.Data.toDomain(id)
	}
	return stocks, nil
}

// Reserve moves the requested quantities from available to reserved for every line, or for none.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReserveResult{}, errors.New("inventory repository not initialised")
	}
	reservation := req.Reservation
	if strings.TrimSpace(reservation.ID) == "" {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: reservation id is required")
	}
	lines, err := mergeReservationLines(reservation.Lines)
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}

	now := req.Now.UTC()
	reservation.Lines = lines
	reservation.Status = reservationStatusReserved
	reservation.CreatedAt = now
	reservation.UpdatedAt = now
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()

	var result repositories.InventoryReserveResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Ref(ctx, reservation.ID)
		if err != nil {
			return err
		}
		stockRefs, err := r.stockRefs(ctx, lines)
		if err != nil {
			return err
		}

		// Firestore transactions require every read to happen before the first write.
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		stockDocs, err := readStocks(tx, stockRefs, lines)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(lines))
		for i, line := range lines {
			doc := stockDocs[i]
			if available := doc.OnHand - doc.Reserved; available < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock,
					fmt.Sprintf("insufficient stock for %s: available %d, requested %d", line.SKU, available, line.Quantity), nil)
			}
			doc.Reserved += line.Quantity
			doc.UpdatedAt = now
			doc.recalculate()
			stockDocs[i] = doc
			stocks[line.SKU] = doc.toDomain(line.SKU)
		}

		for i, ref := range stockRefs {
			if err := tx.Set(ref, stockDocs[i]); err != nil {
				return err
			}
		}
		resDoc := newReservationDocument(reservation)
		if err := tx.Create(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Stocks:      stocks,
		}
		return nil
	}, pfirestore.WithTxAttempts(reserveTxAttempts))
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Release returns a reserved quantity to availability and marks the reservation released.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReleaseResult{}, errors.New("inventory repository not initialised")
	}
	reservationID := strings.TrimSpace(req.ReservationID)
	if reservationID == "" {
		return repositories.InventoryReleaseResult{}, errors.New("inventory release: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Ref(ctx, reservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
			}
			return err
		}
		var resDoc reservationDocument
		if err := resSnap.DataTo(&resDoc); err != nil {
			return fmt.Errorf("decode reservation %s: %w", reservationID, err)
		}
		if resDoc.Status != reservationStatusReserved {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s is %s", reservationID, resDoc.Status), nil)
		}

		lines := resDoc.domainLines()
		stockRefs, err := r.stockRefs(ctx, lines)
		if err != nil {
			return err
		}
		stockDocs, err := readStocks(tx, stockRefs, lines)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(lines))
		for i, line := range lines {
			doc := stockDocs[i]
			if doc.Reserved < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", line.SKU), nil)
			}
			doc.Reserved -= line.Quantity
			doc.UpdatedAt = now
			doc.recalculate()
			if err := tx.Set(stockRefs[i], doc); err != nil {
				return err
			}
			stocks[line.SKU] = doc.toDomain(line.SKU)
		}

		resDoc.Status = reservationStatusReleased
		resDoc.UpdatedAt = now
		resDoc.ReleasedAt = &now
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			resDoc.Reason = reason
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.InventoryReleaseResult{
			Reservation: resDoc.toDomain(reservationID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

func (r *InventoryRepository) stockRefs(ctx context.Context, lines []domain.InventoryReservationLine) ([]*firestore.DocumentRef, error) {
	refs := make([]*firestore.DocumentRef, 0, len(lines))
	for _, line := range lines {
		ref, err := r.stocks.Ref(ctx, line.SKU)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func readStocks(tx *firestore.Transaction, refs []*firestore.DocumentRef, lines []domain.InventoryReservationLine) ([]stockDocument, error) {
	snaps, err := tx.GetAll(refs)
	if err != nil {
		return nil, err
	}
	docs := make([]stockDocument, len(snaps))
	for i, snap := range snaps {
		if !snap.Exists() {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", lines[i].SKU), nil)
		}
		if err := snap.DataTo(&docs[i]); err != nil {
			return nil, fmt.Errorf("decode inventory stock %s: %w", lines[i].SKU, err)
		}
	}
	return docs, nil
}

// mergeReservationLines folds duplicate SKUs together and orders lines by SKU so concurrent
// reservations touch documents in the same order.
func mergeReservationLines(lines []domain.InventoryReservationLine) ([]domain.InventoryReservationLine, error) {
	if len(lines) == 0 {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory reserve: at least one line is required", nil)
	}
	quantities := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory reserve: sku is required", nil)
		}
		if line.Quantity <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory reserve: quantity for %s must be > 0", sku), nil)
		}
		quantities[sku] += line.Quantity
	}
	merged := make([]domain.InventoryReservationLine, 0, len(quantities))
	for sku, qty := range quantities {
		merged = append(merged, domain.InventoryReservationLine{SKU: sku, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SKU < merged[j].SKU })
	return merged, nil
}

type stockDocument struct {
	SKU       string    `firestore:"sku"`
	OnHand    int       `firestore:"onHand"`
	Reserved  int       `firestore:"reserved"`
	Available int       `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (s *stockDocument) recalculate() {
	s.Available = s.OnHand - s.Reserved
}

func (s stockDocument) toDomain(id string) domain.InventoryStock {
	return domain.InventoryStock{
		SKU:       id,
		OnHand:    s.OnHand,
		Reserved:  s.Reserved,
		Available: s.OnHand - s.Reserved,
		UpdatedAt: s.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef   string                    `firestore:"orderRef"`
	UserRef    string                    `firestore:"userRef"`
	Status     string                    `firestore:"status"`
	Lines      []reservationLineDocument `firestore:"lines"`
	Reason     string                    `firestore:"reason,omitempty"`
	ExpiresAt  time.Time                 `firestore:"expiresAt"`
	ReleasedAt *time.Time                `firestore:"releasedAt,omitempty"`
	CreatedAt  time.Time                 `firestore:"createdAt"`
	UpdatedAt  time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	SKU      string `firestore:"sku"`
	Quantity int    `firestore:"qty"`
}

func newReservationDocument(res domain.InventoryReservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{SKU: line.SKU, Quantity: line.Quantity}
	}
	return reservationDocument{
		OrderRef:   strings.TrimSpace(res.OrderRef),
		UserRef:    strings.TrimSpace(res.UserRef),
		Status:     res.Status,
		Lines:      lines,
		Reason:     strings.TrimSpace(res.Reason),
		ExpiresAt:  res.ExpiresAt,
		ReleasedAt: res.ReleasedAt,
		CreatedAt:  res.CreatedAt,
		UpdatedAt:  res.UpdatedAt,
	}
}

func (d reservationDocument) domainLines() []domain.InventoryReservationLine {
	lines := make([]domain.InventoryReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.InventoryReservationLine{SKU: strings.TrimSpace(line.SKU), Quantity: line.Quantity}
	}
	return lines
}

func (d reservationDocument) toDomain(id string) domain.InventoryReservation {
	return domain.InventoryReservation{
		ID:         id,
		OrderRef:   d.OrderRef,
		UserRef:    d.UserRef,
		Status:     d.Status,
		Lines:      d.domainLines(),
		Reason:     d.Reason,
		ExpiresAt:  d.ExpiresAt,
		ReleasedAt: d.ReleasedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}

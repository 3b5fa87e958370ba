package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore collection names.
const (
	colItems    = "menu_items"
	colDrops    = "menu_drops"
	colOffers   = "reward_offers"
	colClaims   = "reward_claims"
	colOrders   = "orders"
	colAccounts = "rewards_accounts"
	colLedger   = "rewards_ledger"
	colAudit    = "rewards_audit"
)

// FirestoreStore implements Store on Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

var _ Store = (*FirestoreStore)(nil)

// OpenFirestore connects through a Firebase app. An empty credentialsFile uses
// application default credentials, or the emulator when FIRESTORE_EMULATOR_HOST is set.
func OpenFirestore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	c, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: c}, nil
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(c *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: c}
}

func (s *FirestoreStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func fsErr(err error, what, id string) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s %s: %w", what, id, ErrConflict)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func ledgerDocID(uid, key string) string { return uid + "|" + key }

func getDoc[T any](ctx context.Context, ref *firestore.DocumentRef, what string) (T, error) {
	var v T
	snap, err := ref.Get(ctx)
	if err != nil {
		return v, fsErr(err, what, ref.ID)
	}
	if err := snap.DataTo(&v); err != nil {
		return v, fmt.Errorf("decode %s %s: %w", what, ref.ID, err)
	}
	return v, nil
}

func queryDocs[T any](ctx context.Context, q firestore.Query) ([]T, error) {
	it := q.Documents(ctx)
	defer it.Stop()
	out := make([]T, 0)
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var v T
		if err := snap.DataTo(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}
		out = append(out, v)
	}
}

func (s *FirestoreStore) deleteDoc(ctx context.Context, col, what, id string) error {
	if _, err := s.client.Collection(col).Doc(id).Delete(ctx, firestore.Exists); err != nil {
		return fsErr(err, what, id)
	}
	return nil
}

// updateDoc reads, mutates, and writes one document in a transaction.
func updateDoc[T any](ctx context.Context, c *firestore.Client, ref *firestore.DocumentRef, what string, fn func(*T) error) (T, error) {
	var out T
	err := c.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return fsErr(err, what, ref.ID)
		}
		var v T
		if err := snap.DataTo(&v); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		out = v
		return tx.Set(ref, v)
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Menu items and drops
// ---------------------------------------------------------------------------

func (s *FirestoreStore) ListItems(ctx context.Context) ([]MenuItem, error) {
	items, err := queryDocs[MenuItem](ctx, s.client.Collection(colItems).Query)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *FirestoreStore) GetItem(ctx context.Context, id string) (MenuItem, error) {
	return getDoc[MenuItem](ctx, s.client.Collection(colItems).Doc(id), "item")
}

func (s *FirestoreStore) PutItem(ctx context.Context, item MenuItem) error {
	_, err := s.client.Collection(colItems).Doc(item.ID).Set(ctx, item)
	return err
}

func (s *FirestoreStore) DeleteItem(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, colItems, "item", id)
}

func (s *FirestoreStore) ListDrops(ctx context.Context) ([]Drop, error) {
	drops, err := queryDocs[Drop](ctx, s.client.Collection(colDrops).OrderBy("starts_at", firestore.Asc))
	if err != nil {
		return nil, fmt.Errorf("list drops: %w", err)
	}
	return drops, nil
}

func (s *FirestoreStore) GetDrop(ctx context.Context, id string) (Drop, error) {
	return getDoc[Drop](ctx, s.client.Collection(colDrops).Doc(id), "drop")
}

// PutDrop keeps the stored sold counter on update.
func (s *FirestoreStore) PutDrop(ctx context.Context, d Drop) error {
	ref := s.client.Collection(colDrops).Doc(d.ID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var cur Drop
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			if d.Total < cur.Sold {
				return fmt.Errorf("drop %s: total %d, sold %d: %w", d.ID, d.Total, cur.Sold, ErrTotalBelowSold)
			}
			d.Sold = cur.Sold
		}
		return tx.Set(ref, d)
	})
}

func (s *FirestoreStore) DeleteDrop(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, colDrops, "drop", id)
}

func (s *FirestoreStore) AdjustDropSold(ctx context.Context, id string, delta int) (Drop, error) {
	return updateDoc(ctx, s.client, s.client.Collection(colDrops).Doc(id), "drop", func(d *Drop) error {
		next := d.Sold + delta
		if delta > 0 && next > d.Total {
			return fmt.Errorf("drop %s: %w", id, ErrSoldOut)
		}
		d.Sold = max(next, 0)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Offers and claims
// ---------------------------------------------------------------------------

func (s *FirestoreStore) ListOffers(ctx context.Context) ([]Offer, error) {
	offers, err := queryDocs[Offer](ctx, s.client.Collection(colOffers).Query)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (s *FirestoreStore) GetOffer(ctx context.Context, id string) (Offer, error) {
	return getDoc[Offer](ctx, s.client.Collection(colOffers).Doc(id), "offer")
}

func (s *FirestoreStore) PutOffer(ctx context.Context, o Offer) error {
	_, err := s.client.Collection(colOffers).Doc(o.ID).Set(ctx, o)
	return err
}

func (s *FirestoreStore) DeleteOffer(ctx context.Context, id string) error {
	return s.deleteDoc(ctx, colOffers, "offer", id)
}

func (s *FirestoreStore) GetClaimByCode(ctx context.Context, code string) (Claim, error) {
	return getDoc[Claim](ctx, s.client.Collection(colClaims).Doc(code), "claim")
}

func (s *FirestoreStore) ListClaims(ctx context.Context, uid string) ([]Claim, error) {
	q := s.client.Collection(colClaims).Where("uid", "==", uid).OrderBy("created_at", firestore.Desc)
	claims, err := queryDocs[Claim](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	return claims, nil
}

func (s *FirestoreStore) UpdateClaim(ctx context.Context, code string, fn func(*Claim) error) (Claim, error) {
	return updateDoc(ctx, s.client, s.client.Collection(colClaims).Doc(code), "claim", fn)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *FirestoreStore) CreateOrder(ctx context.Context, o Order) error {
	if _, err := s.client.Collection(colOrders).Doc(o.ID).Create(ctx, o); err != nil {
		return fsErr(err, "order", o.ID)
	}
	return nil
}

func (s *FirestoreStore) GetOrder(ctx context.Context, id string) (Order, error) {
	return getDoc[Order](ctx, s.client.Collection(colOrders).Doc(id), "order")
}

func (s *FirestoreStore) UpdateOrder(ctx context.Context, id string, fn func(*Order) error) (Order, error) {
	return updateDoc(ctx, s.client, s.client.Collection(colOrders).Doc(id), "order", fn)
}

func (s *FirestoreStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	q := s.client.Collection(colOrders).Query
	if f.Status != "" {
		q = q.Where("status", "==", string(f.Status))
	}
	if f.UID != "" {
		q = q.Where("uid", "==", f.UID)
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at", "<", f.CreatedBefore)
	}
	q = q.OrderBy("created_at", firestore.Desc).Limit(limitOrDefault(f.Limit))
	orders, err := queryDocs[Order](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *FirestoreStore) FindOrderByPaymentIntent(ctx context.Context, intentID string) (Order, error) {
	if intentID == "" {
		return Order{}, ErrNotFound
	}
	q := s.client.Collection(colOrders).Where("payment_intent_id", "==", intentID).Limit(1)
	orders, err := queryDocs[Order](ctx, q)
	if err != nil {
		return Order{}, fmt.Errorf("find order: %w", err)
	}
	if len(orders) == 0 {
		return Order{}, fmt.Errorf("payment intent %s: %w", intentID, ErrNotFound)
	}
	return orders[0], nil
}

// ---------------------------------------------------------------------------
// Rewards ledger
// ---------------------------------------------------------------------------

func (s *FirestoreStore) GetAccount(ctx context.Context, uid string) (Account, error) {
	return getDoc[Account](ctx, s.client.Collection(colAccounts).Doc(uid), "account")
}

// ApplyLedger runs fn inside a Firestore transaction. Firestore may retry the
// transaction, so fn must be free of side effects outside tx.
func (s *FirestoreStore) ApplyLedger(ctx context.Context, uid string, fn func(tx LedgerTx) error) (Account, error) {
	acctRef := s.client.Collection(colAccounts).Doc(uid)
	ledger := s.client.Collection(colLedger)
	var committed Account

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acct := Account{UID: uid}
		snap, err := tx.Get(acctRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&acct); err != nil {
				return err
			}
		}

		buf := &ledgerBuffer{
			account: &acct,
			lookup: func(key string) (LedgerEntry, bool, error) {
				snap, err := tx.Get(ledger.Doc(ledgerDocID(uid, key)))
				if status.Code(err) == codes.NotFound {
					return LedgerEntry{}, false, nil
				}
				if err != nil {
					return LedgerEntry{}, false, err
				}
				var e LedgerEntry
				if err := snap.DataTo(&e); err != nil {
					return LedgerEntry{}, false, err
				}
				return e, true, nil
			},
		}
		if err := fn(buf); err != nil {
			return err
		}
		committed = acct
		if len(buf.entries) == 0 && len(buf.audits) == 0 && len(buf.claims) == 0 {
			return nil
		}
		if err := checkAccount(&acct); err != nil {
			return err
		}

		if err := tx.Set(acctRef, acct); err != nil {
			return err
		}
		for _, e := range buf.entries {
			// Create fails if the key was written concurrently.
			if err := tx.Create(ledger.Doc(ledgerDocID(uid, e.Key)), e); err != nil {
				return err
			}
		}
		for _, a := range buf.audits {
			if err := tx.Create(s.client.Collection(colAudit).Doc(a.ID), a); err != nil {
				return err
			}
		}
		for _, c := range buf.claims {
			if err := tx.Create(s.client.Collection(colClaims).Doc(c.Code), c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return Account{}, fmt.Errorf("ledger %s: %w", uid, ErrDuplicateEntry)
		}
		return Account{}, err
	}
	return committed, nil
}

func (s *FirestoreStore) ListEntries(ctx context.Context, uid string, limit int) ([]LedgerEntry, error) {
	q := s.client.Collection(colLedger).Where("uid", "==", uid).
		OrderBy("created_at", firestore.Desc).Limit(limitOrDefault(limit))
	entries, err := queryDocs[LedgerEntry](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

func (s *FirestoreStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := s.client.Collection(colAudit).Query
	if f.TargetUID != "" {
		q = q.Where("target_uid", "==", f.TargetUID)
	}
	q = q.OrderBy("created_at", firestore.Desc).Limit(limitOrDefault(f.Limit))
	audits, err := queryDocs[AuditEntry](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return audits, nil
}

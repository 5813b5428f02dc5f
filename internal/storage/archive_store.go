package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ArchiveStore is the document-shaped sibling of the relational Store: a
// home for opaque blobs that don't belong in relational columns
// (RentalSession.ProviderResponse, RapidCheck.Orders) and for the voucher
// catalogue cache, mirroring teacher's dual postgres+mongodb repository
// split between internal/storage and internal/coupons/internal/products.
type ArchiveStore struct {
	client           *mongo.Client
	rentalResponses  *mongo.Collection
	rapidCheckOrders *mongo.Collection
	voucherCatalogue *mongo.Collection
}

type rentalProviderResponseDoc struct {
	SessionID string    `bson:"_id"`
	Blob      []byte    `bson:"blob"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type rapidCheckOrdersDoc struct {
	CheckID   string    `bson:"_id"`
	Blob      []byte    `bson:"blob"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type voucherCatalogueDoc struct {
	ID        string    `bson:"_id"`
	Blob      []byte    `bson:"blob"`
	UpdatedAt time.Time `bson:"updatedAt"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// NewArchiveStore connects to MongoDB and ensures the archival collections
// and their indexes exist.
func NewArchiveStore(ctx context.Context, connectionString, database string) (*ArchiveStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	a := &ArchiveStore{
		client:           client,
		rentalResponses:  db.Collection("rental_provider_responses"),
		rapidCheckOrders: db.Collection("rapid_check_orders"),
		voucherCatalogue: db.Collection("voucher_catalogue_cache"),
	}

	if _, err := a.voucherCatalogue.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("create voucher catalogue ttl index: %w", err)
	}

	return a, nil
}

// Close disconnects the underlying Mongo client.
func (a *ArchiveStore) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// PutRentalProviderResponse archives the raw provider response for a rental
// session, keyed by session id.
func (a *ArchiveStore) PutRentalProviderResponse(ctx context.Context, sessionID string, blob []byte) error {
	doc := rentalProviderResponseDoc{SessionID: sessionID, Blob: blob, UpdatedAt: time.Now()}
	_, err := a.rentalResponses.ReplaceOne(ctx, bson.M{"_id": sessionID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive rental provider response: %w", err)
	}
	return nil
}

// GetRentalProviderResponse retrieves an archived provider response blob.
func (a *ArchiveStore) GetRentalProviderResponse(ctx context.Context, sessionID string) ([]byte, error) {
	var doc rentalProviderResponseDoc
	err := a.rentalResponses.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rental provider response: %w", err)
	}
	return doc.Blob, nil
}

// PutRapidCheckOrders archives the enriched order array for a rapid check,
// keyed by check id.
func (a *ArchiveStore) PutRapidCheckOrders(ctx context.Context, checkID string, blob []byte) error {
	doc := rapidCheckOrdersDoc{CheckID: checkID, Blob: blob, UpdatedAt: time.Now()}
	_, err := a.rapidCheckOrders.ReplaceOne(ctx, bson.M{"_id": checkID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive rapid check orders: %w", err)
	}
	return nil
}

// GetRapidCheckOrders retrieves an archived rapid-check order blob.
func (a *ArchiveStore) GetRapidCheckOrders(ctx context.Context, checkID string) ([]byte, error) {
	var doc rapidCheckOrdersDoc
	err := a.rapidCheckOrders.FindOne(ctx, bson.M{"_id": checkID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find rapid check orders: %w", err)
	}
	return doc.Blob, nil
}

// PutVoucherCatalogue upserts one cookie session's catalogue-cache document
// with a TTL, giving the voucher pipeline's §5 blob+mutex+TTL cache a
// durable backing store that survives process restarts when Mongo is
// configured.
func (a *ArchiveStore) PutVoucherCatalogue(ctx context.Context, cacheKey string, blob []byte, ttl time.Duration) error {
	now := time.Now()
	doc := voucherCatalogueDoc{ID: cacheKey, Blob: blob, UpdatedAt: now, ExpiresAt: now.Add(ttl)}
	_, err := a.voucherCatalogue.ReplaceOne(ctx, bson.M{"_id": cacheKey}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive voucher catalogue: %w", err)
	}
	return nil
}

// GetVoucherCatalogue retrieves a cached catalogue blob. The bool return is
// false when no unexpired entry exists.
func (a *ArchiveStore) GetVoucherCatalogue(ctx context.Context, cacheKey string) ([]byte, bool, error) {
	var doc voucherCatalogueDoc
	err := a.voucherCatalogue.FindOne(ctx, bson.M{"_id": cacheKey}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find voucher catalogue: %w", err)
	}
	if time.Now().After(doc.ExpiresAt) {
		return nil, false, nil
	}
	return doc.Blob, true, nil
}

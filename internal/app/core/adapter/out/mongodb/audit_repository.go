package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const auditCollection = "transfer_audit"

// AuditLog 每筆已提交轉帳的稽核文件
// _id 使用 request id，重複投遞的事件只會留下一份
type AuditLog struct {
	ID            string    `bson:"_id"`
	FromAccountID string    `bson:"from_account_id"`
	ToAccountID   string    `bson:"to_account_id"`
	Amount        string    `bson:"amount"`
	CommittedAt   time.Time `bson:"committed_at"`
	ProcessedAt   time.Time `bson:"processed_at"`
}

type AuditRepository struct {
	collection *mongo.Collection
}

func NewAuditRepository(client *mongo.Client, dbName string) *AuditRepository {
	return &AuditRepository{collection: client.Database(dbName).Collection(auditCollection)}
}

// Connect 建立 client 並 Ping
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// Save 重複的 request id 視為成功 (at-least-once 投遞)
func (r *AuditRepository) Save(ctx context.Context, log AuditLog) error {
	if log.ProcessedAt.IsZero() {
		log.ProcessedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

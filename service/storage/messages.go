package storage

import (
	"context"
	"time"

	"EProject/service/gateway"
	errs "EProject/tools/errs"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMessages is the durable persistence collaborator behind the router.
// InsertOne returning nil is the durability signal the router waits for
// before acking the sender.
type MongoMessages struct {
	coll *mongo.Collection
}

func NewMongoMessages(client *mongo.Client, db, coll string) *MongoMessages {
	return &MongoMessages{coll: client.Database(db).Collection(coll)}
}

// EnsureIndexes creates the lookup indexes the history endpoint relies on.
// Call once at startup; safe to repeat.
func (m *MongoMessages) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "stored_at", Value: -1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "stored_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$gt": ""}}),
		},
	})
	return errs.WrapMsg(err, "ensure message indexes")
}

func (m *MongoMessages) Store(ctx context.Context, env *gateway.Envelope) (gateway.StoreResult, error) {
	id := uuid.NewString()
	now := time.Now()

	doc := bson.M{
		"_id":           id,
		"sender_id":     env.SenderID,
		"room_id":       env.RoomID,
		"recipient_id":  env.RecipientID,
		"kind":          string(env.Kind),
		"payload":       []byte(env.Payload),
		"client_msg_id": env.ClientMsgID,
		"sent_at":       env.SentAt,
		"stored_at":     now,
	}
	if _, err := m.coll.InsertOne(ctx, doc); err != nil {
		// duplicate client_msg_id: another node (or a racing retry) already
		// stored it; surface the original so the ack stays idempotent
		if mongo.IsDuplicateKeyError(err) && env.ClientMsgID != "" {
			return m.findOriginal(ctx, env)
		}
		return gateway.StoreResult{}, errs.WrapMsg(err, "insert message", "sender", env.SenderID)
	}
	return gateway.StoreResult{ID: id, StoredAt: now}, nil
}

func (m *MongoMessages) findOriginal(ctx context.Context, env *gateway.Envelope) (gateway.StoreResult, error) {
	var doc struct {
		ID       string    `bson:"_id"`
		StoredAt time.Time `bson:"stored_at"`
	}
	err := m.coll.FindOne(ctx, bson.M{
		"sender_id":     env.SenderID,
		"client_msg_id": env.ClientMsgID,
	}).Decode(&doc)
	if err != nil {
		return gateway.StoreResult{}, errs.WrapMsg(err, "find original", "sender", env.SenderID)
	}
	return gateway.StoreResult{ID: doc.ID, StoredAt: doc.StoredAt}, nil
}

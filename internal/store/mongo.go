package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection = "users"
	statsCollection = "user_framework_stats"
)

type userDoc struct {
	ID        string    `bson:"_id"`
	Username  string    `bson:"username"`
	Email     string    `bson:"email,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type usageDoc struct {
	UserID      string         `bson:"_id"`
	Frameworks  map[string]int `bson:"frameworks"`
	LastUpdated time.Time      `bson:"last_updated"`
}

// MongoStore keeps users and framework usage in MongoDB.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	stats  *mongo.Collection
}

// OpenMongo connects to uri and prepares the collections in database.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client: client,
		users:  db.Collection(usersCollection),
		stats:  db.Collection(statsCollection),
	}

	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating username index: %w", err)
	}
	return s, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateUser(ctx context.Context, username, email string) (*User, error) {
	doc := userDoc{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     email,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return doc.user(), nil
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return doc.user(), nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	cur, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}

	users := make([]User, 0, len(docs))
	for _, d := range docs {
		users = append(users, *d.user())
	}
	return users, nil
}

func (s *MongoStore) GetFrameworkUsage(ctx context.Context, userID string) (*FrameworkUsage, error) {
	var doc usageDoc
	err := s.stats.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("framework usage for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting framework usage: %w", err)
	}
	if doc.Frameworks == nil {
		doc.Frameworks = map[string]int{}
	}
	return &FrameworkUsage{
		UserID:      doc.UserID,
		Frameworks:  doc.Frameworks,
		LastUpdated: doc.LastUpdated,
	}, nil
}

func (s *MongoStore) UpsertFrameworkUsage(ctx context.Context, usage *FrameworkUsage) error {
	frameworks := usage.Frameworks
	if frameworks == nil {
		frameworks = map[string]int{}
	}
	update := bson.M{"$set": bson.M{
		"frameworks":   frameworks,
		"last_updated": usage.LastUpdated.UTC(),
	}}
	_, err := s.stats.UpdateOne(ctx, bson.M{"_id": usage.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting framework usage: %w", err)
	}
	return nil
}

func (d userDoc) user() *User {
	return &User{ID: d.ID, Username: d.Username, Email: d.Email, CreatedAt: d.CreatedAt}
}

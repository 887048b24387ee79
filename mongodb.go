package gatekeep

import (
	"context"
	"errors"
	"fmt"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/maxbolgarin/errm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DatabaseConfig contains MongoDB connection settings. When Disabled is set
// (the default state with an empty address), documents live in the file store.
type DatabaseConfig struct {
	// Address is the MongoDB address in ip:port format.
	Address string `env:"DB_ADDRESS"`
	// DBName is the name of the MongoDB database.
	DBName string `env:"DB_NAME"`
	// Username is the MongoDB username.
	Username string `env:"DB_USERNAME"`
	// Password is the MongoDB password.
	Password string `env:"DB_PASSWORD"`

	// Disabled turns the MongoDB store off even when an address is set.
	Disabled bool `env:"DB_DISABLED"`
}

// Enabled reports whether the MongoDB store should be used.
func (cfg DatabaseConfig) Enabled() bool {
	return cfg.Address != "" && !cfg.Disabled
}

// Validate validates database configuration.
func (cfg DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&cfg,
		validation.Field(&cfg.DBName, validation.Required.When(cfg.Enabled())),
		validation.Field(&cfg.Username, validation.Required.When(len(cfg.Password) > 0 && cfg.Enabled())),
		validation.Field(&cfg.Password, validation.Required.When(len(cfg.Username) > 0 && cfg.Enabled())),
	)
}

// MongoDB is a MongoDB client that creates collections on demand.
type MongoDB struct {
	database *mongo.Database
	client   *mongo.Client

	colls map[string]*Collection
	mu    sync.RWMutex
}

// NewMongo connects to MongoDB and pings the primary.
func NewMongo(ctx context.Context, cfg DatabaseConfig) (*MongoDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("mongodb://%s/%s", cfg.Address, cfg.DBName)
	opts := options.Client().ApplyURI(dsn)
	if len(cfg.Username) > 0 && len(cfg.Password) > 0 {
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    cfg.DBName,
			Username:      cfg.Username,
			Password:      cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}

	return &MongoDB{
		database: client.Database(cfg.DBName),
		client:   client,
		colls:    make(map[string]*Collection),
	}, nil
}

// Disconnect closes the connection.
func (m *MongoDB) Disconnect(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// GetCollection returns a collection object by name, creating the wrapper on
// first use.
func (m *MongoDB) GetCollection(name string) *Collection {
	m.mu.RLock()
	coll, ok := m.colls[name]
	m.mu.RUnlock()

	if ok {
		return coll
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.colls[name] = &Collection{
		coll: m.database.Collection(name),
		name: name,
	}

	return m.colls[name]
}

// Collection handles interactions with a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
	name string
}

// FindOne finds a single document in the collection.
// Use filter to filter the document, e.g. {key: value}
func (m *Collection) FindOne(ctx context.Context, dest any, filter Filter) error {
	result := m.coll.FindOne(ctx, prepareFilter(filter))
	err := result.Err()

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

// Replace replaces a document in the collection, inserting it when missing.
func (m *Collection) Replace(ctx context.Context, record any, filter Filter) error {
	trueUpsert := true
	_, err := m.coll.ReplaceOne(ctx, prepareFilter(filter), record, &options.ReplaceOptions{
		Upsert: &trueUpsert,
	})
	if err != nil {
		return err
	}
	return nil
}

// Delete deletes a document in the collection.
func (m *Collection) Delete(ctx context.Context, filter Filter) error {
	_, err := m.coll.DeleteOne(ctx, prepareFilter(filter))
	if err != nil {
		return err
	}
	return nil
}

// Filter is a map containing query operators to filter documents.
type Filter map[string]any

func prepareFilter(filter Filter) bson.M {
	out := make(bson.M, len(filter))
	for k, v := range filter {
		out[k] = v
	}
	return out
}

const mongoDocumentsCollection = "documents"

// mongoDocument wraps a named document for storage in one collection.
type mongoDocument struct {
	Name string   `bson:"name"`
	Data bson.Raw `bson:"data"`
}

// MongoStore implements DocumentStore on top of a single MongoDB collection,
// one record per document name.
type MongoStore struct {
	coll *Collection
}

// NewMongoStore creates the store over db's documents collection.
func NewMongoStore(db *MongoDB) *MongoStore {
	return &MongoStore{
		coll: db.GetCollection(mongoDocumentsCollection),
	}
}

func (s *MongoStore) Load(ctx context.Context, name string, dest any) error {
	var rec mongoDocument
	if err := s.coll.FindOne(ctx, &rec, Filter{"name": name}); err != nil {
		return err
	}
	if err := bson.Unmarshal(rec.Data, dest); err != nil {
		return errm.Wrap(err, "unmarshal document")
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, name string, doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return errm.Wrap(err, "marshal document")
	}
	rec := mongoDocument{Name: name, Data: raw}
	return s.coll.Replace(ctx, rec, Filter{"name": name})
}

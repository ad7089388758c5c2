package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"blockweave/internal/database"
	"blockweave/internal/models"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"gopkg.in/yaml.v3"
)

// PersonaStore manages evaluation personas: MongoDB for persistence plus an
// in-process cache, since trial pipelines resolve the same persona repeatedly.
type PersonaStore struct {
	collection *mongo.Collection
	cache      *cache.Cache
}

// NewPersonaStore creates the persona store.
func NewPersonaStore(db *database.MongoDB) *PersonaStore {
	return &PersonaStore{
		collection: db.Collection(database.CollectionPersonas),
		cache:      cache.New(10*time.Minute, 30*time.Minute),
	}
}

// Resolve fetches a persona by id, cache first.
func (s *PersonaStore) Resolve(ctx context.Context, personaID string) (*models.Persona, error) {
	if personaID == "" {
		return nil, fmt.Errorf("persona id is required")
	}
	if cached, found := s.cache.Get(personaID); found {
		return cached.(*models.Persona), nil
	}

	var persona models.Persona
	err := s.collection.FindOne(ctx, bson.M{"_id": personaID}).Decode(&persona)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("persona %s not found", personaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona %s: %w", personaID, err)
	}

	s.cache.Set(personaID, &persona, cache.DefaultExpiration)
	return &persona, nil
}

// List returns all personas, sorted by name.
func (s *PersonaStore) List(ctx context.Context) ([]models.Persona, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer cursor.Close(ctx)

	var personas []models.Persona
	if err := cursor.All(ctx, &personas); err != nil {
		return nil, fmt.Errorf("failed to decode personas: %w", err)
	}
	return personas, nil
}

// Create inserts a persona. A missing id gets a generated UUID.
func (s *PersonaStore) Create(ctx context.Context, persona *models.Persona) error {
	if persona.ID == "" {
		persona.ID = uuid.New().String()
	}
	now := time.Now()
	persona.CreatedAt = now
	persona.UpdatedAt = now
	if _, err := s.collection.InsertOne(ctx, persona); err != nil {
		return fmt.Errorf("failed to create persona: %w", err)
	}
	return nil
}

// Delete removes a persona and drops it from the cache.
func (s *PersonaStore) Delete(ctx context.Context, personaID string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": personaID})
	if err != nil {
		return fmt.Errorf("failed to delete persona %s: %w", personaID, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("persona %s not found", personaID)
	}
	s.cache.Delete(personaID)
	return nil
}

// personaSeed is the YAML shape of one seed entry.
type personaSeed struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Traits      []string `yaml:"traits"`
}

// SeedFromFile loads personas from a YAML file, inserting only the ones not
// present yet. A missing file is not an error: seeds are optional.
func (s *PersonaStore) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("⚠️ [PERSONAS] Seed file %s not found, skipping", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read persona seeds: %w", err)
	}

	var seeds []personaSeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return fmt.Errorf("failed to parse persona seeds: %w", err)
	}

	inserted := 0
	for _, seed := range seeds {
		if seed.ID == "" || seed.Name == "" {
			log.Printf("⚠️ [PERSONAS] Skipping seed with missing id or name")
			continue
		}
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": seed.ID})
		if err != nil {
			return fmt.Errorf("failed to check persona %s: %w", seed.ID, err)
		}
		if count > 0 {
			continue
		}
		persona := &models.Persona{
			ID:          seed.ID,
			Name:        seed.Name,
			Description: seed.Description,
			Traits:      seed.Traits,
		}
		if err := s.Create(ctx, persona); err != nil {
			return err
		}
		inserted++
	}

	if inserted > 0 {
		log.Printf("📦 [PERSONAS] Seeded %d personas from %s", inserted, path)
	}
	return nil
}

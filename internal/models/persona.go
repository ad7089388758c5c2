package models

import "time"

// Persona is a reader/actor perspective used by review, experience and scenario
// trials. Referenced by id from a TrialConfig's FormConfig.
type Persona struct {
	ID          string    `json:"id" bson:"_id,omitempty"`
	Name        string    `json:"name" bson:"name"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	Traits      []string  `json:"traits,omitempty" bson:"traits,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"createdAt"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updatedAt"`
}

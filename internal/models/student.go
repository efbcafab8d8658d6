package models

import "time"

// Student is the learner reference row the enrollment engine reads and stamps.
type Student struct {
	ID          string     `db:"id" json:"id"`
	Email       string     `db:"email" json:"email"`
	FullName    string     `db:"full_name" json:"full_name"`
	Active      bool       `db:"active" json:"active"`
	OnboardedAt *time.Time `db:"onboarded_at" json:"onboarded_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

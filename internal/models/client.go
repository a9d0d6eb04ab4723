package models

import "time"

// Client is a person who owns zero or more accounts.
type Client struct {
	ID        int64     `json:"id" db:"id"`
	LegalID   string    `json:"legal_id" db:"legal_id"`
	FullName  string    `json:"full_name" db:"full_name"`
	Email     string    `json:"email" db:"email"`
	Phone     string    `json:"phone" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

package model

import "time"

// User is read-mostly reference data used for task assignment. Only active
// users are eligible for rule-based assignment.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	RoleID    *string   `json:"role_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role groups users for role-based and load-based assignment rules.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

package domain

import "time"

// Customer is the contact a session belongs to, keyed by platform identity.
type Customer struct {
	ID         string
	PlatformID string
	Platform   Platform
	InstanceID string
	Name       *string
	PictureURL *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CustomerPatch carries profile fields refreshed from the platform.
type CustomerPatch struct {
	Name       *string
	PictureURL *string
}

package store

import (
	"time"

	"splitsend/internal/domain"
)

type Experiment struct {
	ID              string
	Name            string
	Description     string
	Session         string
	CooldownMinutes int
	BatchSize       int
	TotalRecipients int
	Settings        map[string]any
	Status          domain.ExperimentStatus
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	UpdatedAt       time.Time
}

type Variant struct {
	ID                   string
	ExperimentID         string
	Name                 string
	TemplateID           string
	TemplateText         string
	MessageText          string
	ImageURL             string
	ImageMimetype        string
	ImageFilename        string
	AllocationPercentage int
}

type Recipient struct {
	ID           string
	ExperimentID string
	VariantID    string
	Phone        string
	Name         string
	Status       domain.RecipientStatus
	CreatedAt    time.Time
}

type Batch struct {
	ID                 string
	ExperimentID       string
	VariantID          string
	BatchNumber        int
	RecipientCount     int
	SuccessCount       int
	FailedCount        int
	Status             domain.BatchStatus
	NextBatchAllowedAt time.Time
	CreatedAt          time.Time
}

type Result struct {
	ID             string
	ExperimentID   string
	VariantID      string
	RecipientID    string
	BatchID        string
	Status         domain.ResultStatus
	MessageID      string
	ErrorText      string
	DeliveryStatus string
	SentAt         time.Time
}

type RateLimit struct {
	Session          string
	MessagesSentHour int
	MessagesSentDay  int
	LastSendAt       time.Time
	CooldownUntil    *time.Time
}

type ExperimentInsert struct {
	ID              string
	Name            string
	Description     string
	Session         string
	CooldownMinutes int
	BatchSize       int
	TotalRecipients int
	Settings        map[string]any
	Status          domain.ExperimentStatus
	Now             time.Time
	Variants        []VariantInsert
	Recipients      []RecipientInsert
}

type VariantInsert struct {
	ID                   string
	Name                 string
	TemplateID           string
	TemplateText         string
	MessageText          string
	ImageURL             string
	ImageMimetype        string
	ImageFilename        string
	AllocationPercentage int
}

type RecipientInsert struct {
	ID        string
	VariantID string
	Phone     string
	Name      string
}

type StatusUpdate struct {
	ID        string
	Status    domain.ExperimentStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	Now       time.Time
}

type RecipientCounts struct {
	Assigned int
	Sent     int
	Failed   int
}

func (c RecipientCounts) Total() int { return c.Assigned + c.Sent + c.Failed }

type BatchInsert struct {
	ID                 string
	ExperimentID       string
	VariantID          string
	RecipientCount     int
	NextBatchAllowedAt time.Time
	Now                time.Time
}

type BatchClose struct {
	ID           string
	SuccessCount int
	FailedCount  int
	Status       domain.BatchStatus
	Now          time.Time
}

type ResultInsert struct {
	ID           string
	ExperimentID string
	VariantID    string
	RecipientID  string
	BatchID      string
	Status       domain.ResultStatus
	MessageID    string
	ErrorText    string
	Response     any
	Now          time.Time
}

type DeliveryUpdate struct {
	MessageID      string
	DeliveryStatus domain.DeliveryStatus
	Now            time.Time
}

type RateLimitConsume struct {
	Session       string
	N             int
	Now           time.Time
	CooldownUntil time.Time
	// Counters whose last_send_at is older than these cutoffs have expired
	// and restart at N instead of accumulating.
	HourCutoff time.Time
	DayCutoff  time.Time
}

// VariantMetrics feeds the significance evaluator: trials are send attempts,
// successes are attempts the backend accepted.
type VariantMetrics struct {
	VariantID string
	Name      string
	Trials    int
	Successes int
}

type AnalyticsBucket struct {
	VariantID string
	Name      string
	Bucket    time.Time
	Sent      int
	Failed    int
	Delivered int
	Read      int
}

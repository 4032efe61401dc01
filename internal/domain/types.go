package domain

import "strings"

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusCancelled ExperimentStatus = "cancelled"
)

// Terminal reports whether the experiment can no longer change state.
// Only terminal experiments may be deleted.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RecipientStatus string

const (
	RecipientAssigned RecipientStatus = "assigned"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
)

type BatchStatus string

const (
	BatchSending   BatchStatus = "sending"
	BatchCompleted BatchStatus = "completed"
)

type ResultStatus string

const (
	ResultPending    ResultStatus = "pending"
	ResultProcessing ResultStatus = "processing"
	ResultSent       ResultStatus = "sent"
	ResultFailed     ResultStatus = "failed"
)

// DeliveryStatus tracks the backend's asynchronous ack progression for a
// Result row. It is updated by the webhook processor, never by the dispatcher.
type DeliveryStatus string

const (
	DeliveryServer DeliveryStatus = "server"
	DeliveryDevice DeliveryStatus = "delivered"
	DeliveryRead   DeliveryStatus = "read"
	DeliveryFailed DeliveryStatus = "failed"
)

type Action string

const (
	ActionStart     Action = "start"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionStop      Action = "stop"
	ActionSendBatch Action = "send_batch"
)

func ParseAction(s string) (Action, bool) {
	a := Action(strings.TrimSpace(s))
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionStop, ActionSendBatch:
		return a, true
	}
	return "", false
}

// sessionStatusesReady are the backend session states that permit starting
// an experiment.
var sessionStatusesReady = map[string]bool{
	"CONNECTED":     true,
	"AUTHENTICATED": true,
	"WORKING":       true,
}

func SessionReady(status string) bool {
	return sessionStatusesReady[strings.ToUpper(strings.TrimSpace(status))]
}

type RecipientInput struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

type VariantInput struct {
	Name                 string           `json:"name"`
	TemplateID           string           `json:"templateId,omitempty"`
	TemplateText         string           `json:"templateText,omitempty"`
	MessageText          string           `json:"messageText,omitempty"`
	ImageURL             string           `json:"imageUrl,omitempty"`
	ImageMimetype        string           `json:"imageMimetype,omitempty"`
	ImageFilename        string           `json:"imageFilename,omitempty"`
	AllocationPercentage int              `json:"allocationPercentage,omitempty"`
	Recipients           []RecipientInput `json:"recipients,omitempty"`
}

type CreateExperimentRequest struct {
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Session         string           `json:"session"`
	CooldownMinutes int              `json:"cooldownMinutes"`
	BatchSize       int              `json:"batchSize"`
	Settings        map[string]any   `json:"settings,omitempty"`
	Variants        []VariantInput   `json:"variants"`
	Recipients      []RecipientInput `json:"recipients,omitempty"`
}

func (r CreateExperimentRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Session) == "" {
		return ErrMissingFields
	}
	if len(r.Variants) < 2 {
		return ErrTooFewVariants
	}
	if r.BatchSize <= 0 || r.CooldownMinutes < 0 {
		return ErrMissingFields
	}
	seen := make(map[string]bool, len(r.Variants))
	for _, v := range r.Variants {
		name := strings.TrimSpace(v.Name)
		if name == "" || seen[name] {
			return ErrDuplicateVariantName
		}
		seen[name] = true
	}
	return nil
}

type ExecuteRequest struct {
	Action string `json:"action"`
}

type VariantReport struct {
	VariantID string `json:"variantId"`
	Name      string `json:"name"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

type ExecuteResponse struct {
	ExperimentID   string           `json:"experimentId"`
	Status         ExperimentStatus `json:"status"`
	Variants       []VariantReport  `json:"variants,omitempty"`
	HasMoreBatches bool             `json:"hasMoreBatches"`
}

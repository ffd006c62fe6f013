// Package events defines event types for workflow lifecycle notifications.
package events

import (
	"time"

	"github.com/calvora/stagehand/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topic.
const Topic = "stagehand.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceStartedEvent   EventType = "instance.started"
	StepAdvancedEvent      EventType = "instance.step.advanced"
	BranchWaitingEvent     EventType = "instance.branch.waiting"
	JoinReleasedEvent      EventType = "instance.join.released"
	RollbackPerformedEvent EventType = "instance.rollback.performed"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceCancelledEvent EventType = "instance.cancelled"
	StepReminderEvent      EventType = "step.reminder"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type InstanceStarted struct {
	BaseEvent

	TemplateID string            `json:"template_id"`
	Subject    models.SubjectRef `json:"subject"`
	StartedBy  string            `json:"started_by"`
	NodeIDs    []string          `json:"node_ids"` // Initial step positions
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type StepAdvanced struct {
	BaseEvent

	StepID     string           `json:"step_id"`
	NodeID     string           `json:"node_id"`
	BranchID   string           `json:"branch_id"`
	UserID     string           `json:"user_id"`
	Decision   *models.Decision `json:"decision,omitempty"`
	NextNodeID []string         `json:"next_node_ids"`
}

func (e StepAdvanced) GetType() EventType {
	return StepAdvancedEvent
}

type BranchWaiting struct {
	BaseEvent

	SyncNodeID string `json:"sync_node_id"`
	BranchID   string `json:"branch_id"`
	Arrived    int    `json:"arrived"`
	Expected   int    `json:"expected"`
}

func (e BranchWaiting) GetType() EventType {
	return BranchWaitingEvent
}

type JoinReleased struct {
	BaseEvent

	SyncNodeID string                   `json:"sync_node_id"`
	Generation string                   `json:"generation"`
	Aggregate  models.AggregateDecision `json:"aggregate_decision"`
	LeaderID   string                   `json:"leader_id"`
}

func (e JoinReleased) GetType() EventType {
	return JoinReleasedEvent
}

type RollbackPerformed struct {
	BaseEvent

	RejectedNodeID string `json:"rejected_node_id"`
	TargetNodeID   string `json:"target_node_id"`
	Generation     string `json:"generation"`
	Cancelled      int    `json:"cancelled_steps"`
}

func (e RollbackPerformed) GetType() EventType {
	return RollbackPerformedEvent
}

type InstanceCompleted struct {
	BaseEvent

	TemplateID     string `json:"template_id"`
	ResolvedIssues int    `json:"resolved_issues"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceCancelled struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

type StepReminder struct {
	BaseEvent

	StepID     string    `json:"step_id"`
	NodeID     string    `json:"node_id"`
	AssignedTo *string   `json:"assigned_to,omitempty"`
	PendingFor string    `json:"pending_for"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e StepReminder) GetType() EventType {
	return StepReminderEvent
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

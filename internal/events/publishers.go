package events

// PublishSessionCreated publishes a session created event
func PublishSessionCreated(sessionID, userID, provider string) {
	GetEventBus().Publish(Event{
		Type:      EventSessionCreated,
		Source:    "session_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"provider": provider,
		},
	})
}

// PublishSessionDeleted publishes a session deleted event
func PublishSessionDeleted(sessionID, userID, reason string) {
	GetEventBus().Publish(Event{
		Type:      EventSessionDeleted,
		Source:    "session_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishSessionFailed publishes a session failed event
func PublishSessionFailed(sessionID, userID, errorMessage string) {
	GetEventBus().Publish(Event{
		Type:      EventSessionFailed,
		Source:    "session_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"error": errorMessage,
		},
	})
}

// PublishBillingStarted publishes a billing started event
func PublishBillingStarted(sessionID, userID string, hourlyRate float64) {
	GetEventBus().Publish(Event{
		Type:      EventBillingStarted,
		Source:    "billing_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"hourly_rate": hourlyRate,
		},
	})
}

// PublishBillingStopped publishes a billing stopped event
func PublishBillingStopped(sessionID, userID string, totalHours, totalCost float64) {
	GetEventBus().Publish(Event{
		Type:      EventBillingStopped,
		Source:    "billing_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"total_hours": totalHours,
			"total_cost":  totalCost,
		},
	})
}

// PublishCreditsPurchased publishes a credit purchase event
func PublishCreditsPurchased(userID string, amount, bonus, newBalance float64) {
	GetEventBus().Publish(Event{
		Type:   EventCreditsPurchased,
		Source: "billing_service",
		UserID: userID,
		Data: map[string]interface{}{
			"amount":      amount,
			"bonus":       bonus,
			"new_balance": newBalance,
		},
	})
}

// PublishCreditsDeducted publishes a credit deduction event
func PublishCreditsDeducted(userID, sessionID string, amount float64) {
	GetEventBus().Publish(Event{
		Type:      EventCreditsDeducted,
		Source:    "billing_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"amount": amount,
		},
	})
}

// PublishCreditsExhausted publishes a credits exhausted event
func PublishCreditsExhausted(userID, sessionID string) {
	GetEventBus().Publish(Event{
		Type:      EventCreditsExhausted,
		Source:    "monitor_service",
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]interface{}{},
	})
}

// PublishMonitorKill publishes a monitor kill event
func PublishMonitorKill(sessionID, userID, reason string) {
	GetEventBus().Publish(Event{
		Type:      EventMonitorKill,
		Source:    "monitor_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishMonitorWarning publishes a monitor warning event
func PublishMonitorWarning(sessionID, userID, reason string) {
	GetEventBus().Publish(Event{
		Type:      EventMonitorWarning,
		Source:    "monitor_service",
		SessionID: sessionID,
		UserID:    userID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStorageCreated publishes a storage resource created event
func PublishStorageCreated(userID, storageID, storageType string, sizeGB int) {
	GetEventBus().Publish(Event{
		Type:   EventStorageCreated,
		Source: "storage_service",
		UserID: userID,
		Data: map[string]interface{}{
			"storage_id":   storageID,
			"storage_type": storageType,
			"size_gb":      sizeGB,
		},
	})
}

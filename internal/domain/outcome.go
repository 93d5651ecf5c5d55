package domain

// StageOutcome is the result emitted by one stage execution.
type StageOutcome struct {
	PaperID  string                 `json:"paper_id"`
	Stage    StageName              `json:"stage"`
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewOutcome builds an outcome with a non-nil metadata map.
func NewOutcome(paperID string, stage StageName, success bool, message string, metadata map[string]interface{}) StageOutcome {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return StageOutcome{
		PaperID:  paperID,
		Stage:    stage,
		Success:  success,
		Message:  message,
		Metadata: metadata,
	}
}

// Succeeded builds a successful outcome.
func Succeeded(paperID string, stage StageName, message string, metadata map[string]interface{}) StageOutcome {
	return NewOutcome(paperID, stage, true, message, metadata)
}

// Failed builds a failed outcome.
func Failed(paperID string, stage StageName, message string, metadata map[string]interface{}) StageOutcome {
	return NewOutcome(paperID, stage, false, message, metadata)
}

// Blocked reports whether the outcome is a structural block that did not
// charge an attempt.
func (o StageOutcome) Blocked() bool {
	blocked, _ := o.Metadata["blocked"].(bool)
	return blocked
}

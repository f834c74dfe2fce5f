package events

type WorkflowCancelled struct {
	WorkflowID string `json:"workflowId"`
	Reason     string `json:"reason,omitempty"`
}

func (WorkflowCancelled) MessageType() string { return WorkflowCancelledType }
func (WorkflowCancelled) isMessage()          {}

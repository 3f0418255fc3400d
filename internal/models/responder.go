package models

// Declared action names the generative responder may invoke. These are passed
// to the responder as its tool vocabulary and validated again on the way back.
const (
	ActionRevealInfo        = "reveal_info"
	ActionRevealFinding     = "reveal_finding"
	ActionRevealResult      = "reveal_result"
	ActionDenyRequest       = "deny_request"
	ActionProgressStage     = "progress_stage"
	ActionConfirmManagement = "confirm_management"
)

// InfoCategories is the fixed enum for reveal_info's category argument.
var InfoCategories = []string{"HPI", "PMH", "Meds", "Allergies", "Social", "Family", "ROS"}

// ResponderToolCall is one declared action invoked by the responder.
type ResponderToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// StringArg returns the named argument as a string, or "" if absent or not a
// string.
func (tc ResponderToolCall) StringArg(key string) string {
	if v, ok := tc.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// ResponderReply is the fixed output contract of the generative responder.
// Content may be nil when the responder only invoked actions.
type ResponderReply struct {
	Content   *string             `json:"content"`
	ToolCalls []ResponderToolCall `json:"tool_calls"`
}

package conversation

import (
	"fmt"
	"net/http"

	"mentorchat/internal/gemini"
	"mentorchat/internal/models"
)

// HandleBody decodes a raw provider body and passes it to Handle.
func HandleBody(log *Log, message string, status int, body []byte) (string, error) {
	resp, err := gemini.DecodeResponse(body)
	if err != nil {
		if status < 200 || status > 299 {
			return "", &ProtocolError{StatusCode: status, Reason: fmt.Sprintf("unexpected status %d", status), Err: err}
		}
		return "", &ProtocolError{StatusCode: status, Reason: "malformed body", Err: err}
	}
	return Handle(log, message, status, resp)
}

// Handle reads the first candidate's text, then appends the user message and the
// reply to log in that order. On any failure the log is left untouched.
func Handle(log *Log, message string, status int, resp *gemini.Response) (string, error) {
	if resp == nil {
		return "", &ProtocolError{StatusCode: status, Reason: "empty response"}
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		if msg == "" {
			msg = "unknown provider error"
		}
		return "", &APIError{
			StatusCode: status,
			Code:       resp.Error.Code,
			Status:     resp.Error.Status,
			Message:    msg,
		}
	}
	if status < 200 || status > 299 {
		return "", &ProtocolError{StatusCode: status, Reason: fmt.Sprintf("unexpected status %d", status)}
	}
	text, err := firstText(resp)
	if err != nil {
		return "", &ProtocolError{StatusCode: status, Reason: err.Error()}
	}
	if log != nil {
		log.Append(
			models.NewTurn(models.RoleUser, message),
			models.NewTurn(models.RoleAssistant, text),
		)
	}
	return text, nil
}

func firstText(resp *gemini.Response) (string, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("no candidates")
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return "", fmt.Errorf("candidate has no content")
	}
	if len(content.Parts) == 0 {
		return "", fmt.Errorf("candidate has no parts")
	}
	if content.Parts[0].Text == nil {
		return "", fmt.Errorf("first part has no text")
	}
	return *content.Parts[0].Text, nil
}

package gemini

// Wire roles used by the generateContent endpoint.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one text fragment of a request content entry.
type Part struct {
	Text string `json:"text"`
}

// Content is a role-tagged message in the request.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig carries optional sampling parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// Request is the generateContent request body.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Response is the generateContent response body. Both the success and the
// error shape decode into it.
type Response struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
}

type Candidate struct {
	Content      *ResponseContent `json:"content,omitempty"`
	FinishReason string           `json:"finishReason,omitempty"`
}

// ResponseContent mirrors Content but keeps text optional so a missing field
// can be told apart from an empty reply.
type ResponseContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []ResponsePart `json:"parts,omitempty"`
}

type ResponsePart struct {
	Text    *string `json:"text,omitempty"`
	Thought bool    `json:"thought,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ErrorBody is the provider's structured error object.
type ErrorBody struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// Result is what came back over the wire: the HTTP status and the raw body.
type Result struct {
	StatusCode int
	Body       []byte
}

// TextResponse builds a single-candidate success response.
func TextResponse(text string) *Response {
	return &Response{
		Candidates: []Candidate{{
			Content: &ResponseContent{
				Role:  RoleModel,
				Parts: []ResponsePart{{Text: &text}},
			},
			FinishReason: "STOP",
		}},
	}
}

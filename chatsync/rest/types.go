package rest

// Identity types

// UserInfo is the identity the server associates with the bearer token.
type UserInfo struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Assist types

// CompletionRequest is the request body for the assist completion endpoint.
type CompletionRequest struct {
	Prompt        string `json:"prompt"`
	SystemContext string `json:"systemContext,omitempty"`
}

// CompletionResponse carries the generated reply.
type CompletionResponse struct {
	Message string `json:"message"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

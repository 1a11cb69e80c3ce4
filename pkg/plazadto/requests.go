package plazadto

// MoveRequest is a move intent from the presentation layer.
type MoveRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// SignInRequest carries the identity-provider attributes for a session start.
// The core never issues or validates credentials; the id is trusted as stable.
type SignInRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

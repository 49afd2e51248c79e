package notifx

// EmailMessage is a provider-agnostic email.
type EmailMessage struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	Subject  string   `json:"subject"`
	TextBody string   `json:"text_body,omitempty"`
	HTMLBody string   `json:"html_body,omitempty"`
}

// ResetMailData feeds the password reset template.
type ResetMailData struct {
	DisplayName string
	ResetLink   string
	ExpiresIn   string
}

// ReuseAlertData feeds the refresh reuse alert template. All sessions of
// the recipient have already been revoked when this mail goes out.
type ReuseAlertData struct {
	DisplayName string
	IP          string
	DetectedAt  string
}

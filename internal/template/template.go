package template

// Data is what message templates can reference
type Data struct {
	RecipientName  string
	RecipientEmail string
	SiteDomain     string
	SenderName     string
	SenderAddress  string
}

// Result contains a rendered message
type Result struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

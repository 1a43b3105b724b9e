package models

// User is the identity the chat core knows about. Accounts live with the
// identity provider; this row only caches the labels used in payloads.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Label returns the display name, falling back to the username.
func (u User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

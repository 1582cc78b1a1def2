package model

import (
	"strings"
	"time"
)

// ---------------------------------------------
// Wire models shared by the client and the server
// ---------------------------------------------

// Identity is the authenticated user.
type Identity struct {
	ID         string    `json:"id"`
	FullName   string    `json:"fullName"`
	Email      string    `json:"email"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Contact is a directory entry shown in the sidebar.
type Contact struct {
	ID         string `json:"id"`
	FullName   string `json:"fullName"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// Message belongs to the conversation {SenderID, ReceiverID}.
// Image and Images are opaque references (data URLs when sent by this
// client).
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	Images     []string  `json:"images,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Involves reports whether userID is one side of the message's conversation.
func (m Message) Involves(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// Credentials are what the login form submits.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is what the signup form submits.
type SignupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Content is an outbound message body. At least one field should be set;
// enforcing that is left to the caller.
type Content struct {
	Text   string   `json:"text"`
	Image  string   `json:"image,omitempty"`
	Images []string `json:"images,omitempty"`
}

// Empty reports whether there is nothing worth sending.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && c.Image == "" && len(c.Attachments()) == 0
}

// Attachments returns every non-empty image payload, Image first.
func (c Content) Attachments() []string {
	var out []string
	if c.Image != "" {
		out = append(out, c.Image)
	}
	for _, img := range c.Images {
		if img != "" {
			out = append(out, img)
		}
	}
	return out
}

// ProfileUpdate is the body of the profile picture update.
type ProfileUpdate struct {
	ProfilePic string `json:"profilePic"`
}

// Memory kinds.
const (
	MemoryImage = "image"
	MemoryVideo = "video"
)

// Memory is one item of the user's time capsule. Content is raw base64
// without a data URL prefix.
type Memory struct {
	ID         string    `json:"memory_id"`
	Type       string    `json:"memory_type"`
	Content    string    `json:"memory_content"`
	UploadedAt time.Time `json:"upload_date"`
}

// DataURL rebuilds a displayable data URL for the memory.
func (m Memory) DataURL() string {
	if m.Type == MemoryVideo {
		return "data:video/mp4;base64," + m.Content
	}
	return "data:image/png;base64," + m.Content
}

// MemoryUpload is the body of a memory upload.
type MemoryUpload struct {
	Type   string `json:"memoryType"`
	Base64 string `json:"memoryBase64"`
}

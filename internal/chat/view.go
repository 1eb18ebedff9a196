package chat

import (
	"time"
	"unicode/utf8"

	"folio/api/internal/identity"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

// State is the lifecycle of an Engine's subscription.
type State string

const (
	StateClosed      State = "closed"
	StateSubscribing State = "subscribing"
	StateLive        State = "live"
)

const (
	replyPreviewRunes = 50
	ellipsis          = "..."
)

type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Email       string `json:"email,omitempty"`
}

// ReplyPreview is the quoted message shown above a reply.
type ReplyPreview struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
}

type MessageView struct {
	ID              string        `json:"id"`
	Text            string        `json:"text"`
	Author          Author        `json:"author"`
	CreatedAt       *time.Time    `json:"createdAt"`
	IsMine          bool          `json:"isMine"`
	IsPinned        bool          `json:"isPinned"`
	IsAdminAuthored bool          `json:"isAdminAuthored"`
	ReplyPreview    *ReplyPreview `json:"replyPreview,omitempty"`
}

// ViewModel is everything a presentation layer needs to render one chat view.
type ViewModel struct {
	State           State               `json:"state"`
	Messages        []MessageView       `json:"messages"`
	CurrentUser     *identity.Principal `json:"currentUser"`
	IsAuthenticated bool                `json:"isAuthenticated"`
	CanModerate     bool                `json:"canModerate"`
	Draft           string              `json:"draft"`
	ReplyTarget     *MessageView        `json:"replyTarget"`
}

// DeriveView projects a snapshot for the given viewer. Pinned messages come
// first; within each group the snapshot order is preserved. Author emails are
// only exposed to moderators.
func DeriveView(messages []store.Message, user *identity.Principal, policy rbac.AdminChecker) ([]MessageView, bool) {
	email := ""
	if user != nil {
		email = user.Email
	}
	canModerate := rbac.Can(rbac.RoleOf(policy, user != nil, email), rbac.ActionModerate)

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		if msg.IsPinned {
			views = append(views, toView(msg, user, canModerate))
		}
	}
	for _, msg := range messages {
		if !msg.IsPinned {
			views = append(views, toView(msg, user, canModerate))
		}
	}
	return views, canModerate
}

func toView(msg store.Message, user *identity.Principal, canModerate bool) MessageView {
	view := MessageView{
		ID:   msg.ID,
		Text: msg.Text,
		Author: Author{
			ID:          msg.AuthorID,
			DisplayName: msg.AuthorDisplayName,
			PhotoURL:    msg.AuthorPhotoURL,
		},
		CreatedAt:       msg.CreatedAt,
		IsMine:          user != nil && msg.AuthorID == user.ID,
		IsPinned:        msg.IsPinned,
		IsAdminAuthored: msg.IsAdminAuthored,
	}
	if canModerate {
		view.Author.Email = msg.AuthorEmail
	}
	if msg.ReplyTo != nil {
		view.ReplyPreview = &ReplyPreview{
			ID:          msg.ReplyTo.ID,
			DisplayName: msg.ReplyTo.DisplayName,
			Text:        msg.ReplyTo.Text,
		}
	}
	return view
}

// truncatePreview shortens text to 50 characters followed by "...".
func truncatePreview(text string) string {
	if utf8.RuneCountInString(text) <= replyPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:replyPreviewRunes]) + ellipsis
}

// Package notify builds and displays push notifications.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ActionOpen  = "open"
	ActionClose = "close"

	// Tag lets the platform collapse repeated notifications into one.
	Tag          = "bau-structura"
	Title        = "Bau-Structura"
	DefaultBody  = "Neue Benachrichtigung von Bau-Structura"
	Icon         = "/icon-192x192.png"
	Badge        = "/icon-72x72.png"
	openTitle    = "Öffnen"
	dismissTitle = "Schließen"
)

var ErrNotificationNotFound = errors.New("notification not found")

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Notification struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon"`
	Badge   string         `json:"badge"`
	Tag     string         `json:"tag"`
	Vibrate []int          `json:"vibrate"`
	Actions []Action       `json:"actions"`
	Data    map[string]any `json:"data,omitempty"`
}

// FromPush builds the notification for a push message.
// The optional payload is used verbatim as the body text.
func FromPush(payload []byte, arrivedAt time.Time) Notification {
	body := DefaultBody
	if len(payload) > 0 {
		body = string(payload)
	}
	return Notification{
		Title:   Title,
		Body:    body,
		Icon:    Icon,
		Badge:   Badge,
		Tag:     Tag,
		Vibrate: []int{100, 50, 100},
		Actions: []Action{
			{Action: ActionOpen, Title: openTitle, Icon: Icon},
			{Action: ActionClose, Title: dismissTitle, Icon: Icon},
		},
		Data: map[string]any{
			"dateOfArrival": arrivedAt.UnixMilli(),
		},
	}
}

// Displayer shows notifications to the user.
type Displayer interface {
	Show(ctx context.Context, n Notification) (Notification, error)
	Close(ctx context.Context, id string) error
}

// Tray is an in-memory Displayer.
// A notification replaces any visible notification with the same tag.
type Tray struct {
	mutex   sync.Mutex
	visible []Notification
}

func NewTray() *Tray {
	return &Tray{}
}

func (t *Tray) Show(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return n, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if n.Tag != "" {
		for i, v := range t.visible {
			if v.Tag == n.Tag {
				t.visible[i] = n
				return n, nil
			}
		}
	}
	t.visible = append(t.visible, n)
	return n, nil
}

func (t *Tray) Close(ctx context.Context, id string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for i, v := range t.visible {
		if v.ID == id {
			t.visible = append(t.visible[:i], t.visible[i+1:]...)
			return nil
		}
	}
	return ErrNotificationNotFound
}

// Visible returns the notifications currently shown.
func (t *Tray) Visible() []Notification {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	visible := make([]Notification, len(t.visible))
	copy(visible, t.visible)
	return visible
}

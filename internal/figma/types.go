package figma

import (
	"encoding/json"
	"time"
)

// User is the author block of a remote comment.
type User struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Name   string `json:"name"`
	ImgURL string `json:"img_url"`
}

// DisplayName returns the name, falling back to the handle.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Handle
}

// Vector is a point in canvas or node space.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ClientMeta locates a comment. NodeID is empty for comments placed on the canvas.
type ClientMeta struct {
	NodeID     string   `json:"node_id,omitempty"`
	NodeOffset *Vector  `json:"node_offset,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
}

// Position returns the comment position, preferring the node offset.
func (m *ClientMeta) Position() (x, y float64) {
	if m == nil {
		return 0, 0
	}
	if m.NodeOffset != nil {
		return m.NodeOffset.X, m.NodeOffset.Y
	}
	if m.X != nil {
		x = *m.X
	}
	if m.Y != nil {
		y = *m.Y
	}
	return x, y
}

// Comment is a comment as returned by the comments endpoint.
type Comment struct {
	ID         string          `json:"id"`
	FileKey    string          `json:"file_key"`
	ParentID   string          `json:"parent_id"`
	Message    string          `json:"message"`
	User       User            `json:"user"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  *time.Time      `json:"updated_at"`
	ResolvedAt *time.Time      `json:"resolved_at"`
	RawMeta    json.RawMessage `json:"client_meta"`

	Meta *ClientMeta `json:"-"`
}

// NodeID returns the node the comment is pinned to, or "".
func (c *Comment) NodeID() string {
	if c.Meta == nil {
		return ""
	}
	return c.Meta.NodeID
}

// UnmarshalJSON decodes the comment and its client_meta. Region comments send shapes other
// than an object; those are treated as canvas comments.
func (c *Comment) UnmarshalJSON(data []byte) error {
	type plain Comment
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}

	c.Meta = nil
	if len(c.RawMeta) == 0 || c.RawMeta[0] != '{' {
		return nil
	}
	var meta ClientMeta
	if err := json.Unmarshal(c.RawMeta, &meta); err == nil {
		c.Meta = &meta
	}
	return nil
}

// FileInfo is the subset of GET /files/:key used here.
type FileInfo struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"lastModified"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	Version      string    `json:"version"`
	TeamID       string    `json:"team_id,omitempty"`
}

// NewComment is the body of a posted comment.
type NewComment struct {
	Message  string
	NodeID   string
	X, Y     float64
	ParentID string
}

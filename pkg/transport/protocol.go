package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Replication actions.
const (
	// Sent by the source to the replica for each piece of a copied file.
	ActionFileChunk = "internal:index/shard/replication/file_chunk"
	// Sent by the primary to a replica to make it replicate right now.
	ActionForceSync = "internal:index/shard/replication/segments_sync"
	// Sent by the primary after a refresh produced a new checkpoint.
	ActionPublishCheckpoint = "internal:index/shard/replication/publish_checkpoint"
	// Sent by the replica to the primary after a successful replication.
	ActionUpdateVisibleCheckpoint = "internal:index/shard/replication/update_visible_checkpoint"
	// Sent by the replica to the primary to fetch the current commit metadata.
	ActionGetCheckpointInfo = "internal:index/shard/replication/get_checkpoint_info"
	// Sent by the replica to the primary to have it stream the listed files.
	ActionGetSegmentFiles = "internal:index/shard/replication/get_segment_files"
)

// Message is the envelope for both requests and responses.
type Message struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	From      NodeRef         `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// NewMessage creates a request envelope for action with payload as its body.
func NewMessage(action string, from NodeRef, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Action:    action,
		From:      from,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}, nil
}

// Reply creates the response envelope for m.
func (m *Message) Reply(from NodeRef, payload any, err error) *Message {
	resp := &Message{
		ID:        m.ID,
		Action:    m.Action,
		From:      from,
		Timestamp: time.Now().UnixNano(),
	}
	if err != nil {
		resp.Error = NewWireError(err)
		return resp
	}
	if payload != nil {
		data, mErr := json.Marshal(payload)
		if mErr != nil {
			resp.Error = NewWireError(mErr)
			return resp
		}
		resp.Data = data
	}
	return resp
}

// Decode decodes the message body into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Encode serializes the envelope.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a serialized envelope.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NodeRef identifies a node and where to reach it.
type NodeRef struct {
	ID      string `json:"id" validate:"required"`
	Address string `json:"address,omitempty"`
}

func (n NodeRef) String() string {
	if n.Address == "" {
		return n.ID
	}
	return n.ID + "@" + n.Address
}

// Empty is the body of requests and responses that carry nothing.
type Empty struct{}

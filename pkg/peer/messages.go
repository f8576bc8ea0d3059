package peer

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates peer messages on the wire
type MessageType string

const (
	TypeElection MessageType = "election"
	TypeLeader   MessageType = "leader"
	TypeHealth   MessageType = "health"
	TypeBullied  MessageType = "bullied"
	TypeOK       MessageType = "ok"
)

// Message is the JSON record exchanged between nodes.
// Port carries the sender id of an election, Leader the announced leader id.
type Message struct {
	Type   MessageType `json:"type"`
	Port   int         `json:"port,omitempty"`
	Leader int         `json:"leader,omitempty"`
	ID     string      `json:"id,omitempty"`
}

// Election asks higher-ranked peers whether they object to from becoming leader
func Election(from int) Message {
	return Message{Type: TypeElection, Port: from}
}

// LeaderAnnouncement announces id as the new leader
func LeaderAnnouncement(id int) Message {
	return Message{Type: TypeLeader, Leader: id}
}

// Health probes whether the leader is alive
func Health() Message {
	return Message{Type: TypeHealth}
}

// Bullied refuses an election from a lower-ranked node
func Bullied() Message {
	return Message{Type: TypeBullied}
}

// OK acknowledges a message
func OK() Message {
	return Message{Type: TypeOK}
}

// Reply builds a response that carries the request's correlation id
func (m Message) Reply(resp Message) Message {
	resp.ID = m.ID
	return resp
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode peer message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("failed to decode peer message: missing type")
	}
	return m, nil
}

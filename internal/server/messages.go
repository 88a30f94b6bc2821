package server

import (
	"net/http"
	"time"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage carries exactly one of its pointer fields.
type ClientMessage struct {
	BaseMessage
	Join         *Join         `json:"join,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	Leave        *Leave        `json:"leave,omitempty"`
	RequestCount *RequestCount `json:"request_count,omitempty"`
	Observe      *Observe      `json:"observe,omitempty"`
	Unobserve    *Observe      `json:"unobserve,omitempty"`
	Ping         *Ping         `json:"ping,omitempty"`
}

type Join struct {
	EventId string `json:"event_id"`
	UserId  string `json:"user_id"`
	Role    string `json:"role"`
}

type Heartbeat struct{}

type Leave struct{}

type RequestCount struct {
	EventId string `json:"event_id"`
}

type Observe struct {
	EventIds []string `json:"event_ids"`
}

type Ping struct{}

type ServerMessage struct {
	BaseMessage
	Response       *Response       `json:"response,omitempty"`
	CountUpdate    *CountUpdate    `json:"count_update,omitempty"`
	AttendeeUpdate *AttendeeUpdate `json:"attendee_update,omitempty"`
	Pong           *Pong           `json:"pong,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type CountUpdate struct {
	EventId        string `json:"event_id"`
	CurrentViewers int    `json:"current_viewers"`
}

type AttendeeUpdate struct {
	EventId       string `json:"event_id"`
	AttendeeCount int    `json:"attendee_count"`
}

type Pong struct{}

func CountUpdateMsg(id int, eventId string, viewers int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		CountUpdate: &CountUpdate{
			EventId:        eventId,
			CurrentViewers: viewers,
		},
	}
}

func AttendeeUpdateMsg(eventId string, attendees int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		AttendeeUpdate: &AttendeeUpdate{
			EventId:       eventId,
			AttendeeCount: attendees,
		},
	}
}

func PongMsg(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Pong: &Pong{},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

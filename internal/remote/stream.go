package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/majitask/majitask/internal/events"
	wsprotocol "github.com/majitask/majitask/internal/gateway/ws"
	"github.com/majitask/majitask/internal/task"
)

// Stream is a websocket subscription to the caller's server events.
type Stream struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Stream opens the event stream of the authenticated user.
func (a *Adapter) Stream(ctx context.Context) (*Stream, error) {
	if a.tokens == nil {
		return nil, task.Internal(ErrNoToken)
	}
	tok, err := a.tokens.Token()
	if err != nil {
		return nil, task.Internal(fmt.Errorf("stream: %w", err))
	}

	url := a.base + "/ws"
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok.AccessToken}},
	})
	if err != nil {
		return nil, transportError(ctx, "ws dial", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	return &Stream{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

// RequestHistory asks the server to replay up to limit recent events. The
// reply arrives as a response frame.
func (s *Stream) RequestHistory(limit int) (string, error) {
	params, _ := json.Marshal(wsprotocol.HistoryParams{Limit: limit})
	return s.request(wsprotocol.MethodHistory, params)
}

// History requests up to limit recent events and waits for the reply.
// Events pushed meanwhile are dropped.
func (s *Stream) History(limit int) ([]events.Event, error) {
	id, err := s.RequestHistory(limit)
	if err != nil {
		return nil, transportError(s.ctx, "ws history", err)
	}
	for {
		f, err := s.ReadFrame()
		if err != nil {
			return nil, transportError(s.ctx, "ws history", err)
		}
		if f.Type != wsprotocol.FrameTypeResponse || f.ID != id {
			continue
		}
		if f.OK == nil || !*f.OK {
			return nil, task.Internal(fmt.Errorf("history: %s", f.Error))
		}
		var out []events.Event
		if err := json.Unmarshal(f.Payload, &out); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return out, nil
	}
}

// Ping sends a ping request.
func (s *Stream) Ping() (string, error) {
	return s.request(wsprotocol.MethodPing, nil)
}

func (s *Stream) request(method wsprotocol.Method, params json.RawMessage) (string, error) {
	seq := atomic.AddUint64(&s.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	data, err := wsprotocol.MarshalFrame(wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: string(method),
		Params: params,
	})
	if err != nil {
		return "", err
	}
	return id, s.conn.Write(s.ctx, websocket.MessageText, data)
}

// ReadFrame reads the next frame from the connection.
func (s *Stream) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Next blocks until the next pushed event, skipping response frames.
func (s *Stream) Next() (events.Event, error) {
	for {
		f, err := s.ReadFrame()
		if err != nil {
			return events.Event{}, err
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return events.Event{}, fmt.Errorf("decode event: %w", err)
		}
		return e, nil
	}
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

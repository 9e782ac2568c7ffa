package api

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sheetflow/backend/internal/repository"
	"github.com/sheetflow/backend/internal/status"
)

// WebSocket message types pushed to progress subscribers
const (
	MsgTypeProgress = "progress"
	MsgTypeComplete = "complete"
	MsgTypeError    = "error"
)

const wsWriteWait = 5 * time.Second

// WSProgressMessage is one frame sent on the progress socket.
type WSProgressMessage struct {
	Type      string         `json:"type"`
	FileID    string         `json:"file_id"`
	Report    *status.Report `json:"report,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// HandleProgressWebSocket upgrades the connection and pushes status reports
// until the file is terminal or gone. Client frames are read and discarded
// so close and ping control frames are handled.
func (h *ProgressHandlerImpl) HandleProgressWebSocket(c echo.Context) error {
	id := c.Param("file_id")
	ctx := c.Request().Context()

	rep, err := h.reader.Status(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return NewNotFoundError("file", id)
	}
	if err != nil {
		return fromDomain(err, "Error retrieving file status")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "file_id", id, "error", err)
		return nil
	}
	defer ws.Close()
	if h.wsLimit > 0 {
		ws.SetReadLimit(h.wsLimit)
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read ended", "file_id", id, "error", err)
				}
				return
			}
		}
	}()

	if err := h.push(ws, MsgTypeProgress, id, rep); err != nil {
		return nil
	}
	if rep.Status.Terminal() {
		h.finish(ws, id, rep)
		return nil
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	last := rep
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case <-ticker.C:
			rep, err := h.reader.Status(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				msg := WSProgressMessage{Type: MsgTypeError, FileID: id, Message: "file not found", Timestamp: time.Now().UnixMilli()}
				h.send(ws, msg)
				h.close(ws, websocket.CloseNormalClosure, "file deleted")
				return nil
			}
			if err != nil {
				h.logger.Warn("progress socket read failed", "file_id", id, "error", err)
				continue
			}
			if changed(last, rep) {
				if err := h.push(ws, MsgTypeProgress, id, rep); err != nil {
					return nil
				}
				last = rep
			}
			if rep.Status.Terminal() {
				h.finish(ws, id, rep)
				return nil
			}
		}
	}
}

func (h *ProgressHandlerImpl) push(ws *websocket.Conn, typ, id string, rep *status.Report) error {
	return h.send(ws, WSProgressMessage{
		Type:      typ,
		FileID:    id,
		Report:    rep,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *ProgressHandlerImpl) send(ws *websocket.Conn, msg WSProgressMessage) error {
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", "file_id", msg.FileID, "error", err)
		return err
	}
	return nil
}

func (h *ProgressHandlerImpl) finish(ws *websocket.Conn, id string, rep *status.Report) {
	if err := h.push(ws, MsgTypeComplete, id, rep); err != nil {
		return
	}
	h.close(ws, websocket.CloseNormalClosure, string(rep.Status))
}

func (h *ProgressHandlerImpl) close(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jmandel/banterop-sub006/bus"
	"github.com/jmandel/banterop-sub006/store"
)

// sseHeartbeatInterval paces comment lines that keep idle streams alive
// through proxies.
const sseHeartbeatInterval = 15 * time.Second

// parseStreamOptions builds subscription options from query params:
// events= (comma-separated types), agents= (comma-separated ids),
// since= (seq cursor), guidance= (include guidance).
func parseStreamOptions(c echo.Context) (bus.Options, error) {
	var opts bus.Options

	if v := c.QueryParam("events"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			t := store.EventType(strings.TrimSpace(raw))
			switch t {
			case store.EventTypeMessage, store.EventTypeTrace, store.EventTypeSystem:
				opts.Events = append(opts.Events, t)
			default:
				return opts, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid event type %q", raw))
			}
		}
	}
	if v := c.QueryParam("agents"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			if a := strings.TrimSpace(raw); a != "" {
				opts.Agents = append(opts.Agents, a)
			}
		}
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			return opts, echo.NewHTTPError(http.StatusBadRequest, "invalid since cursor")
		}
		opts.SinceSeq = &since
	}
	if v := c.QueryParam("guidance"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			return opts, echo.NewHTTPError(http.StatusBadRequest, "invalid guidance flag")
		}
		opts.IncludeGuidance = include
	}
	return opts, nil
}

// StreamEvents serves the conversation event stream over SSE.
func (s *APIV1Service) StreamEvents(c echo.Context) error {
	id, err := conversationID(c)
	if err != nil {
		return err
	}
	opts, err := parseStreamOptions(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	sub, err := s.Orchestrator.CreateEventStream(ctx, id, opts)
	if err != nil {
		return httpError(err)
	}
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			if d.Err != nil {
				// Terminal: tell the client to reconnect with its cursor.
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", strconv.Quote(d.Err.Error()))
				w.Flush()
				return nil
			}
			if err := writeSSE(w, d); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSE(w *echo.Response, d bus.Delivery) error {
	var (
		name    string
		payload any
	)
	switch {
	case d.Event != nil:
		name = "event"
		payload = d.Event
	case d.Guidance != nil:
		name = "guidance"
		payload = d.Guidance
	default:
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

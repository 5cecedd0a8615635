package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pvgateway/pkg/channel"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	monitorQueue = 64
)

type ServerDescription struct {
	Name                string `json:"ServerName" yaml:"name"`
	Manufacturer        string `json:"Manufacturer" yaml:"manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion" yaml:"manufacturer_version"`
	Location            string `json:"Location" yaml:"location"`
}

// Server serves the management and channel API of a Gateway.
type Server struct {
	description ServerDescription
	gw          *Gateway
	upgrader    websocket.Upgrader
	logger      log.FieldLogger
}

func NewServer(description ServerDescription, gw *Gateway, logger log.FieldLogger) *Server {
	server := Server{
		description: description,
		gw:          gw,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "http"),
	}

	return &server
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Management routes
	r.Handle("GET /management/apiversions", handle(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handle(s.handleDescription))
	r.Handle("GET /management/v1/channels", handle(s.handleListChannels))
	r.Handle("POST /management/v1/channels", handle(s.handleAddChannel))
	r.Handle("DELETE /management/v1/channels/{name}", handle(s.handleRemoveChannel))
	r.Handle("PUT /management/v1/channels/{name}/connect", handle(s.handleConnect))

	// Channel routes
	r.Handle("GET /api/v1/channels/{name}/value", handle(s.handleGetValue))
	r.Handle("PUT /api/v1/channels/{name}/value", handle(s.handlePutValue))
	r.Handle("GET /api/v1/channels/{name}/reading", handle(s.handleGetReading))
	r.Handle("GET /api/v1/channels/{name}/descriptor", handle(s.handleGetDescriptor))
	r.Handle("GET /api/v1/channels/{name}/state", handle(s.handleGetState))
	r.HandleFunc("GET /api/v1/channels/{name}/monitor", s.handleMonitor)

	return r
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleListChannels(r *http.Request) (any, error) {
	return s.gw.List(), nil
}

func (s *Server) handleAddChannel(r *http.Request) (any, error) {
	cfg, err := parseChannelForm(r)
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Adding channel: %+v", cfg)
	ch, err := s.gw.Add(r.Context(), cfg)
	if err != nil {
		return nil, err
	}
	return ChannelStatus{
		Name:    cfg.Name,
		Address: cfg.Address,
		Kind:    cfg.Kind,
		Choices: cfg.Choices,
		State:   ch.State(),
	}, nil
}

func parseChannelForm(r *http.Request) (ChannelConfig, error) {
	var cfg ChannelConfig

	name, ok := formValue(r.Form, "Name")
	if !ok {
		return cfg, fmt.Errorf("%w: missing Name", errInvalidValue)
	}
	address, ok := formValue(r.Form, "Address")
	if !ok {
		return cfg, fmt.Errorf("%w: missing Address", errInvalidValue)
	}
	cfg.Name = name
	cfg.Address = address

	if kind, ok := formValue(r.Form, "Kind"); ok {
		k, err := channel.ParseKind(strings.ToLower(kind))
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", errInvalidValue, err)
		}
		cfg.Kind = k
	}
	if choices, ok := formValue(r.Form, "Choices"); ok && choices != "" {
		for _, c := range strings.Split(choices, ",") {
			cfg.Choices = append(cfg.Choices, strings.TrimSpace(c))
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", errInvalidValue, err)
	}
	return cfg, nil
}

func (s *Server) handleRemoveChannel(r *http.Request) (any, error) {
	return nil, s.gw.Remove(r.PathValue("name"))
}

func (s *Server) handleConnect(r *http.Request) (any, error) {
	if err := s.gw.Reconnect(r.Context(), r.PathValue("name")); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) handleGetValue(r *http.Request) (any, error) {
	ch, err := s.gw.Channel(r.PathValue("name"))
	if err != nil {
		return nil, err
	}
	return ch.GetValue(r.Context())
}

func (s *Server) handleGetReading(r *http.Request) (any, error) {
	ch, err := s.gw.Channel(r.PathValue("name"))
	if err != nil {
		return nil, err
	}
	return ch.GetReading(r.Context())
}

func (s *Server) handleGetDescriptor(r *http.Request) (any, error) {
	return s.gw.Descriptor(r.Context(), r.PathValue("name"))
}

func (s *Server) handleGetState(r *http.Request) (any, error) {
	ch, err := s.gw.Channel(r.PathValue("name"))
	if err != nil {
		return nil, err
	}
	return ch.State(), nil
}

func (s *Server) handlePutValue(r *http.Request) (any, error) {
	ch, err := s.gw.Channel(r.PathValue("name"))
	if err != nil {
		return nil, err
	}

	raw, ok := formValue(r.Form, "Value")
	if !ok {
		return nil, fmt.Errorf("%w: missing Value", errInvalidValue)
	}
	value, err := parseValue(ch.Kind(), raw)
	if err != nil {
		return nil, err
	}

	wait := true
	if w, ok := formValue(r.Form, "Wait"); ok {
		if wait, err = strconv.ParseBool(w); err != nil {
			return nil, fmt.Errorf("%w: Wait: %v", errInvalidValue, err)
		}
	}

	return nil, ch.Put(r.Context(), value, wait)
}

// parseValue converts a form value to the application type of kind.
func parseValue(kind channel.Kind, raw string) (any, error) {
	switch kind {
	case channel.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidValue, err)
		}
		return f, nil
	case channel.KindInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidValue, err)
		}
		return i, nil
	case channel.KindArray:
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err != nil {
			return nil, fmt.Errorf("%w: array values are JSON arrays: %v", errInvalidValue, err)
		}
		return arr, nil
	default:
		return raw, nil
	}
}

// handleMonitor streams readings of a channel over a WebSocket until the
// client goes away.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	ch, gone, err := s.gw.watch(r.PathValue("name"))
	if err != nil {
		handleError(w, 0, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan channel.Reading, monitorQueue)
	mon, err := ch.Monitor(func(rd channel.Reading, _ any) {
		select {
		case events <- rd:
		default:
			s.logger.Warnf("Client of %s is too slow, dropping reading", ch.Source())
		}
	})
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer mon.Cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debugf("Monitor client connected to %s", ch.Source())
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debugf("Monitor client of %s disconnected", ch.Source())
			return
		case <-gone:
			s.logger.Debugf("Channel %s closed, ending monitor stream", ch.Source())
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel closed")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-r.Context().Done():
			return
		case rd := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rd); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

// Delegate receives channel lifecycle events and application commands.
type Delegate interface {
	// BasicInfo returns the host summary included in the hello message
	BasicInfo() map[string]any

	// HandleJoined fires after a successful auth handshake, with the
	// conductor's join payload and the host we joined
	HandleJoined(data *types.JoinedData, host string)

	// HandleAuthFailure fires when the conductor rejects our join token
	HandleAuthFailure(description string)

	// HandleCommand receives every application-level command (everything
	// outside the connect and auth protocol)
	HandleCommand(cmd string, data json.RawMessage)

	// ConnectionLost fires when an established connection drops
	ConnectionLost()
}

// sock is one live websocket connection
type sock struct {
	ws        *websocket.Conn
	host      string
	url       string
	writeMu   sync.Mutex
	connected bool
	authed    bool
	force     bool
	lastPing  time.Time
}

// Manager owns the single control connection and its reconnect loop
type Manager struct {
	cfg      *config.Config
	delegate Delegate
	logger   zerolog.Logger

	mu        sync.Mutex
	sock      *sock
	tempHost  string
	delayCur  time.Duration
	reconnect *time.Timer
	started   bool
	stopped   bool
}

// New creates a channel manager. Call Connect to open the connection.
func New(cfg *config.Config, delegate Delegate) *Manager {
	m := &Manager{
		cfg:      cfg,
		delegate: delegate,
		logger:   log.WithComponent("channel"),
	}
	m.delayCur = m.baseDelay()
	cfg.OnReload(m.onConfigReload)
	return m
}

func (m *Manager) baseDelay() time.Duration {
	return time.Duration(m.cfg.GetInt("socket_reconnect_delay_sec", config.DefaultReconnectDelaySec)) * time.Second
}

func (m *Manager) maxDelay() time.Duration {
	return time.Duration(m.cfg.GetInt("socket_reconnect_delay_max", config.DefaultReconnectDelayMaxSec)) * time.Second
}

func (m *Manager) pingTimeout() time.Duration {
	return time.Duration(m.cfg.GetInt("ping_timeout_sec", config.DefaultPingTimeoutSec)) * time.Second
}

// pickHost chooses the conductor host for the next connection attempt.
// An explicit `host` config pin always wins; otherwise a pending redirect
// target is consumed (one-shot), falling back to a random entry from the
// current host list.
func (m *Manager) pickHost() string {
	if host := m.cfg.GetString("host"); host != "" {
		m.tempHost = ""
		return host
	}
	if m.tempHost != "" {
		host := m.tempHost
		m.tempHost = ""
		return host
	}
	hosts := m.cfg.GetStringSlice("hosts")
	if len(hosts) == 0 {
		return ""
	}
	return hosts[rand.Intn(len(hosts))]
}

// Connect opens a new connection to the conductor, tearing down any
// previous one first. Failures schedule a retry with backoff.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if old := m.sock; old != nil {
		old.force = true
		old.ws.Close()
		m.sock = nil
	}

	host := m.pickHost()
	if host == "" {
		m.mu.Unlock()
		m.logger.Error().Msg("No conductor hosts configured, cannot connect")
		m.scheduleReconnect()
		return
	}

	proto := "ws"
	if m.cfg.GetBool("secure") {
		proto = "wss"
	}
	port := m.cfg.GetInt("port", 5522)
	url := fmt.Sprintf("%s://%s:%d/", proto, host, port)
	m.mu.Unlock()

	m.logger.Debug().Str("url", url).Msg("Connecting to conductor")

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(m.cfg.GetInt("connect_timeout_sec", config.DefaultConnectTimeoutSec)) * time.Second,
	}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		m.logger.Error().Err(err).Str("url", url).Msg("Socket connect failed")
		m.mu.Lock()
		m.bumpDelayLocked()
		m.mu.Unlock()
		m.scheduleReconnect()
		return
	}

	s := &sock{
		ws:        ws,
		host:      host,
		url:       url,
		connected: true,
		lastPing:  time.Now(),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.sock = s
	m.delayCur = m.baseDelay()
	m.mu.Unlock()

	metrics.ChannelConnects.Inc()
	m.logger.Info().Str("url", url).Msg("WebSocket connected successfully")

	m.sendHello(s)
	go m.readLoop(s)
}

// sendHello starts the auth challenge with basic host info
func (m *Manager) sendHello(s *sock) {
	hostname, _ := os.Hostname()
	hello := make(map[string]any)
	for key, val := range m.cfg.GetMap("initial") {
		hello[key] = val
	}
	hello["hostname"] = hostname
	hello["id"] = m.cfg.GetString("server_id")
	hello["info"] = m.delegate.BasicInfo()
	m.sendOn(s, "hello", hello)
}

func (m *Manager) readLoop(s *sock) {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			m.handleClosed(s)
			return
		}
		var msg types.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.logger.Error().Err(err).Msg("Failed to parse message from conductor")
			continue
		}
		m.handleMessage(s, &msg)
	}
}

func (m *Manager) handleMessage(s *sock, msg *types.Message) {
	switch msg.Cmd {

	case types.CmdEcho:
		// heartbeat: reflect the payload back
		m.mu.Lock()
		s.lastPing = time.Now()
		m.mu.Unlock()
		var data any
		json.Unmarshal(msg.Data, &data)
		m.sendOn(s, types.CmdEchoBack, data)

	case types.CmdAuthFailure:
		var data struct {
			Description string `json:"description"`
		}
		json.Unmarshal(msg.Data, &data)
		m.logger.Error().Str("description", data.Description).Msg("Authentication failure")
		m.delegate.HandleAuthFailure(data.Description)

		// stay down until a config reload or restart fixes the credentials
		m.Disconnect()

	case types.CmdHello:
		var data types.HelloData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			m.logger.Error().Err(err).Msg("Malformed hello from conductor")
			return
		}
		if data.ID != "" && m.cfg.GetString("server_id") == "" {
			m.logger.Info().Str("server_id", data.ID).Msg("Assigned a unique server ID")
			if err := m.cfg.Update(map[string]any{"server_id": data.ID}); err != nil {
				m.logger.Error().Err(err).Msg("Failed to save configuration file")
			}
		}
		m.sendOn(s, types.CmdJoin, map[string]any{
			"token": m.joinToken(data.Nonce),
		})

	case types.CmdJoined:
		var data types.JoinedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			m.logger.Error().Err(err).Msg("Malformed joined from conductor")
			return
		}
		m.logger.Debug().Msg("WebSocket auth successful")
		m.mu.Lock()
		s.authed = true
		m.mu.Unlock()

		updates := make(map[string]any)
		for key, val := range data.Config {
			updates[key] = val
		}
		updates["hosts"] = data.MasterData.Masters
		if err := m.cfg.Update(updates); err != nil {
			m.logger.Error().Err(err).Msg("Failed to save configuration file")
		}
		m.delegate.HandleJoined(&data, s.host)

	case types.CmdMasterData:
		var data types.MasterData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		m.logger.Debug().Strs("masters", data.Masters).Msg("Received new conductor host list")
		if err := m.cfg.Update(map[string]any{"hosts": data.Masters}); err != nil {
			m.logger.Error().Err(err).Msg("Failed to save configuration file")
		}

	case types.CmdRedirect:
		var data types.RedirectData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		m.logger.Info().Str("host", data.Host).Msg("Reconnecting to new conductor")
		m.mu.Lock()
		m.tempHost = data.Host
		m.mu.Unlock()
		s.ws.Close()

	case types.CmdRetry:
		m.logger.Info().Msg("Conductor is not ready, will reconnect")
		s.ws.Close()

	default:
		m.delegate.HandleCommand(msg.Cmd, msg.Data)
	}
}

// joinToken computes the auth handshake response: a static token when one
// is configured, else the hex sha256 of nonce + secret key.
func (m *Manager) joinToken(nonce string) string {
	if token := m.cfg.GetString("auth_token"); token != "" {
		return token
	}
	sum := sha256.Sum256([]byte(nonce + m.cfg.GetString("secret_key")))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) handleClosed(s *sock) {
	m.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.authed = false
	if m.sock == s {
		m.sock = nil
	}
	force := s.force || m.stopped
	if !wasConnected {
		m.bumpDelayLocked()
	}
	delay := m.delayCur
	m.mu.Unlock()

	if wasConnected {
		metrics.ChannelDisconnects.Inc()
		m.logger.Info().Str("host", s.host).Msg("Socket has closed")
	}

	if force {
		return
	}

	m.logger.Debug().Dur("delay", delay).Msg("Will attempt to reconnect")
	m.mu.Lock()
	m.reconnect = time.AfterFunc(delay, m.Connect)
	m.mu.Unlock()

	if wasConnected {
		m.delegate.ConnectionLost()
	}
}

// bumpDelayLocked doubles the reconnect delay up to the configured cap
func (m *Manager) bumpDelayLocked() {
	m.delayCur *= 2
	if max := m.maxDelay(); m.delayCur > max {
		m.delayCur = max
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.reconnect != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.delayCur, m.Connect)
}

// Send delivers one command to the conductor. Delivery is at most once:
// while disconnected the message is dropped and logged, never queued.
func (m *Manager) Send(cmd string, data any) {
	m.mu.Lock()
	s := m.sock
	m.mu.Unlock()
	if s == nil || !s.connected {
		metrics.ChannelSendsDropped.Inc()
		m.logger.Error().Str("cmd", cmd).Msg("Socket not connected, message not sent")
		return
	}
	m.sendOn(s, cmd, data)
}

func (m *Manager) sendOn(s *sock, cmd string, data any) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			m.logger.Error().Err(err).Str("cmd", cmd).Msg("Failed to serialize message")
			return
		}
	}
	payload, err := json.Marshal(types.Message{Cmd: cmd, Data: raw})
	if err != nil {
		return
	}
	s.writeMu.Lock()
	err = s.ws.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		m.logger.Error().Err(err).Str("cmd", cmd).Msg("Socket write failed")
	}
}

// Connected reports whether the socket is currently open
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock != nil && m.sock.connected
}

// Authed reports whether the auth handshake has completed on the current
// connection
func (m *Manager) Authed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock != nil && m.sock.authed
}

// Host returns the conductor host of the current connection, "" if down
func (m *Manager) Host() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock == nil {
		return ""
	}
	return m.sock.host
}

// Tick runs the once-per-second liveness check: a connection that has not
// seen an echo within the ping timeout is assumed dead and force-closed,
// which triggers the normal reconnect path.
func (m *Manager) Tick() {
	m.mu.Lock()
	s := m.sock
	var stale bool
	if s != nil && s.connected {
		stale = time.Since(s.lastPing) >= m.pingTimeout()
	}
	m.mu.Unlock()
	if stale {
		m.logger.Warn().Msg("No ping within timeout, assuming socket is dead")
		s.ws.Close()
	}
}

// Disconnect closes the connection and suppresses auto-reconnect. Used for
// deliberate shutdown and after auth failures.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	s := m.sock
	if s != nil {
		s.force = true
		m.sock = nil
	}
	m.mu.Unlock()
	if s != nil {
		s.ws.Close()
	}
}

// Stop permanently shuts the manager down
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.Disconnect()
}

// onConfigReload re-arms a connection that an auth failure forced down.
// A healthy channel (or one already retrying on a timer) picks up the
// new credentials on its next handshake, so only the fully-down state
// reconnects here.
func (m *Manager) onConfigReload() {
	m.mu.Lock()
	rearm := m.started && !m.stopped && m.sock == nil && m.reconnect == nil
	if rearm {
		m.delayCur = m.baseDelay()
	}
	m.mu.Unlock()
	if rearm {
		m.logger.Info().Msg("Configuration reloaded, reconnecting to conductor")
		m.Connect()
	}
}

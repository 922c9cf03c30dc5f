// Package driver — ocpp.go
//
// OCPP 1.6J adapter over WebSocket. Push transport: the charge point
// streams StatusNotification and MeterValues frames; commands go out as
// OCPP calls (SetChargingProfile for setpoints, RemoteStart/
// RemoteStopTransaction for sessions).
//
// Frame shapes (JSON arrays):
//
//	[2, "uid", "Action", {payload}]          call
//	[3, "uid", {payload}]                    call result
//	[4, "uid", "code", "description", {}]    call error
//
// One WebSocket connection per charge point endpoint, shared by the
// connectors behind it. Per-station serial ordering holds because each
// connection writes under a mutex and calls await their result.
package driver

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/observability"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// OCPP 1.6 actions this adapter speaks.
const (
	actionStatusNotification = "StatusNotification"
	actionMeterValues        = "MeterValues"
	actionHeartbeat          = "Heartbeat"
	actionBootNotification   = "BootNotification"
	actionRemoteStart        = "RemoteStartTransaction"
	actionRemoteStop         = "RemoteStopTransaction"
	actionSetChargingProfile = "SetChargingProfile"
)

// OCPPStation locates one connector behind a charge point endpoint.
type OCPPStation struct {
	Endpoint    string // ws:// or wss:// URL
	ConnectorID int
}

// OCPPSettings parameterizes the adapter.
type OCPPSettings struct {
	Stations         map[string]OCPPStation
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	Breaker          resilience.BreakerSettings
}

// ocppConn is one charge point WebSocket connection with its pending
// call table.
type ocppConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	closed  bool
}

// OCPPDriver implements Driver over OCPP 1.6J.
type OCPPDriver struct {
	set     OCPPSettings
	log     *zap.Logger
	metrics *observability.Metrics

	conns    *pool[*ocppConn]
	breakers map[string]*resilience.Breaker
	bmu      sync.Mutex

	mu        sync.Mutex
	callbacks map[string]StationCallback // station id → observation sink
	status    map[string]state.Status    // last status per station
}

// NewOCPPDriver creates the adapter. metrics may be nil.
func NewOCPPDriver(set OCPPSettings, metrics *observability.Metrics, log *zap.Logger) *OCPPDriver {
	if set.HandshakeTimeout <= 0 {
		set.HandshakeTimeout = 10 * time.Second
	}
	if set.CallTimeout <= 0 {
		set.CallTimeout = 10 * time.Second
	}
	d := &OCPPDriver{
		set:       set,
		log:       log,
		metrics:   metrics,
		breakers:  make(map[string]*resilience.Breaker),
		callbacks: make(map[string]StationCallback),
		status:    make(map[string]state.Status),
	}
	d.conns = newPool(d.dial, func(c *ocppConn) error {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return c.ws.Close()
	})
	return d
}

func (d *OCPPDriver) dial(endpoint string) (*ocppConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.set.HandshakeTimeout,
		Subprotocols:     []string{"ocpp1.6"},
	}
	ws, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, "ocpp dial "+endpoint, err)
	}
	conn := &ocppConn{
		ws:      ws,
		pending: make(map[string]chan json.RawMessage),
	}
	go d.readLoop(endpoint, conn)
	return conn, nil
}

// Protocol implements Driver.
func (d *OCPPDriver) Protocol() Protocol { return ProtocolOCPP }

// Connect implements Driver: dials every configured endpoint so that
// push frames start flowing. Idempotent via the connection pool.
func (d *OCPPDriver) Connect(ctx context.Context) error {
	endpoints := map[string]struct{}{}
	for _, st := range d.set.Stations {
		endpoints[st.Endpoint] = struct{}{}
	}
	for ep := range endpoints {
		if _, err := d.conns.get(ep); err != nil {
			return err
		}
	}
	return nil
}

func (d *OCPPDriver) breaker(endpoint string) *resilience.Breaker {
	d.bmu.Lock()
	defer d.bmu.Unlock()
	b, ok := d.breakers[endpoint]
	if !ok {
		set := d.set.Breaker
		set.Name = "ocpp:" + endpoint
		b = resilience.NewBreaker(set, d.log)
		d.breakers[endpoint] = b
	}
	return b
}

// Breakers returns the per-endpoint breakers for the operator API.
func (d *OCPPDriver) Breakers() []*resilience.Breaker {
	d.bmu.Lock()
	defer d.bmu.Unlock()
	out := make([]*resilience.Breaker, 0, len(d.breakers))
	for _, b := range d.breakers {
		out = append(out, b)
	}
	return out
}

// readLoop consumes frames from one charge point connection.
func (d *OCPPDriver) readLoop(endpoint string, conn *ocppConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.mu.Lock()
			closed := conn.closed
			conn.mu.Unlock()
			if !closed {
				d.log.Warn("ocpp connection lost",
					zap.String("endpoint", endpoint), zap.Error(err))
				d.conns.drop(endpoint)
			}
			return
		}
		d.handleFrame(endpoint, conn, data)
	}
}

func (d *OCPPDriver) handleFrame(endpoint string, conn *ocppConn, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		d.log.Warn("malformed ocpp frame", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	if len(frame) < 3 {
		return
	}
	var msgType int
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		return
	}
	var uid string
	_ = json.Unmarshal(frame[1], &uid)

	switch msgType {
	case 2: // call from the charge point
		var action string
		if err := json.Unmarshal(frame[2], &action); err != nil || len(frame) < 4 {
			return
		}
		d.handleCall(endpoint, conn, uid, action, frame[3])
	case 3: // call result
		conn.mu.Lock()
		ch, ok := conn.pending[uid]
		delete(conn.pending, uid)
		conn.mu.Unlock()
		if ok {
			ch <- frame[2]
		}
	case 4: // call error
		conn.mu.Lock()
		ch, ok := conn.pending[uid]
		delete(conn.pending, uid)
		conn.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}

// handleCall answers charge point calls and converts the push frames to
// observations.
func (d *OCPPDriver) handleCall(endpoint string, conn *ocppConn, uid, action string, payload json.RawMessage) {
	now := time.Now()
	switch action {
	case actionBootNotification:
		d.reply(conn, uid, map[string]any{
			"status": "Accepted", "currentTime": now.UTC().Format(time.RFC3339), "interval": 300,
		})
	case actionHeartbeat:
		d.reply(conn, uid, map[string]any{"currentTime": now.UTC().Format(time.RFC3339)})
	case actionStatusNotification:
		var p struct {
			ConnectorID int    `json:"connectorId"`
			Status      string `json:"status"`
		}
		if err := json.Unmarshal(payload, &p); err == nil {
			d.pushStatus(endpoint, p.ConnectorID, mapOCPPStatus(p.Status), now)
		}
		d.reply(conn, uid, map[string]any{})
	case actionMeterValues:
		var p struct {
			ConnectorID int          `json:"connectorId"`
			MeterValue  []meterValue `json:"meterValue"`
		}
		if err := json.Unmarshal(payload, &p); err == nil {
			d.pushMeterValues(endpoint, p.ConnectorID, p.MeterValue, now)
		}
		d.reply(conn, uid, map[string]any{})
	default:
		// NotImplemented per OCPP-J.
		d.sendError(conn, uid, "NotImplemented", action)
	}
}

func (d *OCPPDriver) pushStatus(endpoint string, connectorID int, status state.Status, at time.Time) {
	stationID, cb := d.lookup(endpoint, connectorID)
	if cb == nil {
		return
	}
	d.mu.Lock()
	d.status[stationID] = status
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolOCPP)).Inc()
	}
	cb(StationObservation{StationID: stationID, Status: status, ObservedAt: at})
}

// meterValue is one OCPP MeterValues entry.
type meterValue struct {
	SampledValue []sampledValue `json:"sampledValue"`
}

type sampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand"`
	Phase     string `json:"phase,omitempty"`
}

func (d *OCPPDriver) pushMeterValues(endpoint string, connectorID int, values []meterValue, at time.Time) {
	stationID, cb := d.lookup(endpoint, connectorID)
	if cb == nil {
		return
	}
	obs := StationObservation{StationID: stationID, ObservedAt: at}
	d.mu.Lock()
	obs.Status = d.status[stationID]
	d.mu.Unlock()

	var phases state.PhaseCurrents
	var havePhases bool
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			val, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			switch sv.Measurand {
			case "Power.Active.Import", "":
				obs.PowerKW = val / 1000 // W on the wire
			case "Energy.Active.Import.Register":
				obs.SessionEnergyKWh = val / 1000 // Wh on the wire
			case "Current.Import":
				havePhases = true
				switch strings.ToUpper(sv.Phase) {
				case "L2":
					phases.B = val
				case "L3":
					phases.C = val
				default:
					phases.A = val
				}
			case "Temperature":
				t := val
				obs.TemperatureC = &t
			case "SoC":
				soc := val
				obs.SoCPercent = &soc
			case "Voltage":
				v := val
				obs.Voltage = &v
			}
		}
	}
	if havePhases {
		obs.Phases = &phases
	}
	if d.metrics != nil {
		d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolOCPP)).Inc()
	}
	cb(obs)
}

func (d *OCPPDriver) lookup(endpoint string, connectorID int) (string, StationCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.set.Stations {
		if st.Endpoint == endpoint && st.ConnectorID == connectorID {
			return id, d.callbacks[id]
		}
	}
	return "", nil
}

// call sends one OCPP call and awaits its result under the breaker.
// The overall exchange, retries included, is bounded by CallTimeout.
func (d *OCPPDriver) call(ctx context.Context, endpoint, action string, payload any) (json.RawMessage, error) {
	if d.set.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.set.CallTimeout)
		defer cancel()
	}
	var result json.RawMessage
	err := d.breaker(endpoint).Execute(ctx, func(ctx context.Context) error {
		conn, err := d.conns.get(endpoint)
		if err != nil {
			return err
		}
		uid := uuid.NewString()
		ch := make(chan json.RawMessage, 1)
		conn.mu.Lock()
		conn.pending[uid] = ch
		conn.mu.Unlock()

		frame, err := json.Marshal([]any{2, uid, action, payload})
		if err != nil {
			return faults.Wrap(faults.KindFatal, "marshal ocpp call", err)
		}
		conn.writeMu.Lock()
		err = conn.ws.WriteMessage(websocket.TextMessage, frame)
		conn.writeMu.Unlock()
		if err != nil {
			d.conns.drop(endpoint)
			return err
		}
		select {
		case res, ok := <-ch:
			if !ok {
				return faults.NonRetryable(faults.Newf(faults.KindTransport,
					"ocpp call %s rejected by charge point", action))
			}
			result = res
			return nil
		case <-ctx.Done():
			conn.mu.Lock()
			delete(conn.pending, uid)
			conn.mu.Unlock()
			return ctx.Err()
		}
	})
	return result, err
}

func (d *OCPPDriver) reply(conn *ocppConn, uid string, payload any) {
	frame, err := json.Marshal([]any{3, uid, payload})
	if err != nil {
		return
	}
	conn.writeMu.Lock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, frame)
	conn.writeMu.Unlock()
}

func (d *OCPPDriver) sendError(conn *ocppConn, uid, code, description string) {
	frame, err := json.Marshal([]any{4, uid, code, description, map[string]any{}})
	if err != nil {
		return
	}
	conn.writeMu.Lock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, frame)
	conn.writeMu.Unlock()
}

// ObserveStation implements Driver: registers the observation sink.
func (d *OCPPDriver) ObserveStation(stationID string, cb StationCallback) error {
	if _, ok := d.set.Stations[stationID]; !ok {
		return faults.Newf(faults.KindValidation, "no ocpp endpoint for station %q", stationID)
	}
	d.mu.Lock()
	d.callbacks[stationID] = cb
	d.mu.Unlock()
	return nil
}

// ObserveMeter implements Driver. OCPP charge points carry no site
// meters; metering rides on MeterValues per connector.
func (d *OCPPDriver) ObserveMeter(meterID string, _ MeterCallback) error {
	return faults.Newf(faults.KindValidation, "ocpp transport has no meter %q", meterID)
}

// setChargingProfile sends a TxDefaultProfile with one limit.
func (d *OCPPDriver) setChargingProfile(ctx context.Context, stationID string, unit string, limit float64) error {
	st, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no ocpp endpoint for station %q", stationID)
	}
	payload := map[string]any{
		"connectorId": st.ConnectorID,
		"csChargingProfiles": map[string]any{
			"chargingProfileId":      st.ConnectorID,
			"stackLevel":             0,
			"chargingProfilePurpose": "TxDefaultProfile",
			"chargingProfileKind":    "Absolute",
			"chargingSchedule": map[string]any{
				"chargingRateUnit": unit,
				"chargingSchedulePeriod": []map[string]any{
					{"startPeriod": 0, "limit": limit},
				},
			},
		},
	}
	res, err := d.call(ctx, st.Endpoint, actionSetChargingProfile, payload)
	d.countCommand(err)
	if err != nil {
		return err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(res, &out); err == nil && out.Status != "Accepted" {
		return faults.NonRetryable(faults.Newf(faults.KindTransport,
			"charge point rejected charging profile: %s", out.Status))
	}
	return nil
}

// CommandAC implements Driver. OCPP charging profiles carry one limit;
// the highest phase current bounds the connector.
func (d *OCPPDriver) CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error {
	limit := phases.A
	if phases.B > limit {
		limit = phases.B
	}
	if phases.C > limit {
		limit = phases.C
	}
	return d.setChargingProfile(ctx, stationID, "A", limit)
}

// CommandDC implements Driver.
func (d *OCPPDriver) CommandDC(ctx context.Context, stationID string, powerKW float64) error {
	return d.setChargingProfile(ctx, stationID, "W", powerKW*1000)
}

// StartSession implements Driver: RemoteStartTransaction.
func (d *OCPPDriver) StartSession(ctx context.Context, stationID, userTag string) (string, error) {
	st, ok := d.set.Stations[stationID]
	if !ok {
		return "", faults.Newf(faults.KindValidation, "no ocpp endpoint for station %q", stationID)
	}
	if userTag == "" {
		userTag = "anonymous"
	}
	res, err := d.call(ctx, st.Endpoint, actionRemoteStart, map[string]any{
		"connectorId": st.ConnectorID,
		"idTag":       userTag,
	})
	d.countCommand(err)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(res, &out); err == nil && out.Status != "Accepted" {
		return "", faults.NonRetryable(faults.Newf(faults.KindTransport,
			"remote start rejected: %s", out.Status))
	}
	return uuid.NewString(), nil
}

// StopSession implements Driver: RemoteStopTransaction.
func (d *OCPPDriver) StopSession(ctx context.Context, stationID string) error {
	st, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no ocpp endpoint for station %q", stationID)
	}
	_, err := d.call(ctx, st.Endpoint, actionRemoteStop, map[string]any{
		"transactionId": st.ConnectorID,
	})
	d.countCommand(err)
	return err
}

// Disconnect implements Driver.
func (d *OCPPDriver) Disconnect(context.Context) error {
	d.conns.closeAll()
	return nil
}

// mapOCPPStatus maps OCPP 1.6 connector status to station status.
func mapOCPPStatus(s string) state.Status {
	switch s {
	case "Available", "Preparing", "Finishing":
		return state.StatusReady
	case "Charging", "SuspendedEV", "SuspendedEVSE":
		return state.StatusCharging
	case "Faulted":
		return state.StatusError
	case "Unavailable", "Reserved":
		return state.StatusUnavailable
	default:
		return state.StatusOffline
	}
}

func (d *OCPPDriver) countCommand(err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.DriverCommandsTotal.WithLabelValues(string(ProtocolOCPP), result).Inc()
}

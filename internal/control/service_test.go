package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/clock"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
	"github.com/charging-platform/evse-simulator/internal/domain/serialization"
	"github.com/charging-platform/evse-simulator/internal/domain/validation"
	"github.com/charging-platform/evse-simulator/internal/message"
	"github.com/charging-platform/evse-simulator/internal/pool"
	"github.com/charging-platform/evse-simulator/internal/profile"
	"github.com/charging-platform/evse-simulator/internal/session"
)

// acceptAllCSMS 对所有CALL回空应答，Boot回Accepted
func acceptAllCSMS(t *testing.T) string {
	upgrader := websocket.Upgrader{Subprotocols: []string{session.Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := serialization.Decode(data)
			if err != nil || frame.Type != ocpp16.Call {
				continue
			}
			var payload interface{} = struct{}{}
			if frame.Action == string(ocpp16.ActionBootNotification) {
				payload = ocpp16.BootNotificationResponse{
					Status:      ocpp16.RegistrationStatusAccepted,
					CurrentTime: ocpp16.NewDateTime(time.Now()),
					Interval:    300,
				}
			}
			if frame.Action == string(ocpp16.ActionHeartbeat) {
				payload = ocpp16.HeartbeatResponse{CurrentTime: ocpp16.NewDateTime(time.Now())}
			}
			reply, err := serialization.EncodeCallResult(frame.MessageID, payload)
			if err != nil {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testService(t *testing.T) (*Service, string) {
	url := acceptAllCSMS(t)
	eventBus := bus.New(zerolog.Nop())
	defaults := session.Config{
		CSMSURL:           url,
		ConnectorCount:    1,
		HeartbeatInterval: time.Hour,
		MeterInterval:     time.Hour,
		CallTimeout:       5 * time.Second,
	}
	p := pool.New(pool.Config{MaxSessions: 10}, defaults, clock.New(), eventBus,
		validation.NewValidator(), session.NewHandlerRegistry(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() { p.Stop(); cancel() })
	return NewService(p, eventBus, zerolog.Nop()), url
}

func waitAvailable(t *testing.T, svc *Service, sessionID string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Snapshot(sessionID)
		if err == nil && snap.State == events.StateAvailable {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never became available")
}

func TestServiceSessionLifecycle(t *testing.T) {
	svc, url := testService(t)

	sessionID, err := svc.CreateSession(session.Config{
		ChargePointID: "CP-CTL-1", CSMSURL: url,
		HeartbeatInterval: time.Hour, CallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	require.NoError(t, svc.OpenSession(sessionID))
	waitAvailable(t, svc, sessionID)

	// 按chargePointId寻址同样有效
	snap, err := svc.Snapshot("CP-CTL-1")
	require.NoError(t, err)
	assert.Equal(t, sessionID, snap.ID)

	payload, err := svc.SendCall(sessionID, string(ocpp16.ActionHeartbeat), nil, 0)
	require.NoError(t, err)
	var hb ocpp16.HeartbeatResponse
	require.NoError(t, json.Unmarshal(payload, &hb))

	require.NoError(t, svc.CloseSession(sessionID, "test done"))
}

func TestServiceSessionNotFound(t *testing.T) {
	svc, _ := testService(t)

	assert.ErrorIs(t, svc.OpenSession("nope"), pool.ErrSessionNotFound)
	assert.ErrorIs(t, svc.CloseSession("nope", ""), pool.ErrSessionNotFound)
	_, err := svc.SendCall("nope", "Heartbeat", nil, 0)
	assert.ErrorIs(t, err, pool.ErrSessionNotFound)
	_, err = svc.Snapshot("nope")
	assert.ErrorIs(t, err, pool.ErrSessionNotFound)
}

func TestServiceProfileOperations(t *testing.T) {
	svc, url := testService(t)

	sessionID, err := svc.CreateSession(session.Config{
		ChargePointID: "CP-CTL-2", CSMSURL: url,
		HeartbeatInterval: time.Hour, CallTimeout: 5 * time.Second,
		Profile: profile.Config{VoltageV: 230, DefaultPhases: 3, MaxPowerW: 22000},
	})
	require.NoError(t, err)
	require.NoError(t, svc.OpenSession(sessionID))
	waitAvailable(t, svc, sessionID)

	status, err := svc.SetProfile(sessionID, 1, ocpp16.ChargingProfile{
		ChargingProfileId:      7,
		StackLevel:             0,
		ChargingProfilePurpose: ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			ChargingRateUnit: ocpp16.ChargingRateUnitW,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 6000},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, profile.SetAccepted, status)

	schedule, err := svc.GetCompositeSchedule(sessionID, 1, 10*time.Minute, ocpp16.ChargingRateUnitW)
	require.NoError(t, err)
	require.NotEmpty(t, schedule.ChargingSchedulePeriod)
	assert.Equal(t, 6000.0, schedule.ChargingSchedulePeriod[0].Limit)

	cleared, err := svc.ClearProfile(sessionID, profile.ClearCriteria{})
	require.NoError(t, err)
	assert.Equal(t, []int{7}, cleared)
}

func TestServiceSubscribe(t *testing.T) {
	svc, url := testService(t)

	sub := svc.Subscribe(64, events.TopicSessionEvent)
	defer sub.Cancel()

	sessionID, err := svc.CreateSession(session.Config{
		ChargePointID: "CP-CTL-3", CSMSURL: url,
		HeartbeatInterval: time.Hour, CallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, svc.OpenSession(sessionID))

	select {
	case event := <-sub.Events():
		se, ok := event.(*events.SessionEvent)
		require.True(t, ok)
		assert.Equal(t, sessionID, se.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no session event on subscription")
	}
}

func TestServiceHandleCommand(t *testing.T) {
	svc, url := testService(t)

	sessionID, err := svc.CreateSession(session.Config{
		ChargePointID: "CP-CTL-4", CSMSURL: url,
		HeartbeatInterval: time.Hour, CallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	// 未知指令不panic
	svc.HandleCommand(&message.Command{Type: "bogus"})

	// openSession指令按chargePointId寻址
	svc.HandleCommand(&message.Command{Type: message.CommandOpenSession, ChargePointID: "CP-CTL-4"})
	waitAvailable(t, svc, sessionID)

	svc.HandleCommand(&message.Command{Type: message.CommandCloseSession, SessionID: sessionID, Reason: "remote"})
	deadline := time.Now().Add(3 * time.Second)
	closed := false
	for time.Now().Before(deadline) {
		if _, err := svc.Snapshot(sessionID); err != nil {
			closed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, closed, "session should be closed by command")
}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFillCore/internal/auth"
	"github.com/KevinKickass/OpenFillCore/internal/config"
	"github.com/KevinKickass/OpenFillCore/internal/interfaces"
	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

type fakeHistory struct {
	records []machine.PourRecord
	err     error
}

func (f *fakeHistory) RecentPourRecords(_ context.Context, limit int) ([]machine.PourRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

type fakeRuntime struct {
	cfg     *config.Config
	ctrl    *machine.Controller
	arbiter *machine.Arbiter
	cleaner *machine.Cleaner
	healthy bool
	history interfaces.PourHistory
}

func (f *fakeRuntime) Config() *config.Config          { return f.cfg }
func (f *fakeRuntime) Controller() *machine.Controller { return f.ctrl }
func (f *fakeRuntime) Arbiter() *machine.Arbiter       { return f.arbiter }
func (f *fakeRuntime) Cleaner() *machine.Cleaner       { return f.cleaner }
func (f *fakeRuntime) Healthy() bool                   { return f.healthy }
func (f *fakeRuntime) History() interfaces.PourHistory { return f.history }

const (
	operatorPIN   = "1111"
	technicianPIN = "9999"
)

func newTestServer(t *testing.T) (*Server, *fakeRuntime) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	actuator := machine.NewActuator(logger)
	go actuator.Run(ctx)

	ctrl, err := machine.NewController(logger, actuator, machine.Settings{
		Speeds: machine.Speeds{Fast: 40, Slow: 20, Clean: 50, Prime: 40},
		Cleaning: machine.CleaningParams{
			InitialDelay: 10 * time.Millisecond,
			ToggleDelay:  50 * time.Millisecond,
			Interval:     50 * time.Millisecond,
			StopDelay:    time.Millisecond,
		},
		Flavours: []machine.FlavourProfile{
			{ID: "brie", Name: "Brie", DesiredVolume: 1.6, MouldTareWeight: 1.2},
			{ID: "food_service", Name: "Food Service", DesiredVolume: 2.0, MouldTareWeight: 1.4},
		},
		DefaultFlavour: "brie",
	}, machine.Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	h := auth.NewPINHasher()
	opHash, err := h.Hash(operatorPIN)
	if err != nil {
		t.Fatal(err)
	}
	techHash, err := h.Hash(technicianPIN)
	if err != nil {
		t.Fatal(err)
	}
	authService := auth.NewAuthService(config.AuthConfig{
		Enabled:           true,
		AccessTokenTTL:    time.Hour,
		OperatorPINHash:   opHash,
		TechnicianPINHash: techHash,
	}, nil, logger)

	rt := &fakeRuntime{
		cfg:     &config.Config{},
		ctrl:    ctrl,
		arbiter: machine.NewArbiter(ctrl, logger),
		cleaner: machine.NewCleaner(ctrl, logger),
		healthy: true,
	}
	hub := websocket.NewHub(logger, ctrl)
	return NewServer(rt.cfg, rt, logger, hub, authService), rt
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server, pin string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{PIN: pin})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	s, rt := newTestServer(t)

	if w := do(t, s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthy: status %d", w.Code)
	}

	rt.healthy = false
	w := do(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("stale: status %d", w.Code)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Healthy {
		t.Errorf("body %s", w.Body.String())
	}
}

func TestLogin(t *testing.T) {
	s, _ := newTestServer(t)

	if w := do(t, s, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{PIN: "0000"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong pin: status %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty body: status %d", w.Code)
	}

	token := login(t, s, operatorPIN)
	w := do(t, s, http.MethodGet, "/api/v1/auth/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: status %d", w.Code)
	}
	var me struct {
		Role auth.Role `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil || me.Role != auth.RoleOperator {
		t.Errorf("me = %s", w.Body.String())
	}
}

func TestMachineStatus(t *testing.T) {
	s, _ := newTestServer(t)

	if w := do(t, s, http.MethodGet, "/api/v1/machine/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status %d", w.Code)
	}

	token := login(t, s, operatorPIN)
	w := do(t, s, http.MethodGet, "/api/v1/machine/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var st statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != machine.StateWaitingForMould || st.Flavour != "brie" || !st.Healthy {
		t.Errorf("status = %+v", st)
	}
	if st.Gate != "disabled" {
		t.Errorf("gate = %s", st.Gate)
	}
}

func TestOperatorCommands(t *testing.T) {
	s, rt := newTestServer(t)
	token := login(t, s, operatorPIN)
	ctrl := rt.ctrl

	tests := []struct {
		name   string
		path   string
		body   any
		want   int
		verify func(t *testing.T)
	}{
		{
			name: "enable filling",
			path: "/api/v1/machine/filling",
			body: map[string]bool{"enabled": true},
			want: http.StatusOK,
			verify: func(t *testing.T) {
				if ctrl.Gate() != machine.GateEnabled {
					t.Error("gate not enabled")
				}
			},
		},
		{
			name: "filling without flag",
			path: "/api/v1/machine/filling",
			body: map[string]string{},
			want: http.StatusBadRequest,
		},
		{
			name: "select flavour",
			path: "/api/v1/machine/flavour",
			body: map[string]string{"id": "food_service"},
			want: http.StatusOK,
			verify: func(t *testing.T) {
				if got := ctrl.Status().Flavour; got != "food_service" {
					t.Errorf("flavour = %s", got)
				}
			},
		},
		{
			name: "unknown flavour",
			path: "/api/v1/machine/flavour",
			body: map[string]string{"id": "gouda"},
			want: http.StatusNotFound,
		},
		{
			name: "batch",
			path: "/api/v1/machine/batch",
			body: map[string]string{"batch": "B-0815"},
			want: http.StatusOK,
			verify: func(t *testing.T) {
				if got := ctrl.Status().Batch; got != "B-0815" {
					t.Errorf("batch = %s", got)
				}
			},
		},
		{
			name: "speeds need technician",
			path: "/api/v1/machine/speeds",
			body: map[string]float64{"fast_speed": 45},
			want: http.StatusForbidden,
		},
		{
			name: "cleaning needs technician",
			path: "/api/v1/machine/cleaning/start",
			want: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, token, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.verify != nil {
				tt.verify(t)
			}
		})
	}
}

func TestTopUp(t *testing.T) {
	s, rt := newTestServer(t)
	token := login(t, s, operatorPIN)

	if w := do(t, s, http.MethodPost, "/api/v1/machine/topup/middle/start", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid side: status %d", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/v1/machine/topup/left/start", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status %d", w.Code)
	}
	var resp struct {
		Accepted bool                `json:"accepted"`
		Manual   machine.ManualHolds `json:"manual"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || !resp.Manual.Left || resp.Manual.Right {
		t.Errorf("start response = %+v", resp)
	}
	if st := rt.ctrl.Status(); !st.Commands.LeftValveOpen || !st.Commands.PumpRunning {
		t.Errorf("outputs after top-up start = %+v", st.Commands)
	}

	w = do(t, s, http.MethodPost, "/api/v1/machine/topup/left/stop", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status %d", w.Code)
	}
	if st := rt.ctrl.Status(); st.Commands.LeftValveOpen || st.Commands.PumpRunning {
		t.Errorf("outputs after top-up stop = %+v", st.Commands)
	}
}

func TestTechnicianCommands(t *testing.T) {
	s, rt := newTestServer(t)
	token := login(t, s, technicianPIN)

	w := do(t, s, http.MethodPost, "/api/v1/machine/speeds", token, map[string]float64{"fast_speed": 45, "slow_speed": 12.5})
	if w.Code != http.StatusOK {
		t.Fatalf("speeds: status %d", w.Code)
	}
	sp := rt.ctrl.Speeds()
	if sp.Fast != 45 || sp.Slow != 12.5 || sp.Clean != 50 {
		t.Errorf("speeds = %+v", sp)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/machine/speeds", token, map[string]float64{"fast_speed": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("negative speed: status %d", w.Code)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/machine/cleaning/start", token, nil); w.Code != http.StatusAccepted {
		t.Fatalf("cleaning start: status %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/api/v1/machine/cleaning/start", token, nil); w.Code != http.StatusConflict {
		t.Errorf("second cleaning start: status %d", w.Code)
	}

	w = do(t, s, http.MethodPost, "/api/v1/machine/cleaning/stop", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleaning stop: status %d", w.Code)
	}
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.Stopped {
		t.Errorf("stop response %s", w.Body.String())
	}
}

func TestRecords(t *testing.T) {
	s, rt := newTestServer(t)
	token := login(t, s, operatorPIN)

	if w := do(t, s, http.MethodGet, "/api/v1/machine/records", token, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no database: status %d", w.Code)
	}

	rt.history = &fakeHistory{records: []machine.PourRecord{
		{Flavour: "brie", LeftPour: 1.6, RightPour: 1.6},
		{Flavour: "brie", LeftPour: 1.58, RightPour: 1.61},
	}}
	w := do(t, s, http.MethodGet, "/api/v1/machine/records?limit=1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Count != 1 {
		t.Errorf("body %s", w.Body.String())
	}

	if w := do(t, s, http.MethodGet, "/api/v1/machine/records?limit=abc", token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", w.Code)
	}

	rt.history = &fakeHistory{err: errors.New("connection refused")}
	if w := do(t, s, http.MethodGet, "/api/v1/machine/records", token, nil); w.Code != http.StatusInternalServerError {
		t.Errorf("db error: status %d", w.Code)
	}
}

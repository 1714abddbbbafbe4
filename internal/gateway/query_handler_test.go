package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/paintbox/internal/canvas"
	"github.com/mcdev12/paintbox/internal/models"
)

type fakeCanvasAdmin struct {
	fakeCanvases
	created *canvas.CreateCanvasRequest
	active  []models.Canvas
	err     error
}

func (f *fakeCanvasAdmin) GetAllPixels(ctx context.Context, canvasID uuid.UUID) ([]models.Pixel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pixels, nil
}

func (f *fakeCanvasAdmin) CreateCanvas(ctx context.Context, req canvas.CreateCanvasRequest) (*models.Canvas, error) {
	f.created = &req
	return &models.Canvas{ID: uuid.New(), Name: req.Name, Width: req.Width, Height: req.Height}, nil
}

func (f *fakeCanvasAdmin) ListActiveCanvases(ctx context.Context) ([]models.Canvas, error) {
	return f.active, nil
}

type fakeRoundEnder struct {
	ended  []uuid.UUID
	result bool
}

func (f *fakeRoundEnder) ForceEnd(ctx context.Context, canvasID uuid.UUID) bool {
	f.ended = append(f.ended, canvasID)
	return f.result
}

func queryMux(admin *fakeCanvasAdmin, cooldowns *fakeCooldowns, rounds *fakeRoundEnder) *http.ServeMux {
	mux := http.NewServeMux()
	NewQueryHandler(admin, cooldowns, rounds).RegisterRoutes(mux)
	return mux
}

func TestGetAllPixelsEndpoint(t *testing.T) {
	admin := &fakeCanvasAdmin{}
	admin.pixels = []models.Pixel{{X: 1, Y: 2, Color: "#ff0000"}}
	mux := queryMux(admin, &fakeCooldowns{}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/canvas/"+uuid.New().String()+"/pixels", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pixels []models.Pixel `json:"pixels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, admin.pixels, body.Pixels)
}

func TestGetAllPixelsUnknownCanvasIs404(t *testing.T) {
	admin := &fakeCanvasAdmin{err: canvas.ErrCanvasNotFound}
	mux := queryMux(admin, &fakeCooldowns{}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/canvas/"+uuid.New().String()+"/pixels", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCooldownEndpoint(t *testing.T) {
	mux := queryMux(&fakeCanvasAdmin{}, &fakeCooldowns{remaining: 4 * time.Second}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/canvas/"+uuid.New().String()+"/cooldown?user_id=user-a", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var info CooldownInfoPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, int64(4_000), info.RemainingMs)
}

func TestGetCooldownRequiresUserID(t *testing.T) {
	mux := queryMux(&fakeCanvasAdmin{}, &fakeCooldowns{}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/canvas/"+uuid.New().String()+"/cooldown", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceEndEndpoint(t *testing.T) {
	rounds := &fakeRoundEnder{result: true}
	mux := queryMux(&fakeCanvasAdmin{}, &fakeCooldowns{}, rounds)
	canvasID := uuid.New()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/canvas/"+canvasID.String()+"/end", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rounds.ended, 1)
	assert.Equal(t, canvasID, rounds.ended[0])
	assert.JSONEq(t, `{"ended": true}`, rec.Body.String())
}

func TestForceEndRejectsBadID(t *testing.T) {
	mux := queryMux(&fakeCanvasAdmin{}, &fakeCooldowns{}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/canvas/not-a-uuid/end", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCanvasEndpoint(t *testing.T) {
	admin := &fakeCanvasAdmin{}
	mux := queryMux(admin, &fakeCooldowns{}, &fakeRoundEnder{})

	body := `{"name":"plaza","width":100,"height":100,"mode":"FREE_PAINT"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/canvas", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, admin.created)
	assert.Equal(t, "plaza", admin.created.Name)
	assert.Equal(t, 100, admin.created.Width)
}

func TestHealthEndpoint(t *testing.T) {
	mux := queryMux(&fakeCanvasAdmin{}, &fakeCooldowns{}, &fakeRoundEnder{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

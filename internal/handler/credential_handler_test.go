package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"integration-service/internal/ledger"
	"integration-service/internal/model"
	"integration-service/internal/notifier"
	"integration-service/internal/registry"
	"integration-service/pkg/config"
	"integration-service/prometheus"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	prometheus.InitMetrics(cfg)
	os.Exit(m.Run())
}

func setupHandlers(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Credential{},
		&model.Connection{},
		&model.Delivery{},
	))

	log := zap.NewNop()
	r := registry.New(db, log)
	l := ledger.New(db, log, 5, 1000)
	Init(r, l, notifier.New(db, l, log))

	return db
}

func doRequest(t *testing.T, h echo.HandlerFunc, method, path, body string, ownerID uint, pathParams map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	c := e.NewContext(req, rec)
	c.Set("user_id", ownerID)
	for name, value := range pathParams {
		c.SetParamNames(name)
		c.SetParamValues(value)
	}

	require.NoError(t, h(c))
	return rec
}

func TestCreateCredentialShowsTokenOnce(t *testing.T) {
	setupHandlers(t)

	rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"crm","connection_limit":2,"callback_url":"https://example.com/hook","subscribed_events":["message"]}`,
		1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Credential model.Credential `json:"credential"`
		Token      string           `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Token, "live_"))
	assert.NotEmpty(t, created.Credential.ID)

	// The serialized credential never carries the hash or callback secret
	assert.NotContains(t, rec.Body.String(), "secret_hash")
	assert.NotContains(t, rec.Body.String(), "callback_secret")

	// Listing shows display fragments but never the token
	listRec := doRequest(t, ListCredentials, http.MethodGet, "/api/credentials", "", 1, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), created.Credential.DisplayPrefix)
	assert.NotContains(t, listRec.Body.String(), created.Token)
}

func TestCreateCredentialValidation(t *testing.T) {
	setupHandlers(t)

	rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"","connection_limit":1}`, 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"x","connection_limit":0}`, 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"x","connection_limit":1,"subscribed_events":["bogus"]}`, 1, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotateCredentialReturnsFreshToken(t *testing.T) {
	setupHandlers(t)

	rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"rotate","connection_limit":1}`, 1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Credential model.Credential `json:"credential"`
		Token      string           `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rotateRec := doRequest(t, RotateCredential, http.MethodPost, "/rotate", "",
		1, map[string]string{"id": created.Credential.ID})
	require.Equal(t, http.StatusOK, rotateRec.Code)

	var rotated struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rotateRec.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.Token)
	assert.NotEqual(t, created.Token, rotated.Token)
}

func TestCredentialOwnerScoping(t *testing.T) {
	setupHandlers(t)

	rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"owned","connection_limit":1}`, 1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Credential model.Credential `json:"credential"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Another owner sees 404, not 403, for a foreign credential
	foreign := doRequest(t, RotateCredential, http.MethodPost, "/rotate", "",
		99, map[string]string{"id": created.Credential.ID})
	assert.Equal(t, http.StatusNotFound, foreign.Code)

	foreignDelete := doRequest(t, DeleteCredential, http.MethodDelete, "/", "",
		99, map[string]string{"id": created.Credential.ID})
	assert.Equal(t, http.StatusNotFound, foreignDelete.Code)
}

func TestActiveCredentialsGaugeFollowsStatusChanges(t *testing.T) {
	setupHandlers(t)

	var ids []string
	for _, name := range []string{"first", "second"} {
		rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
			`{"name":"`+name+`","connection_limit":1}`, 1, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		var created struct {
			Credential model.Credential `json:"credential"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		ids = append(ids, created.Credential.ID)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(prometheus.ActiveCredentialsGauge))

	// Suspending takes a credential off the gauge
	rec := doRequest(t, UpdateCredentialStatus, http.MethodPatch, "/status",
		`{"status":"suspended"}`, 1, map[string]string{"id": ids[0]})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(prometheus.ActiveCredentialsGauge))

	// Reactivating puts it back
	rec = doRequest(t, UpdateCredentialStatus, http.MethodPatch, "/status",
		`{"status":"active"}`, 1, map[string]string{"id": ids[0]})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), testutil.ToFloat64(prometheus.ActiveCredentialsGauge))

	// Deleting counts too
	deleteRec := doRequest(t, DeleteCredential, http.MethodDelete, "/", "",
		1, map[string]string{"id": ids[1]})
	require.Equal(t, http.StatusNoContent, deleteRec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(prometheus.ActiveCredentialsGauge))
}

func TestDeleteCredential(t *testing.T) {
	setupHandlers(t)

	rec := doRequest(t, CreateCredential, http.MethodPost, "/api/credentials",
		`{"name":"doomed","connection_limit":1}`, 1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Credential model.Credential `json:"credential"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	deleteRec := doRequest(t, DeleteCredential, http.MethodDelete, "/", "",
		1, map[string]string{"id": created.Credential.ID})
	assert.Equal(t, http.StatusNoContent, deleteRec.Code)

	again := doRequest(t, DeleteCredential, http.MethodDelete, "/", "",
		1, map[string]string{"id": created.Credential.ID})
	assert.Equal(t, http.StatusNotFound, again.Code)
}

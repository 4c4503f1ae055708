package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/orsched/internal/platform/auth"
)

func TestResolveTenant(t *testing.T) {
	tests := []struct {
		name   string
		claim  string
		header string
		want   string
	}{
		{"claim wins", "claim_t", "header_t", "claim_t"},
		{"header", "", "header_t", "header_t"},
		{"default", "", "", "default"},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.claim != "" {
				c.Set(auth.TenantKey, tt.claim)
			}
			assert.Equal(t, tt.want, ResolveTenant(c, "default"))
		})
	}
}

func TestSchemaName(t *testing.T) {
	for _, id := range []string{"acme", "st_marys", "T1"} {
		s, err := SchemaName(id)
		require.NoError(t, err, id)
		assert.Equal(t, "tenant_"+id, s)
	}
	for _, id := range []string{"", "a-b", "x; DROP SCHEMA public", "café", "a b"} {
		_, err := SchemaName(id)
		assert.Error(t, err, "SchemaName(%q) should fail", id)
	}
}

func TestTenantMiddleware_WithoutPool(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "acme")
	c := e.NewContext(req, httptest.NewRecorder())

	var seen string
	err := TenantMiddleware(nil, "default")(func(c echo.Context) error {
		seen = TenantFromContext(c.Request().Context())
		assert.Nil(t, ConnFromContext(c.Request().Context()), "no connection expected without a pool")
		return nil
	})(c)
	require.NoError(t, err)
	assert.Equal(t, "acme", seen)
	assert.Equal(t, "acme", c.Get(auth.TenantKey))
}

func TestTenantMiddleware_RejectsBadTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TenantHeader, "evil;--")
	c := e.NewContext(req, httptest.NewRecorder())

	err := TenantMiddleware(nil, "default")(func(echo.Context) error {
		t.Error("handler should not run")
		return nil
	})(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestCreateTenantSchema(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "tenant_acme"`).WillReturnResult(pgxmock.NewResult("CREATE SCHEMA", 0))

	schema, err := CreateTenantSchema(context.Background(), mock, "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, "tenant_acme", schema)

	_, err = CreateTenantSchema(context.Background(), mock, "bad-id", nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, 42)
	assert.Empty(t, TenantFromContext(ctx))
}

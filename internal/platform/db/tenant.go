package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/orsched/internal/platform/auth"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"

	TenantHeader = "X-Tenant-ID"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// SchemaName maps a tenant to its Postgres schema.
func SchemaName(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	return "tenant_" + tenantID, nil
}

func searchPath(schema string) string {
	return "SET search_path TO " + pgx.Identifier{schema}.Sanitize() + ", public"
}

// TenantMiddleware resolves the tenant and, when pool is non-nil, pins a
// connection whose search_path points at the tenant schema for the rest of
// the request.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := ResolveTenant(c, defaultTenant)
			if _, err := SchemaName(tenantID); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := context.WithValue(c.Request().Context(), TenantIDKey, tenantID)
			c.Set(auth.TenantKey, tenantID)

			if pool != nil {
				var (
					release func()
					err     error
				)
				ctx, release, err = AcquireTenantConn(ctx, pool, tenantID)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer release()
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// AcquireTenantConn pins a pool connection to the tenant schema and returns a
// context carrying it. Stores pick the connection up with ConnFromContext.
func AcquireTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return ctx, nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, searchPath(schema)); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path for %s: %w", schema, err)
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, DBConnKey, conn), conn.Release, nil
}

// ResolveTenant prefers the token claim, then the X-Tenant-ID header.
func ResolveTenant(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(auth.TenantKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	return defaultTenant
}

func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant schema and migrates it. A nil
// migrator only creates the schema.
func CreateTenantSchema(ctx context.Context, conn Conn, tenantID string, migrator *Migrator) (string, error) {
	schema, err := SchemaName(tenantID)
	if err != nil {
		return "", err
	}
	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return "", fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return "", fmt.Errorf("migrate %s: %w", schema, err)
		}
	}
	return schema, nil
}

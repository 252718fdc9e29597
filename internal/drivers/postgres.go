// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package drivers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tombee/ferry/internal/registry"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/table"
)

// postgres.extract runs "query" with optional positional "args". The
// connection string comes from "dsn" or the variable named by "dsn_env".
func newPostgresExtract(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		query, err := requireString(req.Config, "query")
		if err != nil {
			return nil, err
		}
		dsn := stringOpt(req.Config, "dsn", "")
		if dsn == "" {
			envName := stringOpt(req.Config, "dsn_env", "DATABASE_URL")
			dsn = os.Getenv(envName)
			if dsn == "" {
				return nil, &ferryerrors.ConfigError{Key: "dsn", Reason: fmt.Sprintf("no dsn configured and %s is empty", envName)}
			}
		}
		var args []any
		if raw, ok := req.Config["args"].([]any); ok {
			args = raw
		}

		timeout := 5 * time.Second
		if s := stringOpt(req.Config, "connect_timeout", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, &ferryerrors.ConfigError{Key: "connect_timeout", Reason: "invalid duration", Cause: err}
			}
			timeout = d
		}

		connCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := pgx.Connect(connCtx, dsn)
		cancel()
		if err != nil {
			return nil, classifyPG("postgres connect", err)
		}
		defer conn.Close(context.WithoutCancel(ctx))

		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return nil, classifyPG("postgres query", err)
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.Name
		}

		var data [][]any
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return nil, classifyPG("postgres scan", err)
			}
			row := make([]any, len(values))
			for i, v := range values {
				row[i] = fromPG(v)
			}
			data = append(data, row)
		}
		if err := rows.Err(); err != nil {
			return nil, classifyPG("postgres query", err)
		}

		cols := make([]table.Column, len(names))
		for c, name := range names {
			values := make([]any, len(data))
			for r := range data {
				values[r] = data[r][c]
			}
			cols[c] = table.Column{Name: name, Type: table.InferType(values)}
		}
		t, err := table.New(cols, data)
		if err != nil {
			return nil, err
		}
		return single(t), nil
	}), nil
}

// classifyPG marks connection-level and serialization failures transient.
func classifyPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300": // too_many_connections
			return &ferryerrors.TransientError{Operation: op, Cause: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ferryerrors.TimeoutError{Operation: op, Cause: err}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &ferryerrors.TransientError{Operation: op, Cause: err}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &ferryerrors.TransientError{Operation: op, Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// fromPG maps decoded PostgreSQL values onto table cell types.
func fromPG(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if f, err := x.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case *big.Int:
		return x.String()
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", x[0:4], x[4:6], x[6:8], x[8:10], x[10:16])
	default:
		return fmt.Sprint(x)
	}
}

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ngrok/sqlmw"
	"github.com/prometheus/client_golang/prometheus"
)

// instrumentedDriver is the database/sql driver InitDB opens for
// postgres: the stock pgx driver wrapped with the metric interceptor.
const instrumentedDriver = "pgx-metrics"

var (
	opRegex     = regexp.MustCompile(`^\w+`)
	pgOpLatency *prometheus.HistogramVec
	pgOpTotal   *prometheus.CounterVec
)

type metricInterceptor struct {
	sqlmw.NullInterceptor
}

func init() {
	pgOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "pg_op_duration_milliseconds",
		Help:      "Time spent on a postgres operation",
		Subsystem: "chainproof",
		Buckets:   []float64{100, 300, 500, 1000, 5000},
	},
		[]string{"op", "method"},
	)
	pgOpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "pg_op_total",
		Help:      "Number of postgres operations",
		Subsystem: "chainproof",
	},
		[]string{"op"},
	)

	prometheus.MustRegister(pgOpLatency)
	prometheus.MustRegister(pgOpTotal)

	sql.Register(instrumentedDriver, sqlmw.Driver(stdlib.GetDefaultDriver(), &metricInterceptor{}))
}

func (mi *metricInterceptor) ConnBeginTx(ctx context.Context, conn driver.ConnBeginTx, opts driver.TxOptions) (context.Context, driver.Tx, error) {
	start := time.Now()
	defer mi.measure("conn-begin-tx", "conn-begin-tx", start)

	tx, err := conn.BeginTx(ctx, opts)
	return ctx, tx, err
}

func (mi *metricInterceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	defer mi.measure("conn-exec-context", queryOp(query), start)

	return conn.ExecContext(ctx, query, args)
}

func (mi *metricInterceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	defer mi.measure("conn-query-context", queryOp(query), start)

	rows, err := conn.QueryContext(ctx, query, args)
	return ctx, rows, err
}

func (mi *metricInterceptor) ConnectorConnect(ctx context.Context, conn driver.Connector) (driver.Conn, error) {
	start := time.Now()
	defer mi.measure("connector-connect", "connector-connect", start)

	return conn.Connect(ctx)
}

func (mi *metricInterceptor) StmtExecContext(ctx context.Context, conn driver.StmtExecContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	defer mi.measure("stmt-exec-context", queryOp(query), start)

	return conn.ExecContext(ctx, args)
}

func (mi *metricInterceptor) StmtQueryContext(ctx context.Context, conn driver.StmtQueryContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	defer mi.measure("stmt-query-context", queryOp(query), start)

	rows, err := conn.QueryContext(ctx, args)
	return ctx, rows, err
}

func (mi *metricInterceptor) TxCommit(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	defer mi.measure("tx-commit", "tx-commit", start)

	return conn.Commit()
}

func (mi *metricInterceptor) TxRollback(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	defer mi.measure("tx-rollback", "tx-rollback", start)

	return conn.Rollback()
}

func (mi *metricInterceptor) measure(op, method string, start time.Time) {
	pgOpTotal.With(prometheus.Labels{"op": op}).Inc()
	pgOpLatency.With(prometheus.Labels{"op": op, "method": method}).
		Observe(float64(time.Since(start).Milliseconds()))
}

// queryOp extracts the leading SQL verb, so latency splits by
// select/insert/update/delete instead of one bucket per statement.
func queryOp(query string) string {
	if m := opRegex.FindString(strings.TrimSpace(query)); m != "" {
		return strings.ToLower(m)
	}
	return "unknown"
}

// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package caldb gives access to the calibration database of the
// daughterboards: the per-board constants used by the clock synchronization
// and the outcome of the past synchronizations.
package caldb // import "github.com/go-lpc/dbinit/caldb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/dbinit/tdc"
	"github.com/go-sql-driver/mysql"
)

const (
	timeout = 5 * time.Second

	// DefaultSlope is the phase shift of one phase DAC code (s) of an
	// uncalibrated board.
	DefaultSlope = 1.1e-12
)

var drvName = "mysql"

// Config describes how to reach the calibration database.
type Config struct {
	User     string
	Password string
	Host     string // host[:port]
	Name     string // name of the database
}

func (cfg Config) dsn() string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Host
	c.DBName = cfg.Name
	c.ParseTime = true
	c.Timeout = timeout
	return c.FormatDSN()
}

// Calibration holds the calibration constants of a daughterboard.
type Calibration struct {
	Serial     string
	TraceDelay float64 // routing delay of the reference PPS (s)
	DACSlope   float64 // phase shift of one phase DAC code (s)
}

// DB exposes convenience methods to retrieve and store calibration data.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the calibration database described by cfg.
func Open(cfg Config) (*DB, error) {
	db, err := sql.Open(drvName, cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("caldb: could not open %q db: %w", cfg.Name, err)
	}

	err = ping(db, cfg.Name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: cfg.Name}, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("caldb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Calibration returns the last calibration of the board with the provided
// serial number.
// Boards without a calibration get a zero trace delay and DefaultSlope.
func (db *DB) Calibration(ctx context.Context, serial string) (Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cal := Calibration{Serial: serial, DACSlope: DefaultSlope}
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT trace_delay, dac_slope FROM calibrations WHERE serial=? ORDER BY datetime DESC LIMIT 1",
		serial,
	)
	if err != nil {
		return cal, fmt.Errorf("caldb: could not query calibration of %q: %w", serial, err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&cal.TraceDelay, &cal.DACSlope)
		if err != nil {
			return cal, fmt.Errorf("caldb: could not get calibration of %q: %w", serial, err)
		}
	}

	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("caldb: could not scan db for calibration of %q: %w", serial, err)
	}

	if err := ctx.Err(); err != nil {
		return cal, fmt.Errorf("caldb: context error while retrieving calibration of %q: %w", serial, err)
	}

	if cal.DACSlope <= 0 {
		cal.DACSlope = DefaultSlope
	}

	return cal, nil
}

// SaveSync records the outcome of a clock synchronization of the board
// with the provided serial number.
func (db *DB) SaveSync(ctx context.Context, serial string, res tdc.SyncResult) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		"INSERT INTO syncs (serial, datetime, offset, residual, dac_code, iterations) VALUES (?, ?, ?, ?, ?, ?)",
		serial, time.Now().UTC(),
		res.MeasuredOffset, res.ResidualError, int64(res.DACCode), int64(res.Iterations),
	)
	if err != nil {
		return fmt.Errorf("caldb: could not save sync result of %q: %w", serial, err)
	}
	return nil
}

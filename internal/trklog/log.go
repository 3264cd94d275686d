// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package trklog wires one shared btclog backend across the subsystem
// loggers in the daemon (tracker, scanner, publisher, controlplane,
// nodeclient), matching the per-package UseLogger convention the teacher
// uses in mining/randomx/miner.go. The daemon entrypoint calls
// InitLogRotator once at startup and then hands each of those packages a
// fresh logger through its UseLogger function; until then each package
// logs through the default logger it set up at init.
package trklog

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Backend is the shared logging backend every subsystem logger is created
// from.
var Backend = btclog.NewBackend(os.Stdout)

// Subsystem tags, one per long-lived component (spec §2).
const (
	SubsystemSchnorr      = "SCHN"
	SubsystemKVStore      = "KVST"
	SubsystemDict         = "DICT"
	SubsystemNote         = "NOTE"
	SubsystemTracker      = "TRKR"
	SubsystemReserve      = "RESV"
	SubsystemRedemption   = "REDM"
	SubsystemScanner      = "SCAN"
	SubsystemPublisher    = "PUBL"
	SubsystemControlPlane = "CTPL"
	SubsystemNodeClient   = "NODE"
)

// NewSubsystemLogger returns a new logger for the named subsystem, bound to
// the shared Backend.
func NewSubsystemLogger(tag string) btclog.Logger {
	return Backend.Logger(tag)
}

var logRotator *rotator.Rotator

// InitLogRotator initializes a rotating file logger at logFile (created if
// necessary, rotated at maxRollMB megabytes, keeping maxRolls old files)
// and redirects Backend's output to both stdout and the rotator, matching
// the teacher's log-to-file-and-console convention for its daemons.
func InitLogRotator(logFile string, maxRollMB, maxRolls int) error {
	r, err := rotator.New(logFile, int64(maxRollMB*1024), false, maxRolls)
	if err != nil {
		return fmt.Errorf("trklog: failed to create log rotator: %w", err)
	}
	logRotator = r
	Backend = btclog.NewBackend(newTeeWriter(os.Stdout, r))
	return nil
}

// teeWriter duplicates writes to two io.Writers, used to keep console
// output alive once file rotation is enabled.
type teeWriter struct {
	a, b interface {
		Write(p []byte) (int, error)
	}
}

func newTeeWriter(a, b interface {
	Write(p []byte) (int, error)
}) *teeWriter {
	return &teeWriter{a: a, b: b}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if _, err := t.a.Write(p); err != nil {
		return 0, err
	}
	return t.b.Write(p)
}

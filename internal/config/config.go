// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config loads and validates the daemon's recognized options (spec
// §6 configuration table) using go-flags struct tags, the same
// jessevdk/go-flags convention the teacher's go.mod carries. Parse binds
// command-line arguments to the struct; cmd/basis-trackerd calls it with
// os.Args. Required-field validation produces ConfigurationError (spec §7).
package config

import (
	"errors"
	"fmt"

	"github.com/jessevdk/go-flags"

	"github.com/BetterMoneyLabs/basis-tracker/publisher"
	"github.com/BetterMoneyLabs/basis-tracker/redemption"
	"github.com/BetterMoneyLabs/basis-tracker/scanner"
)

// ConfigurationError reports a missing or malformed required option,
// fatal at startup per spec §7.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config is the full set of options recognized by the daemon (spec §6).
// Struct tags follow go-flags' long-option convention; nested structs map
// to the dotted option names in the table (e.g. ergo.node.url).
type Config struct {
	TrackerNFTID    string `long:"tracker_nft_id" description:"asset id identifying tracker-class UTXOs to scanner and publisher"`
	TrackerPubKey   string `long:"tracker_public_key" description:"hex-encoded compressed secp256k1 tracker public key"`
	DataDir         string `long:"datadir" description:"directory holding the kvstore database" default:"./basis-tracker-data"`

	Ergo struct {
		NodeURL           string `long:"ergo.node.url" description:"node RPC endpoint"`
		NodeAPIKey        string `long:"ergo.node.api_key" description:"optional node API key, sent as the api_key header"`
		ReserveContractP2S string `long:"ergo.reserve_contract_p2s" description:"reserve-class UTXO filter"`
	}

	Publisher struct {
		IntervalS int  `long:"publisher.interval_s" default:"600"`
		Submit    bool `long:"publisher.submit" description:"false logs the payload instead of submitting it" default:"true"`
	}

	Scanner struct {
		IntervalS int `long:"scanner.interval_s" default:"30"`
		Batch     int `long:"scanner.batch" default:"100"`
	}

	Redemption struct {
		TimeLockS int `long:"redemption.time_lock_s" default:"604800"`
	}

	Transaction struct {
		Fee uint64 `long:"transaction.fee" default:"1000000"`
	}
}

// Parse parses argv (typically os.Args[1:]) into a Config and validates it.
func Parse(argv []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, &ConfigurationError{Field: "argv", Msg: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every required option (spec §6) is present.
func (c *Config) Validate() error {
	if c.TrackerNFTID == "" {
		return &ConfigurationError{Field: "tracker_nft_id", Msg: "required"}
	}
	if c.TrackerPubKey == "" {
		return &ConfigurationError{Field: "tracker_public_key", Msg: "required"}
	}
	if c.Ergo.NodeURL == "" {
		return &ConfigurationError{Field: "ergo.node.url", Msg: "required"}
	}
	return nil
}

// PublisherDryRun, ScannerBatch, RedemptionTimeLock and
// PublisherIntervalOrDefault adapt the parsed fields into the shapes the
// respective packages expect; the last three apply the spec §6 defaults
// when a field is left at its zero value by a caller constructing Config
// directly instead of through Parse.
func (c *Config) PublisherDryRun() bool {
	return !c.Publisher.Submit
}

func (c *Config) ScannerBatch() uint64 {
	if c.Scanner.Batch <= 0 {
		return scanner.DefaultBatch
	}
	return uint64(c.Scanner.Batch)
}

func (c *Config) RedemptionTimeLock() uint64 {
	if c.Redemption.TimeLockS <= 0 {
		return redemption.DefaultTimeLock
	}
	return uint64(c.Redemption.TimeLockS)
}

func (c *Config) PublisherIntervalOrDefault() int {
	if c.Publisher.IntervalS <= 0 {
		return int(publisher.DefaultInterval.Seconds())
	}
	return c.Publisher.IntervalS
}

// Copyright (c) 2025 The Basis Tracker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// basis-trackerd is the tracker daemon: it opens the durable store, wires
// the authenticated dictionary into the state manager, the reserve
// tracker, and the redemption coordinator behind the control plane's
// command channel, then drives the blockchain scanner and the root
// publisher as background loops (spec §4, §6).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/BetterMoneyLabs/basis-tracker/controlplane"
	"github.com/BetterMoneyLabs/basis-tracker/dict"
	"github.com/BetterMoneyLabs/basis-tracker/internal/config"
	"github.com/BetterMoneyLabs/basis-tracker/internal/trklog"
	"github.com/BetterMoneyLabs/basis-tracker/kvstore"
	"github.com/BetterMoneyLabs/basis-tracker/nodeclient"
	"github.com/BetterMoneyLabs/basis-tracker/publisher"
	"github.com/BetterMoneyLabs/basis-tracker/redemption"
	"github.com/BetterMoneyLabs/basis-tracker/reserve"
	"github.com/BetterMoneyLabs/basis-tracker/scanner"
	"github.com/BetterMoneyLabs/basis-tracker/schnorr"
	"github.com/BetterMoneyLabs/basis-tracker/tracker"
)

var log = trklog.NewSubsystemLogger("TRKD")

func main() {
	if err := run(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, "basis-trackerd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	if err := trklog.InitLogRotator(cfg.DataDir+"/basis-trackerd.log", 10, 3); err != nil {
		return fmt.Errorf("initializing log rotator: %w", err)
	}
	wireLoggers(cfg)

	trackerPubKeyBytes, err := hex.DecodeString(cfg.TrackerPubKey)
	if err != nil {
		return &config.ConfigurationError{Field: "tracker_public_key", Msg: err.Error()}
	}
	var trackerPubKey schnorr.PubKey
	if len(trackerPubKeyBytes) != schnorr.PubKeyLen {
		return &config.ConfigurationError{Field: "tracker_public_key", Msg: "wrong length"}
	}
	copy(trackerPubKey[:], trackerPubKeyBytes)

	store, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	engine, err := dict.Open(store, dict.Clock(wallClock))
	if err != nil {
		return fmt.Errorf("opening dictionary: %w", err)
	}

	trk, err := tracker.New(engine)
	if err != nil {
		return fmt.Errorf("constructing tracker: %w", err)
	}

	reserves := reserve.New()
	coord := redemption.New(trk, trackerPubKey, cfg.RedemptionTimeLock(), cfg.Transaction.Fee, wallClock)

	journal, err := controlplane.OpenJournal(store, wallClock)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}

	state := publisher.NewSharedState(trackerPubKey)
	state.SetRootDigest(trk.RootDigest())

	cp := controlplane.New(controlplane.Config{
		Tracker:    trk,
		Reserves:   reserves,
		Redemption: coord,
		Journal:    journal,
		RootState:  state,
		Now:        wallClock,
	})
	defer cp.Close()

	node := nodeclient.New(nodeclient.Config{
		BaseURL: cfg.Ergo.NodeURL,
		APIKey:  cfg.Ergo.NodeAPIKey,
	})

	filterID, err := hex.DecodeString(cfg.TrackerNFTID)
	if err != nil {
		return &config.ConfigurationError{Field: "tracker_nft_id", Msg: err.Error()}
	}

	scn := scanner.New(scanner.Config{
		Node:          node,
		Adapter:       &scanner.ErgoReserveAdapter{ReserveNFTID: filterID},
		Reserves:      reserves,
		Store:         store,
		FilterAssetID: filterID,
		Interval:      time.Duration(cfg.Scanner.IntervalS) * time.Second,
		Batch:         cfg.ScannerBatch(),
	})
	scn.OnEvent = func(ev scanner.Event) {
		log.Infof("scanner: %v box=%x owner=%x collateral=%d height=%d", ev.Kind, ev.BoxID, ev.Owner, ev.Collateral, ev.Height)
	}

	pub := publisher.New(publisher.Config{
		Node:            node,
		State:           state,
		ContractNFTID:   cfg.TrackerNFTID,
		ContractAddress: cfg.Ergo.ReserveContractP2S,
		Fee:             cfg.Transaction.Fee,
		Interval:        time.Duration(cfg.PublisherIntervalOrDefault()) * time.Second,
		DryRun:          cfg.PublisherDryRun(),
	})

	policy := controlplane.NewCheckpointPolicy(cp, 10*time.Minute, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("basis-trackerd: shutting down")
		cancel()
	}()

	go func() {
		if err := scn.Run(ctx); err != nil {
			log.Errorf("scanner: stopped: %v", err)
		}
	}()
	go pub.Run(ctx)
	go policy.Run(ctx)

	log.Infof("basis-trackerd: serving, datadir=%s", cfg.DataDir)
	<-ctx.Done()
	return nil
}

func wallClock() uint64 { return uint64(time.Now().Unix()) }

func wireLoggers(cfg *config.Config) {
	_ = cfg
	tracker.UseLogger(trklog.NewSubsystemLogger(trklog.SubsystemTracker))
	controlplane.UseLogger(trklog.NewSubsystemLogger(trklog.SubsystemControlPlane))
	scanner.UseLogger(trklog.NewSubsystemLogger(trklog.SubsystemScanner))
	publisher.UseLogger(trklog.NewSubsystemLogger(trklog.SubsystemPublisher))
	nodeclient.UseLogger(trklog.NewSubsystemLogger(trklog.SubsystemNodeClient))
}

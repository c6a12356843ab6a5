package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearlot/unitbook/params"
	"github.com/clearlot/unitbook/pkg/api"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/custody"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/listing"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/identity"
	"github.com/clearlot/unitbook/pkg/oracle"
	"github.com/clearlot/unitbook/pkg/storage"
	"github.com/clearlot/unitbook/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "unitbookd.log")
	}
	logger, err := util.NewLoggerWithFile(logFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- Persistence ----
	store, err := storage.NewStore(filepath.Join(cfg.Node.DataDir, "pebble"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.EventJournal != "" {
		fj, err := storage.NewFileJournal(cfg.Node.EventJournal)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.EventJournal, "err", err)
		}
		defer fj.Close()
		journal = fj
	}

	// ---- Engine state, replayed from the store ----
	ledger := custody.NewLedger()
	if err := store.LoadBalances(ledger); err != nil {
		sugar.Fatalw("balance_replay_failed", "err", err)
	}
	ledger.SetPersist(store.SaveBalance)

	registry := units.NewLedgerRegistry()
	if err := store.LoadLots(registry); err != nil {
		sugar.Fatalw("lot_replay_failed", "err", err)
	}
	registry.SetPersist(store.SaveLot)

	eventLog := events.NewLog()
	lastSeq, err := store.MaxEventSeq()
	if err != nil {
		sugar.Fatalw("event_seq_scan_failed", "err", err)
	}
	eventLog.SeedSeq(lastSeq)

	var accreditation identity.Accreditation = identity.OpenAccreditation{}
	if !cfg.Node.OpenAccreditation {
		accreditation = identity.NewStaticRegistry()
		sugar.Warn("closed accreditation with an empty participant set; all bids will be refused")
	}

	controller := listing.NewController(listing.Deps{
		Classes:  classes.NewRegistry(),
		Custody:  ledger,
		Units:    registry,
		Events:   eventLog,
		Identity: accreditation,
		Store:    store,
		Clock:    util.RealClock{},
		Logger:   sugar,
	})

	stored, err := store.LoadClasses()
	if err != nil {
		sugar.Fatalw("class_replay_failed", "err", err)
	}
	for _, cls := range stored {
		if err := controller.RegisterClass(cls); err != nil {
			sugar.Fatalw("class_register_failed", "class", cls.ID, "err", err)
		}
		maxID, err := store.MaxArchivedOrderID(cls.ID)
		if err != nil {
			sugar.Fatalw("archive_scan_failed", "class", cls.ID, "err", err)
		}
		if err := controller.SeedOrderIDs(cls.ID, maxID); err != nil {
			sugar.Fatalw("order_id_seed_failed", "class", cls.ID, "err", err)
		}
	}
	if err := store.LoadOpenOrders(controller.RestoreOrder); err != nil {
		sugar.Fatalw("order_replay_failed", "err", err)
	}
	if len(stored) == 0 {
		cls := bootstrapClass(cfg)
		if err := controller.RegisterClass(cls); err != nil {
			sugar.Fatalw("class_register_failed", "class", cls.ID, "err", err)
		}
		if err := store.SaveClass(cls); err != nil {
			sugar.Fatalw("class_persist_failed", "class", cls.ID, "err", err)
		}
		sugar.Infow("class_bootstrapped", "class", cls.ID, "symbol", cls.Symbol)
	}

	for _, raw := range cfg.Node.OfficerAddresses {
		if !common.IsHexAddress(raw) {
			sugar.Fatalw("invalid_officer_address", "addr", raw)
		}
		for _, cls := range controller.Classes().List() {
			controller.GrantListingOfficer(cls.ID, common.HexToAddress(raw))
		}
	}
	for _, raw := range cfg.Node.EnforcerAddresses {
		if !common.IsHexAddress(raw) {
			sugar.Fatalw("invalid_enforcer_address", "addr", raw)
		}
		controller.GrantEnforcement(common.HexToAddress(raw))
	}

	// ---- Event fan-out: pebble mirror, journal, websocket ----
	rates := oracle.NewStaticRates()
	server := api.NewServer(controller, registry, store, rates, sugar)
	eventLog.SetSink(func(e events.Event) {
		if err := store.SaveEvent(e); err != nil {
			sugar.Errorw("event_persist_failed", "seq", e.Seq, "err", err)
		}
		// Events are the only mutations of class state (issuance counters,
		// pause status), so snapshot the class alongside.
		if cls, ok := controller.Classes().Get(e.Class); ok {
			if err := store.SaveClass(cls); err != nil {
				sugar.Errorw("class_persist_failed", "class", cls.ID, "err", err)
			}
		}
		journal.Append(e)
		server.BroadcastEvent(e)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"api_addr", cfg.Node.APIAddr,
		"data_dir", cfg.Node.DataDir,
		"classes", controller.Classes().Count(),
		"sweep_interval", cfg.Engine.SweepInterval)

	// ---- Expiry sweep loop ----
	clock := util.RealClock{}
	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			return
		case <-clock.After(cfg.Engine.SweepInterval):
			for _, cls := range controller.Classes().List() {
				n, err := controller.SweepExpired(cls.ID)
				if err != nil {
					sugar.Errorw("sweep_failed", "class", cls.ID, "err", err)
					continue
				}
				if n > 0 {
					sugar.Infow("sweep_completed", "class", cls.ID, "expired", n)
				}
			}
		}
	}
}

// bootstrapClass builds the development class used when the store is empty.
func bootstrapClass(cfg params.Config) *classes.Class {
	authorized, _ := fixedpoint.ParseAmount("1000000")
	p := classes.DefaultParams(authorized)
	p.DefaultExpiryHours = cfg.Engine.DefaultExpiryHours
	p.MaxExpiryHours = cfg.Engine.MaxExpiryHours
	cls, err := classes.New(1, "UNIT-A", p)
	if err != nil {
		log.Fatalf("bootstrap class: %v", err)
	}
	return cls
}

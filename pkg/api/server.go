// Package api serves the engine over HTTP: REST reads of classes, books,
// accounts, lots, and events, a single signed-request endpoint for all
// mutating operations, and a websocket stream of engine events.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/clearlot/unitbook/pkg/crypto"
	"github.com/clearlot/unitbook/pkg/engine/book"
	"github.com/clearlot/unitbook/pkg/engine/classes"
	"github.com/clearlot/unitbook/pkg/engine/events"
	"github.com/clearlot/unitbook/pkg/engine/listing"
	"github.com/clearlot/unitbook/pkg/engine/match"
	"github.com/clearlot/unitbook/pkg/engine/units"
	"github.com/clearlot/unitbook/pkg/fixedpoint"
	"github.com/clearlot/unitbook/pkg/oracle"
)

// Server handles REST and websocket traffic for one engine instance.
type Server struct {
	controller *listing.Controller
	units      *units.LedgerRegistry
	history    HistorySource      // may be nil
	rates      oracle.RateSource  // may be nil
	router     *mux.Router
	hub        *Hub
	log        *zap.SugaredLogger

	// Last accepted nonce per signer; requests must strictly increase it.
	nonceMu sync.Mutex
	nonces  map[common.Address]uint64
}

// HistorySource serves terminal orders, usually the pebble store.
type HistorySource interface {
	ArchivedOrders(class classes.ID, limit int) ([]book.Order, error)
}

// NewServer wires the router. history and rates may be nil.
func NewServer(c *listing.Controller, reg *units.LedgerRegistry, history HistorySource, rates oracle.RateSource, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		controller: c,
		units:      reg,
		history:    history,
		rates:      rates,
		router:     mux.NewRouter(),
		hub:        NewHub(log),
		log:        log,
		nonces:     make(map[common.Address]uint64),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/classes", s.handleListClasses).Methods("GET")
	api.HandleFunc("/classes/{id}", s.handleGetClass).Methods("GET")
	api.HandleFunc("/classes/{id}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/classes/{id}/best", s.handleBestPrice).Methods("GET")
	api.HandleFunc("/classes/{id}/history", s.handleHistory).Methods("GET")

	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/lots", s.handleGetLots).Methods("GET")

	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	api.HandleFunc("/requests", s.handleSubmitRequest).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// BroadcastEvent fans an engine event out to subscribed websocket clients.
// Installed as the event log sink by the node wiring.
func (s *Server) BroadcastEvent(e events.Event) {
	update := EventUpdate{Type: "event", Event: e}
	s.hub.BroadcastToChannel("events", update)
	s.hub.BroadcastToChannel("events:"+strconv.FormatUint(uint64(e.Class), 10), update)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	list := s.controller.Classes().List()
	out := make([]ClassInfo, len(list))
	for i, c := range list {
		out[i] = classInfo(c)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetClass(w http.ResponseWriter, r *http.Request) {
	cls, ok := s.classFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, classInfo(cls))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	cls, ok := s.classFromPath(w, r)
	if !ok {
		return
	}
	offers, err := s.controller.OpenOrders(cls.ID, book.Offer)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	bids, err := s.controller.OpenOrders(cls.ID, book.Bid)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, BookSnapshot{
		Class:     uint64(cls.ID),
		Offers:    orderEntries(offers),
		Bids:      orderEntries(bids),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleBestPrice(w http.ResponseWriter, r *http.Request) {
	cls, ok := s.classFromPath(w, r)
	if !ok {
		return
	}
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	price, found, err := s.controller.BestPrice(cls.ID, side)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no resting orders", "")
		return
	}

	info := BestPriceInfo{Class: uint64(cls.ID), Side: side.String(), Price: price.String()}
	if quote := r.URL.Query().Get("quote"); quote != "" {
		if s.rates == nil {
			respondError(w, http.StatusNotFound, "no rate source", "")
			return
		}
		rate, ok := s.rates.Rate(quote)
		if !ok {
			respondError(w, http.StatusNotFound, "unknown quote denomination", quote)
			return
		}
		// Restate the unit price through the 8-decimal consideration scale.
		unit, err := fixedpoint.Amount(10_000).Mul(price)
		if err == nil {
			if quoted, qerr := unit.ScaleBy(rate); qerr == nil {
				info.Quote = quote
				info.QuotedPrice = quoted.String()
			}
		}
	}
	respondJSON(w, info)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cls, ok := s.classFromPath(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		respondJSON(w, []OrderEntry{})
		return
	}
	limit := queryInt(r, "limit", 100)
	orders, err := s.history.ArchivedOrders(cls.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history read failed", err.Error())
		return
	}
	respondJSON(w, orderEntries(orders))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressFromPath(w, r)
	if !ok {
		return
	}
	b := s.controller.Custody().Balance(addr)
	respondJSON(w, AccountInfo{
		Address:  addr.Hex(),
		Free:     b.Free.String(),
		Escrowed: b.Escrowed.String(),
	})
}

func (s *Server) handleGetLots(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressFromPath(w, r)
	if !ok {
		return
	}
	lots := s.units.LotsOf(addr)
	out := make([]LotInfo, len(lots))
	for i, l := range lots {
		out[i] = LotInfo{
			ID:        uint64(l.ID),
			Class:     uint64(l.Class),
			Owner:     l.Owner.Hex(),
			Paid:      l.Paid.String(),
			Par:       l.Par.String(),
			CleanPaid: l.CleanPaid.String(),
			Price:     l.Price.String(),
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	since := uint64(queryInt(r, "since", 0))
	respondJSON(w, s.controller.Events().Since(since))
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var env SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(env.Signature, "0x"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}

	req := crypto.Request(env.Request)
	caller, err := crypto.RecoverRequestSigner(&req, sig)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "signature recovery failed", err.Error())
		return
	}
	if !s.consumeNonce(caller, req.Nonce) {
		respondError(w, http.StatusConflict, "stale nonce", "nonce must strictly increase per signer")
		return
	}

	resp, err := s.dispatch(caller, &req)
	if err != nil {
		s.log.Infow("request_rejected", "caller", caller.Hex(), "action", req.Action, "err", err)
		s.respondOpError(w, err)
		return
	}
	s.log.Infow("request_accepted", "caller", caller.Hex(), "action", req.Action, "order", resp.Order)
	respondJSON(w, resp)
}

// dispatch routes a verified request to the controller operation.
func (s *Server) dispatch(caller common.Address, req *crypto.Request) (SubmitResponse, error) {
	class := classes.ID(req.Class)

	var (
		id    book.OrderID
		fills []match.Fill
		err   error
	)
	switch req.Action {
	case "initial_offer":
		paid, price, perr := parsePaidPrice(req.Paid, req.Price)
		if perr != nil {
			return SubmitResponse{}, perr
		}
		id, fills, err = s.controller.PlaceInitialOffer(caller, class, paid, price, req.ExpireHours)

	case "secondary_offer":
		paid, price, perr := parsePaidPrice(req.Paid, req.Price)
		if perr != nil {
			return SubmitResponse{}, perr
		}
		id, fills, err = s.controller.PlaceSecondaryOffer(caller, class, units.LotID(req.Lot), paid, price, req.ExpireHours)

	case "limit_bid":
		paid, price, perr := parsePaidPrice(req.Paid, req.Price)
		if perr != nil {
			return SubmitResponse{}, perr
		}
		var groupRep common.Address
		if req.GroupRep != "" {
			groupRep = common.HexToAddress(req.GroupRep)
		}
		id, fills, err = s.controller.PlaceLimitBid(caller, class, paid, price, req.ExpireHours, groupRep, nil)

	case "market_bid":
		paid, perr := fixedpoint.ParseAmount(req.Paid)
		if perr != nil {
			return SubmitResponse{}, errBadAmount(perr)
		}
		var groupRep common.Address
		if req.GroupRep != "" {
			groupRep = common.HexToAddress(req.GroupRep)
		}
		id, fills, err = s.controller.PlaceMarketBid(caller, class, paid, groupRep, nil)

	case "market_offer":
		paid, perr := fixedpoint.ParseAmount(req.Paid)
		if perr != nil {
			return SubmitResponse{}, errBadAmount(perr)
		}
		id, fills, err = s.controller.PlaceMarketOffer(caller, class, units.LotID(req.Lot), paid)

	case "withdraw":
		side, perr := parseSide(req.Side)
		if perr != nil {
			return SubmitResponse{}, errBadAmount(perr)
		}
		if err := s.controller.Withdraw(caller, class, side, book.OrderID(req.Order)); err != nil {
			return SubmitResponse{}, err
		}
		return SubmitResponse{Status: "ok", Order: req.Order}, nil

	case "pause":
		if err := s.controller.Pause(caller, class); err != nil {
			return SubmitResponse{}, err
		}
		return SubmitResponse{Status: "ok"}, nil

	case "unpause":
		if err := s.controller.Unpause(caller, class); err != nil {
			return SubmitResponse{}, err
		}
		return SubmitResponse{Status: "ok"}, nil

	case "sweep":
		n, err := s.controller.SweepExpired(class)
		if err != nil {
			return SubmitResponse{}, err
		}
		return SubmitResponse{Status: "ok", Swept: n}, nil

	default:
		return SubmitResponse{}, errUnknownAction(req.Action)
	}
	if err != nil {
		return SubmitResponse{}, err
	}
	return SubmitResponse{Status: "ok", Order: uint64(id), Fills: fillInfos(fills)}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// consumeNonce accepts the nonce iff it is strictly above the last one
// seen for the signer.
func (s *Server) consumeNonce(addr common.Address, nonce uint64) bool {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	if nonce <= s.nonces[addr] {
		return false
	}
	s.nonces[addr] = nonce
	return true
}

// ==============================
// Helpers
// ==============================

func errBadAmount(err error) error {
	return joinOpErr(listing.ErrInvalidParameter, err.Error())
}

func errUnknownAction(action string) error {
	return joinOpErr(listing.ErrInvalidParameter, "unknown action "+action)
}

func joinOpErr(sentinel error, msg string) error {
	return &opError{sentinel: sentinel, msg: msg}
}

type opError struct {
	sentinel error
	msg      string
}

func (e *opError) Error() string { return e.sentinel.Error() + ": " + e.msg }
func (e *opError) Unwrap() error { return e.sentinel }

// respondOpError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, listing.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, listing.ErrUnauthorized), errors.Is(err, listing.ErrNotOrderOwner):
		status = http.StatusForbidden
	case errors.Is(err, listing.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, listing.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, listing.ErrClassPaused),
		errors.Is(err, listing.ErrInsufficientBalance),
		errors.Is(err, listing.ErrInsufficientUnits):
		status = http.StatusConflict
	case errors.Is(err, listing.ErrInternal):
		s.log.Errorw("internal_invariant_violation", "err", err)
	}
	respondError(w, status, "operation failed", err.Error())
}

func (s *Server) classFromPath(w http.ResponseWriter, r *http.Request) (*classes.Class, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid class id", err.Error())
		return nil, false
	}
	cls, ok := s.controller.Classes().Get(classes.ID(id))
	if !ok {
		respondError(w, http.StatusNotFound, "class not found", "")
		return nil, false
	}
	return cls, true
}

func addressFromPath(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseSide(raw string) (book.Side, error) {
	switch raw {
	case "offer":
		return book.Offer, nil
	case "bid":
		return book.Bid, nil
	default:
		return 0, errors.New("side must be \"offer\" or \"bid\"")
	}
}

func parsePaidPrice(paidRaw, priceRaw string) (fixedpoint.Amount, fixedpoint.Amount, error) {
	paid, err := fixedpoint.ParseAmount(paidRaw)
	if err != nil {
		return 0, 0, errBadAmount(err)
	}
	price, err := fixedpoint.ParseAmount(priceRaw)
	if err != nil {
		return 0, 0, errBadAmount(err)
	}
	return paid, price, nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func classInfo(c *classes.Class) ClassInfo {
	return ClassInfo{
		ID:                 uint64(c.ID),
		Symbol:             c.Symbol,
		Status:             c.Status.String(),
		Authorized:         c.Authorized.String(),
		Issued:             c.Issued.String(),
		UnitStep:           c.UnitStep.String(),
		VotingWeight:       c.VotingWeight,
		DistributionWeight: c.DistributionWeight,
		DefaultExpiryHours: c.DefaultExpiryHours,
		MaxExpiryHours:     c.MaxExpiryHours,
	}
}

func orderEntries(orders []book.Order) []OrderEntry {
	out := make([]OrderEntry, len(orders))
	for i, o := range orders {
		entry := OrderEntry{
			ID:            uint64(o.ID),
			Side:          o.Side.String(),
			Kind:          o.Kind.String(),
			Principal:     o.Principal.Hex(),
			RemainingPaid: o.RemainingPaid.String(),
			Status:        o.Status.String(),
			ExpireAt:      o.ExpireAt,
			PlacedAt:      o.PlacedAt,
		}
		if !o.IsMarket() {
			entry.Price = o.LimitPrice.String()
		}
		out[i] = entry
	}
	return out
}

func fillInfos(fills []match.Fill) []FillInfo {
	out := make([]FillInfo, len(fills))
	for i, f := range fills {
		out[i] = FillInfo{
			TakerOrder:    uint64(f.TakerOrder),
			MakerOrder:    uint64(f.MakerOrder),
			Buyer:         f.Buyer.Hex(),
			Seller:        f.Seller.Hex(),
			MatchedPaid:   f.MatchedPaid.String(),
			Price:         f.Price.String(),
			Consideration: f.Consideration.String(),
			Lot:           uint64(f.Lot),
		}
		if f.Refund > 0 {
			out[i].Refund = f.Refund.String()
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}

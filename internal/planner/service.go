// Package planner hosts planning sessions behind a single-owner actor
// goroutine: every mutation runs to completion on that goroutine, so the
// session state needs no locks. Derivations run on a worker; results carry
// a per-session sequence number and stale ones are discarded on arrival
// (last-request-wins).
package planner

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"fabplan.dev/internal/catalog"
	"fabplan.dev/internal/derive"
	"fabplan.dev/internal/plan"
	"fabplan.dev/internal/protocol"
	"fabplan.dev/internal/tuning"
)

// Deriver is the tree/bundle computation the core consumes. The in-repo
// implementation lives in internal/derive; tests substitute their own.
type Deriver interface {
	Derive(targets []plan.Target, splitPoints map[string]struct{}) (derive.Result, error)
}

// Store is the durable side of a session. Save is called synchronously on
// every mutation; audit appends may be buffered.
type Store interface {
	SaveSession(sessionID, resumeToken string, st plan.State) error
	LoadSession(sessionID string) (plan.State, string, bool, error)
	SessionByResumeToken(token string) (string, bool, error)
	AppendAudit(sessionID, op string, detail any)
}

// AttachRequest subscribes a client to a session, creating or resuming one.
type AttachRequest struct {
	ResumeToken string
	ClientName  string
	Out         chan []byte
	Resp        chan AttachResponse
}

type AttachResponse struct {
	SessionID string
	SubID     uint64
	Welcome   protocol.WelcomeMsg
	ErrCode   string
}

// CmdEnvelope is one command from an attached subscriber.
type CmdEnvelope struct {
	SessionID string
	SubID     uint64
	Cmd       protocol.CmdMsg
}

// DetachRequest removes a subscriber; sessions themselves stay resident
// (and persisted) for later resume.
type DetachRequest struct {
	SessionID string
	SubID     uint64
}

type Metrics struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
	QueueDepths struct {
		Cmds    int `json:"cmds"`
		Attach  int `json:"attach"`
		Derives int `json:"derives"`
	} `json:"queue_depths"`
}

type deriveRequest struct {
	sessionID   string
	seq         uint64
	cmdID       string
	subID       uint64
	targets     []plan.Target
	splitPoints map[string]struct{}
}

type deriveResult struct {
	sessionID string
	seq       uint64
	cmdID     string
	subID     uint64
	res       derive.Result
	err       error
}

type sessionRuntime struct {
	sess        *plan.Session
	resumeToken string
	revision    uint64
	deriveSeq   uint64
	result      derive.Result
	subs        map[uint64]chan []byte
}

type Service struct {
	cats  *catalog.Catalogs
	tune  tuning.Tuning
	drv   Deriver
	store Store
	log   *log.Logger

	attach  chan AttachRequest
	detach  chan DetachRequest
	cmds    chan CmdEnvelope
	derives chan deriveRequest
	results chan deriveResult
	metrics chan chan Metrics

	sessions  map[string]*sessionRuntime
	nextSubID uint64

	// pending holds derive requests that did not fit in the worker queue.
	// At most one entry per session: a newer request for the same session
	// replaces the waiting one.
	pending []deriveRequest
}

func New(cats *catalog.Catalogs, tune tuning.Tuning, drv Deriver, st Store, logger *log.Logger) *Service {
	return &Service{
		cats:     cats,
		tune:     tune,
		drv:      drv,
		store:    st,
		log:      logger,
		attach:   make(chan AttachRequest, 16),
		detach:   make(chan DetachRequest, 16),
		cmds:     make(chan CmdEnvelope, tune.CommandQueue),
		derives:  make(chan deriveRequest, tune.DeriveQueue),
		results:  make(chan deriveResult, tune.EventQueue),
		metrics:  make(chan chan Metrics, 4),
		sessions: map[string]*sessionRuntime{},
	}
}

func (s *Service) Attach() chan<- AttachRequest { return s.attach }
func (s *Service) Detach() chan<- DetachRequest { return s.detach }
func (s *Service) Inbox() chan<- CmdEnvelope    { return s.cmds }

func (s *Service) Metrics() Metrics {
	ch := make(chan Metrics, 1)
	select {
	case s.metrics <- ch:
		return <-ch
	default:
		return Metrics{}
	}
}

// Run owns all session state until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	go s.deriveWorker(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.attach:
			req.Resp <- s.handleAttach(req)
		case req := <-s.detach:
			if rt, ok := s.sessions[req.SessionID]; ok {
				delete(rt.subs, req.SubID)
			}
		case env := <-s.cmds:
			s.handleCmd(env)
		case res := <-s.results:
			s.handleDeriveResult(res)
			s.flushDerives()
		case ch := <-s.metrics:
			ch <- s.snapshotMetrics()
		}
	}
}

func (s *Service) snapshotMetrics() Metrics {
	var m Metrics
	m.Sessions = len(s.sessions)
	for _, rt := range s.sessions {
		m.Subscribers += len(rt.subs)
	}
	m.QueueDepths.Cmds = len(s.cmds)
	m.QueueDepths.Attach = len(s.attach)
	m.QueueDepths.Derives = len(s.derives) + len(s.pending)
	return m
}

func (s *Service) deriveWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.derives:
			res, err := s.drv.Derive(req.targets, req.splitPoints)
			out := deriveResult{
				sessionID: req.sessionID,
				seq:       req.seq,
				cmdID:     req.cmdID,
				subID:     req.subID,
				res:       res,
				err:       err,
			}
			select {
			case <-ctx.Done():
				return
			case s.results <- out:
			}
		}
	}
}

func (s *Service) handleAttach(req AttachRequest) AttachResponse {
	var rt *sessionRuntime
	var sessionID string

	if req.ResumeToken != "" {
		// Resume: a live runtime wins; otherwise rebuild from the store.
		for id, cand := range s.sessions {
			if cand.resumeToken == req.ResumeToken {
				sessionID, rt = id, cand
				break
			}
		}
		if rt == nil {
			id, ok, err := s.store.SessionByResumeToken(req.ResumeToken)
			if err != nil {
				s.log.Printf("resume lookup: %v", err)
				return AttachResponse{ErrCode: protocol.ErrInternal}
			}
			if !ok {
				return AttachResponse{ErrCode: protocol.ErrSessionNotFound}
			}
			st, token, ok, err := s.store.LoadSession(id)
			if err != nil || !ok {
				if err != nil {
					s.log.Printf("resume load %s: %v", id, err)
				}
				return AttachResponse{ErrCode: protocol.ErrSessionNotFound}
			}
			sess := plan.NewSession(id)
			sess.ImportState(st)
			rt = &sessionRuntime{sess: sess, resumeToken: token, subs: map[uint64]chan []byte{}}
			s.sessions[id] = rt
			sessionID = id
		}
	} else {
		sessionID = "P" + uuid.NewString()[:8]
		rt = &sessionRuntime{
			sess:        plan.NewSession(sessionID),
			resumeToken: uuid.NewString(),
			subs:        map[uint64]chan []byte{},
		}
		s.sessions[sessionID] = rt
		if err := s.store.SaveSession(sessionID, rt.resumeToken, rt.sess.ExportState()); err != nil {
			s.log.Printf("save new session %s: %v", sessionID, err)
		}
	}

	s.nextSubID++
	subID := s.nextSubID
	rt.subs[subID] = req.Out

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		ResumeToken:     rt.resumeToken,
		Catalogs: protocol.CatalogDigests{
			ItemsDigest:    s.cats.Items.Digest,
			RecipesDigest:  s.cats.Recipes.Digest,
			MachinesDigest: s.cats.Machines.Digest,
			SitesDigest:    s.cats.Sites.Digest,
		},
		Sites: s.siteInfos(),
	}

	// A resumed session re-derives from its persisted selection so the
	// bundle list (never persisted) comes back before the client acts. A
	// session that is already live just replays its current plan.
	if len(rt.sess.Targets) > 0 && len(rt.sess.Bundles) == 0 {
		s.requestDerive(sessionID, rt, "", subID)
	} else if len(rt.sess.Bundles) > 0 {
		s.sendPlanTo(sessionID, rt, subID)
	}

	return AttachResponse{SessionID: sessionID, SubID: subID, Welcome: welcome}
}

func (s *Service) siteInfos() []protocol.SiteInfo {
	sites := s.cats.Sites.SitesInOrder()
	out := make([]protocol.SiteInfo, 0, len(sites))
	for _, site := range sites {
		out = append(out, protocol.SiteInfo{
			ID:           site.ID,
			Name:         site.Name,
			PortCapacity: site.PortCapacity,
			Config:       site.Config,
		})
	}
	return out
}

func (s *Service) requestDerive(sessionID string, rt *sessionRuntime, cmdID string, subID uint64) {
	rt.deriveSeq++
	req := deriveRequest{
		sessionID:   sessionID,
		seq:         rt.deriveSeq,
		cmdID:       cmdID,
		subID:       subID,
		targets:     append([]plan.Target(nil), rt.sess.Targets...),
		splitPoints: map[string]struct{}{},
	}
	for id := range rt.sess.SplitPoints {
		req.splitPoints[id] = struct{}{}
	}
	// A newer request for the same session supersedes one still waiting
	// here; requests already handed to the worker queue stay put, their
	// results fail the seq check on arrival.
	for i, old := range s.pending {
		if old.sessionID == sessionID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.pending = append(s.pending, req)
	s.flushDerives()
}

// flushDerives moves pending requests into the worker queue as capacity
// allows. Never blocks: the actor must stay responsive while the worker is
// busy, and each completed derivation triggers another flush.
func (s *Service) flushDerives() {
	for len(s.pending) > 0 {
		select {
		case s.derives <- s.pending[0]:
			s.pending = s.pending[1:]
		default:
			return
		}
	}
}

func (s *Service) handleDeriveResult(res deriveResult) {
	rt, ok := s.sessions[res.sessionID]
	if !ok {
		return
	}
	if res.seq != rt.deriveSeq {
		// Superseded by a newer request; ignore on arrival.
		return
	}
	if res.err != nil {
		// Surface the failure; prior bundle/assignment state stays as-is.
		// Resume-triggered derivations have no command to correlate an ack
		// with, so those only log.
		s.log.Printf("derive session=%s: %v", res.sessionID, res.err)
		if res.cmdID == "" {
			return
		}
		s.sendAck(rt, res.subID, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          res.cmdID,
			Accepted:        false,
			Code:            protocol.ErrDeriveFailed,
			Message:         res.err.Error(),
		})
		return
	}

	rt.result = res.res
	pruned := rt.sess.SetBundles(res.res.Bundles)
	if len(pruned) > 0 {
		s.store.AppendAudit(res.sessionID, "prune", map[string]any{"bundles": pruned})
	}
	s.persist(res.sessionID, rt)
	s.broadcastPlan(res.sessionID, rt)
}

func (s *Service) handleCmd(env CmdEnvelope) {
	rt, ok := s.sessions[env.SessionID]
	if !ok {
		return
	}

	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          env.Cmd.ID,
		Accepted:        true,
	}
	reject := func(code, msg string) {
		ack.Accepted = false
		ack.Code = code
		ack.Message = msg
	}

	switch env.Cmd.Op {
	case protocol.OpSetTargets:
		targets := env.Cmd.Targets
		for _, t := range targets {
			item, ok := s.cats.Items.Defs[t.ItemID]
			if !ok {
				reject(protocol.ErrUnknownItem, "unknown item "+t.ItemID)
				break
			}
			if _, ok := s.cats.Recipes.RecipeFor(item.ID); !ok {
				reject(protocol.ErrBadRequest, "item "+t.ItemID+" has no recipe")
				break
			}
			if t.Lines < 1 {
				reject(protocol.ErrBadRequest, "lines must be >= 1")
				break
			}
		}
		if ack.Accepted {
			rt.sess.SetTargets(targets)
			s.persist(env.SessionID, rt)
			s.store.AppendAudit(env.SessionID, "set_targets", targets)
			s.requestDerive(env.SessionID, rt, env.Cmd.ID, env.SubID)
		}

	case protocol.OpToggleSplit:
		item, ok := s.cats.Items.Defs[env.Cmd.ItemID]
		if !ok {
			reject(protocol.ErrUnknownItem, "unknown item "+env.Cmd.ItemID)
			break
		}
		// Ineligible toggles (raw item, current target) are silent no-ops,
		// acknowledged but changing nothing.
		if rt.sess.ToggleSplitPoint(item) {
			s.persist(env.SessionID, rt)
			s.store.AppendAudit(env.SessionID, "toggle_split", map[string]any{
				"item_id": item.ID,
				"active":  rt.sess.SplitPointIDs(),
			})
			s.requestDerive(env.SessionID, rt, env.Cmd.ID, env.SubID)
		}

	case protocol.OpAssign:
		if env.Cmd.Count < 1 {
			reject(protocol.ErrBadRequest, "count must be >= 1")
			break
		}
		if _, ok := s.cats.Sites.Defs[env.Cmd.SiteID]; !ok {
			reject(protocol.ErrUnknownSite, "unknown site "+env.Cmd.SiteID)
			break
		}
		if _, ok := rt.sess.Bundle(env.Cmd.UnitID); !ok {
			reject(protocol.ErrUnknownUnit, "unknown unit "+env.Cmd.UnitID)
			break
		}
		rt.sess.Assignments.AssignUnchecked(env.Cmd.UnitID, env.Cmd.SiteID, env.Cmd.Count)
		s.persist(env.SessionID, rt)
		s.store.AppendAudit(env.SessionID, "assign", map[string]any{
			"unit_id": env.Cmd.UnitID, "site_id": env.Cmd.SiteID, "count": env.Cmd.Count,
		})
		s.broadcastPlan(env.SessionID, rt)

	case protocol.OpUnassign:
		if _, ok := s.cats.Sites.Defs[env.Cmd.SiteID]; !ok {
			reject(protocol.ErrUnknownSite, "unknown site "+env.Cmd.SiteID)
			break
		}
		if _, ok := rt.sess.Bundle(env.Cmd.UnitID); !ok {
			reject(protocol.ErrUnknownUnit, "unknown unit "+env.Cmd.UnitID)
			break
		}
		rt.sess.Assignments.Unassign(env.Cmd.UnitID, env.Cmd.SiteID)
		s.persist(env.SessionID, rt)
		s.store.AppendAudit(env.SessionID, "unassign", map[string]any{
			"unit_id": env.Cmd.UnitID, "site_id": env.Cmd.SiteID,
		})
		s.broadcastPlan(env.SessionID, rt)

	case protocol.OpReset:
		rt.sess.Assignments = plan.Assignments{}
		s.persist(env.SessionID, rt)
		s.store.AppendAudit(env.SessionID, "reset", struct{}{})
		s.broadcastPlan(env.SessionID, rt)

	case protocol.OpAutoAllocate:
		outcome := rt.sess.AutoAllocate(s.cats.Sites.SitesInOrder())
		ack.Outcome = &outcome
		s.persist(env.SessionID, rt)
		s.store.AppendAudit(env.SessionID, "auto_allocate", outcome)
		s.broadcastPlan(env.SessionID, rt)

	default:
		reject(protocol.ErrBadRequest, "unknown op "+env.Cmd.Op)
	}

	s.sendAck(rt, env.SubID, ack)
}

func (s *Service) persist(sessionID string, rt *sessionRuntime) {
	if err := s.store.SaveSession(sessionID, rt.resumeToken, rt.sess.ExportState()); err != nil {
		s.log.Printf("save session %s: %v", sessionID, err)
	}
}

func (s *Service) sendAck(rt *sessionRuntime, subID uint64, ack protocol.AckMsg) {
	out, ok := rt.subs[subID]
	if !ok {
		return
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

// broadcastPlan pushes the full read-model to every subscriber. Slow
// consumers miss revisions rather than stalling the actor; the next push
// carries the complete state anyway.
func (s *Service) broadcastPlan(sessionID string, rt *sessionRuntime) {
	rt.revision++
	msg := s.buildPlan(sessionID, rt)
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Printf("marshal plan %s: %v", sessionID, err)
		return
	}
	for _, out := range rt.subs {
		select {
		case out <- b:
		default:
		}
	}
}

// sendPlanTo replays the current plan to one subscriber without bumping
// the revision; nothing changed, the subscriber just missed it.
func (s *Service) sendPlanTo(sessionID string, rt *sessionRuntime, subID uint64) {
	out, ok := rt.subs[subID]
	if !ok {
		return
	}
	b, err := json.Marshal(s.buildPlan(sessionID, rt))
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func (s *Service) buildPlan(sessionID string, rt *sessionRuntime) protocol.PlanMsg {
	msg := protocol.PlanMsg{
		Type:            protocol.TypePlan,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		Revision:        rt.revision,
		Targets:         append([]plan.Target(nil), rt.sess.Targets...),
		SplitPoints:     rt.sess.SplitPointIDs(),
		Tree:            rt.result.Tree,
		Bundles:         append([]plan.Bundle(nil), rt.sess.Bundles...),
		Summary:         rt.result.Summary,
		Unassigned:      rt.sess.UnassignedUnits(),
	}
	for _, site := range s.cats.Sites.SitesInOrder() {
		msg.Sites = append(msg.Sites, protocol.SiteOccupancy{
			Site: protocol.SiteInfo{
				ID:           site.ID,
				Name:         site.Name,
				PortCapacity: site.PortCapacity,
				Config:       site.Config,
			},
			UsedPorts: rt.sess.SiteUsedPorts(site.ID),
			Units:     rt.sess.SiteUnits(site.ID),
		})
	}
	return msg
}

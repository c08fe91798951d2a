package hub

import (
	"context"
	"sort"

	"github.com/actrix-rtc/actrixd/ais/issuer"
	"github.com/actrix-rtc/actrixd/internal/errkind"
	"github.com/actrix-rtc/actrixd/realm"
	"github.com/actrix-rtc/actrixd/signaling/envelope"
	"github.com/actrix-rtc/actrixd/signaling/loadbalancer"
	"github.com/actrix-rtc/actrixd/signaling/registry"
)

// handlePeerToServer implements spec.md §4.3 "PeerToServer — registration".
func (h *Hub) handlePeerToServer(ctx context.Context, c *connection, env envelope.Envelope) error {
	var req envelope.RegisterRequest
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}

	rm, ok, err := h.cfg.Realms.Get(ctx, req.Realm)
	if err != nil {
		h.sendError(c, env.EnvelopeID, errkind.HTTPStatus(errkind.Of(err)), errkind.Hint(err))
		return nil
	}
	if !ok || !rm.ValidForUse(h.cfg.Clock.Now()) {
		h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeRegisterError, envelope.RegisterError{Code: 403, Message: "realm invalid"})
		return nil
	}

	ok1, err := h.cfg.Issuer.Issue(ctx, req.Realm, req.ActrType)
	if err != nil {
		h.sendError(c, env.EnvelopeID, errkind.HTTPStatus(errkind.Of(err)), errkind.Hint(err))
		return nil
	}

	cred := issuer.Credential{EncryptedToken: ok1.Credential.EncryptedToken, TokenKeyID: ok1.Credential.TokenKeyID}
	c.setIdentity(ok1.ActrID, cred)
	h.evictPrior(ok1.ActrID, c)

	entry := registry.Entry{
		ActrID:      ok1.ActrID,
		ServiceName: ok1.ActrID.Type.String(),
	}
	if req.Spec != nil {
		entry.Spec = &registry.ServiceSpec{Fingerprint: req.Spec.Fingerprint, Descriptors: req.Spec.Descriptors}
	}
	entry.ACL = h.persistACLRules(ctx, req.Realm, ok1.ActrID.Type, req.ACLRules)
	h.cfg.Registry.Register(entry)

	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeRegisterOk, envelope.RegisterOk{
		ActrID: ok1.ActrID,
		Credential: envelope.Credential{
			EncryptedToken: ok1.Credential.EncryptedToken,
			TokenKeyID:     ok1.Credential.TokenKeyID,
		},
		PSK:                         ok1.PSK,
		CredentialExpiresAt:         ok1.CredentialExpiresAt.Unix(),
		SignalingHeartbeatIntervalS: ok1.SignalingHeartbeatIntervalS,
	})

	h.notifyPresence(ctx, ok1.ActrID)
	return nil
}

// persistACLRules stores each rule from a registration request as
// (realm, principal_type, my_type, allow|deny), skipping and warning on
// any rule whose principal lacks an actr_type (spec.md §4.3 step 3).
func (h *Hub) persistACLRules(ctx context.Context, realmID uint32, myType realm.ActrType, specs []envelope.ACLRuleSpec) []realm.ACLRule {
	rules := make([]realm.ACLRule, 0, len(specs))
	for _, spec := range specs {
		if spec.PrincipalType == nil {
			log.WithField("realm", realmID).WithField("my_type", myType).Warn("signaling: register request's acl rule has no principal actr_type, skipping")
			continue
		}
		permission := realm.PermissionAllow
		if spec.Permission == string(realm.PermissionDeny) {
			permission = realm.PermissionDeny
		}
		rule := realm.ACLRule{RealmID: realmID, FromType: *spec.PrincipalType, ToType: myType, Permission: permission}
		if err := h.cfg.ACL.PutRule(ctx, rule); err != nil {
			log.WithError(err).Warn("signaling: failed to persist acl rule from registration")
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func (h *Hub) notifyPresence(ctx context.Context, newActr realm.ActrID) {
	subscribers := h.cfg.Presence.SubscribersFor(newActr.Type)
	for _, sub := range subscribers {
		if sub.RealmID != newActr.RealmID {
			continue
		}
		allowed, err := h.cfg.ACL.CanDiscover(ctx, newActr.RealmID, sub.Type, newActr.Type)
		if err != nil || !allowed {
			continue
		}
		subConn, ok := h.connForActr(sub)
		if !ok {
			continue
		}
		h.sendTo(subConn, envelope.FlowServerToActr, envelope.MsgTypeActrUpEvent, envelope.ActrUpEvent{ActrID: newActr})
	}
}

// handleActrToServer implements spec.md §4.3's authenticated-actor-message flow.
func (h *Hub) handleActrToServer(ctx context.Context, c *connection, env envelope.Envelope) error {
	actrID, inTolerance, failed := h.authenticate(ctx, c, env)
	if failed {
		return nil
	}

	switch env.MessageType {
	case envelope.MsgTypePing:
		return h.handlePing(ctx, c, env, actrID, inTolerance)
	case envelope.MsgTypeUnregisterRequest:
		return h.handleUnregister(c, env)
	case envelope.MsgTypeCredentialUpdateRequest:
		return h.handleCredentialUpdate(ctx, c, env, actrID)
	case envelope.MsgTypeDiscoveryRequest:
		return h.handleDiscovery(ctx, c, env, actrID)
	case envelope.MsgTypeRouteCandidatesRequest:
		return h.handleRouteCandidates(ctx, c, env, actrID)
	case envelope.MsgTypeSubscribeActrUp:
		return h.handleSubscribe(c, env, actrID)
	case envelope.MsgTypeUnsubscribeActrUp:
		return h.handleUnsubscribe(c, env, actrID)
	case envelope.MsgTypeClientError:
		var report envelope.ClientError
		_ = env.DecodePayload(&report)
		log.WithField("actr_id", actrID).WithField("code", report.Code).Warn("signaling: client reported error: " + report.Message)
		return nil
	default:
		h.sendError(c, env.EnvelopeID, 400, string(errkind.Configuration))
		return nil
	}
}

// authenticate validates realm and credential for an ActrToServer
// envelope from c, sending the appropriate envelope error and
// reporting failed=true if either check fails.
func (h *Hub) authenticate(ctx context.Context, c *connection, env envelope.Envelope) (realm.ActrID, bool, bool) {
	actrID, ok := c.identity()
	if !ok {
		h.sendError(c, env.EnvelopeID, 401, string(errkind.Authentication))
		return realm.ActrID{}, false, true
	}

	rm, ok, err := h.cfg.Realms.Get(ctx, actrID.RealmID)
	if err != nil || !ok || !rm.ValidForUse(h.cfg.Clock.Now()) {
		h.sendError(c, env.EnvelopeID, 403, string(errkind.RealmInvalid))
		return actrID, false, true
	}

	c.mu.RLock()
	cred := c.credential
	c.mu.RUnlock()
	if cred == nil {
		h.sendError(c, env.EnvelopeID, 401, string(errkind.Authentication))
		return actrID, false, true
	}

	result, err := h.cfg.Validator.Validate(ctx, *cred, actrID.RealmID)
	if err != nil {
		h.sendError(c, env.EnvelopeID, errkind.HTTPStatus(errkind.Of(err)), errkind.Hint(err))
		return actrID, false, true
	}
	return actrID, result.InTolerancePeriod, false
}

// handlePing updates the registry's load metrics for actrID and
// replies with a Pong, attaching a CredentialWarning when the
// validated credential is inside its tolerance period.
func (h *Hub) handlePing(ctx context.Context, c *connection, env envelope.Envelope, actrID realm.ActrID, inTolerance bool) error {
	var req envelope.Ping
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}

	var availability *loadbalancer.HealthState
	if req.Availability != nil {
		hs := loadbalancer.HealthState(*req.Availability)
		availability = &hs
	}
	h.cfg.Registry.Heartbeat(ctx, actrID, availability, nil, req.PowerReserve, req.MailboxBacklog)

	var warning *envelope.CredentialWarning
	if inTolerance {
		warning = &envelope.CredentialWarning{Type: envelope.KeyInTolerancePeriod}
	}
	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypePong, envelope.Pong{
		Seq:                 req.Seq,
		SuggestIntervalSecs: h.cfg.PingIntervalSecs,
		CredentialWarning:   warning,
	})
	return nil
}

func (h *Hub) handleUnregister(c *connection, env envelope.Envelope) error {
	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeUnregisterOk, envelope.UnregisterOk{})
	return errkind.New(errkind.Unknown, "peer requested unregister")
}

func (h *Hub) handleCredentialUpdate(ctx context.Context, c *connection, env envelope.Envelope, actrID realm.ActrID) error {
	fresh, err := h.cfg.Issuer.Issue(ctx, actrID.RealmID, actrID.Type)
	if err != nil {
		h.sendError(c, env.EnvelopeID, errkind.HTTPStatus(errkind.Of(err)), errkind.Hint(err))
		return nil
	}
	cred := issuer.Credential{EncryptedToken: fresh.Credential.EncryptedToken, TokenKeyID: fresh.Credential.TokenKeyID}
	c.setCredential(cred)

	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeRegisterOk, envelope.RegisterOk{
		ActrID: fresh.ActrID,
		Credential: envelope.Credential{
			EncryptedToken: fresh.Credential.EncryptedToken,
			TokenKeyID:     fresh.Credential.TokenKeyID,
		},
		PSK:                         fresh.PSK,
		CredentialExpiresAt:         fresh.CredentialExpiresAt.Unix(),
		SignalingHeartbeatIntervalS: fresh.SignalingHeartbeatIntervalS,
	})
	return nil
}

// handleDiscovery implements spec.md §4.3's DiscoveryRequest: enumerate
// registry entries (optionally filtered by manufacturer), filter by
// ACL (cross-realm denied without consulting the table; same-realm
// gated by can_discover), aggregate by ActrType with last-write-wins on
// the representative, then cap by limit.
func (h *Hub) handleDiscovery(ctx context.Context, c *connection, env envelope.Envelope, actrID realm.ActrID) error {
	var req envelope.DiscoveryRequest
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}

	type aggregate struct {
		count int
		rep   realm.ActrID
	}
	aggregates := make(map[realm.ActrType]aggregate)
	for _, e := range h.cfg.Registry.List(req.Manufacturer) {
		if e.ActrID.RealmID != actrID.RealmID {
			continue
		}
		allowed, err := h.cfg.ACL.CanDiscover(ctx, actrID.RealmID, actrID.Type, e.ActrID.Type)
		if err != nil || !allowed {
			continue
		}
		a := aggregates[e.ActrID.Type]
		a.count++
		a.rep = e.ActrID
		aggregates[e.ActrID.Type] = a
	}

	entries := make([]envelope.DiscoveryEntry, 0, len(aggregates))
	for t, a := range aggregates {
		entries = append(entries, envelope.DiscoveryEntry{Type: t, InstanceCount: a.count, Representative: a.rep})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type.String() < entries[j].Type.String() })
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeDiscoveryResponse, envelope.DiscoveryResponse{Entries: entries})
	return nil
}

// handleRouteCandidates implements spec.md §4.3's RouteCandidatesRequest:
// the same ACL filter as discovery, restricted to TargetType instances,
// then ranked by the load balancer.
func (h *Hub) handleRouteCandidates(ctx context.Context, c *connection, env envelope.Envelope, actrID realm.ActrID) error {
	var req envelope.RouteCandidatesRequest
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}

	var candidates []loadbalancer.ServiceInfo
	for _, e := range h.cfg.Registry.ListByType(req.TargetType) {
		if e.ActrID.RealmID != actrID.RealmID {
			continue
		}
		allowed, err := h.cfg.ACL.CanDiscover(ctx, actrID.RealmID, actrID.Type, e.ActrID.Type)
		if err != nil || !allowed {
			continue
		}
		candidates = append(candidates, toServiceInfo(e))
	}

	factors := make([]loadbalancer.RankingFactor, 0, len(req.RankingFactors))
	for _, f := range req.RankingFactors {
		factors = append(factors, loadbalancer.RankingFactor(f))
	}

	ranked := loadbalancer.Rank(loadbalancer.Request{
		Services: candidates,
		Criteria: loadbalancer.NodeSelectionCriteria{
			CandidateCount: req.CandidateCount,
			RankingFactors: factors,
		},
		ClientID: actrID.String(),
		Compat:   h.cfg.Compat,
	})

	h.send(c, env, envelope.FlowServerToActr, envelope.MsgTypeRouteCandidatesResponse, envelope.RouteCandidatesResponse{Candidates: ranked})
	return nil
}

func toServiceInfo(e registry.Entry) loadbalancer.ServiceInfo {
	var fingerprint string
	if e.Spec != nil {
		fingerprint = e.Spec.Fingerprint
	}
	return loadbalancer.ServiceInfo{
		ActrID:               e.ActrID,
		ServiceName:          e.ServiceName,
		SpecFingerprint:      fingerprint,
		AvailabilityState:    e.AvailabilityState,
		WorstDependencyState: e.WorstDependencyState,
		PowerReserve:         e.PowerReserve,
		MailboxBacklog:       e.MailboxBacklog,
		Location:             e.Location,
		StickyClientIDs:      e.StickyClientIDs,
	}
}

func (h *Hub) handleSubscribe(c *connection, env envelope.Envelope, actrID realm.ActrID) error {
	var req envelope.SubscribeActrUp
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}
	h.cfg.Presence.Subscribe(actrID, req.Type)
	return nil
}

func (h *Hub) handleUnsubscribe(c *connection, env envelope.Envelope, actrID realm.ActrID) error {
	var req envelope.UnsubscribeActrUp
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}
	h.cfg.Presence.Unsubscribe(actrID, req.Type)
	return nil
}

// handleActrRelay implements spec.md §4.3 "ActrRelay — inter-actor signaling".
func (h *Hub) handleActrRelay(ctx context.Context, c *connection, env envelope.Envelope) error {
	actrID, _, failed := h.authenticate(ctx, c, env)
	if failed {
		return nil
	}

	if env.MessageType == envelope.MsgTypeRoleNegotiation {
		var neg envelope.RoleNegotiation
		if err := env.DecodePayload(&neg); err != nil {
			h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
			return nil
		}
		if neg.From != actrID && neg.To != actrID {
			h.sendError(c, env.EnvelopeID, 401, string(errkind.Authentication))
			return nil
		}
		if neg.From.RealmID != neg.To.RealmID {
			h.sendError(c, env.EnvelopeID, 403, string(errkind.CrossRealm))
			return nil
		}
		allowed, err := h.cfg.ACL.CanDiscover(ctx, neg.From.RealmID, neg.From.Type, neg.To.Type)
		if err != nil || !allowed {
			h.sendError(c, env.EnvelopeID, 403, string(errkind.AclDenied))
			return nil
		}
		h.arbitrateRole(env, neg)
		return nil
	}

	var req envelope.Relay
	if err := env.DecodePayload(&req); err != nil {
		h.sendError(c, env.EnvelopeID, 400, errkind.Hint(err))
		return nil
	}
	if req.Source != actrID {
		h.sendError(c, env.EnvelopeID, 401, string(errkind.Authentication))
		return nil
	}
	if req.Source.RealmID != req.Target.RealmID {
		h.sendError(c, env.EnvelopeID, 403, string(errkind.CrossRealm))
		return nil
	}

	allowed, err := h.cfg.ACL.CanDiscover(ctx, req.Source.RealmID, req.Source.Type, req.Target.Type)
	if err != nil || !allowed {
		h.sendError(c, env.EnvelopeID, 403, string(errkind.AclDenied))
		return nil
	}

	targetConn, ok := h.connForActr(req.Target)
	if !ok {
		h.sendError(c, env.EnvelopeID, 404, string(errkind.KeyNotFound))
		return nil
	}
	h.forwardRelay(targetConn, env)
	return nil
}

// arbitrateRole computes the stable total order over ActrIds and sends
// each participant its own role (spec.md §8 scenario 3): the greater
// key is the offerer.
func (h *Hub) arbitrateRole(env envelope.Envelope, neg envelope.RoleNegotiation) {
	fromIsOfferer := neg.To.Less(neg.From)

	if fromConn, ok := h.connForActr(neg.From); ok {
		h.sendTo(fromConn, envelope.FlowServerToActr, envelope.MsgTypeRoleAssignment, envelope.RoleAssignment{IsOfferer: fromIsOfferer})
	}
	if toConn, ok := h.connForActr(neg.To); ok {
		h.sendTo(toConn, envelope.FlowServerToActr, envelope.MsgTypeRoleAssignment, envelope.RoleAssignment{IsOfferer: !fromIsOfferer})
	}
}

// forwardRelay re-injects env's original trace context onto the
// forwarded envelope, exactly as spec.md §9 Observability requires.
func (h *Hub) forwardRelay(target *connection, env envelope.Envelope) {
	forwarded := env
	forwarded.ReplyFor = nil
	msg, err := envelope.EncodeBinaryMessage(forwarded)
	if err != nil {
		return
	}
	target.enqueue(msg)
}

package envelope

import (
	"github.com/google/uuid"

	"github.com/actrix-rtc/actrixd/realm"
)

// Message type constants discriminate the concrete payload shape
// carried by an envelope within its Flow, so the dispatcher in
// signaling/hub never has to trial-decode a payload to find out what
// it is.
const (
	MsgTypeRegisterRequest         = "register_request"
	MsgTypeRegisterOk              = "register_ok"
	MsgTypeRegisterError           = "register_error"
	MsgTypePing                    = "ping"
	MsgTypePong                    = "pong"
	MsgTypeUnregisterRequest       = "unregister_request"
	MsgTypeUnregisterOk            = "unregister_ok"
	MsgTypeCredentialUpdateRequest = "credential_update_request"
	MsgTypeDiscoveryRequest        = "discovery_request"
	MsgTypeDiscoveryResponse       = "discovery_response"
	MsgTypeRouteCandidatesRequest  = "route_candidates_request"
	MsgTypeRouteCandidatesResponse = "route_candidates_response"
	MsgTypeSubscribeActrUp         = "subscribe_actr_up"
	MsgTypeUnsubscribeActrUp       = "unsubscribe_actr_up"
	MsgTypeActrUpEvent             = "actr_up_event"
	MsgTypeClientError             = "client_error"
	MsgTypeRoleNegotiation         = "role_negotiation"
	MsgTypeRoleAssignment          = "role_assignment"
	MsgTypeRelay                   = "relay"
	MsgTypeEnvelopeError           = "envelope_error"
)

// RegisterRequest is the PeerToServer registration payload.
type RegisterRequest struct {
	Realm    uint32         `json:"realm"`
	ActrType realm.ActrType `json:"actr_type"`
	Spec     *RegisterSpec  `json:"spec,omitempty"`
	ACLRules []ACLRuleSpec  `json:"acl_rules,omitempty"`
}

// RegisterSpec is the optional service spec attached at registration,
// mirroring signaling/registry.ServiceSpec on the wire.
type RegisterSpec struct {
	Fingerprint string `json:"fingerprint"`
	Descriptors []byte `json:"descriptors,omitempty"`
}

// ACLRuleSpec is one discovery rule the registering actor asks to have
// persisted for its own ActrType as the rule's to_type. PrincipalType
// nil means the caller didn't supply an actr_type for the principal
// side of the rule; the server skips such rules with a warning rather
// than persisting an incomplete one.
type ACLRuleSpec struct {
	PrincipalType *realm.ActrType `json:"principal_type,omitempty"`
	Permission    string          `json:"permission"`
}

// Credential mirrors ais/issuer.Credential on the wire.
type Credential struct {
	EncryptedToken []byte `json:"encrypted_token"`
	TokenKeyID     uint32 `json:"token_key_id"`
}

// RegisterOk is the success payload echoed back to a newly registered peer.
type RegisterOk struct {
	ActrID                      realm.ActrID `json:"actr_id"`
	Credential                  Credential   `json:"credential"`
	PSK                         []byte       `json:"psk"`
	CredentialExpiresAt         int64        `json:"credential_expires_at"`
	SignalingHeartbeatIntervalS int64        `json:"signaling_heartbeat_interval_secs"`
}

// RegisterError is sent when registration fails (e.g. invalid realm).
type RegisterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CredentialWarningType enumerates the advisory warnings carried
// alongside otherwise-successful responses.
type CredentialWarningType string

// KeyInTolerancePeriod is the only warning kind the spec defines.
const KeyInTolerancePeriod CredentialWarningType = "key_in_tolerance_period"

// CredentialWarning is an in-band advisory, never an error.
type CredentialWarning struct {
	Type CredentialWarningType `json:"type"`
}

// Ping carries a sequence number and fresh load metrics from an actor.
type Ping struct {
	Seq            uint64   `json:"seq"`
	Availability   *int     `json:"availability_state,omitempty"`
	PowerReserve   *float64 `json:"power_reserve,omitempty"`
	MailboxBacklog *int64   `json:"mailbox_backlog,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Seq                uint64             `json:"seq"`
	SuggestIntervalSecs int64             `json:"suggest_interval_secs"`
	CredentialWarning  *CredentialWarning `json:"credential_warning,omitempty"`
}

// UnregisterRequest asks the server to tear the connection down.
type UnregisterRequest struct{}

// UnregisterOk acknowledges UnregisterRequest.
type UnregisterOk struct{}

// CredentialUpdateRequest asks AIS (via signaling) to mint a fresh credential.
type CredentialUpdateRequest struct{}

// DiscoveryRequest enumerates registered actors, optionally filtered by
// manufacturer, aggregated by ActrType and capped by Limit.
type DiscoveryRequest struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Limit        int    `json:"limit"`
}

// DiscoveryEntry is one aggregated result row.
type DiscoveryEntry struct {
	Type         realm.ActrType `json:"type"`
	InstanceCount int           `json:"instance_count"`
	Representative realm.ActrID `json:"representative"`
}

// DiscoveryResponse answers DiscoveryRequest.
type DiscoveryResponse struct {
	Entries []DiscoveryEntry `json:"entries"`
}

// RouteCandidatesRequest asks for ranked instances of TargetType.
type RouteCandidatesRequest struct {
	TargetType    realm.ActrType                 `json:"target_type"`
	CandidateCount int                           `json:"candidate_count"`
	RankingFactors []string                      `json:"ranking_factors,omitempty"`
}

// RouteCandidatesResponse answers RouteCandidatesRequest with a ranked list.
type RouteCandidatesResponse struct {
	Candidates []realm.ActrID `json:"candidates"`
}

// SubscribeActrUp asks to be notified when actors of Type register.
type SubscribeActrUp struct {
	Type realm.ActrType `json:"type"`
}

// UnsubscribeActrUp cancels a prior subscription.
type UnsubscribeActrUp struct {
	Type realm.ActrType `json:"type"`
}

// ActrUpEvent is fanned out to subscribers when a matching actor registers.
type ActrUpEvent struct {
	ActrID realm.ActrID `json:"actr_id"`
}

// ClientError is a client-originated error report forwarded for logging.
type ClientError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RoleNegotiation requests role arbitration between From and To.
type RoleNegotiation struct {
	From realm.ActrID `json:"from"`
	To   realm.ActrID `json:"to"`
}

// RoleAssignment is sent to each participant in a RoleNegotiation,
// carrying only that recipient's own role.
type RoleAssignment struct {
	IsOfferer bool `json:"is_offerer"`
}

// Relay carries an opaque WebRTC signaling payload between two actors
// (SDP offers/answers, ICE candidates); the server never inspects it
// beyond routing on Source/Target.
type Relay struct {
	Source  realm.ActrID    `json:"source"`
	Target  realm.ActrID    `json:"target"`
	Payload []byte          `json:"payload"`
}

// EnvelopeError is the generic server-originated error payload,
// carrying a wire status code and operator-facing hint (never stack
// data or secrets, per spec §9).
type EnvelopeError struct {
	Code int    `json:"code"`
	Hint string `json:"hint"`
}

// ReplyForOrZero returns env.ReplyFor dereferenced, or the zero UUID.
func ReplyForOrZero(env Envelope) uuid.UUID {
	if env.ReplyFor == nil {
		return uuid.UUID{}
	}
	return *env.ReplyFor
}

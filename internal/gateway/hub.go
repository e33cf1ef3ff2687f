// Package gateway implements the Connection Manager & Dispatcher: the WebSocket transport that accepts sessions,
// runs the heartbeat loop, and routes every inbound frame to the domain service that handles it.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roleplay-hub/hub/internal/apperr"
	"github.com/roleplay-hub/hub/internal/character"
	"github.com/roleplay-hub/hub/internal/config"
	"github.com/roleplay-hub/hub/internal/friend"
	"github.com/roleplay-hub/hub/internal/group"
	"github.com/roleplay-hub/hub/internal/identity"
	"github.com/roleplay-hub/hub/internal/presence"
	"github.com/roleplay-hub/hub/internal/redpacket"
	"github.com/roleplay-hub/hub/internal/wire"
)

// Hub is the gateway's central connection registry and frame dispatcher. It holds every live Client keyed by
// session ID, drives the 30s heartbeat tick, and implements Publisher for every domain service (friend, group,
// redpacket) by routing a PushToAccount call through the Presence Registry to the right live session. Unlike the
// teacher's Hub, there is no Valkey pub/sub fanout: this process is the only writer of its client map, so a
// service's broadcast is just a direct map lookup and channel send.
type Hub struct {
	clients map[uuid.UUID]*Client // keyed by session ID
	mu      sync.RWMutex

	cfg        *config.Config
	presence   *presence.Registry
	identity   *identity.Service
	characters character.Repository
	friends    *friend.Service
	groups     *group.Service
	redpackets *redpacket.Service
	log        zerolog.Logger
}

// NewHub creates a gateway hub ready to serve connections once AttachServices has been called. The two-step
// construction exists because friend.Service, group.Service, and redpacket.Service all need a Publisher at their
// own construction time, and the Hub itself is that Publisher — building them in one call would be circular.
// The caller is also expected to wire the Presence Registry's onEvict callback back to Hub.EvictSession, using a
// forward-declared hub variable since the registry needs its callback before the Hub exists:
//
//	var hub *gateway.Hub
//	reg := presence.New(characters, func(sessionID uuid.UUID, account string) { hub.EvictSession(sessionID, account) })
//	hub = gateway.NewHub(cfg, reg, identitySvc, characters, logger)
//	friends := friend.NewService(friendRepo, characters, reg, hub, cfg.MaxDirectMessageLength, logger)
//	groups := group.NewService(groupRepo, characters, reg, typingStore, hub, cfg.MaxGroupMessageLength, cfg.PersonaAvatarMaxBytes, logger)
//	redpackets := redpacket.NewService(groups, hub, locker, logger)
//	hub.AttachServices(friends, groups, redpackets)
//
// The registry's closure only ever fires after a later BringOnline call, and dispatch only ever runs after a
// connection is accepted, so both forward references are resolved long before they are used.
func NewHub(
	cfg *config.Config,
	presenceRegistry *presence.Registry,
	identitySvc *identity.Service,
	characters character.Repository,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		cfg:        cfg,
		presence:   presenceRegistry,
		identity:   identitySvc,
		characters: characters,
		log:        logger.With().Str("component", "gateway").Logger(),
	}
}

// AttachServices completes hub construction with the three domain services that need the Hub itself as their
// Publisher. It must be called once, before the Hub starts accepting connections.
func (h *Hub) AttachServices(friends *friend.Service, groups *group.Service, redpackets *redpacket.Service) {
	h.friends = friends
	h.groups = groups
	h.redpackets = redpackets
}

// ServeWebSocket accepts an upgraded WebSocket connection, registers it, and starts its read and write pumps. It
// blocks until the connection's readPump exits, so callers typically invoke it directly from the upgrade handler
// goroutine.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	if err := h.register(client); err != nil {
		h.log.Debug().Err(err).Msg("connection rejected")
		client.closeWithCode(CloseMaxConnections, err.Error())
		return
	}

	h.presence.Attach(client.SessionID())
	go client.writePump()
	client.readPump()
}

// register adds client to the Hub's client map, rejecting the connection if it would exceed the configured
// connection cap.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.MaxConnections {
		return ErrMaxConnections
	}

	h.clients[client.SessionID()] = client
	h.log.Debug().Stringer("session_id", client.SessionID()).Int("total", len(h.clients)).Msg("client registered")
	return nil
}

// unregister removes client from the Hub and runs the Detach sequence against the Presence Registry: every
// character account the session had brought online is marked offline, both in the registry and persisted. Any
// handler still in flight for this session completes or errors independently, but nothing here resurrects presence
// for it.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.SessionID()]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.SessionID())
	h.mu.Unlock()

	client.closeSend()

	accounts := h.presence.Detach(client.SessionID())
	if len(accounts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, account := range accounts {
		ch, err := h.characters.GetByAccount(ctx, account)
		if err != nil {
			h.log.Warn().Err(err).Str("account", account).Msg("look up character to mark offline failed")
			continue
		}
		if err := h.characters.SetOnline(ctx, ch.ID, false, time.Now()); err != nil {
			h.log.Warn().Err(err).Str("account", account).Msg("mark character offline failed")
		}
	}
	h.log.Debug().Stringer("session_id", client.SessionID()).Int("accounts", len(accounts)).Msg("client unregistered")
}

// EvictSession closes the connection for sessionID because account just authenticated a newer one. It is the
// Presence Registry's onEvict hook, invoked synchronously by BringOnline after the registry has released its lock;
// it only does a map lookup and defers the actual close (a network write) to a goroutine.
func (h *Hub) EvictSession(sessionID uuid.UUID, account string) {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.log.Debug().Stringer("session_id", sessionID).Str("account", account).Msg("session superseded by a newer connection for the same account")
	go func() {
		client.closeWithCode(CloseSuperseded, "superseded by a newer connection")
		client.closeSend()
	}()
}

// PushToAccount encodes no frame itself; it routes an already-encoded one to account's live session, if any. This
// satisfies friend.Publisher, group.Publisher, and redpacket.Publisher identically, since the Hub is the single
// place that knows which Client a session ID maps to.
func (h *Hub) PushToAccount(account string, frame []byte) bool {
	sessionID, online := h.presence.SessionOf(account)
	if !online {
		return false
	}
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.enqueue(frame)
	return true
}

// Run drives the 30s heartbeat tick until ctx is cancelled. Every tick, a connection whose liveness flag is still
// false from the previous tick is terminated (it missed its ping); every surviving connection has its flag
// cleared and gets a fresh WebSocket ping, and the flag is expected to be set again by a pong or an application
// heartbeat frame before the next tick.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) tick() {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if !c.alive.Swap(false) {
			c.log.Debug().Msg("missed heartbeat, terminating connection")
			c.closeWithCode(CloseHeartbeatTimeout, "heartbeat timeout")
			c.closeSend()
			continue
		}
		c.triggerPing()
	}
}

// Shutdown closes every connected client with a going-away close frame. It does not wait for the underlying
// TCP connections to fully tear down; callers pair it with a process-level grace period.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, client := range h.clients {
		client.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		client.closeSend()
		delete(h.clients, sessionID)
	}
	h.log.Info().Msg("gateway hub shut down")
}

// ClientCount returns the number of currently connected clients, authenticated or not.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch matches frame.Type against exactly one handler and invokes it. A handler panic is recovered, logged
// with the offending type, and surfaced to the client as a generic error frame rather than tearing down the
// connection. An unrecognized type gets an error frame too, never a disconnect. register, login, auth, and ping
// are the only frames a connection may send before it has authenticated.
func (h *Hub) dispatch(client *Client, frame wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("frame_type", frame.Type).Msg("frame handler panicked")
			h.sendError(client, apperr.New(apperr.KindInternal, "internal error"))
		}
	}()

	switch frame.Type {
	case wire.TypeRegister:
		h.handleRegister(client, frame)
		return
	case wire.TypeLogin:
		h.handleLogin(client, frame)
		return
	case wire.TypeAuth:
		h.handleAuth(client, frame)
		return
	case wire.TypePing:
		h.handlePing(client)
		return
	}

	userID, authed := client.UserID()
	if !authed {
		h.sendError(client, apperr.New(apperr.KindAuthRequired, "authenticate before sending this frame"))
		return
	}

	switch frame.Type {
	case wire.TypeLogout:
		h.handleLogout(client)
	case wire.TypeGoOnline:
		h.handleGoOnline(client, userID, frame)
	case wire.TypeGoOffline:
		h.handleGoOffline(client, frame)
	case wire.TypeGetOnlineCharacters:
		h.handleGetOnlineCharacters(client)
	case wire.TypeRegisterCharacter:
		h.handleRegisterCharacter(client, userID, frame)
	case wire.TypeSearchUser:
		h.handleSearchUser(client, frame)
	case wire.TypeFriendRequest:
		h.handleFriendRequest(client, frame)
	case wire.TypeAcceptFriendRequest:
		h.handleAcceptFriendRequest(client, frame)
	case wire.TypeRejectFriendRequest:
		h.handleRejectFriendRequest(client, frame)
	case wire.TypeMessage:
		h.handleMessage(client, frame)
	case wire.TypeGetPendingRequests:
		h.handleGetPendingRequests(client, frame)
	case wire.TypeCreateOnlineGroup:
		h.handleCreateOnlineGroup(client, frame)
	case wire.TypeInviteToGroup:
		h.handleInviteToGroup(client, frame)
	case wire.TypeJoinOnlineGroup:
		h.handleJoinOnlineGroup(client, frame)
	case wire.TypeGetOnlineGroups:
		h.handleGetOnlineGroups(client, frame)
	case wire.TypeGetGroupMessages:
		h.handleGetGroupMessages(client, frame)
	case wire.TypeSendGroupMessage:
		h.handleSendGroupMessage(client, frame)
	case wire.TypeGetGroupMembers:
		h.handleGetGroupMembers(client, frame)
	case wire.TypeUpdateGroupCharacter:
		h.handleUpdateGroupCharacter(client, frame)
	case wire.TypeGroupTypingStart:
		h.handleGroupTypingStart(client, frame)
	case wire.TypeGroupTypingStop:
		h.handleGroupTypingStop(client, frame)
	case wire.TypeClaimGroupRedpacket:
		h.handleClaimGroupRedpacket(client, frame)
	default:
		h.sendError(client, apperr.Newf(apperr.KindInvalid, "unknown frame type %q", frame.Type))
	}
}

// reply encodes payload as frameType and enqueues it to client.
func (h *Hub) reply(client *Client, frameType string, payload any) {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		h.log.Warn().Err(err).Str("frame_type", frameType).Msg("encode reply frame failed")
		return
	}
	client.enqueue(frame)
}

// sendError converts err to the outbound error frame shape and enqueues it to client. It never closes the
// connection; only the connection-manager-level conditions in client.go do that.
func (h *Hub) sendError(client *Client, err error) {
	frame, encErr := wire.Encode(wire.TypeError, apperr.AsFrame(err))
	if encErr != nil {
		h.log.Error().Err(encErr).Msg("encode error frame failed")
		return
	}
	client.enqueue(frame)
}

// requireOwnedAccount reports whether account is currently brought online by client's own session, sending a
// Forbidden error frame and returning false otherwise. Every handler that acts "as" a character account — sending
// a friend request, a direct message, a group message — checks this first, per the ownership rule the Presence
// Registry enforces for routing.
func (h *Hub) requireOwnedAccount(client *Client, account string) bool {
	sessionID, online := h.presence.SessionOf(account)
	if online && sessionID == client.SessionID() {
		return true
	}
	h.sendError(client, apperr.New(apperr.KindForbidden, "you do not currently hold that account online"))
	return false
}

func (h *Hub) handlePing(client *Client) {
	client.alive.Store(true)
	pong, err := wire.EncodeBare(wire.TypePong)
	if err != nil {
		h.log.Error().Err(err).Msg("encode pong failed")
		return
	}
	client.enqueue(pong)
}

type registerPayload struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type authTokenPayload struct {
	Token    string `json:"token"`
	UserID   uuid.UUID `json:"user_id"`
	Username string `json:"username"`
}

// handleRegister creates a new User account and returns a signed session token. It does not itself authenticate
// the connection — the client is expected to follow up with an auth frame carrying the returned token, same as a
// login would.
func (h *Hub) handleRegister(client *Client, frame wire.Frame) {
	var payload registerPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid register payload", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.identity.Register(ctx, payload.Username, payload.Email, payload.Password)
	if err != nil {
		h.sendError(client, err)
		return
	}
	h.reply(client, wire.TypeRegisterSuccess, authTokenPayload{
		Token:    result.Token,
		UserID:   result.User.ID,
		Username: result.User.Username,
	})
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies a username/password pair and returns a signed session token, same as register. MFA-enabled
// accounts cannot complete login over this frame — there is no MFA-code frame in the wire catalogue — so a login
// that requires MFA is reported as auth_failed.
func (h *Hub) handleLogin(client *Client, frame wire.Frame) {
	var payload loginPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid login payload", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.identity.Login(ctx, payload.Username, payload.Password)
	if err != nil {
		h.reply(client, wire.TypeAuthFailed, authFailedPayload{Message: err.Error()})
		return
	}
	if result.MFARequired {
		h.reply(client, wire.TypeAuthFailed, authFailedPayload{Message: "multi-factor code required"})
		return
	}
	h.reply(client, wire.TypeLoginSuccess, authTokenPayload{
		Token:    result.Token,
		UserID:   result.User.ID,
		Username: result.User.Username,
	})
}

type authPayload struct {
	Token string `json:"token"`
}

type authSuccessPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

type authFailedPayload struct {
	Message string `json:"message"`
}

// handleAuth verifies a session token, binds the connection to the account it was issued for, and asks the
// Presence Registry to restore routing for any of that user's characters that were online at last disconnect.
// Verification failure replies auth_failed rather than the generic error frame, per the wire contract.
func (h *Hub) handleAuth(client *Client, frame wire.Frame) {
	if client.Authenticated() {
		h.sendError(client, apperr.New(apperr.KindConflict, "connection is already authenticated"))
		return
	}

	var payload authPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.reply(client, wire.TypeAuthFailed, authFailedPayload{Message: "invalid auth payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, err := h.identity.Authenticate(ctx, payload.Token)
	if err != nil {
		h.reply(client, wire.TypeAuthFailed, authFailedPayload{Message: err.Error()})
		return
	}

	client.setAuthenticated(user.ID)
	h.presence.BindUser(client.SessionID(), user.ID)
	if err := h.presence.Restore(ctx, client.SessionID(), user.ID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", user.ID).Msg("restore presence on auth failed")
	}

	h.reply(client, wire.TypeAuthSuccess, authSuccessPayload{UserID: user.ID, Username: user.Username})
}

// handleLogout unbinds the connection from its user and brings every character account it currently owns offline,
// without closing the connection. A subsequent auth frame may bind it again.
func (h *Hub) handleLogout(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, account := range h.presence.Detach(client.SessionID()) {
		if ch, err := h.characters.GetByAccount(ctx, account); err == nil {
			if err := h.characters.SetOnline(ctx, ch.ID, false, time.Now()); err != nil {
				h.log.Warn().Err(err).Str("account", account).Msg("mark character offline on logout failed")
			}
		}
	}
	client.clearAuthenticated()
	h.presence.Attach(client.SessionID())
}

type goOnlinePayload struct {
	Account  string `json:"account"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

type characterPayload struct {
	Account  string `json:"account"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
	IsOnline bool   `json:"is_online"`
}

func characterToPayload(ch *character.Character) characterPayload {
	return characterPayload{Account: ch.Account, Nickname: ch.Nickname, Avatar: ch.Avatar, Bio: ch.Bio, IsOnline: ch.IsOnline}
}

// handleGoOnline brings a character account online for the caller's user, creating the Character the first time
// that account is ever used. If the account already belongs to a different user, BringOnline fails Forbidden.
func (h *Hub) handleGoOnline(client *Client, userID uuid.UUID, frame wire.Frame) {
	var payload goOnlinePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid go_online payload", err))
		return
	}
	account, err := character.ValidateAccount(payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := h.characters.GetByAccount(ctx, account)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			h.sendError(client, err)
			return
		}
		nickname, verr := character.ValidateNickname(payload.Nickname)
		if verr != nil {
			h.sendError(client, verr)
			return
		}
		if payload.Avatar != "" {
			if verr := character.ValidateAvatar(payload.Avatar, h.cfg.CharacterAvatarMaxChars); verr != nil {
				h.sendError(client, verr)
				return
			}
		}
		bio, verr := character.ValidateBio(payload.Bio)
		if verr != nil {
			h.sendError(client, verr)
			return
		}
		ch, err = h.characters.Create(ctx, character.CreateParams{
			UserID:   userID,
			Account:  account,
			Nickname: nickname,
			Avatar:   payload.Avatar,
			Bio:      bio,
		})
		if err != nil {
			h.sendError(client, err)
			return
		}
	} else if ch.UserID != userID {
		h.sendError(client, apperr.New(apperr.KindForbidden, "that account belongs to another user"))
		return
	}

	if err := h.presence.BringOnline(client.SessionID(), userID, account); err != nil {
		h.sendError(client, err)
		return
	}
	if err := h.characters.SetOnline(ctx, ch.ID, true, time.Now()); err != nil {
		h.log.Warn().Err(err).Str("account", account).Msg("mark character online failed")
	}
	if err := h.friends.DeliverOffline(ctx, account); err != nil {
		h.log.Warn().Err(err).Str("account", account).Msg("deliver offline messages failed")
	}

	ch.IsOnline = true
	h.reply(client, wire.TypeCharacterOnline, characterToPayload(ch))
}

type goOfflinePayload struct {
	Account string `json:"account"`
}

// handleGoOffline brings account offline. It is a no-op at the Presence Registry level if this session does not
// currently own the account.
func (h *Hub) handleGoOffline(client *Client, frame wire.Frame) {
	var payload goOfflinePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid go_offline payload", err))
		return
	}

	h.presence.BringOffline(client.SessionID(), payload.Account)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ch, err := h.characters.GetByAccount(ctx, payload.Account); err == nil {
		if err := h.characters.SetOnline(ctx, ch.ID, false, time.Now()); err != nil {
			h.log.Warn().Err(err).Str("account", payload.Account).Msg("mark character offline failed")
		}
	}

	h.reply(client, wire.TypeCharacterOffline, goOfflinePayload{Account: payload.Account})
}

// handleGetOnlineCharacters lists the characters this session currently holds online, per the Presence Registry —
// the authoritative source for "online" rather than the persisted flag.
func (h *Hub) handleGetOnlineCharacters(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accounts := h.presence.OwnedBy(client.SessionID())
	out := make([]characterPayload, 0, len(accounts))
	for _, account := range accounts {
		ch, err := h.characters.GetByAccount(ctx, account)
		if err != nil {
			continue
		}
		out = append(out, characterToPayload(ch))
	}
	h.reply(client, wire.TypeOnlineCharacters, out)
}

type registerCharacterPayload struct {
	Account  string `json:"account"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar,omitempty"`
	Bio      string `json:"bio,omitempty"`
}

// handleRegisterCharacter creates an additional persona for the caller's user without bringing it online. There is
// no dedicated ack frame for this in the wire catalogue, so the hub confirms creation the same way
// get_online_characters reports characters: an online_characters frame naming just the one just created.
func (h *Hub) handleRegisterCharacter(client *Client, userID uuid.UUID, frame wire.Frame) {
	var payload registerCharacterPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid register_character payload", err))
		return
	}
	account, err := character.ValidateAccount(payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}
	nickname, err := character.ValidateNickname(payload.Nickname)
	if err != nil {
		h.sendError(client, err)
		return
	}
	if payload.Avatar != "" {
		if err := character.ValidateAvatar(payload.Avatar, h.cfg.CharacterAvatarMaxChars); err != nil {
			h.sendError(client, err)
			return
		}
	}
	bio, err := character.ValidateBio(payload.Bio)
	if err != nil {
		h.sendError(client, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := h.characters.Create(ctx, character.CreateParams{
		UserID:   userID,
		Account:  account,
		Nickname: nickname,
		Avatar:   payload.Avatar,
		Bio:      bio,
	})
	if err != nil {
		h.sendError(client, err)
		return
	}
	h.reply(client, wire.TypeOnlineCharacters, []characterPayload{characterToPayload(ch)})
}

type searchUserPayload struct {
	Account string `json:"account"`
}

type searchResultPayload struct {
	Account  string `json:"account"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	IsOnline bool   `json:"is_online"`
}

func (h *Hub) handleSearchUser(client *Client, frame wire.Frame) {
	var payload searchUserPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid search_user payload", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.friends.Search(ctx, payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}
	h.reply(client, wire.TypeSearchResult, searchResultPayload{
		Account:  result.Account,
		Nickname: result.Nickname,
		Avatar:   result.Avatar,
		IsOnline: result.IsOnline,
	})
}

type friendRequestPayload struct {
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Message     string `json:"message,omitempty"`
}

func (h *Hub) handleFriendRequest(client *Client, frame wire.Frame) {
	var payload friendRequestPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid friend_request payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.FromAccount) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.friends.SendRequest(ctx, payload.FromAccount, payload.ToAccount, payload.Message); err != nil {
		h.sendError(client, err)
	}
	// Service.SendRequest pushes a friend_request frame to the recipient if online; the sender gets no separate ack.
}

type friendRequestActionPayload struct {
	Account   string    `json:"account"`
	RequestID uuid.UUID `json:"request_id"`
}

func (h *Hub) handleAcceptFriendRequest(client *Client, frame wire.Frame) {
	var payload friendRequestActionPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid accept_friend_request payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.friends.Accept(ctx, payload.Account, payload.RequestID); err != nil {
		h.sendError(client, err)
	}
	// Service.Accept pushes friend_request_accepted to both parties, caller included.
}

func (h *Hub) handleRejectFriendRequest(client *Client, frame wire.Frame) {
	var payload friendRequestActionPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid reject_friend_request payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.friends.Reject(ctx, payload.Account, payload.RequestID); err != nil {
		h.sendError(client, err)
	}
}

type getPendingRequestsPayload struct {
	Account string `json:"account"`
}

type pendingRequestPayload struct {
	RequestID   uuid.UUID `json:"request_id"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Message     string    `json:"message,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   wire.Time `json:"created_at"`
}

func (h *Hub) handleGetPendingRequests(client *Client, frame wire.Frame) {
	var payload getPendingRequestsPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid get_pending_requests payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reqs, err := h.friends.PendingRequests(ctx, payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}
	out := make([]pendingRequestPayload, len(reqs))
	for i := range reqs {
		r := reqs[i]
		out[i] = pendingRequestPayload{
			RequestID:   r.ID,
			FromAccount: r.FromAccount,
			ToAccount:   r.ToAccount,
			Message:     r.Message,
			Status:      string(r.Status),
			CreatedAt:   wire.FromStd(r.CreatedAt),
		}
	}
	h.reply(client, wire.TypePendingFriendRequests, out)
}

type sendMessagePayload struct {
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Content     string `json:"content"`
}

func (h *Hub) handleMessage(client *Client, frame wire.Frame) {
	var payload sendMessagePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid message payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.FromAccount) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.friends.Send(ctx, payload.FromAccount, payload.ToAccount, payload.Content); err != nil {
		h.sendError(client, err)
	}
	// No message ID is echoed back to the sender, matching the direct-messaging design's current ack policy.
}

type createOnlineGroupPayload struct {
	Account        string   `json:"account"`
	Name           string   `json:"name"`
	PersonaName    string   `json:"persona_name"`
	PersonaAvatar  *string  `json:"persona_avatar,omitempty"`
	PersonaDesc    string   `json:"persona_desc,omitempty"`
	InviteAccounts []string `json:"invite_accounts,omitempty"`
}

type groupPayload struct {
	GroupID        uuid.UUID `json:"group_id"`
	Name           string    `json:"name"`
	Avatar         *string   `json:"avatar,omitempty"`
	CreatorAccount string    `json:"creator_account"`
	CreatedAt      wire.Time `json:"created_at"`
}

func groupToPayload(g *group.Group) groupPayload {
	return groupPayload{GroupID: g.ID, Name: g.Name, Avatar: g.Avatar, CreatorAccount: g.CreatorAccount, CreatedAt: wire.FromStd(g.CreatedAt)}
}

func (h *Hub) handleCreateOnlineGroup(client *Client, frame wire.Frame) {
	var payload createOnlineGroupPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid create_online_group payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := h.groups.Create(ctx, payload.Account, payload.Name, payload.PersonaName, payload.PersonaAvatar, payload.PersonaDesc, payload.InviteAccounts)
	if err != nil {
		h.sendError(client, err)
		return
	}
	h.reply(client, wire.TypeOnlineGroupCreated, groupToPayload(g))
}

type inviteToGroupPayload struct {
	Account        string    `json:"account"`
	GroupID        uuid.UUID `json:"group_id"`
	InviteAccount  string    `json:"invite_account"`
}

func (h *Hub) handleInviteToGroup(client *Client, frame wire.Frame) {
	var payload inviteToGroupPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid invite_to_group payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.groups.Invite(ctx, payload.GroupID, payload.Account, payload.InviteAccount); err != nil {
		h.sendError(client, err)
	}
}

type joinOnlineGroupPayload struct {
	Account       string    `json:"account"`
	GroupID       uuid.UUID `json:"group_id"`
	PersonaName   string    `json:"persona_name"`
	PersonaAvatar *string   `json:"persona_avatar,omitempty"`
	PersonaDesc   string    `json:"persona_desc,omitempty"`
}

type groupMemberPayload struct {
	GroupID       uuid.UUID `json:"group_id"`
	Account       string    `json:"account"`
	PersonaName   string    `json:"persona_name"`
	PersonaAvatar *string   `json:"persona_avatar,omitempty"`
	PersonaDesc   string    `json:"persona_desc,omitempty"`
	JoinedAt      wire.Time `json:"joined_at"`
}

func memberToPayload(m *group.Member) groupMemberPayload {
	return groupMemberPayload{
		GroupID:       m.GroupID,
		Account:       m.Account,
		PersonaName:   m.PersonaName,
		PersonaAvatar: m.PersonaAvatar,
		PersonaDesc:   m.PersonaDesc,
		JoinedAt:      wire.FromStd(m.JoinedAt),
	}
}

func (h *Hub) handleJoinOnlineGroup(client *Client, frame wire.Frame) {
	var payload joinOnlineGroupPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid join_online_group payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	member, err := h.groups.Join(ctx, payload.GroupID, payload.Account, payload.PersonaName, payload.PersonaAvatar, payload.PersonaDesc)
	if err != nil {
		h.sendError(client, err)
		return
	}
	// Service.Join also broadcasts group_member_joined to every current member, the joiner included.
	h.reply(client, wire.TypeOnlineGroupJoined, memberToPayload(member))
}

type getOnlineGroupsPayload struct {
	Account string `json:"account"`
}

func (h *Hub) handleGetOnlineGroups(client *Client, frame wire.Frame) {
	var payload getOnlineGroupsPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid get_online_groups payload", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	groups, err := h.groups.List(ctx, payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}
	out := make([]groupPayload, len(groups))
	for i := range groups {
		out[i] = groupToPayload(&groups[i])
	}
	h.reply(client, wire.TypeOnlineGroupsList, out)
}

type getGroupMessagesPayload struct {
	Account string    `json:"account"`
	GroupID uuid.UUID `json:"group_id"`
	Since   *int64    `json:"since,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

type groupMessagePayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	GroupID        uuid.UUID `json:"group_id"`
	SenderAccount  *string   `json:"sender_account,omitempty"`
	SenderType     string    `json:"sender_type"`
	SenderName     string    `json:"sender_name"`
	CharacterName  *string   `json:"character_name,omitempty"`
	Content        string    `json:"content"`
	MsgType        string    `json:"msg_type"`
	RedpacketState any       `json:"redpacket_state,omitempty"`
	Version        int       `json:"version,omitempty"`
	CreatedAt      wire.Time `json:"created_at"`
}

func messageToPayload(msg *group.Message) groupMessagePayload {
	var state any
	if len(msg.RedpacketState) > 0 {
		state = msg.RedpacketState
	}
	return groupMessagePayload{
		MessageID:      msg.ID,
		GroupID:        msg.GroupID,
		SenderAccount:  msg.SenderAccount,
		SenderType:     string(msg.SenderType),
		SenderName:     msg.SenderName,
		CharacterName:  msg.CharacterName,
		Content:        msg.Content,
		MsgType:        msg.MsgType,
		RedpacketState: state,
		Version:        msg.Version,
		CreatedAt:      wire.FromStd(msg.CreatedAt),
	}
}

func (h *Hub) handleGetGroupMessages(client *Client, frame wire.Frame) {
	var payload getGroupMessagesPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid get_group_messages payload", err))
		return
	}
	query := group.HistoryQuery{Limit: payload.Limit}
	if payload.Since != nil {
		since := time.UnixMilli(*payload.Since)
		query.Since = &since
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := h.groups.History(ctx, payload.GroupID, payload.Account, query)
	if err != nil {
		h.sendError(client, err)
		return
	}
	out := make([]groupMessagePayload, len(messages))
	for i := range messages {
		out[i] = messageToPayload(&messages[i])
	}
	h.reply(client, wire.TypeGroupMessages, out)
}

type sendGroupMessagePayload struct {
	Account       string  `json:"account"`
	GroupID       uuid.UUID `json:"group_id"`
	SenderType    string  `json:"sender_type"`
	CharacterName string  `json:"character_name,omitempty"`
	Content       string  `json:"content,omitempty"`
	MsgType       string  `json:"msg_type,omitempty"`
	TotalAmount   float64 `json:"total_amount,omitempty"`
	ShareCount    int     `json:"share_count,omitempty"`
	RedpacketType string  `json:"redpacket_type,omitempty"`
}

// handleSendGroupMessage posts an ordinary group message, or — when msg_type is "redpacket" — creates a redpacket:
// per §4.7 a redpacket is itself a group message whose content is the claim state, so its creation rides the same
// frame rather than a separate one.
func (h *Hub) handleSendGroupMessage(client *Client, frame wire.Frame) {
	var payload sendGroupMessagePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid send_group_message payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if payload.MsgType == group.MsgTypeRedpacket {
		senderName := payload.CharacterName
		if senderName == "" {
			if ch, err := h.characters.GetByAccount(ctx, payload.Account); err == nil {
				senderName = ch.Nickname
			}
		}
		total := redpacket.CentsFromFloat64(payload.TotalAmount)
		if _, err := h.redpackets.Create(ctx, payload.GroupID, payload.Account, senderName, total, payload.ShareCount, redpacket.Distribution(payload.RedpacketType)); err != nil {
			h.sendError(client, err)
		}
		// Service.Create broadcasts the new redpacket message to every group member.
		return
	}

	if _, err := h.groups.Send(ctx, payload.GroupID, payload.Account, group.SenderType(payload.SenderType), payload.CharacterName, payload.Content); err != nil {
		h.sendError(client, err)
	}
	// Service.Send broadcasts group_message to every current member, sender included.
}

type getGroupMembersPayload struct {
	Account string    `json:"account"`
	GroupID uuid.UUID `json:"group_id"`
}

func (h *Hub) handleGetGroupMembers(client *Client, frame wire.Frame) {
	var payload getGroupMembersPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid get_group_members payload", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	members, err := h.groups.GetMembers(ctx, payload.GroupID, payload.Account)
	if err != nil {
		h.sendError(client, err)
		return
	}
	out := make([]groupMemberPayload, len(members))
	for i := range members {
		out[i] = memberToPayload(&members[i])
	}
	h.reply(client, wire.TypeGroupMembers, out)
}

type updateGroupCharacterPayload struct {
	Account       string    `json:"account"`
	GroupID       uuid.UUID `json:"group_id"`
	PersonaName   string    `json:"persona_name"`
	PersonaAvatar *string   `json:"persona_avatar,omitempty"`
	PersonaDesc   string    `json:"persona_desc,omitempty"`
}

// handleUpdateGroupCharacter changes the caller's per-group persona. Per §4.6 this carries no broadcast beyond an
// ack to the caller; other members only see the change the next time they interact with this member.
func (h *Hub) handleUpdateGroupCharacter(client *Client, frame wire.Frame) {
	var payload updateGroupCharacterPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid update_group_character payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	member, err := h.groups.UpdatePersona(ctx, payload.GroupID, payload.Account, payload.PersonaName, payload.PersonaAvatar, payload.PersonaDesc)
	if err != nil {
		h.sendError(client, err)
		return
	}
	h.reply(client, wire.TypeGroupCharacterUpdated, memberToPayload(member))
}

type groupTypingPayload struct {
	Account string    `json:"account"`
	GroupID uuid.UUID `json:"group_id"`
}

func (h *Hub) handleGroupTypingStart(client *Client, frame wire.Frame) {
	var payload groupTypingPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid group_typing_start payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.groups.StartTyping(ctx, payload.GroupID, payload.Account); err != nil {
		h.sendError(client, err)
	}
}

func (h *Hub) handleGroupTypingStop(client *Client, frame wire.Frame) {
	var payload groupTypingPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid group_typing_stop payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.groups.StopTyping(ctx, payload.GroupID, payload.Account); err != nil {
		h.sendError(client, err)
	}
}

type claimGroupRedpacketPayload struct {
	Account   string    `json:"account"`
	GroupID   uuid.UUID `json:"group_id"`
	MessageID uuid.UUID `json:"message_id"`
}

func (h *Hub) handleClaimGroupRedpacket(client *Client, frame wire.Frame) {
	var payload claimGroupRedpacketPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		h.sendError(client, apperr.Wrap(apperr.KindInvalid, "invalid claim_group_redpacket payload", err))
		return
	}
	if !h.requireOwnedAccount(client, payload.Account) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.redpackets.Claim(ctx, payload.GroupID, payload.MessageID, payload.Account); err != nil {
		h.sendError(client, err)
	}
	// Service.Claim pushes redpacket_claimed to the claimant and broadcasts the updated message to the group.
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
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

// fakeUserRepo implements identity.Repository for testing.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*identity.User
}

func newFakeUserRepo() *fakeUserRepo { return &fakeUserRepo{users: make(map[uuid.UUID]*identity.User)} }

func (f *fakeUserRepo) Create(ctx context.Context, username, email, passwordHash string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			return nil, apperr.New(apperr.KindConflict, "username taken")
		}
	}
	u := &identity.User{ID: uuid.New(), Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now()}
	f.users[u.ID] = u
	return u, nil
}
func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "account not found")
}
func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "account not found")
	}
	return u, nil
}
func (f *fakeUserRepo) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error { return nil }
func (f *fakeUserRepo) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return nil
}
func (f *fakeUserRepo) SetMFASecret(ctx context.Context, id uuid.UUID, encryptedSecret *string) error {
	return nil
}

func (f *fakeUserRepo) put(u *identity.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// fakeCharacterRepo implements character.Repository for testing.
type fakeCharacterRepo struct {
	mu        sync.Mutex
	byAccount map[string]*character.Character
	byID      map[uuid.UUID]*character.Character
}

func newFakeCharacterRepo() *fakeCharacterRepo {
	return &fakeCharacterRepo{byAccount: make(map[string]*character.Character), byID: make(map[uuid.UUID]*character.Character)}
}

func (f *fakeCharacterRepo) Create(ctx context.Context, params character.CreateParams) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(params.Account)
	if _, ok := f.byAccount[key]; ok {
		return nil, apperr.New(apperr.KindConflict, "account taken")
	}
	ch := &character.Character{
		ID: uuid.New(), UserID: params.UserID, Account: params.Account, Nickname: params.Nickname,
		Avatar: params.Avatar, Bio: params.Bio, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	f.byAccount[key] = ch
	f.byID[ch.ID] = ch
	return ch, nil
}
func (f *fakeCharacterRepo) GetByID(ctx context.Context, id uuid.UUID) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "character not found")
	}
	return ch, nil
}
func (f *fakeCharacterRepo) GetByAccount(ctx context.Context, account string) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byAccount[strings.ToLower(account)]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "character not found")
	}
	return ch, nil
}
func (f *fakeCharacterRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []character.Character
	for _, ch := range f.byID {
		if ch.UserID == userID {
			out = append(out, *ch)
		}
	}
	return out, nil
}
func (f *fakeCharacterRepo) Update(ctx context.Context, id uuid.UUID, params character.UpdateParams) (*character.Character, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "character not found")
	}
	if params.Nickname != nil {
		ch.Nickname = *params.Nickname
	}
	if params.Avatar != nil {
		ch.Avatar = *params.Avatar
	}
	if params.Bio != nil {
		ch.Bio = *params.Bio
	}
	return ch, nil
}
func (f *fakeCharacterRepo) SetOnline(ctx context.Context, id uuid.UUID, online bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.byID[id]; ok {
		ch.IsOnline = online
	}
	return nil
}

// fakeFriendRepo implements friend.Repository for testing. It is intentionally minimal: only the handful of
// methods exercised by the dispatch-level tests below actually hold state.
type fakeFriendRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*friend.FriendRequest
}

func newFakeFriendRepo() *fakeFriendRepo {
	return &fakeFriendRepo{requests: make(map[uuid.UUID]*friend.FriendRequest)}
}
func (f *fakeFriendRepo) CreateRequest(ctx context.Context, fromAccount, toAccount, message string) (*friend.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := &friend.FriendRequest{ID: uuid.New(), FromAccount: fromAccount, ToAccount: toAccount, Message: message, Status: friend.RequestPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.requests[req.ID] = req
	return req, nil
}
func (f *fakeFriendRepo) GetRequest(ctx context.Context, id uuid.UUID) (*friend.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "request not found")
	}
	return req, nil
}
func (f *fakeFriendRepo) ResolveRequest(ctx context.Context, id uuid.UUID, status friend.RequestStatus) (*friend.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "request not found")
	}
	req.Status = status
	req.UpdatedAt = time.Now()
	return req, nil
}
func (f *fakeFriendRepo) PendingRequestsFor(ctx context.Context, account string) ([]friend.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []friend.FriendRequest
	for _, req := range f.requests {
		if strings.EqualFold(req.ToAccount, account) && req.Status == friend.RequestPending {
			out = append(out, *req)
		}
	}
	return out, nil
}
func (f *fakeFriendRepo) AreFriends(ctx context.Context, account, otherAccount string) (bool, error) {
	return true, nil
}
func (f *fakeFriendRepo) CreateFriendship(ctx context.Context, account, friendAccount string) error {
	return nil
}
func (f *fakeFriendRepo) QueueOfflineMessage(ctx context.Context, fromAccount, toAccount, content string) (*friend.OfflineMessage, error) {
	return &friend.OfflineMessage{ID: uuid.New(), FromAccount: fromAccount, ToAccount: toAccount, Content: content, CreatedAt: time.Now()}, nil
}
func (f *fakeFriendRepo) PendingOfflineMessages(ctx context.Context, toAccount string) ([]friend.OfflineMessage, error) {
	return nil, nil
}
func (f *fakeFriendRepo) MarkDelivered(ctx context.Context, ids []uuid.UUID) error { return nil }

// fakeGroupRepo implements group.Repository for testing.
type fakeGroupRepo struct {
	mu       sync.Mutex
	groups   map[uuid.UUID]*group.Group
	members  map[uuid.UUID]map[string]*group.Member
	messages map[uuid.UUID][]group.Message
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{
		groups:   make(map[uuid.UUID]*group.Group),
		members:  make(map[uuid.UUID]map[string]*group.Member),
		messages: make(map[uuid.UUID][]group.Message),
	}
}
func (f *fakeGroupRepo) Create(ctx context.Context, name string, creatorAccount, personaName string, personaAvatar *string, personaDesc string) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &group.Group{ID: uuid.New(), Name: name, CreatorAccount: creatorAccount, CreatedAt: time.Now()}
	f.groups[g.ID] = g
	f.members[g.ID] = map[string]*group.Member{
		strings.ToLower(creatorAccount): {GroupID: g.ID, Account: creatorAccount, PersonaName: personaName, PersonaAvatar: personaAvatar, PersonaDesc: personaDesc, JoinedAt: time.Now()},
	}
	return g, nil
}
func (f *fakeGroupRepo) GetByID(ctx context.Context, id uuid.UUID) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "group not found")
	}
	return g, nil
}
func (f *fakeGroupRepo) ListForAccount(ctx context.Context, account string) ([]group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []group.Group
	for groupID, members := range f.members {
		if _, ok := members[strings.ToLower(account)]; ok {
			out = append(out, *f.groups[groupID])
		}
	}
	return out, nil
}
func (f *fakeGroupRepo) Join(ctx context.Context, groupID uuid.UUID, account, personaName string, personaAvatar *string, personaDesc string) (*group.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return nil, apperr.New(apperr.KindNotFound, "group not found")
	}
	if f.members[groupID] == nil {
		f.members[groupID] = make(map[string]*group.Member)
	}
	m := &group.Member{GroupID: groupID, Account: account, PersonaName: personaName, PersonaAvatar: personaAvatar, PersonaDesc: personaDesc, JoinedAt: time.Now()}
	f.members[groupID][strings.ToLower(account)] = m
	return m, nil
}
func (f *fakeGroupRepo) GetMember(ctx context.Context, groupID uuid.UUID, account string) (*group.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[groupID][strings.ToLower(account)]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "not a member")
	}
	return m, nil
}
func (f *fakeGroupRepo) ListMembers(ctx context.Context, groupID uuid.UUID) ([]group.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []group.Member
	for _, m := range f.members[groupID] {
		out = append(out, *m)
	}
	return out, nil
}
func (f *fakeGroupRepo) IsMember(ctx context.Context, groupID uuid.UUID, account string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[groupID][strings.ToLower(account)]
	return ok, nil
}
func (f *fakeGroupRepo) CreateMessage(ctx context.Context, params group.CreateMessageParams) (*group.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := group.Message{
		ID: uuid.New(), GroupID: params.GroupID, SenderType: params.SenderType, SenderAccount: params.SenderAccount,
		SenderName: params.SenderName, CharacterName: params.CharacterName, Content: params.Content,
		MsgType: params.MsgType, RedpacketState: params.RedpacketState, Version: 1, CreatedAt: time.Now(),
	}
	f.messages[params.GroupID] = append(f.messages[params.GroupID], msg)
	return &msg, nil
}
func (f *fakeGroupRepo) GetMessage(ctx context.Context, id uuid.UUID) (*group.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				return &msgs[i], nil
			}
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "message not found")
}
func (f *fakeGroupRepo) UpdateRedpacketState(ctx context.Context, messageID uuid.UUID, state json.RawMessage, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for groupID, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				if msgs[i].Version != expectedVersion {
					return apperr.New(apperr.KindInconsistent, "version mismatch")
				}
				msgs[i].RedpacketState = state
				msgs[i].Version++
				f.messages[groupID] = msgs
				return nil
			}
		}
	}
	return apperr.New(apperr.KindNotFound, "message not found")
}
func (f *fakeGroupRepo) History(ctx context.Context, groupID uuid.UUID, query group.HistoryQuery) ([]group.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]group.Message{}, f.messages[groupID]...), nil
}

// testHarness wires a Hub to an in-memory domain stack: fake repositories everywhere, a miniredis instance for the
// typing store, and an in-process redpacket lock.
type testHarness struct {
	hub      *Hub
	users    *fakeUserRepo
	chars    *fakeCharacterRepo
	friendsR *fakeFriendRepo
	groupsR  *fakeGroupRepo
	cfg      *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		JWTSecret:               "test-secret-for-gateway-hub-tests-min-32-bytes",
		JWTTokenTTL:             time.Hour,
		TokenIssuer:             "roleplay-hub-test",
		Argon2Memory:            16 * 1024,
		Argon2Iterations:        1,
		Argon2Parallelism:       1,
		Argon2SaltLength:        16,
		Argon2KeyLength:         32,
		HeartbeatInterval:       30 * time.Second,
		IdentifyTimeout:         30 * time.Second,
		MaxConnections:          10,
		CharacterAvatarMaxChars: 1000,
		PersonaAvatarMaxBytes:   1000,
		MaxDirectMessageLength:  4000,
		MaxGroupMessageLength:   4000,
	}

	users := newFakeUserRepo()
	chars := newFakeCharacterRepo()
	friendsR := newFakeFriendRepo()
	groupsR := newFakeGroupRepo()

	idSvc, err := identity.NewService(users, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}

	var hub *Hub
	reg := presence.New(chars, func(sessionID uuid.UUID, account string) { hub.EvictSession(sessionID, account) })
	typing := presence.NewTypingStore(rdb)

	hub = NewHub(cfg, reg, idSvc, chars, zerolog.Nop())

	friendSvc := friend.NewService(friendsR, chars, reg, hub, cfg.MaxDirectMessageLength, zerolog.Nop())
	groupSvc := group.NewService(groupsR, chars, reg, typing, hub, cfg.MaxGroupMessageLength, cfg.PersonaAvatarMaxBytes, zerolog.Nop())
	redSvc := redpacket.NewService(groupSvc, hub, redpacket.NewInProcessLocker(), zerolog.Nop())
	hub.AttachServices(friendSvc, groupSvc, redSvc)

	return &testHarness{hub: hub, users: users, chars: chars, friendsR: friendsR, groupsR: groupsR, cfg: cfg}
}

// createAccount registers a fake identity user and returns its ID and a valid access token.
func (h *testHarness) createAccount(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	userID := uuid.New()
	h.users.put(&identity.User{ID: userID, Username: "user-" + userID.String()[:8], PasswordHash: "x", CreatedAt: time.Now()})
	token, err := identity.NewAccessToken(userID, h.cfg.JWTSecret, h.cfg.JWTTokenTTL, h.cfg.TokenIssuer)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	return userID, token
}

// dial opens a live WebSocket connection against an httptest server that upgrades every request straight into
// hub.ServeWebSocket, giving dispatch tests a real Client with real readPump/writePump goroutines.
func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.hub.ServeWebSocket(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// authed dials a connection and completes the auth handshake for a fresh account, returning the connection and the
// account's user ID.
func (h *testHarness) authed(t *testing.T) (*websocket.Conn, uuid.UUID) {
	t.Helper()
	userID, token := h.createAccount(t)
	conn := h.dial(t)
	sendFrame(t, conn, wire.TypeAuth, authPayload{Token: token})
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeAuthSuccess {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeAuthSuccess)
	}
	return conn, userID
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	data, err := wire.Encode(frameType, payload)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestRegisterThenAuthBindsSession(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, wire.TypeRegister, registerPayload{Username: "nova", Password: "hunter2hunter2"})
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeRegisterSuccess {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeRegisterSuccess)
	}
	var reg authTokenPayload
	if err := json.Unmarshal(frame.Data, &reg); err != nil {
		t.Fatalf("unmarshal register_success payload: %v", err)
	}

	sendFrame(t, conn, wire.TypeAuth, authPayload{Token: reg.Token})
	authFrame := readFrame(t, conn)
	if authFrame.Type != wire.TypeAuthSuccess {
		t.Fatalf("frame.Type = %q, want %q", authFrame.Type, wire.TypeAuthSuccess)
	}
}

func TestAuthTwiceIsConflict(t *testing.T) {
	h := newTestHarness(t)
	conn, _ := h.authed(t)

	_, token := h.createAccount(t)
	sendFrame(t, conn, wire.TypeAuth, authPayload{Token: token})
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeError)
	}
	var payload apperr.FramePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != string(apperr.KindConflict) {
		t.Errorf("error code = %q, want %q", payload.Code, apperr.KindConflict)
	}
}

func TestDispatchRequiresAuthentication(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, wire.TypeGetOnlineGroups, getOnlineGroupsPayload{Account: "nova"})
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeError)
	}
	var payload apperr.FramePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != string(apperr.KindAuthRequired) {
		t.Errorf("error code = %q, want %q", payload.Code, apperr.KindAuthRequired)
	}
}

func TestDispatchUnknownTypeSendsErrorFrame(t *testing.T) {
	h := newTestHarness(t)
	conn, _ := h.authed(t)

	sendFrame(t, conn, "not_a_real_type", nil)
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeError {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeError)
	}
}

func TestPingReceivesPong(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)

	pingFrame, err := wire.EncodeBare(wire.TypePing)
	if err != nil {
		t.Fatalf("EncodeBare: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != wire.TypePong {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypePong)
	}
}

func TestGoOnlineCreatesAndBringsCharacterOnline(t *testing.T) {
	h := newTestHarness(t)
	conn, _ := h.authed(t)

	sendFrame(t, conn, wire.TypeGoOnline, goOnlinePayload{Account: "nova01", Nickname: "Nova", Bio: "hello"})
	frame := readFrame(t, conn)
	if frame.Type != wire.TypeCharacterOnline {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeCharacterOnline)
	}
	var ch characterPayload
	if err := json.Unmarshal(frame.Data, &ch); err != nil {
		t.Fatalf("unmarshal character_online payload: %v", err)
	}
	if ch.Account != "nova01" || !ch.IsOnline {
		t.Errorf("got %+v, want online nova01", ch)
	}
}

func TestGroupCreateJoinSend(t *testing.T) {
	h := newTestHarness(t)
	ownerConn, _ := h.authed(t)
	sendFrame(t, ownerConn, wire.TypeGoOnline, goOnlinePayload{Account: "owner01", Nickname: "Owner"})
	readFrame(t, ownerConn) // character_online

	sendFrame(t, ownerConn, wire.TypeCreateOnlineGroup, createOnlineGroupPayload{Account: "owner01", Name: "Tavern", PersonaName: "Owner"})
	createdFrame := readFrame(t, ownerConn)
	if createdFrame.Type != wire.TypeOnlineGroupCreated {
		t.Fatalf("frame.Type = %q, want %q", createdFrame.Type, wire.TypeOnlineGroupCreated)
	}
	var g groupPayload
	if err := json.Unmarshal(createdFrame.Data, &g); err != nil {
		t.Fatalf("unmarshal group payload: %v", err)
	}

	memberConn, _ := h.authed(t)
	sendFrame(t, memberConn, wire.TypeGoOnline, goOnlinePayload{Account: "wanderer01", Nickname: "Wanderer"})
	readFrame(t, memberConn) // character_online

	sendFrame(t, memberConn, wire.TypeJoinOnlineGroup, joinOnlineGroupPayload{Account: "wanderer01", GroupID: g.GroupID, PersonaName: "Wanderer"})

	// Service.Join broadcasts group_member_joined to every current member; the owner should see it.
	joinedAtOwner := readFrame(t, ownerConn)
	if joinedAtOwner.Type != wire.TypeGroupMemberJoined {
		t.Fatalf("owner frame.Type = %q, want %q", joinedAtOwner.Type, wire.TypeGroupMemberJoined)
	}
	// The joiner is also a group member, so it receives the same broadcast before its own join ack.
	broadcastAtMember := readFrame(t, memberConn)
	if broadcastAtMember.Type != wire.TypeGroupMemberJoined {
		t.Fatalf("member broadcast frame.Type = %q, want %q", broadcastAtMember.Type, wire.TypeGroupMemberJoined)
	}
	joinedAtMember := readFrame(t, memberConn)
	if joinedAtMember.Type != wire.TypeOnlineGroupJoined {
		t.Fatalf("member frame.Type = %q, want %q", joinedAtMember.Type, wire.TypeOnlineGroupJoined)
	}

	sendFrame(t, memberConn, wire.TypeSendGroupMessage, sendGroupMessagePayload{Account: "wanderer01", GroupID: g.GroupID, SenderType: "character", CharacterName: "Wanderer", Content: "hello there"})

	ownerMsg := readFrame(t, ownerConn)
	if ownerMsg.Type != wire.TypeGroupMessage {
		t.Fatalf("owner frame.Type = %q, want %q", ownerMsg.Type, wire.TypeGroupMessage)
	}
	memberMsg := readFrame(t, memberConn)
	if memberMsg.Type != wire.TypeGroupMessage {
		t.Fatalf("member frame.Type = %q, want %q", memberMsg.Type, wire.TypeGroupMessage)
	}
	var decoded groupMessagePayload
	if err := json.Unmarshal(memberMsg.Data, &decoded); err != nil {
		t.Fatalf("unmarshal message payload: %v", err)
	}
	if decoded.Content != "hello there" {
		t.Errorf("Content = %q, want %q", decoded.Content, "hello there")
	}
	if decoded.SenderAccount == nil || *decoded.SenderAccount != "wanderer01" {
		t.Errorf("SenderAccount = %v, want wanderer01", decoded.SenderAccount)
	}
}

func TestSendGroupMessageRejectsAccountNotOwned(t *testing.T) {
	h := newTestHarness(t)
	ownerConn, _ := h.authed(t)
	sendFrame(t, ownerConn, wire.TypeGoOnline, goOnlinePayload{Account: "owner02", Nickname: "Owner"})
	readFrame(t, ownerConn)

	sendFrame(t, ownerConn, wire.TypeCreateOnlineGroup, createOnlineGroupPayload{Account: "owner02", Name: "Tavern", PersonaName: "Owner"})
	createdFrame := readFrame(t, ownerConn)
	var g groupPayload
	if err := json.Unmarshal(createdFrame.Data, &g); err != nil {
		t.Fatalf("unmarshal group payload: %v", err)
	}

	sendFrame(t, ownerConn, wire.TypeSendGroupMessage, sendGroupMessagePayload{Account: "someone-elses-account", GroupID: g.GroupID, SenderType: "character", Content: "spoof"})
	frame := readFrame(t, ownerConn)
	if frame.Type != wire.TypeError {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypeError)
	}
	var payload apperr.FramePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != string(apperr.KindForbidden) {
		t.Errorf("error code = %q, want %q", payload.Code, apperr.KindForbidden)
	}
}

func TestFriendRequestToOfflineAccountIsQueued(t *testing.T) {
	h := newTestHarness(t)
	conn, _ := h.authed(t)
	sendFrame(t, conn, wire.TypeGoOnline, goOnlinePayload{Account: "asker01", Nickname: "Asker"})
	readFrame(t, conn)
	if _, err := h.chars.Create(context.Background(), character.CreateParams{UserID: uuid.New(), Account: "offline01", Nickname: "Offline"}); err != nil {
		t.Fatalf("create offline character: %v", err)
	}

	sendFrame(t, conn, wire.TypeFriendRequest, friendRequestPayload{FromAccount: "asker01", ToAccount: "offline01", Message: "hi"})

	// No ack is sent to the sender; confirm the connection is still responsive with a subsequent ping.
	pingFrame, _ := wire.EncodeBare(wire.TypePing)
	_ = conn.WriteMessage(websocket.TextMessage, pingFrame)
	frame := readFrame(t, conn)
	if frame.Type != wire.TypePong {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, wire.TypePong)
	}
}

func TestPushToAccountOfflineReturnsFalse(t *testing.T) {
	h := newTestHarness(t)
	if h.hub.PushToAccount("nobody", []byte(`{}`)) {
		t.Error("PushToAccount for an offline account returned true")
	}
}

func TestRegisterMaxConnectionsRejectsBeyondCap(t *testing.T) {
	h := newTestHarness(t)
	h.hub.cfg.MaxConnections = 1

	first := &Client{hub: h.hub, sessionID: uuid.New(), send: make(chan []byte, 1), done: make(chan struct{}), log: zerolog.Nop()}
	if err := h.hub.register(first); err != nil {
		t.Fatalf("register(first): %v", err)
	}

	second := &Client{hub: h.hub, sessionID: uuid.New(), send: make(chan []byte, 1), done: make(chan struct{}), log: zerolog.Nop()}
	if err := h.hub.register(second); err != ErrMaxConnections {
		t.Fatalf("register(second) error = %v, want ErrMaxConnections", err)
	}
	if h.hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", h.hub.ClientCount())
	}
}
